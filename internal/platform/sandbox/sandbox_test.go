package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/islombek4642/tgsecret/internal/platform"
)

func login(t *testing.T, p *Platform, phone string) []byte {
	t.Helper()
	ctx := context.Background()

	c, err := p.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	sent, err := c.SendCode(ctx, phone)
	if err != nil {
		t.Fatalf("SendCode: %v", err)
	}
	code, _ := p.LastCode(phone)
	if _, err := c.SignIn(ctx, phone, sent.Hash, code); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	blob, err := c.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	return blob
}

func TestHandshake(t *testing.T) {
	ctx := context.Background()
	p := New(WithFixedCode("12345"))
	p.AddAccount(AccountSpec{Phone: "+1 555 0001", FirstName: "Ada"})
	p.AddAccount(AccountSpec{Phone: "+15550002", Password: "secret"})
	p.AddAccount(AccountSpec{Phone: "+15550003", Banned: true})

	t.Run("unknown phone", func(t *testing.T) {
		c, _ := p.Dial(ctx)
		if _, err := c.SendCode(ctx, "+19999999"); !errors.Is(err, platform.ErrPhoneInvalid) {
			t.Errorf("SendCode() = %v, want ErrPhoneInvalid", err)
		}
	})

	t.Run("banned phone", func(t *testing.T) {
		c, _ := p.Dial(ctx)
		if _, err := c.SendCode(ctx, "+15550003"); !errors.Is(err, platform.ErrPhoneBanned) {
			t.Errorf("SendCode() = %v, want ErrPhoneBanned", err)
		}
	})

	t.Run("wrong code then right code", func(t *testing.T) {
		c, _ := p.Dial(ctx)
		sent, err := c.SendCode(ctx, "+15550001")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.SignIn(ctx, "+15550001", sent.Hash, "00000"); !errors.Is(err, platform.ErrCodeInvalid) {
			t.Fatalf("SignIn(wrong) = %v, want ErrCodeInvalid", err)
		}
		acct, err := c.SignIn(ctx, "+15550001", sent.Hash, "12345")
		if err != nil {
			t.Fatalf("SignIn(right) = %v", err)
		}
		if acct.FirstName != "Ada" {
			t.Errorf("account = %+v", acct)
		}
	})

	t.Run("two-step password", func(t *testing.T) {
		c, _ := p.Dial(ctx)
		sent, _ := c.SendCode(ctx, "+15550002")
		if _, err := c.SignIn(ctx, "+15550002", sent.Hash, "12345"); !errors.Is(err, platform.ErrPasswordNeeded) {
			t.Fatalf("SignIn() = %v, want ErrPasswordNeeded", err)
		}
		if _, err := c.Export(); !errors.Is(err, platform.ErrUnauthorized) {
			t.Errorf("Export before password = %v, want ErrUnauthorized", err)
		}
		if _, err := c.CheckPassword(ctx, "nope"); !errors.Is(err, platform.ErrPasswordInvalid) {
			t.Errorf("CheckPassword(wrong) = %v", err)
		}
		if _, err := c.CheckPassword(ctx, "secret"); err != nil {
			t.Fatalf("CheckPassword(right) = %v", err)
		}
		if _, err := c.Export(); err != nil {
			t.Errorf("Export() = %v", err)
		}
	})
}

func TestCodeExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	p := New(WithFixedCode("11111"), WithCodeTTL(time.Minute), WithClock(func() time.Time { return now }))
	p.AddAccount(AccountSpec{Phone: "+15550001"})

	c, _ := p.Dial(ctx)
	sent, _ := c.SendCode(ctx, "+15550001")
	now = now.Add(2 * time.Minute)

	if _, err := c.SignIn(ctx, "+15550001", sent.Hash, "11111"); !errors.Is(err, platform.ErrCodeExpired) {
		t.Errorf("SignIn() after ttl = %v, want ErrCodeExpired", err)
	}
}

func TestFloodWait(t *testing.T) {
	ctx := context.Background()
	p := New()
	p.AddAccount(AccountSpec{Phone: "+15550001"})
	p.SetFloodWait("+15550001", 42*time.Second)

	c, _ := p.Dial(ctx)
	_, err := c.SendCode(ctx, "+15550001")
	var flood *platform.FloodWaitError
	if !errors.As(err, &flood) || flood.Wait != 42*time.Second {
		t.Errorf("SendCode() = %v, want FloodWaitError(42s)", err)
	}
}

func TestClientRunRevokeAndMessages(t *testing.T) {
	ctx := context.Background()
	p := New()
	acct := p.AddAccount(AccountSpec{Phone: "+15550001"})
	blob := login(t, p, "+15550001")

	cl, err := p.Connect(ctx, blob)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer cl.Close()

	got := make(chan platform.Message, 1)
	runErr := make(chan error, 1)
	go func() {
		runErr <- cl.Run(ctx, func(_ context.Context, m platform.Message) { got <- m })
	}()

	p.Deliver(acct.ID, platform.Message{ChatID: 5, Text: "hi"})
	select {
	case m := <-got:
		if m.Text != "hi" || m.ID == 0 {
			t.Errorf("delivered = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	p.Revoke(acct.ID)
	select {
	case err := <-runErr:
		if !errors.Is(err, platform.ErrUnauthorized) {
			t.Errorf("Run() = %v, want ErrUnauthorized", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after revoke")
	}

	if _, err := p.Connect(ctx, blob); !errors.Is(err, platform.ErrUnauthorized) {
		t.Errorf("Connect(revoked) = %v, want ErrUnauthorized", err)
	}
}

func TestRunModes(t *testing.T) {
	p := New()
	p.AddAccount(AccountSpec{Phone: "+15550001"})
	blob := login(t, p, "+15550001")

	t.Run("cooperative returns nil on cancel", func(t *testing.T) {
		cl, _ := p.Connect(context.Background(), blob)
		defer cl.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := cl.Run(ctx, func(context.Context, platform.Message) {}); err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	})

	t.Run("ignore cancel needs close", func(t *testing.T) {
		p.SetRunMode(RunIgnoreCancel)
		defer p.SetRunMode(RunCooperative)
		cl, _ := p.Connect(context.Background(), blob)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		done := make(chan error, 1)
		go func() { done <- cl.Run(ctx, func(context.Context, platform.Message) {}) }()
		select {
		case <-done:
			t.Fatal("Run returned on cancel in RunIgnoreCancel mode")
		case <-time.After(50 * time.Millisecond):
		}
		cl.Close()
		if err := <-done; !errors.Is(err, platform.ErrClosed) {
			t.Errorf("Run() = %v, want ErrClosed", err)
		}
	})
}

func TestOverlapsAndOpenClients(t *testing.T) {
	ctx := context.Background()
	p := New()
	acct := p.AddAccount(AccountSpec{Phone: "+15550001"})
	blob := login(t, p, "+15550001")

	a, _ := p.Connect(ctx, blob)
	a.Close()
	b, _ := p.Connect(ctx, blob)
	if p.Overlaps() != 0 {
		t.Errorf("Overlaps() = %d after sequential connects, want 0", p.Overlaps())
	}
	c, _ := p.Connect(ctx, blob)
	if p.Overlaps() != 1 {
		t.Errorf("Overlaps() = %d, want 1", p.Overlaps())
	}
	if p.OpenClients(acct.ID) != 2 {
		t.Errorf("OpenClients() = %d, want 2", p.OpenClients(acct.ID))
	}
	b.Close()
	c.Close()
}

func TestStallHonoursContext(t *testing.T) {
	p := New()
	release := p.Stall()
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Dial(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Dial() while stalled = %v, want deadline exceeded", err)
	}
}

func TestSendAndForward(t *testing.T) {
	ctx := context.Background()
	p := New()
	acct := p.AddAccount(AccountSpec{Phone: "+15550001"})
	cl, _ := p.Connect(ctx, login(t, p, "+15550001"))
	defer cl.Close()

	media := p.Deliver(acct.ID, platform.Message{ChatID: 77, HasMedia: true})
	if err := cl.ForwardMessage(ctx, 77, media.ID, platform.SavedMessages); err != nil {
		t.Fatalf("ForwardMessage: %v", err)
	}
	if _, err := cl.SendMessage(ctx, 77, "pong"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(p.Saved(acct.ID)) != 1 || !p.Saved(acct.ID)[0].HasMedia {
		t.Errorf("Saved() = %+v", p.Saved(acct.ID))
	}
	if len(p.Sent(acct.ID)) != 1 || p.Sent(acct.ID)[0].Text != "pong" {
		t.Errorf("Sent() = %+v", p.Sent(acct.ID))
	}
	if err := cl.ForwardMessage(ctx, 77, 9999, platform.SavedMessages); err == nil {
		t.Error("ForwardMessage(unknown) succeeded")
	}
}
