// Package testutil provides fixtures shared by tgsecret tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/islombek4642/tgsecret/internal/credential"
	"github.com/islombek4642/tgsecret/internal/event"
	"github.com/islombek4642/tgsecret/internal/platform"
	"github.com/islombek4642/tgsecret/internal/platform/sandbox"
	"github.com/islombek4642/tgsecret/internal/user"
)

// Clock is a manually advanced clock. It is safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Recorder collects every event published on a bus.
type Recorder struct {
	mu     sync.Mutex
	events []event.Event
}

// Record subscribes a new Recorder to bus.
func Record(bus *event.Bus) *Recorder {
	r := &Recorder{}
	bus.SubscribeAll(func(e event.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

// Events returns the recorded events in publish order.
func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// Count returns how many events of type eventType were recorded.
func (r *Recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType()
	}
	return out
}

// FixedCode is the login code issued by NewSandbox.
const FixedCode = "24680"

// NewSandbox returns a sandbox platform that issues FixedCode.
func NewSandbox(opts ...sandbox.Option) *sandbox.Platform {
	return sandbox.New(append([]sandbox.Option{sandbox.WithFixedCode(FixedCode)}, opts...)...)
}

// NewFileStore returns a credential store in a temporary directory.
func NewFileStore(t *testing.T) *credential.FileStore {
	t.Helper()
	s, err := credential.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create credential store: %v", err)
	}
	return s
}

// Provision registers an account on p, completes a login for it directly
// against the platform and stores the resulting credential for uid.
func Provision(t *testing.T, p *sandbox.Platform, store credential.Store, uid user.ID, phone string) platform.Account {
	t.Helper()
	ctx := context.Background()
	acct := p.AddAccount(sandbox.AccountSpec{Phone: phone, Username: "user" + uid.String(), FirstName: "Test"})

	conn, err := p.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	sent, err := conn.SendCode(ctx, phone)
	if err != nil {
		t.Fatalf("send code: %v", err)
	}
	code, _ := p.LastCode(phone)
	if _, err := conn.SignIn(ctx, phone, sent.Hash, code); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	blob, err := conn.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	err = store.Put(ctx, uid, credential.Credential{
		Session: blob,
		Valid:   true,
		Account: credential.Account{ID: acct.ID, Phone: acct.Phone, Username: acct.Username, FirstName: acct.FirstName},
	})
	if err != nil {
		t.Fatalf("store credential: %v", err)
	}
	return acct
}

// Eventually polls cond until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
