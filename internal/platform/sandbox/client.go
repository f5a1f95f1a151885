package sandbox

import (
	"context"
	"errors"

	"github.com/islombek4642/tgsecret/internal/platform"
)

var errMessageNotFound = errors.New("sandbox: message not found")

type client struct {
	p    *Platform
	sess *session
	acct *account
	mode RunMode

	inbox   chan platform.Message
	closed  chan struct{} // closed by Close
	revoked chan struct{} // closed by Revoke
	crashed chan error
}

// signal closes ch once. The platform mutex must be held.
func (c *client) signal(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// crash queues err for Run. The platform mutex must be held.
func (c *client) crash(err error) {
	select {
	case c.crashed <- err:
	default:
	}
}

func (c *client) Self(ctx context.Context) (platform.Account, error) {
	if err := c.p.wait(ctx); err != nil {
		return platform.Account{}, err
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()

	if c.isClosed() {
		return platform.Account{}, platform.ErrClosed
	}
	if c.sess.revoked {
		return platform.Account{}, platform.ErrUnauthorized
	}
	return c.acct.profile, nil
}

func (c *client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *client) Run(ctx context.Context, h platform.Handler) error {
	c.p.mu.Lock()
	revoked := c.sess.revoked
	c.p.mu.Unlock()
	if revoked {
		return platform.ErrUnauthorized
	}

	done := ctx.Done()
	closed := c.closed
	var unstick chan struct{}
	switch c.mode {
	case RunIgnoreCancel:
		done = nil
	case RunHang:
		done, closed = nil, nil
		unstick = c.p.unstick
	}

	for {
		select {
		case <-done:
			return nil
		case <-closed:
			return platform.ErrClosed
		case <-unstick:
			return platform.ErrClosed
		case <-c.revoked:
			return platform.ErrUnauthorized
		case err := <-c.crashed:
			return err
		case msg := <-c.inbox:
			h(ctx, msg)
		}
	}
}

func (c *client) SendMessage(ctx context.Context, chatID int64, text string) (platform.Message, error) {
	if err := c.p.wait(ctx); err != nil {
		return platform.Message{}, err
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()

	if err := c.usable(); err != nil {
		return platform.Message{}, err
	}
	c.acct.nextMsg++
	msg := platform.Message{
		ID:       c.acct.nextMsg,
		ChatID:   chatID,
		SenderID: c.acct.profile.ID,
		Outgoing: true,
		Text:     text,
		Date:     c.p.now(),
	}
	c.store(msg)
	return msg, nil
}

func (c *client) ForwardMessage(ctx context.Context, fromChatID, messageID, toChatID int64) error {
	if err := c.p.wait(ctx); err != nil {
		return err
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	for _, m := range c.acct.history {
		if m.ID == messageID && m.ChatID == fromChatID {
			c.acct.nextMsg++
			fwd := m
			fwd.ID = c.acct.nextMsg
			fwd.ChatID = toChatID
			fwd.Outgoing = true
			fwd.Date = c.p.now()
			c.store(fwd)
			return nil
		}
	}
	return errMessageNotFound
}

// usable must be called with the platform mutex held.
func (c *client) usable() error {
	if c.isClosed() {
		return platform.ErrClosed
	}
	if c.sess.revoked {
		return platform.ErrUnauthorized
	}
	return nil
}

// store must be called with the platform mutex held.
func (c *client) store(msg platform.Message) {
	if msg.ChatID == platform.SavedMessages {
		c.acct.saved = append(c.acct.saved, msg)
		return
	}
	c.acct.sent = append(c.acct.sent, msg)
}

func (c *client) Close() error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()

	if c.isClosed() {
		return nil
	}
	close(c.closed)
	c.sess.open--
	delete(c.acct.clients, c)
	return nil
}
