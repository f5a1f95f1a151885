package sandbox

import (
	"context"
	"errors"

	"github.com/islombek4642/tgsecret/internal/platform"
)

var errNoPasswordCheck = errors.New("sandbox: no password check pending")

// conn is the unauthenticated handshake connection. All state is guarded
// by the platform mutex.
type conn struct {
	p          *Platform
	closed     bool
	pending    *account
	authorized *account
}

func (c *conn) SendCode(ctx context.Context, phone string) (platform.SentCode, error) {
	if err := c.p.wait(ctx); err != nil {
		return platform.SentCode{}, err
	}
	p := c.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.closed {
		return platform.SentCode{}, platform.ErrClosed
	}
	key := phoneKey(phone)
	acct, ok := p.accounts[key]
	if !ok {
		return platform.SentCode{}, platform.ErrPhoneInvalid
	}
	if acct.banned {
		return platform.SentCode{}, platform.ErrPhoneBanned
	}
	if wait, ok := p.flood[key]; ok {
		return platform.SentCode{}, &platform.FloodWaitError{Wait: wait}
	}

	// A new code invalidates any earlier one for the same phone.
	for hash, pc := range p.codes {
		if pc.phone == key {
			delete(p.codes, hash)
		}
	}
	hash := randomToken()
	p.codes[hash] = &pendingCode{phone: key, code: p.codeGen(), issued: p.now()}
	return platform.SentCode{Hash: hash, Delivery: "app", Timeout: p.codeTTL}, nil
}

func (c *conn) SignIn(ctx context.Context, phone, codeHash, code string) (platform.Account, error) {
	if err := c.p.wait(ctx); err != nil {
		return platform.Account{}, err
	}
	p := c.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.closed {
		return platform.Account{}, platform.ErrClosed
	}
	pc, ok := p.codes[codeHash]
	if !ok || pc.phone != phoneKey(phone) {
		return platform.Account{}, platform.ErrCodeExpired
	}
	if p.now().Sub(pc.issued) > p.codeTTL {
		delete(p.codes, codeHash)
		return platform.Account{}, platform.ErrCodeExpired
	}
	if code != pc.code {
		return platform.Account{}, platform.ErrCodeInvalid
	}
	delete(p.codes, codeHash)

	acct := p.accounts[pc.phone]
	if acct.password != "" {
		c.pending = acct
		return platform.Account{}, platform.ErrPasswordNeeded
	}
	c.authorized = acct
	return acct.profile, nil
}

func (c *conn) CheckPassword(ctx context.Context, password string) (platform.Account, error) {
	if err := c.p.wait(ctx); err != nil {
		return platform.Account{}, err
	}
	p := c.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.closed {
		return platform.Account{}, platform.ErrClosed
	}
	if c.pending == nil {
		return platform.Account{}, errNoPasswordCheck
	}
	if password != c.pending.password {
		return platform.Account{}, platform.ErrPasswordInvalid
	}
	c.authorized, c.pending = c.pending, nil
	return c.authorized.profile, nil
}

func (c *conn) Export() ([]byte, error) {
	p := c.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.authorized == nil {
		return nil, platform.ErrUnauthorized
	}
	token := randomToken()
	p.sessions[token] = &session{token: token, accountID: c.authorized.profile.ID}
	return []byte(token), nil
}

func (c *conn) Close() error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.closed = true
	return nil
}
