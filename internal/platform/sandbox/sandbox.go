// Package sandbox is an in-process simulation of the messaging platform.
//
// It keeps accounts, login codes and sessions in memory and implements the
// platform contracts faithfully enough to drive the whole daemon: codes
// expire, two-step passwords are enforced, sessions can be revoked, and
// running clients receive injected messages. Tests use its control hooks
// (Stall, Revoke, Crash, SetRunMode) to reproduce platform behavior that is
// otherwise hard to trigger.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/islombek4642/tgsecret/internal/platform"
)

// RunMode controls how a client's Run loop reacts to shutdown requests.
type RunMode int

const (
	// RunCooperative returns from Run as soon as its context is canceled.
	RunCooperative RunMode = iota
	// RunIgnoreCancel ignores context cancellation and only returns when
	// the client is closed.
	RunIgnoreCancel
	// RunHang ignores both cancellation and Close until Unstick is called.
	RunHang
)

// AccountSpec describes an account to create.
type AccountSpec struct {
	Phone     string
	Password  string
	FirstName string
	LastName  string
	Username  string
	Banned    bool
}

// Option configures a Platform.
type Option func(*Platform)

// WithClock replaces time.Now for code expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Platform) { p.now = now }
}

// WithCodeTTL sets how long an issued code stays valid.
func WithCodeTTL(d time.Duration) Option {
	return func(p *Platform) { p.codeTTL = d }
}

// WithCodeGenerator replaces the random five-digit code generator.
func WithCodeGenerator(gen func() string) Option {
	return func(p *Platform) { p.codeGen = gen }
}

// WithFixedCode issues the same code for every login.
func WithFixedCode(code string) Option {
	return WithCodeGenerator(func() string { return code })
}

// Platform is the simulated platform. It implements platform.Platform and
// is safe for concurrent use.
type Platform struct {
	mu sync.Mutex

	accounts map[string]*account // by phone digits
	byID     map[int64]*account
	sessions map[string]*session // by exported token
	codes    map[string]*pendingCode
	flood    map[string]time.Duration

	nextAccountID int64
	codeTTL       time.Duration
	codeGen       func() string
	now           func() time.Time

	dialErr  error
	stall    chan struct{}
	runMode  RunMode
	unstick  chan struct{}
	overlaps int
}

type account struct {
	profile  platform.Account
	password string
	banned   bool
	nextMsg  int64
	history  []platform.Message
	saved    []platform.Message
	sent     []platform.Message
	clients  map[*client]struct{}
}

type session struct {
	token     string
	accountID int64
	revoked   bool
	open      int
}

type pendingCode struct {
	phone  string
	code   string
	issued time.Time
}

// New creates an empty Platform.
func New(opts ...Option) *Platform {
	p := &Platform{
		accounts:      make(map[string]*account),
		byID:          make(map[int64]*account),
		sessions:      make(map[string]*session),
		codes:         make(map[string]*pendingCode),
		flood:         make(map[string]time.Duration),
		nextAccountID: 1000,
		codeTTL:       2 * time.Minute,
		codeGen:       randomCode,
		now:           time.Now,
		unstick:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func randomCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(100000))
	if err != nil {
		return "00000"
	}
	return fmt.Sprintf("%05d", n.Int64())
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func phoneKey(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// AddAccount registers an account and returns its profile.
func (p *Platform) AddAccount(spec AccountSpec) platform.Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextAccountID++
	acct := &account{
		profile: platform.Account{
			ID:        p.nextAccountID,
			Phone:     spec.Phone,
			Username:  spec.Username,
			FirstName: spec.FirstName,
			LastName:  spec.LastName,
		},
		password: spec.Password,
		banned:   spec.Banned,
		clients:  make(map[*client]struct{}),
	}
	p.accounts[phoneKey(spec.Phone)] = acct
	p.byID[acct.profile.ID] = acct
	return acct.profile
}

// LastCode returns the most recent code issued for phone.
func (p *Platform) LastCode(phone string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var latest *pendingCode
	key := phoneKey(phone)
	for _, pc := range p.codes {
		if pc.phone == key && (latest == nil || pc.issued.After(latest.issued)) {
			latest = pc
		}
	}
	if latest == nil {
		return "", false
	}
	return latest.code, true
}

// SetFloodWait makes SendCode for phone fail with a FloodWaitError.
func (p *Platform) SetFloodWait(phone string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flood[phoneKey(phone)] = d
}

// FailDial makes Dial and Connect fail with err until reset with nil.
func (p *Platform) FailDial(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialErr = err
}

// Stall makes every subsequent platform round-trip block until the
// returned function is called or the caller's context is done.
func (p *Platform) Stall() (release func()) {
	ch := make(chan struct{})
	p.mu.Lock()
	p.stall = ch
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			if p.stall == ch {
				p.stall = nil
			}
			p.mu.Unlock()
			close(ch)
		})
	}
}

// SetRunMode changes how clients opened afterwards react to shutdown.
func (p *Platform) SetRunMode(m RunMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runMode = m
}

// Unstick releases every client stuck in RunHang mode.
func (p *Platform) Unstick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.unstick:
	default:
		close(p.unstick)
	}
}

// Revoke ends every session of the account, as a user would by terminating
// sessions from another device.
func (p *Platform) Revoke(accountID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.sessions {
		if s.accountID == accountID {
			s.revoked = true
		}
	}
	if acct, ok := p.byID[accountID]; ok {
		for c := range acct.clients {
			c.signal(c.revoked)
		}
	}
}

// Crash makes the Run loop of every open client of the account return err.
func (p *Platform) Crash(accountID int64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if acct, ok := p.byID[accountID]; ok {
		for c := range acct.clients {
			c.crash(err)
		}
	}
}

// Deliver injects a message into every open client of the account and
// returns it with its assigned id.
func (p *Platform) Deliver(accountID int64, msg platform.Message) platform.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct, ok := p.byID[accountID]
	if !ok {
		return msg
	}
	acct.nextMsg++
	msg.ID = acct.nextMsg
	if msg.Date.IsZero() {
		msg.Date = p.now()
	}
	acct.history = append(acct.history, msg)
	for c := range acct.clients {
		select {
		case c.inbox <- msg:
		default:
		}
	}
	return msg
}

// Saved returns the account's saved-messages chat.
func (p *Platform) Saved(accountID int64) []platform.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct, ok := p.byID[accountID]; ok {
		return append([]platform.Message(nil), acct.saved...)
	}
	return nil
}

// Sent returns messages the account sent to chats other than saved messages.
func (p *Platform) Sent(accountID int64) []platform.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct, ok := p.byID[accountID]; ok {
		return append([]platform.Message(nil), acct.sent...)
	}
	return nil
}

// OpenClients returns the number of clients currently open for the account.
func (p *Platform) OpenClients(accountID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct, ok := p.byID[accountID]; ok {
		return len(acct.clients)
	}
	return 0
}

// Overlaps counts Connect calls that opened a session which already had
// an open client.
func (p *Platform) Overlaps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overlaps
}

// wait simulates a network round-trip.
func (p *Platform) wait(ctx context.Context) error {
	p.mu.Lock()
	stall := p.stall
	p.mu.Unlock()

	if stall != nil {
		select {
		case <-stall:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// Dial implements platform.Platform.
func (p *Platform) Dial(ctx context.Context) (platform.Conn, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dialErr != nil {
		return nil, p.dialErr
	}
	return &conn{p: p}, nil
}

// Connect implements platform.Platform.
func (p *Platform) Connect(ctx context.Context, blob []byte) (platform.Client, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dialErr != nil {
		return nil, p.dialErr
	}
	s, ok := p.sessions[string(blob)]
	if !ok || s.revoked {
		return nil, platform.ErrUnauthorized
	}
	acct := p.byID[s.accountID]
	if s.open > 0 {
		p.overlaps++
	}
	s.open++

	c := &client{
		p:       p,
		sess:    s,
		acct:    acct,
		mode:    p.runMode,
		inbox:   make(chan platform.Message, 64),
		closed:  make(chan struct{}),
		revoked: make(chan struct{}),
		crashed: make(chan error, 1),
	}
	acct.clients[c] = struct{}{}
	return c, nil
}
