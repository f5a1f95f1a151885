// Package auth implements the per-user login handshake that turns a phone
// number, a login code and an optional two-step password into a stored
// credential.
//
// Each user has at most one onboarding session. Starting a new one
// supersedes the previous session, and every event for a user is
// serialized through the identity lock shared with the supervisor. A
// session carries an absolute expiry. Once it elapses the next event fails
// the session, and a timer fails it even if no event arrives.
package auth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/islombek4642/tgsecret/internal/credential"
	"github.com/islombek4642/tgsecret/internal/errors"
	"github.com/islombek4642/tgsecret/internal/event"
	"github.com/islombek4642/tgsecret/internal/keylock"
	"github.com/islombek4642/tgsecret/internal/logging"
	"github.com/islombek4642/tgsecret/internal/platform"
	"github.com/islombek4642/tgsecret/internal/user"
)

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(n *Negotiator) { n.now = now }
}

// WithLocker shares an identity lock with other components.
func WithLocker(l *keylock.Locker[user.ID]) Option {
	return func(n *Negotiator) { n.locks = l }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(n *Negotiator) { n.logger = l }
}

// Negotiator drives onboarding sessions for all users.
type Negotiator struct {
	platform platform.Platform
	store    credential.Store
	bus      *event.Bus
	locks    *keylock.Locker[user.ID]
	logger   *logging.Logger
	now      func() time.Time
	cfg      Config

	mu       sync.Mutex
	sessions map[user.ID]*session
	closed   bool
}

type session struct {
	id      string
	uid     user.ID
	expires time.Time
	ctx     context.Context
	cancel  context.CancelCauseFunc
	logger  *logging.Logger

	state    atomic.Int32
	attempts atomic.Int32

	// Owned by whoever holds the identity lock.
	timer    *time.Timer
	conn     platform.Conn
	phone    string
	codeHash string
}

func (s *session) current() State { return State(s.state.Load()) }

// New creates a Negotiator. Successful onboardings are written to store;
// notifications are published on bus.
func New(p platform.Platform, store credential.Store, bus *event.Bus, cfg Config, opts ...Option) *Negotiator {
	def := DefaultConfig()
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if bus == nil {
		bus = event.NewBus()
	}
	n := &Negotiator{
		platform: p,
		store:    store,
		bus:      bus,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[user.ID]*session),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.locks == nil {
		n.locks = keylock.New[user.ID]()
	}
	if n.logger == nil {
		n.logger = logging.NopLogger()
	}
	n.logger = n.logger.WithComponent("auth")
	return n
}

// Begin starts an onboarding for uid, superseding any session in flight,
// and opens the unauthenticated connection. On success the session awaits
// a phone number.
func (n *Negotiator) Begin(ctx context.Context, uid user.ID) (Outcome, error) {
	if !uid.Valid() {
		return Outcome{}, errors.NewValidationError("user id must be positive").WithField("user_id").WithValue(int64(uid))
	}

	// Cancel before queueing on the identity lock, so a handshake blocked
	// on the platform gives the lock up promptly.
	n.mu.Lock()
	if old := n.sessions[uid]; old != nil {
		old.cancel(errors.ErrSuperseded)
	}
	n.mu.Unlock()

	unlock, err := n.locks.Lock(ctx, uid)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	if old := n.current(uid); old != nil {
		old.cancel(errors.ErrSuperseded)
		_, _ = n.fail(old, n.sessionEnded(old))
	}

	s := n.newSession(uid)
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		s.cancel(errors.ErrCanceled)
		return Outcome{}, errors.NewAuthError("onboarding is shut down", errors.ErrUnavailable).WithUser(int64(uid))
	}
	n.sessions[uid] = s
	n.mu.Unlock()
	s.timer = time.AfterFunc(n.cfg.SessionTTL, func() { n.expire(s) })

	op, stop := mergeContext(s.ctx, ctx)
	defer stop()

	conn, err := n.platform.Dial(op)
	if err != nil {
		if s.ctx.Err() != nil {
			return n.fail(s, n.sessionEnded(s))
		}
		if ctx.Err() != nil {
			return n.fail(s, n.authErr(s, "onboarding canceled", errors.Join(errors.ErrCanceled, ctx.Err())))
		}
		return n.fail(s, n.authErr(s, "could not reach the platform", unavailable(err)))
	}
	s.conn = conn
	s.state.Store(int32(AwaitingPhone))
	s.logger.Info("onboarding started", "expires_at", s.expires)
	return n.outcome(s), nil
}

// SubmitPhone sends the phone number to the platform, which dispatches a
// login code. A malformed number is rejected locally and the session keeps
// waiting for a phone number.
func (n *Negotiator) SubmitPhone(ctx context.Context, uid user.ID, phone string) (Outcome, error) {
	return n.step(ctx, uid, AwaitingPhone, func(op context.Context, s *session) (Outcome, error) {
		normalized, err := NormalizePhone(phone)
		if err != nil {
			return n.outcome(s), n.authErr(s, "phone number not accepted", err)
		}

		sent, err := s.conn.SendCode(op, normalized)
		if err != nil {
			return n.sendCodeFailed(ctx, s, err)
		}
		s.phone, s.codeHash = normalized, sent.Hash
		s.attempts.Store(0)
		s.state.Store(int32(AwaitingCode))
		s.logger.Info("login code requested", "delivery", sent.Delivery)
		n.bus.Publish(event.NewCodeRequestedEvent(uid, s.id, sent.Delivery, false))
		return n.outcome(s), nil
	})
}

// SubmitCode signs in with the login code. Accounts with two-step
// verification move on to waiting for the password.
func (n *Negotiator) SubmitCode(ctx context.Context, uid user.ID, raw string) (Outcome, error) {
	return n.step(ctx, uid, AwaitingCode, func(op context.Context, s *session) (Outcome, error) {
		code, err := NormalizeCode(raw)
		if err != nil {
			return n.outcome(s), n.authErr(s, "login code not accepted", err)
		}

		acct, err := s.conn.SignIn(op, s.phone, s.codeHash, code)
		switch {
		case err == nil:
			return n.succeed(op, s, acct)
		case errors.Is(err, platform.ErrPasswordNeeded):
			s.attempts.Store(0)
			s.state.Store(int32(Awaiting2FA))
			s.logger.Info("two-step password requested")
			n.bus.Publish(event.NewPasswordRequestedEvent(uid, s.id))
			return n.outcome(s), nil
		case errors.Is(err, platform.ErrCodeInvalid):
			return n.reject(s, "code", "the login code is incorrect", err)
		case errors.Is(err, platform.ErrCodeExpired):
			return n.codeExpired(ctx, op, s, err)
		}
		if ok, out, ierr := n.interrupted(ctx, s); ok {
			return out, ierr
		}
		return n.fail(s, n.authErr(s, "could not verify the login code", unavailable(err)))
	})
}

// Submit2FA completes a sign-in that requires the two-step password.
func (n *Negotiator) Submit2FA(ctx context.Context, uid user.ID, secret string) (Outcome, error) {
	return n.step(ctx, uid, Awaiting2FA, func(op context.Context, s *session) (Outcome, error) {
		if err := validatePassword(secret); err != nil {
			return n.outcome(s), n.authErr(s, "password not accepted", err)
		}

		acct, err := s.conn.CheckPassword(op, secret)
		switch {
		case err == nil:
			return n.succeed(op, s, acct)
		case errors.Is(err, platform.ErrPasswordInvalid):
			return n.reject(s, "password", "the password is incorrect", err)
		}
		if ok, out, ierr := n.interrupted(ctx, s); ok {
			return out, ierr
		}
		return n.fail(s, n.authErr(s, "could not verify the password", unavailable(err)))
	})
}

// Cancel abandons the onboarding of uid. A platform wait in flight is
// interrupted.
func (n *Negotiator) Cancel(ctx context.Context, uid user.ID) (Outcome, error) {
	n.mu.Lock()
	s := n.sessions[uid]
	n.mu.Unlock()
	if s == nil {
		return Outcome{State: Idle}, noSession(uid)
	}
	s.cancel(errors.ErrCanceled)

	unlock, err := n.locks.Lock(ctx, uid)
	if err != nil {
		return n.outcome(s), err
	}
	defer unlock()

	if n.current(uid) != s {
		// The interrupted step already failed it.
		return Outcome{SessionID: s.id, State: s.current(), ExpiresAt: s.expires}, nil
	}
	out, _ := n.fail(s, n.sessionEnded(s))
	return out, nil
}

// State reports the onboarding state of uid without waiting for events in
// flight. Users without a session are Idle.
func (n *Negotiator) State(uid user.ID) Outcome {
	if s := n.current(uid); s != nil {
		return n.outcome(s)
	}
	return Outcome{State: Idle}
}

// Active returns the number of sessions in flight.
func (n *Negotiator) Active() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

// Close fails every session in flight and refuses new ones.
func (n *Negotiator) Close() {
	n.mu.Lock()
	n.closed = true
	pending := make([]*session, 0, len(n.sessions))
	for _, s := range n.sessions {
		pending = append(pending, s)
	}
	n.mu.Unlock()

	for _, s := range pending {
		s.cancel(errors.ErrCanceled)
		unlock, err := n.locks.Lock(context.Background(), s.uid)
		if err != nil {
			continue
		}
		if n.current(s.uid) == s {
			_, _ = n.fail(s, n.sessionEnded(s))
		}
		unlock()
	}
}

func (n *Negotiator) newSession(uid user.ID) *session {
	ctx, cancel := context.WithCancelCause(context.Background())
	id := uuid.NewString()
	s := &session{
		id:      id,
		uid:     uid,
		expires: n.now().Add(n.cfg.SessionTTL),
		ctx:     ctx,
		cancel:  cancel,
		logger:  n.logger.WithUser(int64(uid)).With("session_id", id),
	}
	s.state.Store(int32(Idle))
	return s
}

func (n *Negotiator) current(uid user.ID) *session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[uid]
}

// step runs fn for the session of uid under the identity lock, after the
// checks every event goes through.
func (n *Negotiator) step(ctx context.Context, uid user.ID, want State, fn func(op context.Context, s *session) (Outcome, error)) (Outcome, error) {
	unlock, err := n.locks.Lock(ctx, uid)
	if err != nil {
		return n.State(uid), err
	}
	defer unlock()

	s := n.current(uid)
	if s == nil {
		return Outcome{State: Idle}, noSession(uid)
	}
	if !n.now().Before(s.expires) {
		return n.fail(s, n.authErr(s, "onboarding expired", n.expiredErr()))
	}
	if s.ctx.Err() != nil {
		return n.fail(s, n.sessionEnded(s))
	}
	if got := s.current(); got != want {
		return n.outcome(s), n.authErr(s, fmt.Sprintf("onboarding is %s, not %s", got, want), errors.ErrWrongState)
	}

	op, stop := mergeContext(s.ctx, ctx)
	defer stop()
	return fn(op, s)
}

// interrupted resolves a platform error raised while a wait was canceled.
// A canceled session fails; a canceled caller leaves the session as it was.
func (n *Negotiator) interrupted(ctx context.Context, s *session) (bool, Outcome, error) {
	if s.ctx.Err() != nil {
		out, err := n.fail(s, n.sessionEnded(s))
		return true, out, err
	}
	if err := ctx.Err(); err != nil {
		return true, n.outcome(s), err
	}
	return false, Outcome{}, nil
}

func (n *Negotiator) sendCodeFailed(ctx context.Context, s *session, err error) (Outcome, error) {
	if ok, out, ierr := n.interrupted(ctx, s); ok {
		return out, ierr
	}
	var flood *platform.FloodWaitError
	switch {
	case errors.Is(err, platform.ErrPhoneInvalid):
		return n.fail(s, n.authErr(s, "phone number rejected",
			errors.NewRejectionError("the platform does not know this phone number", 0).WithCause(err)))
	case errors.Is(err, platform.ErrPhoneBanned):
		return n.fail(s, n.authErr(s, "phone number rejected",
			errors.NewRejectionError("this phone number is banned by the platform", 0).WithCause(err)))
	case errors.As(err, &flood):
		return n.fail(s, n.authErr(s, "rate limited",
			fmt.Errorf("%w: retry after %s", errors.ErrRateLimited, flood.Wait)))
	}
	return n.fail(s, n.authErr(s, "could not request a login code", unavailable(err)))
}

func (n *Negotiator) codeExpired(ctx, op context.Context, s *session, cause error) (Outcome, error) {
	msg := "the login code has expired"
	if n.cfg.ResendExpiredCode && n.attemptsLeft(s) > 1 {
		sent, err := s.conn.SendCode(op, s.phone)
		if err != nil {
			return n.sendCodeFailed(ctx, s, err)
		}
		s.codeHash = sent.Hash
		s.logger.Info("login code expired, sent a new one", "delivery", sent.Delivery)
		n.bus.Publish(event.NewCodeRequestedEvent(s.uid, s.id, sent.Delivery, true))
		msg = "the login code has expired, a new one was sent"
	}
	return n.reject(s, "code", msg, cause)
}

// reject counts a submission the platform refused. The session stays in
// its state until the attempt budget runs out.
func (n *Negotiator) reject(s *session, step, msg string, cause error) (Outcome, error) {
	left := n.cfg.MaxAttempts - int(s.attempts.Add(1))
	if left <= 0 {
		return n.fail(s, n.authErr(s, msg, fmt.Errorf("%w: %w",
			errors.ErrRetriesExhausted, errors.NewRejectionError(msg, 0).WithCause(cause))))
	}
	s.logger.Info("submission rejected", "step", step, "attempts_left", left)
	n.bus.Publish(event.NewAuthRetryEvent(s.uid, s.id, step, msg, left))
	return n.outcome(s), n.authErr(s, msg, errors.NewRejectionError(msg, left).WithCause(cause)).WithRetryable(true)
}

func (n *Negotiator) attemptsLeft(s *session) int {
	return n.cfg.MaxAttempts - int(s.attempts.Load())
}

func (n *Negotiator) succeed(op context.Context, s *session, acct platform.Account) (Outcome, error) {
	blob, err := s.conn.Export()
	if err != nil {
		return n.fail(s, n.authErr(s, "could not export the session", unavailable(err)))
	}
	account := credential.Account{
		ID:        acct.ID,
		Phone:     acct.Phone,
		Username:  acct.Username,
		FirstName: acct.FirstName,
		LastName:  acct.LastName,
	}
	cred := credential.Credential{
		UserID:    s.uid,
		Session:   blob,
		Account:   account,
		CreatedAt: n.now(),
		Valid:     true,
	}
	// The platform already accepted the login; finish persisting it even
	// if the caller gives up now.
	if err := n.store.Put(context.WithoutCancel(op), s.uid, cred); err != nil {
		return n.fail(s, n.authErr(s, "could not save the login", err))
	}

	s.state.Store(int32(Succeeded))
	n.discard(s, nil)
	s.logger.Info("onboarding succeeded", "account_id", acct.ID)
	n.bus.Publish(event.NewAuthSucceededEvent(s.uid, s.id, acct.ID, acct.Username))
	return Outcome{SessionID: s.id, State: Succeeded, ExpiresAt: s.expires, Account: &account}, nil
}

// fail moves s to Failed, releases it and reports err.
func (n *Negotiator) fail(s *session, err error) (Outcome, error) {
	s.state.Store(int32(Failed))
	n.discard(s, err)

	kind := errors.Classify(err)
	s.logger.Warn("onboarding failed", "kind", kind.String(), "error", err)
	n.bus.Publish(event.NewAuthFailedEvent(s.uid, s.id, errors.Describe(err), kind.String(), kind.UserMistake()))
	return Outcome{SessionID: s.id, State: Failed, ExpiresAt: s.expires}, err
}

func (n *Negotiator) discard(s *session, cause error) {
	n.mu.Lock()
	if n.sessions[s.uid] == s {
		delete(n.sessions, s.uid)
	}
	n.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.cancel(cause)
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (n *Negotiator) expire(s *session) {
	s.cancel(n.expiredErr())

	unlock, err := n.locks.Lock(context.Background(), s.uid)
	if err != nil {
		return
	}
	defer unlock()
	if n.current(s.uid) == s {
		_, _ = n.fail(s, n.sessionEnded(s))
	}
}

func (n *Negotiator) expiredErr() error {
	return errors.NewTimeoutError("onboarding", n.cfg.SessionTTL)
}

// sessionEnded describes why the session context of s was canceled.
func (n *Negotiator) sessionEnded(s *session) error {
	cause := context.Cause(s.ctx)
	switch {
	case errors.Is(cause, errors.ErrSuperseded):
		return n.authErr(s, "onboarding replaced by a newer one", cause)
	case errors.Is(cause, errors.ErrTimeout):
		return n.authErr(s, "onboarding expired", cause)
	case errors.Is(cause, errors.ErrCanceled):
		return n.authErr(s, "onboarding canceled", cause)
	}
	return n.authErr(s, "onboarding interrupted", errors.ErrCanceled)
}

func (n *Negotiator) authErr(s *session, msg string, cause error) *errors.AuthError {
	return errors.NewAuthError(msg, cause).
		WithUser(int64(s.uid)).
		WithSession(s.id).
		WithState(s.current().String())
}

func (n *Negotiator) outcome(s *session) Outcome {
	st := s.current()
	out := Outcome{SessionID: s.id, State: st, ExpiresAt: s.expires}
	if st == AwaitingCode || st == Awaiting2FA {
		out.AttemptsLeft = n.attemptsLeft(s)
	}
	return out
}

func noSession(uid user.ID) error {
	return errors.NewAuthError("no onboarding in progress", errors.ErrNoSession).WithUser(int64(uid))
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", errors.ErrUnavailable, err)
}

// mergeContext returns a context canceled when either parent is, carrying
// the session's cause when the session ended first.
func mergeContext(sessionCtx, caller context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(caller)
	stop := context.AfterFunc(sessionCtx, func() { cancel(context.Cause(sessionCtx)) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}
