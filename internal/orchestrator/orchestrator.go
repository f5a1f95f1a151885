// Package orchestrator is the command surface of tgsecret.
//
// An Orchestrator wires the auth negotiator, the credential store, the
// instance supervisor and the idle reaper around one identity lock, so
// every mutating command for a user is serialized with every other one
// regardless of which component serves it. Front ends (the HTTP API and
// the CLI) talk to this package only.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/islombek4642/tgsecret/internal/auth"
	"github.com/islombek4642/tgsecret/internal/credential"
	"github.com/islombek4642/tgsecret/internal/errors"
	"github.com/islombek4642/tgsecret/internal/event"
	"github.com/islombek4642/tgsecret/internal/keylock"
	"github.com/islombek4642/tgsecret/internal/logging"
	"github.com/islombek4642/tgsecret/internal/platform"
	"github.com/islombek4642/tgsecret/internal/reaper"
	"github.com/islombek4642/tgsecret/internal/supervisor"
	"github.com/islombek4642/tgsecret/internal/user"
)

// Config collects the policies of the wired components.
type Config struct {
	Auth     auth.Config
	Instance supervisor.Config
	// IdleThreshold is the reaper's initial threshold; zero disables it.
	IdleThreshold time.Duration
	ReapInterval  time.Duration
	// InboxCapacity bounds buffered notifications per user.
	InboxCapacity int
}

// DefaultConfig returns the default policies.
func DefaultConfig() Config {
	return Config{
		Auth:          auth.DefaultConfig(),
		Instance:      supervisor.DefaultConfig(),
		IdleThreshold: 24 * time.Hour,
		ReapInterval:  time.Minute,
		InboxCapacity: 32,
	}
}

type options struct {
	logger     *logging.Logger
	now        func() time.Time
	dispatcher supervisor.Dispatcher
	bus        *event.Bus
}

// Option configures an Orchestrator.
type Option func(*options)

// WithLogger sets the logger handed to every component.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithDispatcher routes messages of running instances to d.
func WithDispatcher(d supervisor.Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithBus publishes events on bus instead of a private one.
func WithBus(bus *event.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// Orchestrator serves the control commands.
type Orchestrator struct {
	store      credential.Store
	bus        *event.Bus
	inbox      *event.Inbox
	negotiator *auth.Negotiator
	supervisor *supervisor.Manager
	reaper     *reaper.Reaper
	logger     *logging.Logger

	mu         sync.Mutex
	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

// New wires an Orchestrator over p and store.
func New(p platform.Platform, store credential.Store, cfg Config, opts ...Option) *Orchestrator {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	if o.bus == nil {
		o.bus = event.NewBus()
	}

	locks := keylock.New[user.ID]()
	negotiator := auth.New(p, store, o.bus, cfg.Auth,
		auth.WithLocker(locks), auth.WithClock(o.now), auth.WithLogger(o.logger))

	supOpts := []supervisor.Option{
		supervisor.WithLocker(locks), supervisor.WithClock(o.now), supervisor.WithLogger(o.logger),
	}
	if o.dispatcher != nil {
		supOpts = append(supOpts, supervisor.WithDispatcher(o.dispatcher))
	}
	sup := supervisor.New(p, store, o.bus, cfg.Instance, supOpts...)

	return &Orchestrator{
		store:      store,
		bus:        o.bus,
		inbox:      event.NewInbox(o.bus, cfg.InboxCapacity),
		negotiator: negotiator,
		supervisor: sup,
		reaper:     reaper.New(sup, cfg.ReapInterval, cfg.IdleThreshold, o.logger),
		logger:     o.logger.WithComponent("orchestrator"),
	}
}

// Bus returns the event bus.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// Reaper returns the idle reaper.
func (o *Orchestrator) Reaper() *reaper.Reaper { return o.reaper }

// Supervisor returns the instance supervisor.
func (o *Orchestrator) Supervisor() *supervisor.Manager { return o.supervisor }

// BeginOnboarding starts a login handshake for uid, superseding any
// handshake already in progress.
func (o *Orchestrator) BeginOnboarding(ctx context.Context, uid user.ID) (auth.Outcome, error) {
	if err := checkUser(uid); err != nil {
		return auth.Outcome{}, err
	}
	return o.negotiator.Begin(ctx, uid)
}

// SubmitPhone submits the phone number of the account to sign in to.
func (o *Orchestrator) SubmitPhone(ctx context.Context, uid user.ID, phone string) (auth.Outcome, error) {
	if err := checkUser(uid); err != nil {
		return auth.Outcome{}, err
	}
	return o.negotiator.SubmitPhone(ctx, uid, phone)
}

// SubmitCode submits the login code the platform sent.
func (o *Orchestrator) SubmitCode(ctx context.Context, uid user.ID, code string) (auth.Outcome, error) {
	if err := checkUser(uid); err != nil {
		return auth.Outcome{}, err
	}
	return o.negotiator.SubmitCode(ctx, uid, code)
}

// Submit2FA submits the two-step verification password.
func (o *Orchestrator) Submit2FA(ctx context.Context, uid user.ID, password string) (auth.Outcome, error) {
	if err := checkUser(uid); err != nil {
		return auth.Outcome{}, err
	}
	return o.negotiator.Submit2FA(ctx, uid, password)
}

// CancelOnboarding abandons the handshake in progress for uid.
func (o *Orchestrator) CancelOnboarding(ctx context.Context, uid user.ID) (auth.Outcome, error) {
	if err := checkUser(uid); err != nil {
		return auth.Outcome{}, err
	}
	return o.negotiator.Cancel(ctx, uid)
}

// StartInstance launches the userbot of uid from its stored credential.
func (o *Orchestrator) StartInstance(ctx context.Context, uid user.ID) (supervisor.Status, error) {
	if err := checkUser(uid); err != nil {
		return supervisor.Status{}, err
	}
	return o.supervisor.Start(ctx, uid)
}

// StopInstance stops the userbot of uid.
func (o *Orchestrator) StopInstance(ctx context.Context, uid user.ID) (supervisor.Status, error) {
	if err := checkUser(uid); err != nil {
		return supervisor.Status{}, err
	}
	return o.supervisor.Stop(ctx, uid)
}

// RestartInstance stops the userbot of uid and starts it again.
func (o *Orchestrator) RestartInstance(ctx context.Context, uid user.ID) (supervisor.Status, error) {
	if err := checkUser(uid); err != nil {
		return supervisor.Status{}, err
	}
	return o.supervisor.Restart(ctx, uid)
}

// QueryStatus reports everything tgsecret knows about uid.
func (o *Orchestrator) QueryStatus(ctx context.Context, uid user.ID) (Status, error) {
	if err := checkUser(uid); err != nil {
		return Status{}, err
	}
	st := Status{
		UserID:     uid,
		Instance:   NewInstanceStatus(o.supervisor.Status(uid)),
		Onboarding: NewOnboardingStatus(o.negotiator.State(uid)),
	}

	cred, err := o.store.Get(ctx, uid)
	switch {
	case errors.Is(err, errors.ErrNotFound):
	case err != nil:
		return st, err
	default:
		st.Credential = newCredentialStatus(cred)
	}
	return st, nil
}

// Logout abandons any handshake, stops the userbot and deletes the
// credential of uid.
func (o *Orchestrator) Logout(ctx context.Context, uid user.ID) error {
	if err := checkUser(uid); err != nil {
		return err
	}
	if _, err := o.negotiator.Cancel(ctx, uid); err != nil && !errors.Is(err, errors.ErrNoSession) {
		return err
	}
	return o.supervisor.Logout(ctx, uid)
}

// Notifications returns and clears the pending notifications of uid.
func (o *Orchestrator) Notifications(uid user.ID) []event.Notification {
	return o.inbox.Drain(uid)
}

// Boot restores every stored session and starts the idle reaper. The
// reaper runs until Shutdown.
func (o *Orchestrator) Boot(ctx context.Context) (int, error) {
	o.mu.Lock()
	if o.stopReaper == nil {
		rctx, cancel := context.WithCancel(context.Background())
		o.stopReaper, o.reaperDone = cancel, make(chan struct{})
		go func() {
			defer close(o.reaperDone)
			o.reaper.Run(rctx)
		}()
	}
	o.mu.Unlock()

	started, err := o.supervisor.StartAll(ctx)
	if err != nil {
		o.logger.Warn("some sessions failed to start", "started", started, "error", err)
	}
	return started, err
}

// Shutdown stops the reaper, fails every handshake in flight and stops
// every userbot.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	stop, done := o.stopReaper, o.reaperDone
	o.stopReaper = nil
	o.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}

	o.negotiator.Close()
	err := o.supervisor.Shutdown(ctx)
	o.inbox.Close()
	o.logger.Info("shutdown complete")
	return err
}

func checkUser(uid user.ID) error {
	if !uid.Valid() {
		return errors.NewValidationError("user id must be a positive integer").
			WithField("user_id").WithValue(int64(uid))
	}
	return nil
}
