// Package supervisor runs one long-lived platform client per user and
// manages its lifecycle: start, stop, restart, idle suspension and the
// reaction to a session the platform revoked.
//
// All mutating operations for a user run under the identity lock shared
// with the auth negotiator, so at most one execution context per user ever
// exists. An execution context is detached from the context of the call
// that started it and ends only through Stop, a crash or revocation.
package supervisor

import (
	"cmp"
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/islombek4642/tgsecret/internal/credential"
	"github.com/islombek4642/tgsecret/internal/errors"
	"github.com/islombek4642/tgsecret/internal/event"
	"github.com/islombek4642/tgsecret/internal/keylock"
	"github.com/islombek4642/tgsecret/internal/logging"
	"github.com/islombek4642/tgsecret/internal/platform"
	"github.com/islombek4642/tgsecret/internal/user"
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for activity tracking.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLocker shares an identity lock with other components.
func WithLocker(l *keylock.Locker[user.ID]) Option {
	return func(m *Manager) { m.locks = l }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithDispatcher routes messages of running instances to d.
func WithDispatcher(d Dispatcher) Option {
	return func(m *Manager) { m.dispatcher = d }
}

// Manager supervises the instances of all users.
type Manager struct {
	platform   platform.Platform
	store      credential.Store
	bus        *event.Bus
	locks      *keylock.Locker[user.ID]
	logger     *logging.Logger
	dispatcher Dispatcher
	now        func() time.Time
	cfg        Config

	mu      sync.Mutex
	entries map[user.ID]*entry
	running sync.WaitGroup
}

// entry is the per-user record. Fields change only under the identity
// lock and are read under mu.
type entry struct {
	state     State
	inst      *instance
	reason    string
	lastRunID string
	account   credential.Account

	// Where a stop that gave up waiting settles once the context exits.
	pendingState  State
	pendingReason string
}

// New creates a Manager.
func New(p platform.Platform, store credential.Store, bus *event.Bus, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}
	if cfg.ForceStopTimeout <= 0 {
		cfg.ForceStopTimeout = def.ForceStopTimeout
	}
	if cfg.BootConcurrency <= 0 {
		cfg.BootConcurrency = def.BootConcurrency
	}
	if cfg.BootDelay < 0 {
		cfg.BootDelay = 0
	}
	if bus == nil {
		bus = event.NewBus()
	}
	m := &Manager{
		platform: p,
		store:    store,
		bus:      bus,
		cfg:      cfg,
		now:      time.Now,
		entries:  make(map[user.ID]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.locks == nil {
		m.locks = keylock.New[user.ID]()
	}
	if m.logger == nil {
		m.logger = logging.NopLogger()
	}
	m.logger = m.logger.WithComponent("supervisor")
	return m
}

// Start launches the instance of uid from its stored credential.
func (m *Manager) Start(ctx context.Context, uid user.ID) (Status, error) {
	unlock, err := m.locks.Lock(ctx, uid)
	if err != nil {
		return m.Status(uid), err
	}
	defer unlock()
	return m.start(ctx, uid)
}

// Stop tears down the instance of uid. Stopping an instance that is not
// running is a no-op.
func (m *Manager) Stop(ctx context.Context, uid user.ID) (Status, error) {
	unlock, err := m.locks.Lock(ctx, uid)
	if err != nil {
		return m.Status(uid), err
	}
	defer unlock()
	err = m.stop(uid, Stopped, "stopped on request")
	return m.Status(uid), err
}

// Restart stops and starts the instance of uid without releasing the
// identity in between. The new context opens only after the old one fully
// exited.
func (m *Manager) Restart(ctx context.Context, uid user.ID) (Status, error) {
	unlock, err := m.locks.Lock(ctx, uid)
	if err != nil {
		return m.Status(uid), err
	}
	defer unlock()

	if err := m.stop(uid, Stopped, "restarting"); err != nil {
		return m.Status(uid), err
	}
	return m.start(ctx, uid)
}

// Logout stops the instance of uid and deletes its credential.
func (m *Manager) Logout(ctx context.Context, uid user.ID) error {
	unlock, err := m.locks.Lock(ctx, uid)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.stop(uid, Stopped, "logged out"); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, uid); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, uid)
	m.mu.Unlock()
	m.logger.WithUser(int64(uid)).Info("logged out")
	return nil
}

// SuspendIfIdle stops the instance of uid as Suspended when it has been
// idle for longer than threshold. It never waits for the identity: a user
// with an operation in flight is skipped and reported as not suspended.
func (m *Manager) SuspendIfIdle(uid user.ID, threshold time.Duration) (bool, error) {
	if threshold <= 0 {
		return false, nil
	}
	unlock, ok := m.locks.TryLock(uid)
	if !ok {
		return false, nil
	}
	defer unlock()

	m.mu.Lock()
	e := m.entries[uid]
	var inst *instance
	if e != nil && e.state == Running {
		inst = e.inst
	}
	m.mu.Unlock()
	if inst == nil {
		return false, nil
	}

	idle := m.now().Sub(inst.lastActive())
	if idle <= threshold {
		return false, nil
	}
	return true, m.stop(uid, Suspended, fmt.Sprintf("idle for %s", idle.Round(time.Second)))
}

// Touch records activity for the running instance of uid. It reports
// whether such an instance exists.
func (m *Manager) Touch(uid user.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[uid]; e != nil && e.state == Running && e.inst != nil {
		e.inst.touch(m.now())
		return true
	}
	return false
}

// Status reports the instance state of uid. Users never started are
// Stopped.
func (m *Manager) Status(uid user.ID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[uid]; e != nil {
		return e.status(uid)
	}
	return Status{UserID: uid, State: Stopped}
}

// Running returns a snapshot of every Running instance, ordered by user.
func (m *Manager) Running() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.entries))
	for uid, e := range m.entries {
		if e.state == Running {
			out = append(out, e.status(uid))
		}
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Status) int { return cmp.Compare(a.UserID, b.UserID) })
	return out
}

// StartAll starts every user with a valid stored credential, with bounded
// concurrency and an optional stagger between launches. Users whose
// credential was invalidated are skipped.
func (m *Manager) StartAll(ctx context.Context) (int, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}

	var (
		mu      sync.Mutex
		started int
	)
	p := pool.New().WithContext(ctx).WithMaxGoroutines(m.cfg.BootConcurrency)
	for i, uid := range ids {
		if i > 0 && m.cfg.BootDelay > 0 {
			select {
			case <-time.After(m.cfg.BootDelay):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			break
		}
		p.Go(func(ctx context.Context) error {
			cred, err := m.store.Get(ctx, uid)
			if err != nil {
				return err
			}
			if !cred.Valid {
				m.logger.WithUser(int64(uid)).Debug("skipping invalidated credential at boot")
				return nil
			}
			if _, err := m.Start(ctx, uid); err != nil {
				if errors.Is(err, errors.ErrAlreadyRunning) {
					return nil
				}
				return err
			}
			mu.Lock()
			started++
			mu.Unlock()
			return nil
		})
	}
	err = p.Wait()
	m.logger.Info("boot finished", "credentials", len(ids), "started", started)
	if ctx.Err() != nil {
		return started, errors.Join(err, ctx.Err())
	}
	return started, err
}

// Shutdown stops every live instance and waits for their run loops, or
// for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	var ids []user.ID
	for uid, e := range m.entries {
		if e.state.Live() {
			ids = append(ids, uid)
		}
	}
	m.mu.Unlock()

	p := pool.New().WithErrors()
	for _, uid := range ids {
		p.Go(func() error {
			_, err := m.Stop(ctx, uid)
			return err
		})
	}
	err := p.Wait()

	done := make(chan struct{})
	go func() {
		m.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (m *Manager) start(ctx context.Context, uid user.ID) (Status, error) {
	log := m.logger.WithUser(int64(uid))

	m.mu.Lock()
	e := m.entries[uid]
	if e == nil {
		e = &entry{}
		m.entries[uid] = e
	}
	state, inst := e.state, e.inst
	m.mu.Unlock()

	switch state {
	case Starting, Running:
		return m.Status(uid), errors.NewInstanceError("userbot is already running", errors.ErrAlreadyRunning).
			WithUser(int64(uid)).WithRun(inst.runIDOrEmpty())
	case Stopping:
		if inst != nil && !inst.exited() {
			return m.Status(uid), errors.NewInstanceError("previous userbot has not shut down", errors.ErrTeardownPending).
				WithUser(int64(uid)).WithRun(inst.runID).WithSeverity(errors.SeverityCritical)
		}
		m.settle(uid, e, inst)
	}

	cred, err := m.store.Get(ctx, uid)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return m.Status(uid), errors.NewInstanceError("no credential, sign in first",
				fmt.Errorf("%w: %w", errors.ErrNoCredential, err)).WithUser(int64(uid))
		}
		return m.Status(uid), err
	}
	if !cred.Valid {
		return m.Status(uid), errors.NewInstanceError("credential was revoked, sign in again",
			fmt.Errorf("%w: %w", errors.ErrNoCredential, errors.ErrCredentialInvalidated)).WithUser(int64(uid))
	}

	runID := uuid.NewString()
	m.mu.Lock()
	e.state, e.lastRunID, e.account = Starting, runID, cred.Account
	m.mu.Unlock()

	client, err := m.launch(ctx, cred)
	if err != nil {
		if errors.Is(err, platform.ErrUnauthorized) {
			reason := "the platform rejected the stored session"
			m.invalidate(ctx, uid, reason)
			m.setStopped(e, Stopped, reason)
			m.bus.Publish(event.NewInstanceDeauthorizedEvent(uid, runID, reason))
			log.Warn("credential rejected at start", "run_id", runID)
			return m.Status(uid), errors.NewInstanceError("session revoked by the platform", errors.ErrDeauthorized).
				WithUser(int64(uid)).WithRun(runID)
		}
		m.setStopped(e, Stopped, "launch failed: "+err.Error())
		log.Error("launch failed", "run_id", runID, "error", err)
		return m.Status(uid), errors.NewInstanceError("userbot failed to start",
			fmt.Errorf("%w: %w: %w", errors.ErrStartFailed, errors.ErrUnavailable, err)).
			WithUser(int64(uid)).WithRun(runID).WithRetryable(true)
	}

	now := m.now()
	runCtx, cancel := context.WithCancel(context.Background())
	inst = &instance{
		uid:       uid,
		runID:     runID,
		cred:      cred,
		client:    client,
		startedAt: now,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	inst.touch(now)

	m.mu.Lock()
	e.state, e.inst, e.reason = Running, inst, ""
	m.mu.Unlock()

	m.running.Add(1)
	go m.run(runCtx, inst)

	log.Info("instance started", "run_id", runID)
	m.bus.Publish(event.NewInstanceStartedEvent(uid, runID))
	return m.Status(uid), nil
}

// launch opens a client for cred and checks the platform still accepts it.
func (m *Manager) launch(ctx context.Context, cred credential.Credential) (platform.Client, error) {
	client, err := m.platform.Connect(ctx, cred.Session)
	if err != nil {
		return nil, err
	}
	if _, err := client.Self(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (m *Manager) run(ctx context.Context, inst *instance) {
	defer m.running.Done()

	sess := &Session{inst: inst, now: m.now}
	err := inst.client.Run(ctx, func(ctx context.Context, msg platform.Message) {
		m.dispatch(ctx, inst, sess, msg)
	})
	_ = inst.client.Close()
	inst.cancel()
	close(inst.done)

	m.exited(inst, err)
}

func (m *Manager) dispatch(ctx context.Context, inst *instance, sess *Session, msg platform.Message) {
	if m.dispatcher == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithUser(int64(inst.uid)).Error("dispatcher panic",
				"run_id", inst.runID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	m.dispatcher.Dispatch(ctx, sess, msg)
}

// exited handles a run loop that returned. Exits caused by Stop are
// settled by the stopper; anything else is a crash or a revocation.
func (m *Manager) exited(inst *instance, runErr error) {
	uid := inst.uid
	unlock, err := m.locks.Lock(context.Background(), uid)
	if err != nil {
		return
	}
	defer unlock()

	m.mu.Lock()
	e := m.entries[uid]
	m.mu.Unlock()
	if e == nil || e.inst != inst {
		return
	}

	if inst.stopRequested.Load() {
		// A stop gave up waiting; settle it now that the context is gone.
		m.settle(uid, e, inst)
		return
	}

	log := m.logger.WithUser(int64(uid)).With("run_id", inst.runID)
	if errors.Is(runErr, platform.ErrUnauthorized) {
		reason := "the platform revoked the session"
		m.invalidate(context.Background(), uid, reason)
		m.setStopped(e, Stopped, reason)
		log.Warn("instance deauthorized")
		m.bus.Publish(event.NewInstanceDeauthorizedEvent(uid, inst.runID, reason))
		return
	}

	reason := "client disconnected"
	if runErr != nil {
		reason = "crashed: " + runErr.Error()
	}
	m.setStopped(e, Stopped, reason)
	log.Error("instance stopped unexpectedly", "error", runErr)
	m.bus.Publish(event.NewInstanceStoppedEvent(uid, inst.runID, reason, true))
}

// stop tears down the live instance of uid and records final as its
// state. The identity lock must be held.
func (m *Manager) stop(uid user.ID, final State, reason string) error {
	m.mu.Lock()
	e := m.entries[uid]
	var inst *instance
	if e != nil {
		inst = e.inst
	}
	m.mu.Unlock()
	if inst == nil {
		return nil
	}

	log := m.logger.WithUser(int64(uid)).With("run_id", inst.runID)
	m.mu.Lock()
	e.state, e.pendingState, e.pendingReason = Stopping, final, reason
	m.mu.Unlock()
	inst.stopRequested.Store(true)
	inst.cancel()

	if !waitDone(inst.done, m.cfg.StopGrace) {
		log.Warn("instance ignored cancellation, closing client", "grace", m.cfg.StopGrace)
		_ = inst.client.Close()
		if !waitDone(inst.done, m.cfg.ForceStopTimeout) {
			log.Error("instance did not release its resources", "timeout", m.cfg.ForceStopTimeout)
			return errors.NewInstanceError("userbot did not shut down", errors.ErrTeardownPending).
				WithUser(int64(uid)).WithRun(inst.runID).WithSeverity(errors.SeverityCritical)
		}
	}
	m.settle(uid, e, inst)
	return nil
}

// settle records the outcome of a requested stop once inst has exited.
func (m *Manager) settle(uid user.ID, e *entry, inst *instance) {
	m.mu.Lock()
	final, reason := e.pendingState, e.pendingReason
	m.mu.Unlock()
	if final != Suspended {
		final = Stopped
	}
	m.setStopped(e, final, reason)
	if inst == nil {
		return
	}

	m.logger.WithUser(int64(uid)).Info("instance "+final.String(), "run_id", inst.runID, "reason", reason)
	if final == Suspended {
		m.bus.Publish(event.NewInstanceSuspendedEvent(uid, inst.runID, m.now().Sub(inst.lastActive())))
		return
	}
	m.bus.Publish(event.NewInstanceStoppedEvent(uid, inst.runID, reason, false))
}

func (m *Manager) setStopped(e *entry, state State, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.state, e.inst, e.reason = state, nil, reason
	e.pendingState, e.pendingReason = Stopped, ""
}

func (m *Manager) invalidate(ctx context.Context, uid user.ID, reason string) {
	if err := m.store.Invalidate(ctx, uid, reason); err != nil && !errors.Is(err, errors.ErrNotFound) {
		m.logger.WithUser(int64(uid)).Error("failed to invalidate credential", "error", err)
	}
}

func (e *entry) status(uid user.ID) Status {
	st := Status{
		UserID:  uid,
		State:   e.state,
		RunID:   e.lastRunID,
		Reason:  e.reason,
		Account: e.account,
	}
	if e.inst != nil {
		st.StartedAt = e.inst.startedAt
		st.LastActivity = e.inst.lastActive()
	}
	return st
}

func (i *instance) runIDOrEmpty() string {
	if i == nil {
		return ""
	}
	return i.runID
}

func waitDone(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
