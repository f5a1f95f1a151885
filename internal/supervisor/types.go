package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/islombek4642/tgsecret/internal/credential"
	"github.com/islombek4642/tgsecret/internal/platform"
	"github.com/islombek4642/tgsecret/internal/user"
)

// State is the lifecycle state of one user's instance.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Suspended
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Live reports whether an execution context exists in s.
func (s State) Live() bool {
	return s == Starting || s == Running || s == Stopping
}

// Config bounds instance lifecycle operations.
type Config struct {
	// StopGrace is how long Stop waits for a canceled instance to return
	// before closing its client.
	StopGrace time.Duration
	// ForceStopTimeout is how long Stop waits after closing the client.
	ForceStopTimeout time.Duration
	// BootConcurrency bounds parallel starts in StartAll.
	BootConcurrency int
	// BootDelay staggers starts in StartAll.
	BootDelay time.Duration
}

// DefaultConfig returns the default lifecycle bounds.
func DefaultConfig() Config {
	return Config{
		StopGrace:        5 * time.Second,
		ForceStopTimeout: 2 * time.Second,
		BootConcurrency:  4,
		BootDelay:        2 * time.Second,
	}
}

// Status is a snapshot of one user's instance.
type Status struct {
	UserID user.ID
	State  State
	// RunID identifies the current or most recent execution context.
	RunID        string
	StartedAt    time.Time
	LastActivity time.Time
	// Reason explains the most recent stop or suspension.
	Reason  string
	Account credential.Account
}

// Dispatcher receives the messages of running instances.
type Dispatcher interface {
	Dispatch(ctx context.Context, s *Session, msg platform.Message)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, s *Session, msg platform.Message)

func (f DispatcherFunc) Dispatch(ctx context.Context, s *Session, msg platform.Message) {
	f(ctx, s, msg)
}

// Session is what a running instance may see of itself: its own identity,
// a copy of its own credential, its client and the activity heartbeat.
type Session struct {
	inst *instance
	now  func() time.Time
}

func (s *Session) UserID() user.ID { return s.inst.uid }

func (s *Session) RunID() string { return s.inst.runID }

func (s *Session) Account() credential.Account { return s.inst.cred.Account }

// Credential returns a copy of the credential the instance runs on.
func (s *Session) Credential() credential.Credential {
	c := s.inst.cred
	c.Session = append([]byte(nil), c.Session...)
	return c
}

func (s *Session) Client() platform.Client { return s.inst.client }

func (s *Session) StartedAt() time.Time { return s.inst.startedAt }

// Touch records activity, postponing idle suspension.
func (s *Session) Touch() { s.inst.touch(s.now()) }

type instance struct {
	uid       user.ID
	runID     string
	cred      credential.Credential
	client    platform.Client
	startedAt time.Time
	cancel    context.CancelFunc
	// done is closed once the run loop returned and the client is closed.
	done chan struct{}

	lastActivity  atomic.Int64
	stopRequested atomic.Bool
}

func (i *instance) touch(now time.Time) { i.lastActivity.Store(now.UnixNano()) }

func (i *instance) lastActive() time.Time { return time.Unix(0, i.lastActivity.Load()) }

func (i *instance) exited() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}
