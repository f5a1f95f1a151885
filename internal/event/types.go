package event

import (
	"fmt"
	"time"

	"github.com/islombek4642/tgsecret/internal/user"
)

// Event types published on the bus.
const (
	TypeCodeRequested     = "auth.code_requested"
	TypePasswordRequested = "auth.password_requested"
	TypeAuthRetry         = "auth.retry"
	TypeAuthSucceeded     = "auth.succeeded"
	TypeAuthFailed        = "auth.failed"

	TypeInstanceStarted      = "instance.started"
	TypeInstanceStopped      = "instance.stopped"
	TypeInstanceSuspended    = "instance.suspended"
	TypeInstanceDeauthorized = "instance.deauthorized"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier.
	EventType() string
	// Timestamp returns when the event occurred.
	Timestamp() time.Time
	// UserID returns the identity the event concerns.
	UserID() user.ID
	// Message renders the event as a notification for the end user.
	Message() string
}

type baseEvent struct {
	eventType string
	timestamp time.Time
	userID    user.ID
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }
func (e baseEvent) UserID() user.ID      { return e.userID }

func newBaseEvent(eventType string, id user.ID) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
		userID:    id,
	}
}

// -----------------------------------------------------------------------------
// Onboarding Events
// -----------------------------------------------------------------------------

// CodeRequestedEvent asks the user for the login code the platform sent.
type CodeRequestedEvent struct {
	baseEvent
	SessionID string
	// Delivery names the channel the code went out on (app, sms, ...).
	Delivery string
	// Resent is true when this code replaced an expired one.
	Resent bool
}

// NewCodeRequestedEvent creates a CodeRequestedEvent.
func NewCodeRequestedEvent(id user.ID, sessionID, delivery string, resent bool) CodeRequestedEvent {
	return CodeRequestedEvent{
		baseEvent: newBaseEvent(TypeCodeRequested, id),
		SessionID: sessionID,
		Delivery:  delivery,
		Resent:    resent,
	}
}

func (e CodeRequestedEvent) Message() string {
	if e.Resent {
		return "The code expired. A new code was sent, please enter it."
	}
	return "A login code was sent to your account. Please enter it."
}

// PasswordRequestedEvent asks the user for their two-step verification secret.
type PasswordRequestedEvent struct {
	baseEvent
	SessionID string
}

// NewPasswordRequestedEvent creates a PasswordRequestedEvent.
func NewPasswordRequestedEvent(id user.ID, sessionID string) PasswordRequestedEvent {
	return PasswordRequestedEvent{
		baseEvent: newBaseEvent(TypePasswordRequested, id),
		SessionID: sessionID,
	}
}

func (e PasswordRequestedEvent) Message() string {
	return "Two-step verification is enabled. Please enter your password."
}

// AuthRetryEvent reports a rejected submission that may be retried.
type AuthRetryEvent struct {
	baseEvent
	SessionID    string
	Step         string
	Reason       string
	AttemptsLeft int
}

// NewAuthRetryEvent creates an AuthRetryEvent.
func NewAuthRetryEvent(id user.ID, sessionID, step, reason string, attemptsLeft int) AuthRetryEvent {
	return AuthRetryEvent{
		baseEvent:    newBaseEvent(TypeAuthRetry, id),
		SessionID:    sessionID,
		Step:         step,
		Reason:       reason,
		AttemptsLeft: attemptsLeft,
	}
}

func (e AuthRetryEvent) Message() string {
	return e.Reason
}

// AuthSucceededEvent reports a stored credential. It does not imply that
// an instance was started.
type AuthSucceededEvent struct {
	baseEvent
	SessionID string
	AccountID int64
	Username  string
}

// NewAuthSucceededEvent creates an AuthSucceededEvent.
func NewAuthSucceededEvent(id user.ID, sessionID string, accountID int64, username string) AuthSucceededEvent {
	return AuthSucceededEvent{
		baseEvent: newBaseEvent(TypeAuthSucceeded, id),
		SessionID: sessionID,
		AccountID: accountID,
		Username:  username,
	}
}

func (e AuthSucceededEvent) Message() string {
	if e.Username != "" {
		return fmt.Sprintf("Logged in as @%s.", e.Username)
	}
	return "Logged in successfully."
}

// AuthFailedEvent reports a terminal onboarding failure.
type AuthFailedEvent struct {
	baseEvent
	SessionID string
	// Reason is the human-readable description of the failure.
	Reason string
	// Kind is the error classification.
	Kind string
	// UserMistake separates bad input from system failures.
	UserMistake bool
}

// NewAuthFailedEvent creates an AuthFailedEvent.
func NewAuthFailedEvent(id user.ID, sessionID, reason, kind string, userMistake bool) AuthFailedEvent {
	return AuthFailedEvent{
		baseEvent:   newBaseEvent(TypeAuthFailed, id),
		SessionID:   sessionID,
		Reason:      reason,
		Kind:        kind,
		UserMistake: userMistake,
	}
}

func (e AuthFailedEvent) Message() string {
	return "Login failed: " + e.Reason
}

// -----------------------------------------------------------------------------
// Instance Lifecycle Events
// -----------------------------------------------------------------------------

// InstanceStartedEvent is emitted when a userbot begins running.
type InstanceStartedEvent struct {
	baseEvent
	RunID string
}

// NewInstanceStartedEvent creates an InstanceStartedEvent.
func NewInstanceStartedEvent(id user.ID, runID string) InstanceStartedEvent {
	return InstanceStartedEvent{
		baseEvent: newBaseEvent(TypeInstanceStarted, id),
		RunID:     runID,
	}
}

func (e InstanceStartedEvent) Message() string { return "Your userbot is running." }

// InstanceStoppedEvent is emitted when a userbot stops, either on request
// or because its client exited.
type InstanceStoppedEvent struct {
	baseEvent
	RunID  string
	Reason string
	// Crashed is true when the client exited without being asked to.
	Crashed bool
}

// NewInstanceStoppedEvent creates an InstanceStoppedEvent.
func NewInstanceStoppedEvent(id user.ID, runID, reason string, crashed bool) InstanceStoppedEvent {
	return InstanceStoppedEvent{
		baseEvent: newBaseEvent(TypeInstanceStopped, id),
		RunID:     runID,
		Reason:    reason,
		Crashed:   crashed,
	}
}

func (e InstanceStoppedEvent) Message() string {
	if e.Crashed {
		return "Your userbot stopped unexpectedly: " + e.Reason
	}
	return "Your userbot was stopped."
}

// InstanceSuspendedEvent is emitted when the idle reaper suspends a userbot.
type InstanceSuspendedEvent struct {
	baseEvent
	RunID   string
	IdleFor time.Duration
}

// NewInstanceSuspendedEvent creates an InstanceSuspendedEvent.
func NewInstanceSuspendedEvent(id user.ID, runID string, idleFor time.Duration) InstanceSuspendedEvent {
	return InstanceSuspendedEvent{
		baseEvent: newBaseEvent(TypeInstanceSuspended, id),
		RunID:     runID,
		IdleFor:   idleFor,
	}
}

func (e InstanceSuspendedEvent) Message() string {
	return fmt.Sprintf("Your userbot was put to sleep after %s without activity. Start it again any time.",
		e.IdleFor.Truncate(time.Second))
}

// InstanceDeauthorizedEvent is emitted once when the platform revokes the
// session of a userbot. The stored credential has been invalidated.
type InstanceDeauthorizedEvent struct {
	baseEvent
	RunID  string
	Reason string
}

// NewInstanceDeauthorizedEvent creates an InstanceDeauthorizedEvent.
func NewInstanceDeauthorizedEvent(id user.ID, runID, reason string) InstanceDeauthorizedEvent {
	return InstanceDeauthorizedEvent{
		baseEvent: newBaseEvent(TypeInstanceDeauthorized, id),
		RunID:     runID,
		Reason:    reason,
	}
}

func (e InstanceDeauthorizedEvent) Message() string {
	return "Your session was ended by the platform. Please log in again."
}
