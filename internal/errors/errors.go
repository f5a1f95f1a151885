// Package errors provides the error taxonomy shared by every tgsecret
// component. It defines sentinel errors, typed errors carrying the identity
// they are scoped to, and classification helpers that let the control
// surface tell "you made a mistake" apart from "the system could not
// complete this".
//
// # Error Types
//
// Domain-specific errors carry the identity and component they came from:
//   - AuthError: onboarding handshake failures, with the state they hit
//   - InstanceError: supervisor failures for one running instance
//   - StorageError: credential store I/O failures
//
// Semantic errors describe a condition:
//   - ValidationError: locally malformed input, nothing consumed
//   - RejectionError: the platform refused a value, one attempt consumed
//   - TimeoutError: a deadline elapsed
//   - NotFoundError: a keyed resource is absent
//
// # Usage
//
//	err := errors.NewAuthError("code rejected", errors.NewRejectionError("invalid code", 2)).
//		WithUser(id).WithState("awaiting_code")
//
//	if errors.IsUserMistake(err) {
//	    reply(errors.Describe(err))
//	}
//
// # Classification
//
// Classify maps any error onto a Kind. Validation and rejection kinds are
// user mistakes; everything else is reported as a system failure.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Credential-related sentinel errors
var (
	// ErrNotFound indicates that no record exists for the requested identity.
	ErrNotFound = New("not found")
	// ErrNoCredential indicates that an identity has no usable credential.
	ErrNoCredential = New("no credential")
	// ErrCredentialInvalidated indicates that a stored credential was revoked
	// by the platform and must be replaced by a new onboarding.
	ErrCredentialInvalidated = New("credential invalidated")
	// ErrCorrupted indicates that a stored record could not be decoded or
	// does not belong to the identity it was read for.
	ErrCorrupted = New("credential data corrupted")
)

// Onboarding-related sentinel errors
var (
	// ErrNoSession indicates that no onboarding is in progress for the identity.
	ErrNoSession = New("no onboarding in progress")
	// ErrWrongState indicates an event that the current state does not accept.
	ErrWrongState = New("unexpected step")
	// ErrSuperseded indicates that a newer onboarding replaced this one.
	ErrSuperseded = New("superseded by a newer onboarding")
	// ErrRetriesExhausted indicates that the attempt budget was used up.
	ErrRetriesExhausted = New("too many failed attempts")
	// ErrRateLimited indicates that the platform asked the caller to back off.
	ErrRateLimited = New("rate limited by platform")
)

// Instance-related sentinel errors
var (
	// ErrAlreadyRunning indicates that an instance is already starting or running.
	ErrAlreadyRunning = New("instance already running")
	// ErrDeauthorized indicates that the platform revoked the session.
	ErrDeauthorized = New("session deauthorized by platform")
	// ErrStartFailed indicates that an instance failed to launch.
	ErrStartFailed = New("instance failed to start")
	// ErrTeardownPending indicates that a previous execution context has not
	// released its resources yet.
	ErrTeardownPending = New("previous instance is still shutting down")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrUnavailable indicates that a collaborator could not be reached.
	ErrUnavailable = New("service unavailable")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// TgError is implemented by every typed error in this package.
type TgError interface {
	error
	Unwrap() error
	Is(target error) bool
	Severity() Severity
	IsRetryable() bool
	IsUserFacing() bool
}

type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity { return e.severity }

func (e *baseError) IsRetryable() bool { return e.retryable }

func (e *baseError) IsUserFacing() bool { return e.userFacing }

// Message returns the error's own message without context or cause.
func (e *baseError) Message() string { return e.message }

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

func userPart(id int64) []string {
	if id == 0 {
		return nil
	}
	return []string{fmt.Sprintf("user=%d", id)}
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// AuthError represents a failure of one onboarding handshake.
type AuthError struct {
	baseError
	UserID    int64
	SessionID string
	State     string
}

// NewAuthError creates a new AuthError.
func NewAuthError(message string, cause error) *AuthError {
	return &AuthError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithUser records the identity the handshake belongs to.
func (e *AuthError) WithUser(id int64) *AuthError {
	e.UserID = id
	return e
}

// WithSession records the onboarding session id.
func (e *AuthError) WithSession(id string) *AuthError {
	e.SessionID = id
	return e
}

// WithState records the state the handshake was in.
func (e *AuthError) WithState(state string) *AuthError {
	e.State = state
	return e
}

// WithRetryable sets whether starting a new onboarding may succeed.
func (e *AuthError) WithRetryable(r bool) *AuthError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *AuthError) Error() string {
	parts := userPart(e.UserID)
	if e.State != "" {
		parts = append(parts, "state="+e.State)
	}
	return e.format("auth error", parts)
}

// Is checks if this error matches the target.
func (e *AuthError) Is(target error) bool {
	if _, ok := target.(*AuthError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// InstanceError represents a failure of the supervisor for one identity.
type InstanceError struct {
	baseError
	UserID int64
	RunID  string
}

// NewInstanceError creates a new InstanceError.
func NewInstanceError(message string, cause error) *InstanceError {
	return &InstanceError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithUser records the identity of the instance.
func (e *InstanceError) WithUser(id int64) *InstanceError {
	e.UserID = id
	return e
}

// WithRun records the id of the execution context involved.
func (e *InstanceError) WithRun(id string) *InstanceError {
	e.RunID = id
	return e
}

// WithSeverity sets the error severity.
func (e *InstanceError) WithSeverity(s Severity) *InstanceError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *InstanceError) WithRetryable(r bool) *InstanceError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *InstanceError) Error() string {
	parts := userPart(e.UserID)
	if e.RunID != "" {
		parts = append(parts, "run="+e.RunID)
	}
	return e.format("instance error", parts)
}

// Is checks if this error matches the target.
func (e *InstanceError) Is(target error) bool {
	if _, ok := target.(*InstanceError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StorageError represents an I/O failure of the credential store.
type StorageError struct {
	baseError
	Op     string
	UserID int64
}

// NewStorageError creates a new StorageError for operation op.
func NewStorageError(op string, cause error) *StorageError {
	return &StorageError{
		baseError: baseError{
			message:   "credential store " + op + " failed",
			cause:     cause,
			severity:  SeverityError,
			retryable: true,
		},
		Op: op,
	}
}

// WithUser records the identity whose record was being accessed.
func (e *StorageError) WithUser(id int64) *StorageError {
	e.UserID = id
	return e
}

// Error returns the formatted error message.
func (e *StorageError) Error() string {
	return e.format("storage error", userPart(e.UserID))
}

// Is checks if this error matches the target.
func (e *StorageError) Is(target error) bool {
	if _, ok := target.(*StorageError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a missing keyed resource.
type NotFoundError struct {
	baseError
	Resource string
	ID       string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s %s not found", resource, id),
			severity:   SeverityInfo,
			userFacing: true,
		},
		Resource: resource,
		ID:       id,
	}
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	if target == ErrNotFound {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents locally malformed input. It never consumes
// an attempt.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	return e.format("validation error", parts)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// RejectionError represents a value the platform refused. It consumed one
// attempt; AttemptsLeft is what remains before the handshake fails.
type RejectionError struct {
	baseError
	AttemptsLeft int
}

// NewRejectionError creates a new RejectionError.
func NewRejectionError(message string, attemptsLeft int) *RejectionError {
	return &RejectionError{
		baseError: baseError{
			message:    message,
			severity:   SeverityInfo,
			retryable:  attemptsLeft > 0,
			userFacing: true,
		},
		AttemptsLeft: attemptsLeft,
	}
}

// WithCause adds a cause to the error.
func (e *RejectionError) WithCause(cause error) *RejectionError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *RejectionError) Error() string {
	return e.format("rejected", []string{fmt.Sprintf("attempts_left=%d", e.AttemptsLeft)})
}

// Is checks if this error matches the target.
func (e *RejectionError) Is(target error) bool {
	if _, ok := target.(*RejectionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var tgErr TgError
	if As(err, &tgErr) {
		return tgErr.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var tgErr TgError
	if As(err, &tgErr) {
		return tgErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement TgError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var tgErr TgError
	if As(err, &tgErr) {
		return tgErr.Severity()
	}
	return SeverityError
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
