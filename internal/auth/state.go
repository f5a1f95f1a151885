package auth

import (
	"time"

	"github.com/islombek4642/tgsecret/internal/credential"
)

// State is the position of one onboarding in the login handshake.
type State int32

const (
	Idle State = iota
	AwaitingPhone
	AwaitingCode
	Awaiting2FA
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingPhone:
		return "awaiting_phone"
	case AwaitingCode:
		return "awaiting_code"
	case Awaiting2FA:
		return "awaiting_2fa"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further event is accepted in s.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}

// Outcome is the result of one onboarding event.
type Outcome struct {
	SessionID string
	State     State
	// AttemptsLeft is the remaining code or password attempts while the
	// session waits for one.
	AttemptsLeft int
	ExpiresAt    time.Time
	// Account is set once the session succeeded.
	Account *credential.Account
}

// Config is the negotiation policy.
type Config struct {
	// SessionTTL bounds the whole handshake, from Begin to a terminal state.
	SessionTTL time.Duration
	// MaxAttempts is the number of code or password submissions the
	// platform may reject before the session fails.
	MaxAttempts int
	// ResendExpiredCode requests a fresh code when the platform reports the
	// submitted one as expired.
	ResendExpiredCode bool
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		SessionTTL:        5 * time.Minute,
		MaxAttempts:       3,
		ResendExpiredCode: true,
	}
}
