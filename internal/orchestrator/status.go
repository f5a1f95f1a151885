package orchestrator

import (
	"time"

	"github.com/islombek4642/tgsecret/internal/auth"
	"github.com/islombek4642/tgsecret/internal/credential"
	"github.com/islombek4642/tgsecret/internal/supervisor"
	"github.com/islombek4642/tgsecret/internal/user"
)

// Status is the combined view of one user.
type Status struct {
	UserID     user.ID           `json:"user_id"`
	Instance   InstanceStatus    `json:"instance"`
	Credential *CredentialStatus `json:"credential,omitempty"`
	Onboarding OnboardingStatus  `json:"onboarding"`
}

// InstanceStatus describes the userbot.
type InstanceStatus struct {
	State        string     `json:"state"`
	RunID        string     `json:"run_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// CredentialStatus describes the stored credential without its secret.
type CredentialStatus struct {
	Valid         bool               `json:"valid"`
	CreatedAt     time.Time          `json:"created_at"`
	InvalidatedAt *time.Time         `json:"invalidated_at,omitempty"`
	InvalidReason string             `json:"invalid_reason,omitempty"`
	Account       credential.Account `json:"account"`
}

// OnboardingStatus describes the login handshake.
type OnboardingStatus struct {
	State        string     `json:"state"`
	SessionID    string     `json:"session_id,omitempty"`
	AttemptsLeft int        `json:"attempts_left,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// NewInstanceStatus flattens a supervisor snapshot.
func NewInstanceStatus(s supervisor.Status) InstanceStatus {
	return InstanceStatus{
		State:        s.State.String(),
		RunID:        s.RunID,
		StartedAt:    timePtr(s.StartedAt),
		LastActivity: timePtr(s.LastActivity),
		Reason:       s.Reason,
	}
}

func newCredentialStatus(c credential.Credential) *CredentialStatus {
	return &CredentialStatus{
		Valid:         c.Valid,
		CreatedAt:     c.CreatedAt,
		InvalidatedAt: timePtr(c.InvalidatedAt),
		InvalidReason: c.InvalidReason,
		Account:       c.Account,
	}
}

// NewOnboardingStatus flattens an auth outcome.
func NewOnboardingStatus(out auth.Outcome) OnboardingStatus {
	return OnboardingStatus{
		State:        out.State.String(),
		SessionID:    out.SessionID,
		AttemptsLeft: out.AttemptsLeft,
		ExpiresAt:    timePtr(out.ExpiresAt),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
