// Package credential persists the opaque session material that proves a
// user authorized a userbot, one record per user.
//
// Every backend guarantees that a Put is atomic (readers observe the old or
// the new record, never a mix), that records of different users are fully
// independent, and that a record read for user A can never be one written
// for user B.
package credential

import (
	"context"
	"time"

	"github.com/islombek4642/tgsecret/internal/errors"
	"github.com/islombek4642/tgsecret/internal/user"
)

// Account is the profile captured at sign-in.
type Account struct {
	ID        int64  `json:"id"`
	Phone     string `json:"phone,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Credential is the stored proof of authorization for one user.
type Credential struct {
	UserID user.ID
	// Session is the platform's exported session material. Its content is
	// never interpreted by tgsecret.
	Session   []byte
	Account   Account
	CreatedAt time.Time
	// Valid is false once the platform revoked the session. An invalid
	// credential is kept for inspection but never used to start a userbot.
	Valid         bool
	InvalidatedAt time.Time
	InvalidReason string
}

// Store persists credentials keyed by user.
type Store interface {
	// Put atomically creates or replaces the credential of id.
	Put(ctx context.Context, id user.ID, c Credential) error
	// Get returns the credential of id, or an error matching
	// errors.ErrNotFound.
	Get(ctx context.Context, id user.ID) (Credential, error)
	// Invalidate marks the credential of id as revoked, keeping the record.
	Invalidate(ctx context.Context, id user.ID, reason string) error
	// Delete removes the credential of id. Deleting a missing record succeeds.
	Delete(ctx context.Context, id user.ID) error
	// List returns every user with a stored record, valid or not, in
	// ascending order.
	List(ctx context.Context) ([]user.ID, error)
}

// Option configures a Store backend.
type Option func(*options)

type options struct {
	sealer Sealer
	now    func() time.Time
}

func defaultOptions() options {
	return options{sealer: NopSealer{}, now: time.Now}
}

// WithSealer seals session material at rest.
func WithSealer(s Sealer) Option {
	return func(o *options) {
		if s != nil {
			o.sealer = s
		}
	}
}

// WithClock replaces time.Now for timestamps the store assigns.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func validatePut(id user.ID, c Credential) error {
	if !id.Valid() {
		return errors.NewValidationError("user id must be positive").WithField("user_id").WithValue(int64(id))
	}
	if c.UserID != 0 && c.UserID != id {
		return errors.NewValidationError("credential belongs to another user").WithField("user_id").WithValue(int64(c.UserID))
	}
	if len(c.Session) == 0 {
		return errors.NewValidationError("session material is empty").WithField("session")
	}
	return nil
}

func notFound(id user.ID) error {
	return errors.NewNotFoundError("credential", id.String())
}

func invalidate(c Credential, reason string, now time.Time) Credential {
	c.Valid = false
	c.InvalidatedAt = now
	c.InvalidReason = reason
	return c
}
