package errors

import (
	"context"
	"fmt"
)

// Kind is the coarse category of a failure, used to decide how it is
// reported to the end user and which HTTP status the control API returns.
type Kind int

const (
	KindNone Kind = iota
	KindValidation
	KindRejection
	KindRetriesExhausted
	KindNotFound
	KindNoCredential
	KindAlreadyRunning
	KindWrongState
	KindSuperseded
	KindCanceled
	KindTimeout
	KindRateLimited
	KindDeauthorized
	KindTeardownPending
	KindStorage
	KindUnavailable
	KindInternal
)

var kindNames = map[Kind]string{
	KindNone:             "none",
	KindValidation:       "validation",
	KindRejection:        "rejection",
	KindRetriesExhausted: "retries_exhausted",
	KindNotFound:         "not_found",
	KindNoCredential:     "no_credential",
	KindAlreadyRunning:   "already_running",
	KindWrongState:       "wrong_state",
	KindSuperseded:       "superseded",
	KindCanceled:         "canceled",
	KindTimeout:          "timeout",
	KindRateLimited:      "rate_limited",
	KindDeauthorized:     "deauthorized",
	KindTeardownPending:  "teardown_pending",
	KindStorage:          "storage",
	KindUnavailable:      "unavailable",
	KindInternal:         "internal",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// UserMistake reports whether failures of this kind are caused by what the
// user submitted or asked for, as opposed to the system failing.
func (k Kind) UserMistake() bool {
	switch k {
	case KindValidation, KindRejection, KindRetriesExhausted,
		KindNotFound, KindNoCredential, KindAlreadyRunning, KindWrongState:
		return true
	}
	return false
}

// sentinelKinds is checked in order; the first match wins. Sentinels that
// are usually wrapped around a typed error come first.
var sentinelKinds = []struct {
	err  error
	kind Kind
}{
	{ErrSuperseded, KindSuperseded},
	{ErrCanceled, KindCanceled},
	{ErrRetriesExhausted, KindRetriesExhausted},
	{ErrRateLimited, KindRateLimited},
	{ErrDeauthorized, KindDeauthorized},
	{ErrTeardownPending, KindTeardownPending},
	{ErrAlreadyRunning, KindAlreadyRunning},
	{ErrNoCredential, KindNoCredential},
	{ErrNoSession, KindNotFound},
	{ErrWrongState, KindWrongState},
}

// Classify maps err onto a Kind. A nil error is KindNone.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, s := range sentinelKinds {
		if Is(err, s.err) {
			return s.kind
		}
	}

	var validation *ValidationError
	var rejection *RejectionError
	var timeout *TimeoutError
	var storage *StorageError
	var notFound *NotFoundError

	switch {
	case As(err, &validation):
		return KindValidation
	case As(err, &rejection):
		return KindRejection
	case As(err, &timeout), Is(err, ErrTimeout), Is(err, context.DeadlineExceeded):
		return KindTimeout
	case As(err, &storage):
		return KindStorage
	case As(err, &notFound), Is(err, ErrNotFound):
		return KindNotFound
	case Is(err, ErrUnavailable):
		return KindUnavailable
	case Is(err, context.Canceled):
		return KindCanceled
	}
	return KindInternal
}

// IsUserMistake reports whether err was caused by the user's input or request.
func IsUserMistake(err error) bool {
	return Classify(err).UserMistake()
}

var kindPhrases = map[Kind]string{
	KindRetriesExhausted: "too many failed attempts, start the login again",
	KindNotFound:         "nothing to continue, start the login first",
	KindNoCredential:     "no active login, sign in first",
	KindAlreadyRunning:   "the userbot is already running",
	KindWrongState:       "that step is not expected right now",
	KindSuperseded:       "a newer login replaced this one",
	KindCanceled:         "the login was canceled",
	KindTimeout:          "the login expired, start again",
	KindRateLimited:      "the platform asked us to wait before trying again",
	KindDeauthorized:     "the platform ended this session, sign in again",
	KindTeardownPending:  "the previous userbot is still shutting down",
	KindStorage:          "the login could not be saved",
	KindUnavailable:      "the platform could not be reached",
	KindInternal:         "an internal error occurred",
}

// Describe renders err as a single human-readable sentence that makes clear
// whether the user or the system is at fault.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	kind := Classify(err)

	detail := kindPhrases[kind]
	var validation *ValidationError
	var rejection *RejectionError
	switch {
	case kind == KindValidation && As(err, &validation):
		detail = validation.Message()
	case kind == KindRejection && As(err, &rejection):
		detail = rejection.Message()
		if rejection.AttemptsLeft > 0 {
			detail = fmt.Sprintf("%s (%d attempts left)", detail, rejection.AttemptsLeft)
		}
	}

	if kind.UserMistake() {
		return "you made a mistake: " + detail
	}
	return "the system could not complete this: " + detail
}
