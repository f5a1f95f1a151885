// Package platform defines the contract between tgsecret and the messaging
// platform that owns end-user accounts.
//
// Two handles are involved. A [Conn] is an unauthenticated connection used
// for exactly one login handshake; once the handshake completes it exports
// opaque session material. A [Client] is opened from that material and
// runs the user's account until it is closed or the platform revokes it.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors returned by platform implementations. Callers compare with
// errors.Is; implementations may wrap them with detail.
var (
	ErrPhoneInvalid    = errors.New("phone number invalid")
	ErrPhoneBanned     = errors.New("phone number banned")
	ErrCodeInvalid     = errors.New("login code invalid")
	ErrCodeExpired     = errors.New("login code expired")
	ErrPasswordNeeded  = errors.New("two-step verification password required")
	ErrPasswordInvalid = errors.New("two-step verification password invalid")
	ErrUnauthorized    = errors.New("session not authorized")
	ErrClosed          = errors.New("connection closed")
)

// FloodWaitError is returned when the platform rate-limits a request.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.Wait)
}

// SavedMessages addresses the account's own saved-messages chat.
const SavedMessages int64 = 0

// Account is the profile of an authorized account.
type Account struct {
	ID        int64
	Phone     string
	Username  string
	FirstName string
	LastName  string
}

// DisplayName joins first and last name.
func (a Account) DisplayName() string {
	if a.LastName == "" {
		return a.FirstName
	}
	return a.FirstName + " " + a.LastName
}

// SentCode describes a login code the platform dispatched.
type SentCode struct {
	// Hash correlates the code with the later SignIn call.
	Hash string
	// Delivery names the channel the code went out on.
	Delivery string
	// Timeout is how long the platform considers the code valid, if known.
	Timeout time.Duration
}

// Message is an update delivered to a running client.
type Message struct {
	ID       int64
	ChatID   int64
	SenderID int64
	// Outgoing is true for messages the account owner sent.
	Outgoing bool
	Text     string
	// ReplyTo is the id of the message this one replies to, or zero.
	ReplyTo int64
	// HasMedia is true when the message carries a photo, video or file.
	HasMedia bool
	Date     time.Time
}

// Handler receives messages on a running client. It runs on the client's
// dispatch goroutine and should return promptly.
type Handler func(ctx context.Context, msg Message)

// Platform opens connections to the messaging platform.
type Platform interface {
	// Dial opens an unauthenticated connection for one login handshake.
	Dial(ctx context.Context) (Conn, error)
	// Connect opens a client from exported session material. It returns
	// ErrUnauthorized when the platform no longer accepts the session.
	Connect(ctx context.Context, session []byte) (Client, error)
}

// Conn is an unauthenticated connection. It is not safe for concurrent use.
type Conn interface {
	// SendCode asks the platform to send a login code to phone.
	SendCode(ctx context.Context, phone string) (SentCode, error)
	// SignIn completes the login with the code. It returns
	// ErrPasswordNeeded when the account has two-step verification.
	SignIn(ctx context.Context, phone, codeHash, code string) (Account, error)
	// CheckPassword completes a login that requires two-step verification.
	CheckPassword(ctx context.Context, password string) (Account, error)
	// Export serializes the authorized session. It fails before sign-in.
	Export() ([]byte, error)
	Close() error
}

// Client is an authorized connection running one account.
type Client interface {
	// Self returns the account profile, or ErrUnauthorized.
	Self(ctx context.Context) (Account, error)
	// Run delivers incoming messages to h until ctx is done (returning
	// nil), the client is closed, or the platform revokes the session
	// (returning ErrUnauthorized).
	Run(ctx context.Context, h Handler) error
	SendMessage(ctx context.Context, chatID int64, text string) (Message, error)
	ForwardMessage(ctx context.Context, fromChatID, messageID, toChatID int64) error
	// Close releases the connection. It unblocks Run and is idempotent.
	Close() error
}
