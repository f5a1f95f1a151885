package event

import (
	"sync"
	"time"

	"github.com/islombek4642/tgsecret/internal/user"
)

// Notification is the flattened form of an event delivered to the control
// surface.
type Notification struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Message string    `json:"message"`
	Event   Event     `json:"-"`
}

// Inbox buffers the most recent notifications per user until the control
// surface drains them. Older entries are dropped once a user's buffer is full.
type Inbox struct {
	mu       sync.Mutex
	capacity int
	pending  map[user.ID][]Notification
	subID    string
	bus      *Bus
}

// NewInbox subscribes a new Inbox to every event on bus.
func NewInbox(bus *Bus, capacity int) *Inbox {
	if capacity <= 0 {
		capacity = 32
	}
	in := &Inbox{
		capacity: capacity,
		pending:  make(map[user.ID][]Notification),
		bus:      bus,
	}
	in.subID = bus.SubscribeAll(in.record)
	return in
}

func (in *Inbox) record(e Event) {
	n := Notification{
		Type:    e.EventType(),
		At:      e.Timestamp(),
		Message: e.Message(),
		Event:   e,
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	q := append(in.pending[e.UserID()], n)
	if len(q) > in.capacity {
		q = q[len(q)-in.capacity:]
	}
	in.pending[e.UserID()] = q
}

// Drain returns and forgets every pending notification for id, oldest first.
func (in *Inbox) Drain(id user.ID) []Notification {
	in.mu.Lock()
	defer in.mu.Unlock()

	q := in.pending[id]
	delete(in.pending, id)
	return q
}

// Peek returns the pending notifications for id without removing them.
func (in *Inbox) Peek(id user.ID) []Notification {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]Notification(nil), in.pending[id]...)
}

// Close detaches the inbox from the bus.
func (in *Inbox) Close() {
	in.bus.Unsubscribe(in.subID)
}
