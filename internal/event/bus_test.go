package event

import (
	"sync"
	"testing"
	"time"

	"github.com/islombek4642/tgsecret/internal/user"
)

func TestBusDispatchOrder(t *testing.T) {
	bus := NewBus()
	var got []string

	bus.SubscribeAll(func(e Event) { got = append(got, "all:"+e.EventType()) })
	bus.Subscribe(TypeInstanceStarted, func(e Event) { got = append(got, "specific") })
	bus.Subscribe(TypeInstanceStopped, func(e Event) { got = append(got, "wrong type") })

	bus.Publish(NewInstanceStartedEvent(1, "run-1"))

	want := []string{"specific", "all:instance.started"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBusUnsubscribeAndPanicRecovery(t *testing.T) {
	bus := NewBus()
	calls := 0

	bus.SubscribeAll(func(Event) { panic("boom") })
	id := bus.SubscribeAll(func(Event) { calls++ })

	bus.Publish(NewInstanceStartedEvent(1, "r"))
	if calls != 1 {
		t.Fatalf("calls = %d after panicking sibling, want 1", calls)
	}

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe() = false")
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe() = true, want false")
	}
	bus.Publish(NewInstanceStartedEvent(1, "r"))
	if calls != 1 {
		t.Errorf("calls = %d after unsubscribe, want 1", calls)
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}
	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() after Clear = %d", bus.SubscriptionCount())
	}
}

func TestSubscribeUserFilters(t *testing.T) {
	bus := NewBus()
	var seen []user.ID
	bus.SubscribeUser(7, func(e Event) { seen = append(seen, e.UserID()) })

	bus.Publish(NewInstanceStartedEvent(7, "a"))
	bus.Publish(NewInstanceStartedEvent(8, "b"))
	bus.Publish(NewInstanceDeauthorizedEvent(7, "a", "revoked"))

	if len(seen) != 2 {
		t.Fatalf("seen = %v, want two events for user 7", seen)
	}
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bus.Publish(NewInstanceStartedEvent(user.ID(i+1), "r"))
		}(i)
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("count = %d, want 50", count)
	}
}

func TestEventMessages(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{NewCodeRequestedEvent(1, "s", "app", false), "A login code was sent to your account. Please enter it."},
		{NewCodeRequestedEvent(1, "s", "app", true), "The code expired. A new code was sent, please enter it."},
		{NewAuthSucceededEvent(1, "s", 99, "ada"), "Logged in as @ada."},
		{NewAuthFailedEvent(1, "s", "you made a mistake: invalid phone", "rejection", true), "Login failed: you made a mistake: invalid phone"},
		{NewInstanceSuspendedEvent(1, "r", 90*time.Minute+300*time.Millisecond), "Your userbot was put to sleep after 1h30m0s without activity. Start it again any time."},
	}
	for _, tt := range tests {
		if got := tt.event.Message(); got != tt.want {
			t.Errorf("%s Message() = %q, want %q", tt.event.EventType(), got, tt.want)
		}
	}
}
