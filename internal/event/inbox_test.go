package event

import "testing"

func TestInboxBuffersPerUser(t *testing.T) {
	bus := NewBus()
	inbox := NewInbox(bus, 2)
	defer inbox.Close()

	bus.Publish(NewInstanceStartedEvent(1, "r1"))
	bus.Publish(NewInstanceStoppedEvent(1, "r1", "requested", false))
	bus.Publish(NewInstanceStartedEvent(1, "r2"))
	bus.Publish(NewInstanceStartedEvent(2, "x"))

	if got := len(inbox.Peek(1)); got != 2 {
		t.Fatalf("Peek(1) len = %d, want 2 (capacity)", got)
	}

	drained := inbox.Drain(1)
	if drained[0].Type != TypeInstanceStopped || drained[1].Type != TypeInstanceStarted {
		t.Errorf("Drain(1) = %+v, want oldest entry dropped", drained)
	}
	if len(inbox.Drain(1)) != 0 {
		t.Error("second Drain(1) returned entries")
	}
	if len(inbox.Drain(2)) != 1 {
		t.Error("user 2 should have one pending notification")
	}
}

func TestInboxCloseStopsRecording(t *testing.T) {
	bus := NewBus()
	inbox := NewInbox(bus, 0)
	inbox.Close()

	bus.Publish(NewInstanceStartedEvent(1, "r"))
	if len(inbox.Peek(1)) != 0 {
		t.Error("closed inbox recorded an event")
	}
}
