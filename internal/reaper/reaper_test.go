package reaper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/islombek4642/tgsecret/internal/event"
	"github.com/islombek4642/tgsecret/internal/supervisor"
	"github.com/islombek4642/tgsecret/internal/testutil"
	"github.com/islombek4642/tgsecret/internal/user"
)

type fakeTarget struct {
	mu        sync.Mutex
	running   []user.ID
	calls     []user.ID
	suspend   map[user.ID]bool
	fail      map[user.ID]error
	block     chan struct{}
	threshold time.Duration
}

func (f *fakeTarget) Running() []supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]supervisor.Status, len(f.running))
	for i, id := range f.running {
		out[i] = supervisor.Status{UserID: id, State: supervisor.Running}
	}
	return out
}

func (f *fakeTarget) SuspendIfIdle(uid user.ID, threshold time.Duration) (bool, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, uid)
	f.threshold = threshold
	return f.suspend[uid], f.fail[uid]
}

func TestSweep(t *testing.T) {
	f := &fakeTarget{
		running: []user.ID{1, 2, 3},
		suspend: map[user.ID]bool{1: true, 3: true},
		fail:    map[user.ID]error{2: fmt.Errorf("busy")},
	}
	r := New(f, time.Minute, time.Hour, nil)

	if got := r.Sweep(); got != 2 {
		t.Errorf("Sweep() = %d, want 2", got)
	}
	if len(f.calls) != 3 {
		t.Errorf("SuspendIfIdle called %d times, want 3", len(f.calls))
	}
	if f.threshold != time.Hour {
		t.Errorf("threshold = %v, want 1h", f.threshold)
	}
}

func TestSweepDisabled(t *testing.T) {
	f := &fakeTarget{running: []user.ID{1}, suspend: map[user.ID]bool{1: true}}
	r := New(f, time.Minute, 0, nil)

	if got := r.Sweep(); got != 0 {
		t.Errorf("Sweep() = %d, want 0", got)
	}
	if len(f.calls) != 0 {
		t.Error("disabled reaper consulted the supervisor")
	}

	r.SetThreshold(2 * time.Hour)
	if got := r.Sweep(); got != 1 {
		t.Errorf("Sweep() after SetThreshold = %d, want 1", got)
	}

	r.SetThreshold(-time.Second)
	if r.Threshold() != 0 {
		t.Errorf("Threshold() = %v, want 0", r.Threshold())
	}
}

func TestSweepIsSingleFlight(t *testing.T) {
	f := &fakeTarget{
		running: []user.ID{1},
		suspend: map[user.ID]bool{1: true},
		block:   make(chan struct{}),
	}
	r := New(f, time.Minute, time.Hour, nil)

	var first atomic.Int32
	done := make(chan struct{})
	go func() {
		first.Store(int32(r.Sweep()))
		close(done)
	}()
	testutil.Eventually(t, time.Second, r.sweeping.Load, "first sweep running")

	if got := r.Sweep(); got != 0 {
		t.Errorf("overlapping Sweep() = %d, want 0", got)
	}
	close(f.block)
	<-done
	if first.Load() != 1 {
		t.Errorf("first Sweep() = %d, want 1", first.Load())
	}
}

func TestRunStopsWithContext(t *testing.T) {
	f := &fakeTarget{running: []user.ID{7}, suspend: map[user.ID]bool{7: true}}
	r := New(f, 5*time.Millisecond, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	testutil.Eventually(t, time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.calls) > 0
	}, "ticker sweep")
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSuspendsIdleInstance(t *testing.T) {
	bus := event.NewBus()
	rec := testutil.Record(bus)
	clock := testutil.NewClock()
	p := testutil.NewSandbox()
	store := testutil.NewFileStore(t)
	m := supervisor.New(p, store, bus, supervisor.Config{
		StopGrace:        50 * time.Millisecond,
		ForceStopTimeout: 50 * time.Millisecond,
	}, supervisor.WithClock(clock.Now))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	testutil.Provision(t, p, store, 1, "+15550000001")
	testutil.Provision(t, p, store, 2, "+15550000002")
	for _, id := range []user.ID{1, 2} {
		if _, err := m.Start(context.Background(), id); err != nil {
			t.Fatalf("Start(%d) error = %v", id, err)
		}
	}

	r := New(m, time.Minute, time.Hour, nil)
	clock.Advance(50 * time.Minute)
	m.Touch(2)
	clock.Advance(20 * time.Minute)

	if got := r.Sweep(); got != 1 {
		t.Fatalf("Sweep() = %d, want 1", got)
	}
	if st := m.Status(1); st.State != supervisor.Suspended {
		t.Errorf("user 1 state = %v, want suspended", st.State)
	}
	if st := m.Status(2); st.State != supervisor.Running {
		t.Errorf("user 2 state = %v, want running", st.State)
	}
	if got := rec.Count(event.TypeInstanceSuspended); got != 1 {
		t.Errorf("suspended events = %d, want 1", got)
	}
}
