// Package reaper suspends userbots that have gone idle.
package reaper

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/islombek4642/tgsecret/internal/logging"
	"github.com/islombek4642/tgsecret/internal/supervisor"
	"github.com/islombek4642/tgsecret/internal/user"
)

// Target is the part of the supervisor a Reaper drives.
type Target interface {
	Running() []supervisor.Status
	SuspendIfIdle(uid user.ID, threshold time.Duration) (bool, error)
}

// Reaper periodically suspends running instances whose last activity is
// older than the threshold.
type Reaper struct {
	target    Target
	interval  time.Duration
	threshold atomic.Int64
	sweeping  atomic.Bool
	logger    *logging.Logger
}

// New creates a Reaper. A threshold of zero disables suspension until
// SetThreshold is called with a positive value.
func New(target Target, interval, threshold time.Duration, logger *logging.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	r := &Reaper{
		target:   target,
		interval: interval,
		logger:   logger.WithComponent("reaper"),
	}
	r.SetThreshold(threshold)
	return r
}

// SetThreshold changes the idle threshold for subsequent sweeps.
func (r *Reaper) SetThreshold(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.threshold.Store(int64(d))
}

// Threshold returns the current idle threshold.
func (r *Reaper) Threshold() time.Duration {
	return time.Duration(r.threshold.Load())
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval, "threshold", r.Threshold())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep checks every running instance once and returns how many were
// suspended. A sweep that starts while another is in progress does nothing.
func (r *Reaper) Sweep() int {
	if !r.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer r.sweeping.Store(false)

	threshold := r.Threshold()
	if threshold <= 0 {
		return 0
	}

	suspended := 0
	for _, st := range r.target.Running() {
		ok, err := r.target.SuspendIfIdle(st.UserID, threshold)
		if err != nil {
			r.logger.WithUser(int64(st.UserID)).Warn("suspend failed", "error", err)
			continue
		}
		if ok {
			suspended++
		}
	}
	if suspended > 0 {
		r.logger.Info("suspended idle instances", "count", suspended)
	}
	return suspended
}
