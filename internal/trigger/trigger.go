// Package trigger abstracts the sources that kick the engine: periodic
// timers and connectivity transitions. The engine itself stays
// schedule-agnostic; tests invoke tasks directly.
package trigger

import (
	"context"
	"log/slog"
	"time"
)

// Task is a unit of background work fired by a trigger.
type Task func(ctx context.Context)

// Scheduler runs a task repeatedly until the context is cancelled.
type Scheduler interface {
	Schedule(ctx context.Context, interval time.Duration, task Task)
}

// Ticker is the production Scheduler, backed by time.Ticker.
type Ticker struct{}

// Schedule launches a goroutine that fires task every interval until ctx is
// done. The task runs on the scheduler goroutine; tasks guard their own
// re-entrancy.
func (Ticker) Schedule(ctx context.Context, interval time.Duration, task Task) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				task(ctx)
			}
		}
	}()
}

// HealthChecker reports whether the backend is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Probe watches backend connectivity and fires OnOnline on every
// offline-to-online transition, so queued work replays as soon as the link
// comes back instead of waiting out the next timer tick.
type Probe struct {
	checker  HealthChecker
	onOnline Task
	online   bool
}

// NewProbe creates a Probe. The probe starts out assuming it is online so a
// healthy boot does not fire a spurious transition.
func NewProbe(checker HealthChecker, onOnline Task) *Probe {
	return &Probe{checker: checker, onOnline: onOnline, online: true}
}

// Check performs one connectivity check, firing OnOnline on a transition.
// Exposed so schedulers and tests drive it directly.
func (p *Probe) Check(ctx context.Context) {
	healthy := p.checker.Healthy(ctx)
	if healthy && !p.online {
		slog.Info("probe: backend reachable again")
		p.onOnline(ctx)
	}
	if !healthy && p.online {
		slog.Warn("probe: backend unreachable")
	}
	p.online = healthy
}
