package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedChecker struct {
	results []bool
	idx     int
}

func (c *scriptedChecker) Healthy(ctx context.Context) bool {
	if c.idx >= len(c.results) {
		return c.results[len(c.results)-1]
	}
	r := c.results[c.idx]
	c.idx++
	return r
}

func TestProbe_FiresOnReconnect(t *testing.T) {
	var fired atomic.Int32
	checker := &scriptedChecker{results: []bool{false, false, true}}
	p := NewProbe(checker, func(ctx context.Context) { fired.Add(1) })

	ctx := context.Background()
	p.Check(ctx) // online -> offline
	p.Check(ctx) // still offline
	if fired.Load() != 0 {
		t.Fatalf("onOnline fired %d times while offline, want 0", fired.Load())
	}

	p.Check(ctx) // offline -> online
	if fired.Load() != 1 {
		t.Errorf("onOnline fired %d times on reconnect, want 1", fired.Load())
	}
}

func TestProbe_NoFireWhileStable(t *testing.T) {
	var fired atomic.Int32
	checker := &scriptedChecker{results: []bool{true, true, true}}
	p := NewProbe(checker, func(ctx context.Context) { fired.Add(1) })

	ctx := context.Background()
	for range 3 {
		p.Check(ctx)
	}
	if fired.Load() != 0 {
		t.Errorf("onOnline fired %d times with stable connectivity, want 0", fired.Load())
	}
}

func TestTicker_FiresAndStops(t *testing.T) {
	var count atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	Ticker{}.Schedule(ctx, 5*time.Millisecond, func(ctx context.Context) {
		count.Add(1)
	})

	deadline := time.After(2 * time.Second)
	for count.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("scheduler never fired twice within 2s")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	time.Sleep(20 * time.Millisecond)
	after := count.Load()
	time.Sleep(30 * time.Millisecond)
	if count.Load() != after {
		t.Error("scheduler kept firing after context cancellation")
	}
}
