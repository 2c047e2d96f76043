// Package syncer drains the outbox: one single-flight pass replays eligible
// jobs against the backend in FIFO order and updates the queue per outcome.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haulsync/haulsync/internal/outbox"
	"github.com/haulsync/haulsync/internal/transport"
)

// Sender issues one replay attempt for a job.
type Sender interface {
	Send(ctx context.Context, j *outbox.Job) transport.Result
}

// EventType tags a job outcome notification.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventRetrying  EventType = "retrying"
	EventDead      EventType = "dead"
)

// Event is published to subscribers after each job attempt, so host UIs can
// surface toasts and badges without the engine holding a global callback.
type Event struct {
	Type  EventType
	JobID string
	Kind  outbox.Kind
	// Retries is the number of failed attempts recorded for the job at the
	// time of the event: the retrying event for the Nth failure carries N,
	// and a completed or dead event carries the failures that preceded it.
	Retries int
	Detail  string
}

// Syncer orchestrates drain passes over the mutation queue.
type Syncer struct {
	store  outbox.Store
	sender Sender
	policy outbox.Policy

	drainMu sync.Mutex // single-flight guard; at most one drain at a time

	mu        sync.RWMutex
	subs      []chan Event
	lastDrain time.Time

	// now is the clock; tests override it.
	now func() time.Time
}

// New creates a Syncer. The policy's retry budget decides when a transient
// failure is dead-lettered instead of retried.
func New(store outbox.Store, sender Sender, policy outbox.Policy) *Syncer {
	return &Syncer{
		store:  store,
		sender: sender,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue validates and durably stores a job for later replay.
func (s *Syncer) Enqueue(ctx context.Context, j *outbox.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if err := s.store.Enqueue(ctx, j); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// PendingCount returns the number of jobs awaiting replay.
func (s *Syncer) PendingCount(ctx context.Context) (int, error) {
	return s.store.PendingCount(ctx)
}

// LastDrain returns when the last drain pass finished (zero before the first).
func (s *Syncer) LastDrain() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastDrain
}

// Drain runs one pass over the eligible jobs, strictly in FIFO order,
// awaiting each attempt before starting the next. If a drain is already in
// flight the call returns immediately without effect. Errors are logged,
// never returned: triggers fire and forget.
func (s *Syncer) Drain(ctx context.Context) {
	if !s.drainMu.TryLock() {
		return
	}
	defer s.drainMu.Unlock()

	now := s.now()
	jobs, err := s.store.ListEligible(ctx, now)
	if err != nil {
		slog.Error("drain: list eligible", "error", err)
		return
	}

	for _, j := range jobs {
		s.attempt(ctx, j)
	}

	s.mu.Lock()
	s.lastDrain = s.now()
	s.mu.Unlock()
}

// attempt replays one job. A failure here never aborts the pass; the next
// job still gets its attempt.
func (s *Syncer) attempt(ctx context.Context, j *outbox.Job) {
	res := s.sender.Send(ctx, j)

	switch res.Outcome {
	case transport.Success:
		if err := s.store.MarkCompleted(ctx, j.ID); err != nil {
			// The remote applied the mutation but the local row survived.
			// The stable idempotency key makes the inevitable replay a no-op.
			slog.Error("drain: mark completed", "job", j.ID, "error", err)
			return
		}
		slog.Info("drain: job completed", "job", j.ID, "kind", j.Kind, "retries", j.Retries)
		s.publish(Event{Type: EventCompleted, JobID: j.ID, Kind: j.Kind, Retries: j.Retries})

	case transport.Permanent:
		reason := attemptDetail(res)
		if err := s.store.MarkDead(ctx, j.ID, reason); err != nil {
			slog.Error("drain: mark dead", "job", j.ID, "error", err)
			return
		}
		slog.Warn("drain: job dead-lettered", "job", j.ID, "kind", j.Kind, "reason", reason)
		s.publish(Event{Type: EventDead, JobID: j.ID, Kind: j.Kind, Retries: j.Retries, Detail: reason})

	default: // transport.Transient
		if s.policy.Exhausted(j.Retries + 1) {
			reason := "retry budget exhausted: " + attemptDetail(res)
			if err := s.store.MarkDead(ctx, j.ID, reason); err != nil {
				slog.Error("drain: mark dead", "job", j.ID, "error", err)
				return
			}
			slog.Warn("drain: job dead-lettered", "job", j.ID, "kind", j.Kind, "reason", reason)
			s.publish(Event{Type: EventDead, JobID: j.ID, Kind: j.Kind, Retries: j.Retries, Detail: reason})
			return
		}
		if err := s.store.IncrementRetry(ctx, j.ID, s.now()); err != nil {
			slog.Error("drain: increment retry", "job", j.ID, "error", err)
			return
		}
		slog.Info("drain: job will retry", "job", j.ID, "kind", j.Kind,
			"retries", j.Retries+1, "detail", attemptDetail(res))
		s.publish(Event{Type: EventRetrying, JobID: j.ID, Kind: j.Kind,
			Retries: j.Retries + 1, Detail: attemptDetail(res)})
	}
}

func attemptDetail(res transport.Result) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	return fmt.Sprintf("status %d", res.StatusCode)
}

// Subscribe returns a buffered channel of job outcome events. Events are
// dropped, not blocked on, when a subscriber falls behind.
func (s *Syncer) Subscribe() chan Event {
	ch := make(chan Event, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel returned by Subscribe. The channel is left
// open so an in-flight publish can never hit a closed channel; the
// subscriber simply stops receiving.
func (s *Syncer) Unsubscribe(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.subs {
		if c == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *Syncer) publish(ev Event) {
	// Copy under the lock: Unsubscribe shifts the backing array in place,
	// so iterating a bare slice header would race it.
	s.mu.RLock()
	subs := append([]chan Event(nil), s.subs...)
	s.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
