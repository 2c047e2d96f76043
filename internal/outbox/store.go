package outbox

import (
	"context"
	"time"
)

// Store persists and retrieves queued mutations.
type Store interface {
	// Enqueue appends a new pending job. A storage error is returned to the
	// caller rather than masked: if the insert fails the mutation is lost and
	// the caller owns that risk.
	Enqueue(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// ListEligible returns pending jobs whose backoff window has elapsed at
	// time now, oldest first. FIFO order protects same-target mutations from
	// being replayed out of order.
	ListEligible(ctx context.Context, now time.Time) ([]*Job, error)
	// MarkCompleted removes a job after a successful replay. Removing an
	// absent id is a no-op.
	MarkCompleted(ctx context.Context, id string) error
	// IncrementRetry records a failed attempt: retries += 1, last_attempt_at = now.
	IncrementRetry(ctx context.Context, id string, now time.Time) error
	// MarkDead moves a job to the terminal dead-letter state.
	MarkDead(ctx context.Context, id, reason string) error
	ListDead(ctx context.Context) ([]*Job, error)
	PendingCount(ctx context.Context) (int, error)
	DeadCount(ctx context.Context) (int, error)
}
