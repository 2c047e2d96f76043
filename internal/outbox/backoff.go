package outbox

import (
	"math/rand"
	"time"
)

const (
	// DefaultBase is the first retry delay; each failed attempt doubles it.
	DefaultBase = 2 * time.Second
	// DefaultJitterMax bounds the random component added on top of the
	// deterministic delay (full jitter).
	DefaultJitterMax = 250 * time.Millisecond
	// DefaultMaxRetries dead-letters a job after this many failed attempts.
	DefaultMaxRetries = 25
)

// Policy decides when a previously failed job may be attempted again:
// eligible once now - lastAttempt >= Base * 2^retries + jitter.
type Policy struct {
	Base       time.Duration
	JitterMax  time.Duration
	MaxRetries int

	// Jitter draws the random component. Overridable so tests can pin it
	// to zero and reason about exact timings.
	Jitter func(max time.Duration) time.Duration
}

// DefaultPolicy returns the production backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		Base:       DefaultBase,
		JitterMax:  DefaultJitterMax,
		MaxRetries: DefaultMaxRetries,
		Jitter:     fullJitter,
	}
}

func fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// Delay returns the deterministic component of the backoff for a given
// retry count. Monotone non-decreasing in retries.
func (p Policy) Delay(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	// Base*(1<<retries) overflows int64 nanoseconds long before retries
	// reaches 62; clamp the shift so the delay saturates instead of wrapping.
	// At the default 2s base, 2^30 is already ~68 years.
	if retries > 30 {
		retries = 30
	}
	return p.Base * (1 << retries)
}

// Eligible reports whether the job may be attempted at time now.
// A job that has never been attempted is always eligible.
func (p Policy) Eligible(j *Job, now time.Time) bool {
	if j.LastAttemptAt == nil {
		return true
	}
	wait := p.Delay(j.Retries)
	if p.Jitter != nil {
		wait += p.Jitter(p.JitterMax)
	}
	return now.Sub(*j.LastAttemptAt) >= wait
}

// Exhausted reports whether a further failure would exceed the retry budget.
// MaxRetries <= 0 means unbounded retries.
func (p Policy) Exhausted(retries int) bool {
	return p.MaxRetries > 0 && retries >= p.MaxRetries
}
