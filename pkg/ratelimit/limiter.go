// Package ratelimit implements fixed-window admission control per webhook
// identity. The counter store is injected so a networked shared store can be
// substituted when ingestion runs on more than one instance.
package ratelimit

import (
	"context"
	"time"
)

// Default limits for webhook ingestion.
const (
	DefaultCapacity = 100
	DefaultWindow   = 60 * time.Second
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the current window ends and the counter restarts.
	// Communicated to callers so a retry can be scheduled precisely.
	ResetAt time.Time
}

// RetryAfter returns how long a denied caller should wait before retrying.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// Store counts requests per identity within fixed windows. Incr must be
// atomic for concurrent calls on the same identity; counters for different
// identities are fully independent.
type Store interface {
	// Incr increments the identity's counter inside the current window and
	// returns the post-increment count with the window's reset time. A call
	// arriving after the reset time starts a fresh window with count 1.
	Incr(ctx context.Context, identity string, window time.Duration) (count int, resetAt time.Time, err error)
}

// Limiter admits or rejects requests against a fixed-window Store.
type Limiter struct {
	store    Store
	capacity int
	window   time.Duration
}

// New creates a limiter. Zero capacity or window fall back to the defaults.
func New(store Store, capacity int, window time.Duration) *Limiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{store: store, capacity: capacity, window: window}
}

// Admit records one request for identity and reports whether it is within
// capacity for the current window.
func (l *Limiter) Admit(ctx context.Context, identity string) (Decision, error) {
	count, resetAt, err := l.store.Incr(ctx, identity, l.window)
	if err != nil {
		return Decision{}, err
	}
	remaining := l.capacity - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.capacity,
		Limit:     l.capacity,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
