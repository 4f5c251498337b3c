// Package ratelimit provides sliding-window admission control for the
// ingest path, keyed by caller identity.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cris-deitos/EasyDispatch/pkg/clock"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long the caller should wait when denied.
	RetryAfter time.Duration
	// Remaining is the number of requests left in the current window.
	Remaining int
}

// Limiter admits at most capacity requests per identity within window.
// Once an identity exceeds capacity it is blocked for a full window and
// further requests are denied without recounting. All updates run under
// a single mutex; concurrent ingest calls for one identity cannot lose
// updates.
type Limiter struct {
	window   time.Duration
	capacity int
	clk      clock.Clock

	mu      sync.Mutex
	records map[string]*record
}

type record struct {
	stamps       []time.Time
	blockedUntil time.Time
}

// New returns a Limiter with the given window and capacity.
func New(window time.Duration, capacity int, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.System()
	}
	return &Limiter{window: window, capacity: capacity, clk: clk, records: make(map[string]*record)}
}

// Admit records one request for identity and decides whether it is
// allowed.
func (l *Limiter) Admit(identity string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	r := l.records[identity]
	if r == nil {
		r = &record{}
		l.records[identity] = r
	}

	if r.blockedUntil.After(now) {
		return Decision{Allowed: false, RetryAfter: r.blockedUntil.Sub(now)}
	}

	// Prune entries older than twice the window, then record this request.
	r.prune(now.Add(-2 * l.window))
	r.stamps = append(r.stamps, now)

	count := r.countSince(now.Add(-l.window))
	if count > l.capacity {
		r.blockedUntil = now.Add(l.window)
		return Decision{Allowed: false, RetryAfter: l.window}
	}
	return Decision{Allowed: true, Remaining: l.capacity - count}
}

// Remaining reports how many requests identity has left in the current
// window without recording anything.
func (l *Limiter) Remaining(identity string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	r := l.records[identity]
	if r == nil {
		return l.capacity
	}
	if r.blockedUntil.After(now) {
		return 0
	}
	left := l.capacity - r.countSince(now.Add(-l.window))
	if left < 0 {
		return 0
	}
	return left
}

func (r *record) prune(cutoff time.Time) {
	i := 0
	for i < len(r.stamps) && r.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[i:]...)
	}
}

func (r *record) countSince(cutoff time.Time) int {
	n := 0
	for _, ts := range r.stamps {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}
