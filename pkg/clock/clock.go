// Package clock abstracts wall time so that staleness, rate-limit
// windows, and connection timeouts can be driven by a virtual clock in
// tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock supplies the current time and timer channels.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// System returns a Clock backed by the real time package.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Virtual is a manually advanced Clock. Timers created via After fire
// when Advance moves the clock past their deadline. The zero value is
// not usable; construct with NewVirtual.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewVirtual returns a Virtual clock positioned at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) After(d time.Duration) <-chan time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	w := &waiter{at: v.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		w.ch <- v.now
		return w.ch
	}
	v.waiters = append(v.waiters, w)
	return w.ch
}

// Advance moves the clock forward and fires every timer whose deadline
// has been reached, in deadline order.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	v.now = v.now.Add(d)
	now := v.now
	var due, rest []*waiter
	for _, w := range v.waiters {
		if !w.at.After(now) {
			due = append(due, w)
		} else {
			rest = append(rest, w)
		}
	}
	v.waiters = rest
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	v.mu.Unlock()
	for _, w := range due {
		w.ch <- now
	}
}
