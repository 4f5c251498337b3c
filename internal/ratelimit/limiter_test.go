package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cris-deitos/EasyDispatch/pkg/clock"
)

func TestWindowCapacity(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(1700000000, 0))
	l := New(60*time.Second, 5, vc)

	for i := 1; i <= 5; i++ {
		d := l.Admit("collector-1")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Remaining != 5-i {
			t.Fatalf("request %d remaining=%d, want %d", i, d.Remaining, 5-i)
		}
		vc.Advance(time.Second)
	}

	d := l.Admit("collector-1")
	if d.Allowed {
		t.Fatalf("request 6 should be denied")
	}
	if d.RetryAfter != 60*time.Second {
		t.Fatalf("retry-after on block: %v", d.RetryAfter)
	}
	if got := l.Remaining("collector-1"); got != 0 {
		t.Fatalf("remaining while blocked: %d", got)
	}

	// Still blocked shortly after; denied without recounting.
	vc.Advance(30 * time.Second)
	if d := l.Admit("collector-1"); d.Allowed {
		t.Fatalf("should stay blocked inside block window")
	}

	// Window from the burst has fully passed and the block expired.
	vc.Advance(31 * time.Second)
	if d := l.Admit("collector-1"); !d.Allowed {
		t.Fatalf("should be admitted after window elapses, got %+v", d)
	}
}

func TestIdentitiesAreIndependent(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(1700000000, 0))
	l := New(time.Minute, 1, vc)

	if d := l.Admit("a"); !d.Allowed {
		t.Fatalf("first request for a")
	}
	if d := l.Admit("a"); d.Allowed {
		t.Fatalf("second request for a should be denied")
	}
	if d := l.Admit("b"); !d.Allowed {
		t.Fatalf("b must be unaffected by a's block")
	}
}

func TestConcurrentAdmitsDoNotLoseUpdates(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(1700000000, 0))
	const capacity = 10
	l := New(time.Minute, capacity, vc)

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("burst").Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	if allowed != capacity {
		t.Fatalf("allowed %d of 100 concurrent requests, want exactly %d", allowed, capacity)
	}
}

func TestRemainingForUnknownIdentity(t *testing.T) {
	l := New(time.Minute, 7, clock.NewVirtual(time.Unix(0, 0)))
	if got := l.Remaining("nobody"); got != 7 {
		t.Fatalf("unknown identity remaining: %d", got)
	}
}
