package worker

import (
	"runtime"
	"sync"
	"testing"
)

func TestLimiterCap(t *testing.T) {
	l := newLimiter(2, 16)
	if !l.TryAcquire("a") || !l.TryAcquire("a") {
		t.Fatal("expected two slots for a")
	}
	if l.TryAcquire("a") {
		t.Fatal("third acquire should be refused")
	}
	if !l.TryAcquire("b") {
		t.Fatal("other subscriptions are independent")
	}
	l.Release("a")
	if got := l.InFlight("a"); got != 1 {
		t.Errorf("InFlight(a) = %d, want 1", got)
	}
	if !l.TryAcquire("a") {
		t.Fatal("slot should be free after release")
	}
}

func TestLimiterPinsBusySlotsOnEviction(t *testing.T) {
	l := newLimiter(1, 2)
	if !l.TryAcquire("a") {
		t.Fatal("acquire a")
	}
	// push a out of the LRU
	l.TryAcquire("b")
	l.TryAcquire("c")

	if l.TryAcquire("a") {
		t.Fatal("evicted busy slot must still enforce the cap")
	}
	l.Release("a")
	if got := l.InFlight("a"); got != 0 {
		t.Errorf("InFlight(a) = %d after release", got)
	}
	if !l.TryAcquire("a") {
		t.Fatal("a should be acquirable after release")
	}
}

func TestLimiterReleaseUnknownIsNoop(t *testing.T) {
	l := newLimiter(1, 4)
	l.Release("never-seen")
	if got := l.InFlight("never-seen"); got != 0 {
		t.Errorf("InFlight = %d", got)
	}
}

func TestLimiterConcurrent(t *testing.T) {
	const limit = 3
	l := newLimiter(limit, 8)

	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !l.TryAcquire("hot") {
				runtime.Gosched()
			}
			mu.Lock()
			current++
			peak = max(peak, current)
			mu.Unlock()

			mu.Lock()
			current--
			mu.Unlock()
			l.Release("hot")
		}()
	}
	wg.Wait()
	if peak > limit {
		t.Fatalf("peak concurrency %d exceeds limit %d", peak, limit)
	}
}
