package worker

import (
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
)

type slot struct {
	inFlight int
}

// limiter caps concurrent attempts per subscription. Idle slots live in a
// bounded LRU; a slot evicted while busy is pinned until its last holder
// releases it, so the cap holds even under eviction.
type limiter struct {
	mu     sync.Mutex
	limit  int
	slots  *simplelru.LRU
	pinned map[string]*slot
}

func newLimiter(limit, size int) *limiter {
	if limit <= 0 {
		limit = 1
	}
	if size <= 0 {
		size = 1024
	}
	l := &limiter{limit: limit, pinned: make(map[string]*slot)}
	// NewLRU only fails for a non-positive size
	l.slots, _ = simplelru.NewLRU(size, l.onEvict)
	return l
}

func (l *limiter) onEvict(key, value any) {
	s := value.(*slot)
	if s.inFlight > 0 {
		l.pinned[key.(string)] = s
	}
}

func (l *limiter) lookup(id string) *slot {
	if s, ok := l.pinned[id]; ok {
		return s
	}
	if v, ok := l.slots.Get(id); ok {
		return v.(*slot)
	}
	s := &slot{}
	l.slots.Add(id, s)
	return s
}

// TryAcquire takes a slot for the subscription without blocking.
func (l *limiter) TryAcquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.lookup(id)
	if s.inFlight >= l.limit {
		return false
	}
	s.inFlight++
	return true
}

func (l *limiter) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.pinned[id]
	if !ok {
		v, found := l.slots.Peek(id)
		if !found {
			return
		}
		s = v.(*slot)
	}
	if s.inFlight > 0 {
		s.inFlight--
	}
	if ok && s.inFlight == 0 {
		delete(l.pinned, id)
	}
}

// InFlight reports the current holders for a subscription.
func (l *limiter) InFlight(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.pinned[id]; ok {
		return s.inFlight
	}
	if v, ok := l.slots.Peek(id); ok {
		return v.(*slot).inFlight
	}
	return 0
}
