package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

// MemoryStore keeps subscriptions in a map. Used by tests and by the worker
// when no database is configured for subscriptions.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]delivery.Subscription
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(subs ...delivery.Subscription) *MemoryStore {
	s := &MemoryStore{subs: make(map[string]delivery.Subscription)}
	for _, sub := range subs {
		s.Put(sub)
	}
	return s
}

// Put inserts or replaces a subscription.
func (s *MemoryStore) Put(sub delivery.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.EventTypes = append([]string(nil), sub.EventTypes...)
	s.subs[sub.ID] = sub
}

func (s *MemoryStore) Deactivate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		sub.Active = false
		s.subs[id] = sub
	}
}

func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

func (s *MemoryStore) GetActive(_ context.Context, id string) (delivery.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return delivery.Subscription{}, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if !sub.Active {
		return delivery.Subscription{}, fmt.Errorf("subscription %s: %w", id, ErrInactive)
	}
	return sub, nil
}

func (s *MemoryStore) ListForEventType(_ context.Context, eventType string) ([]delivery.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []delivery.Subscription{}
	for _, sub := range s.subs {
		if sub.Active && sub.Listens(eventType) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
