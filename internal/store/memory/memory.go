// Package memory is an in-process store.Store. One mutex guards everything;
// due tickets live in a min-heap with lazy deletion.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

type record struct {
	d        delivery.Delivery
	attempts []delivery.Attempt
	seq      int // insertion order, breaks created_at ties
}

type ticket struct {
	id  string
	due time.Time
}

type ticketHeap []ticket

func (h ticketHeap) Len() int           { return len(h) }
func (h ticketHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h ticketHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *ticketHeap) Push(x any)        { *h = append(*h, x.(ticket)) }
func (h *ticketHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

type Store struct {
	mu      sync.Mutex
	records map[string]*record
	bySub   map[string][]string
	due     ticketHeap
	next    int
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		records: make(map[string]*record),
		bySub:   make(map[string][]string),
	}
}

// live reports whether a heap entry still matches its delivery.
func (s *Store) live(t ticket) bool {
	r, ok := s.records[t.id]
	return ok && r.d.Status == delivery.StatusPending &&
		r.d.NextAttemptAt != nil && r.d.NextAttemptAt.Equal(t.due)
}

func (s *Store) push(id string, due time.Time) {
	heap.Push(&s.due, ticket{id: id, due: due})
}

func (s *Store) CreateDelivery(_ context.Context, d delivery.Delivery, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[d.ID]; exists {
		return fmt.Errorf("create delivery %s: %w", d.ID, store.ErrConflict)
	}
	if d.Status != delivery.StatusPending || d.Attempts != 0 {
		return fmt.Errorf("create delivery %s: new deliveries must be pending with zero attempts", d.ID)
	}
	due := dueAt
	d.NextAttemptAt = &due
	d.ClaimToken = ""
	d.ClaimedUntil = nil
	s.next++
	s.records[d.ID] = &record{d: d, seq: s.next}
	s.bySub[d.SubscriptionID] = append(s.bySub[d.SubscriptionID], d.ID)
	s.push(d.ID, due)
	return nil
}

func (s *Store) GetDelivery(_ context.Context, id string) (delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return delivery.Delivery{}, fmt.Errorf("delivery %s: %w", id, store.ErrNotFound)
	}
	return r.d, nil
}

func (s *Store) ListDeliveries(_ context.Context, subscriptionID string, page store.Page) ([]delivery.Delivery, error) {
	page = page.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.bySub[subscriptionID]
	recs := make([]*record, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, s.records[id])
	}
	// newest first
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].d.CreatedAt.Equal(recs[j].d.CreatedAt) {
			return recs[i].d.CreatedAt.After(recs[j].d.CreatedAt)
		}
		return recs[i].seq > recs[j].seq
	})

	if page.Offset >= len(recs) {
		return []delivery.Delivery{}, nil
	}
	end := min(page.Offset+page.Limit, len(recs))
	out := make([]delivery.Delivery, 0, end-page.Offset)
	for _, r := range recs[page.Offset:end] {
		out = append(out, r.d)
	}
	return out, nil
}

func (s *Store) ListAttempts(_ context.Context, deliveryID string) ([]delivery.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[deliveryID]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", deliveryID, store.ErrNotFound)
	}
	out := make([]delivery.Attempt, len(r.attempts))
	copy(out, r.attempts)
	return out, nil
}

// History copies the delivery and its attempts under one lock.
func (s *Store) History(_ context.Context, id string) (delivery.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return delivery.History{}, fmt.Errorf("delivery %s: %w", id, store.ErrNotFound)
	}
	attempts := make([]delivery.Attempt, len(r.attempts))
	copy(attempts, r.attempts)
	return delivery.History{Delivery: r.d, Attempts: attempts}, nil
}

func (s *Store) Stats(_ context.Context, subscriptionID string) (delivery.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := delivery.Stats{SubscriptionID: subscriptionID}
	for _, id := range s.bySub[subscriptionID] {
		st.Total++
		switch s.records[id].d.Status {
		case delivery.StatusPending:
			st.Pending++
		case delivery.StatusInProgress:
			st.InProgress++
		case delivery.StatusDelivered:
			st.Delivered++
		case delivery.StatusFailed:
			st.Failed++
		}
	}
	st.ComputeSuccessRate()
	return st, nil
}

func (s *Store) Schedule(_ context.Context, id string, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, store.ErrNotFound)
	}
	switch {
	case r.d.Status.Terminal():
		return fmt.Errorf("schedule %s: %w", id, store.ErrTerminal)
	case r.d.Status != delivery.StatusPending:
		return fmt.Errorf("schedule %s (status %s): %w", id, r.d.Status, store.ErrConflict)
	}
	due := dueAt
	r.d.NextAttemptAt = &due
	s.push(id, due)
	return nil
}

func (s *Store) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]delivery.Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []delivery.Delivery
	for len(out) < limit && s.due.Len() > 0 {
		top := s.due[0]
		if !s.live(top) {
			heap.Pop(&s.due)
			continue
		}
		if top.due.After(now) {
			break
		}
		heap.Pop(&s.due)

		r := s.records[top.id]
		until := now.Add(lease)
		r.d.Status = delivery.StatusInProgress
		r.d.NextAttemptAt = nil
		r.d.ClaimToken = uuid.NewString()
		r.d.ClaimedUntil = &until
		r.d.UpdatedAt = now
		out = append(out, r.d)
	}
	return out, nil
}

func (s *Store) NextDue(_ context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.due.Len() > 0 {
		if s.live(s.due[0]) {
			return s.due[0].due, true, nil
		}
		heap.Pop(&s.due)
	}
	return time.Time{}, false, nil
}

func (s *Store) Release(_ context.Context, id, claimToken string, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("release %s: %w", id, store.ErrNotFound)
	}
	if r.d.Status.Terminal() {
		return fmt.Errorf("release %s: %w", id, store.ErrTerminal)
	}
	if r.d.Status != delivery.StatusInProgress || r.d.ClaimToken != claimToken {
		return fmt.Errorf("release %s: %w", id, store.ErrConflict)
	}
	s.toPending(r, dueAt)
	return nil
}

func (s *Store) ReleaseExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.records {
		if r.d.Status == delivery.StatusInProgress && r.d.ClaimedUntil != nil && r.d.ClaimedUntil.Before(now) {
			s.toPending(r, now)
			n++
		}
	}
	return n, nil
}

func (s *Store) toPending(r *record, dueAt time.Time) {
	due := dueAt
	r.d.Status = delivery.StatusPending
	r.d.NextAttemptAt = &due
	r.d.ClaimToken = ""
	r.d.ClaimedUntil = nil
	r.d.UpdatedAt = dueAt
	s.push(r.d.ID, due)
}

func (s *Store) RecordAttempt(_ context.Context, t store.Transition) (delivery.Delivery, error) {
	if err := t.Validate(); err != nil {
		return delivery.Delivery{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[t.DeliveryID]
	if !ok {
		return delivery.Delivery{}, fmt.Errorf("record attempt %s: %w", t.DeliveryID, store.ErrNotFound)
	}
	if r.d.Status.Terminal() {
		return r.d, fmt.Errorf("record attempt %s: %w", t.DeliveryID, store.ErrTerminal)
	}
	if r.d.Status != delivery.StatusInProgress || r.d.Attempts != t.ExpectAttempts || r.d.ClaimToken != t.ClaimToken {
		return r.d, fmt.Errorf("record attempt %s: %w", t.DeliveryID, store.ErrConflict)
	}

	a := t.Attempt
	a.DeliveryID = t.DeliveryID
	a.ResponseExcerpt = store.CleanText(a.ResponseExcerpt)
	a.Error = store.CleanText(a.Error)
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	r.attempts = append(r.attempts, a)

	r.d.Attempts = t.Attempt.Sequence
	r.d.Status = t.Status
	r.d.UpdatedAt = t.At
	r.d.ClaimToken = ""
	r.d.ClaimedUntil = nil
	r.d.NextAttemptAt = nil
	if t.Status == delivery.StatusPending {
		due := *t.NextAttemptAt
		r.d.NextAttemptAt = &due
		s.push(r.d.ID, due)
	}
	return r.d, nil
}
