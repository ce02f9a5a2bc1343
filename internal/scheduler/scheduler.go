// Package scheduler admits deliveries to the worker pool when they become due.
// Tickets live in the store, so nothing is lost on restart; the scheduler only
// decides when to ask the store for due work.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/store"
)

type Options struct {
	PollInterval time.Duration    // longest idle wait between claim attempts
	Lease        time.Duration    // claim lease handed to the store
	Now          func() time.Time // clock, defaults to time.Now
}

type Scheduler struct {
	q    store.Queue
	opts Options

	mu   sync.Mutex
	wake chan struct{}
}

func New(q store.Queue, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{q: q, opts: opts, wake: make(chan struct{})}
}

// Now returns the scheduler clock.
func (s *Scheduler) Now() time.Time {
	return s.opts.Now()
}

// Schedule upserts the ticket of a pending delivery. Waiters are woken when
// the new due time falls inside the current poll window.
func (s *Scheduler) Schedule(ctx context.Context, id string, dueAt time.Time) error {
	if err := s.q.Schedule(ctx, id, dueAt); err != nil {
		return err
	}
	s.Expect(dueAt)
	return nil
}

// Expect wakes waiters if a ticket due at dueAt would otherwise be picked up
// late by a waiter sleeping a full poll interval.
func (s *Scheduler) Expect(dueAt time.Time) {
	if dueAt.Sub(s.opts.Now()) < s.opts.PollInterval {
		s.Notify()
	}
}

// ClaimDue claims up to limit due deliveries.
func (s *Scheduler) ClaimDue(ctx context.Context, limit int) ([]delivery.Delivery, error) {
	claimed, err := s.q.ClaimDue(ctx, s.opts.Now(), limit, s.opts.Lease)
	if err != nil {
		return nil, err
	}
	metrics.RecordClaimed(len(claimed))
	return claimed, nil
}

// Notify wakes every goroutine blocked in Wait.
func (s *Scheduler) Notify() {
	s.mu.Lock()
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
}

func (s *Scheduler) wakeC() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake
}

// Wait blocks until the earliest known ticket is due, the poll interval
// passes, Notify is called or ctx is done. A store error while peeking falls
// back to the poll interval.
func (s *Scheduler) Wait(ctx context.Context) error {
	wake := s.wakeC()

	d := s.opts.PollInterval
	if next, ok, err := s.q.NextDue(ctx); err == nil && ok {
		if until := next.Sub(s.opts.Now()); until < d {
			d = until
		}
	}
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timer.C:
		return nil
	}
}
