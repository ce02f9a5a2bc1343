package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/store/memory"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func seed(t *testing.T, s *memory.Store, due time.Time) string {
	t.Helper()
	id := uuid.NewString()
	d := delivery.New(id, "sub-1", "order.created", json.RawMessage(`{}`), due)
	if err := s.CreateDelivery(context.Background(), d, due); err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func TestClaimDueUsesClock(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &clock{now: base}
	mem := memory.New()
	sched := New(mem, Options{PollInterval: time.Second, Lease: time.Minute, Now: c.Now})

	early := seed(t, mem, base)
	seed(t, mem, base.Add(10*time.Second))

	got, err := sched.ClaimDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 1 || got[0].ID != early {
		t.Fatalf("expected only %s to be due, got %+v", early, got)
	}
	if got[0].Status != delivery.StatusInProgress || got[0].ClaimToken == "" {
		t.Errorf("claimed delivery not in progress with token: %+v", got[0])
	}
	if want := base.Add(time.Minute); got[0].ClaimedUntil == nil || !got[0].ClaimedUntil.Equal(want) {
		t.Errorf("ClaimedUntil = %v, want %v", got[0].ClaimedUntil, want)
	}

	c.now = base.Add(10 * time.Second)
	got, err = sched.ClaimDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the second delivery once its time came, got %d", len(got))
	}
}

func TestWaitReturnsWhenTicketIsDue(t *testing.T) {
	base := time.Now()
	mem := memory.New()
	sched := New(mem, Options{PollInterval: time.Hour})
	seed(t, mem, base.Add(-time.Second))

	done := make(chan error, 1)
	go func() { done <- sched.Wait(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return for an overdue ticket")
	}
}

func TestWaitWakesOnNextDue(t *testing.T) {
	mem := memory.New()
	sched := New(mem, Options{PollInterval: time.Hour})
	seed(t, mem, time.Now().Add(50*time.Millisecond))

	start := time.Now()
	if err := sched.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Wait slept %v, expected to wake near the ticket", elapsed)
	}
}

func TestNotifyWakesWaiters(t *testing.T) {
	sched := New(memory.New(), Options{PollInterval: time.Hour})

	const waiters = 3
	done := make(chan error, waiters)
	for range waiters {
		go func() { done <- sched.Wait(context.Background()) }()
	}
	// give the goroutines time to block
	time.Sleep(20 * time.Millisecond)
	sched.Notify()

	for range waiters {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Wait: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not woken by Notify")
		}
	}
}

func TestWaitHonoursContext(t *testing.T) {
	sched := New(memory.New(), Options{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sched.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait = %v, want context.Canceled", err)
	}
}

func TestScheduleWakesForNearTickets(t *testing.T) {
	mem := memory.New()
	sched := New(mem, Options{PollInterval: time.Hour})
	id := seed(t, mem, time.Now().Add(time.Hour))

	wake := sched.wakeC()
	if err := sched.Schedule(context.Background(), id, time.Now()); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	select {
	case <-wake:
	default:
		t.Fatal("Schedule of a due ticket did not notify waiters")
	}

	wake = sched.wakeC()
	if err := sched.Schedule(context.Background(), id, time.Now().Add(2*time.Hour)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	select {
	case <-wake:
		t.Fatal("Schedule of a distant ticket should not notify")
	default:
	}
}

func TestScheduleErrors(t *testing.T) {
	sched := New(memory.New(), Options{})
	err := sched.Schedule(context.Background(), uuid.NewString(), time.Now())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Schedule unknown = %v, want ErrNotFound", err)
	}
}

func TestNewDefaults(t *testing.T) {
	s := New(memory.New(), Options{})
	if s.opts.PollInterval != time.Second {
		t.Errorf("PollInterval = %v", s.opts.PollInterval)
	}
	if s.opts.Lease != 2*time.Minute {
		t.Errorf("Lease = %v", s.opts.Lease)
	}
	if s.opts.Now == nil {
		t.Error("Now not defaulted")
	}
}
