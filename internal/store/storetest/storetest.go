// Package storetest holds behaviour tests every store.Store backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the suite against the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("create and get", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("claim respects due time", func(t *testing.T) { testClaimDue(t, newStore(t)) })
	t.Run("retry transition", func(t *testing.T) { testRetryTransition(t, newStore(t)) })
	t.Run("terminal is immutable", func(t *testing.T) { testTerminal(t, newStore(t)) })
	t.Run("compare and swap guard", func(t *testing.T) { testCompareAndSwap(t, newStore(t)) })
	t.Run("release", func(t *testing.T) { testRelease(t, newStore(t)) })
	t.Run("release expired leases", func(t *testing.T) { testReleaseExpired(t, newStore(t)) })
	t.Run("concurrent claims are exclusive", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
	t.Run("list and stats", func(t *testing.T) { testListAndStats(t, newStore(t)) })
	t.Run("invalid transition rejected", func(t *testing.T) { testInvalidTransition(t, newStore(t)) })
	t.Run("payload bytes preserved", func(t *testing.T) { testPayloadBytes(t, newStore(t)) })
	t.Run("binary attempt text", func(t *testing.T) { testBinaryAttemptText(t, newStore(t)) })
	t.Run("history matches counter", func(t *testing.T) { testHistorySnapshot(t, newStore(t)) })
}

func baseTime() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func newDelivery(subID string, created time.Time) delivery.Delivery {
	return delivery.New(uuid.NewString(), subID, "order.created", json.RawMessage(`{"n":1}`), created)
}

func failedAttempt(seq int, at time.Time) delivery.Attempt {
	status := 503
	msg := "unexpected status 503"
	return delivery.Attempt{
		ID:             uuid.NewString(),
		Sequence:       seq,
		Outcome:        delivery.OutcomeFailure,
		Classification: delivery.ClassHTTPStatus,
		StatusCode:     &status,
		Error:          &msg,
		Duration:       15 * time.Millisecond,
		AttemptedAt:    at,
	}
}

func successAttempt(seq int, at time.Time) delivery.Attempt {
	status := 200
	body := "ok"
	return delivery.Attempt{
		ID:              uuid.NewString(),
		Sequence:        seq,
		Outcome:         delivery.OutcomeSuccess,
		StatusCode:      &status,
		ResponseExcerpt: &body,
		Duration:        5 * time.Millisecond,
		AttemptedAt:     at,
	}
}

func claimOne(t *testing.T, s store.Store, now time.Time) delivery.Delivery {
	t.Helper()
	claimed, err := s.ClaimDue(context.Background(), now, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := baseTime()
	d := newDelivery("sub-a", now)

	require.NoError(t, s.CreateDelivery(ctx, d, now))

	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, d.ID, got.ID)
	require.Equal(t, delivery.StatusPending, got.Status)
	require.Equal(t, 0, got.Attempts)
	require.JSONEq(t, `{"n":1}`, string(got.Payload))
	require.NotNil(t, got.NextAttemptAt)

	_, err = s.GetDelivery(ctx, uuid.NewString())
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.ListAttempts(ctx, uuid.NewString())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testClaimDue(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := baseTime()

	due := newDelivery("sub-a", now)
	later := newDelivery("sub-a", now)
	require.NoError(t, s.CreateDelivery(ctx, due, now.Add(-time.Second)))
	require.NoError(t, s.CreateDelivery(ctx, later, now.Add(time.Hour)))

	next, ok, err := s.NextDue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, next.Equal(now.Add(-time.Second)), "next due %v", next)

	claimed, err := s.ClaimDue(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, due.ID, claimed[0].ID)
	require.Equal(t, delivery.StatusInProgress, claimed[0].Status)
	require.NotEmpty(t, claimed[0].ClaimToken)
	require.NotNil(t, claimed[0].ClaimedUntil)
	require.Nil(t, claimed[0].NextAttemptAt)

	again, err := s.ClaimDue(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, again)

	next, ok, err = s.NextDue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, next.Equal(now.Add(time.Hour)))

	none, err := s.ClaimDue(ctx, now, 0, time.Minute)
	require.NoError(t, err)
	require.Empty(t, none)
}

func testRetryTransition(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := baseTime()
	d := newDelivery("sub-a", now)
	require.NoError(t, s.CreateDelivery(ctx, d, now))

	c := claimOne(t, s, now)
	retryAt := now.Add(2 * time.Second)
	updated, err := s.RecordAttempt(ctx, store.Transition{
		DeliveryID:     c.ID,
		ClaimToken:     c.ClaimToken,
		ExpectAttempts: 0,
		Attempt:        failedAttempt(1, now),
		Status:         delivery.StatusPending,
		NextAttemptAt:  &retryAt,
		At:             now,
	})
	require.NoError(t, err)
	require.Equal(t, delivery.StatusPending, updated.Status)
	require.Equal(t, 1, updated.Attempts)
	require.NotNil(t, updated.NextAttemptAt)
	require.True(t, updated.NextAttemptAt.Equal(retryAt))
	require.Empty(t, updated.ClaimToken)

	early, err := s.ClaimDue(ctx, now.Add(time.Second), 1, time.Minute)
	require.NoError(t, err)
	require.Empty(t, early, "retry must not be claimable before its due time")

	c2 := claimOne(t, s, retryAt)
	require.Equal(t, 1, c2.Attempts)
	_, err = s.RecordAttempt(ctx, store.Transition{
		DeliveryID:     c2.ID,
		ClaimToken:     c2.ClaimToken,
		ExpectAttempts: 1,
		Attempt:        successAttempt(2, retryAt),
		Status:         delivery.StatusDelivered,
		At:             retryAt,
	})
	require.NoError(t, err)

	attempts, err := s.ListAttempts(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, 1, attempts[0].Sequence)
	require.Equal(t, 2, attempts[1].Sequence)
	require.Equal(t, delivery.ClassHTTPStatus, attempts[0].Classification)
	require.Equal(t, 503, *attempts[0].StatusCode)
	require.Equal(t, delivery.OutcomeSuccess, attempts[1].Outcome)
	require.Equal(t, "ok", *attempts[1].ResponseExcerpt)

	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusDelivered, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.Nil(t, got.NextAttemptAt)
}

func testTerminal(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := baseTime()
	d := newDelivery("sub-a", now)
	require.NoError(t, s.CreateDelivery(ctx, d, now))

	c := claimOne(t, s, now)
	_, err := s.RecordAttempt(ctx, store.Transition{
		DeliveryID:     c.ID,
		ClaimToken:     c.ClaimToken,
		ExpectAttempts: 0,
		Attempt:        failedAttempt(1, now),
		Status:         delivery.StatusFailed,
		At:             now,
	})
	require.NoError(t, err)

	_, err = s.RecordAttempt(ctx, store.Transition{
		DeliveryID:     c.ID,
		ClaimToken:     c.ClaimToken,
		ExpectAttempts: 1,
		Attempt:        successAttempt(2, now),
		Status:         delivery.StatusDelivered,
		At:             now,
	})
	require.ErrorIs(t, err, store.ErrTerminal)

	require.ErrorIs(t, s.Schedule(ctx, d.ID, now), store.ErrTerminal)
	require.ErrorIs(t, s.Release(ctx, d.ID, c.ClaimToken, now), store.ErrTerminal)

	claimed, err := s.ClaimDue(ctx, now.Add(time.Hour), 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, claimed)

	attempts, err := s.ListAttempts(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
}

func testCompareAndSwap(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := baseTime()
	d := newDelivery("sub-a", now)
	require.NoError(t, s.CreateDelivery(ctx, d, now))
	c := claimOne(t, s, now)

	retryAt := now.Add(time.Second)
	tests := []struct {
		name string
		tr   store.Transition
	}{
		{
			name: "stale claim token",
			tr: store.Transition{
				DeliveryID: c.ID, ClaimToken: uuid.NewString(), ExpectAttempts: 0,
				Attempt: failedAttempt(1, now), Status: delivery.StatusPending, NextAttemptAt: &retryAt, At: now,
			},
		},
		{
			name: "counter moved",
			tr: store.Transition{
				DeliveryID: c.ID, ClaimToken: c.ClaimToken, ExpectAttempts: 3,
				Attempt: failedAttempt(4, now), Status: delivery.StatusPending, NextAttemptAt: &retryAt, At: now,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.RecordAttempt(ctx, tt.tr)
			require.ErrorIs(t, err, store.ErrConflict)
		})
	}

	_, err := s.RecordAttempt(ctx, store.Transition{
		DeliveryID: uuid.NewString(), ClaimToken: "x", ExpectAttempts: 0,
		Attempt: failedAttempt(1, now), Status: delivery.StatusFailed, At: now,
	})
	require.ErrorIs(t, err, store.ErrNotFound)

	attempts, err := s.ListAttempts(ctx, d.ID)
	require.NoError(t, err)
	require.Empty(t, attempts, "rejected transitions must not leave attempt rows")

	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusInProgress, got.Status)
	require.Equal(t, 0, got.Attempts)
}

func testRelease(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := baseTime()
	d := newDelivery("sub-a", now)
	require.NoError(t, s.CreateDelivery(ctx, d, now))
	c := claimOne(t, s, now)

	require.ErrorIs(t, s.Release(ctx, d.ID, uuid.NewString(), now), store.ErrConflict)
	require.ErrorIs(t, s.Schedule(ctx, d.ID, now), store.ErrConflict)

	dueAt := now.Add(500 * time.Millisecond)
	require.NoError(t, s.Release(ctx, d.ID, c.ClaimToken, dueAt))

	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusPending, got.Status)
	require.Equal(t, 0, got.Attempts, "release is not an attempt")
	require.True(t, got.NextAttemptAt.Equal(dueAt))

	_, err = s.RecordAttempt(ctx, store.Transition{
		DeliveryID: c.ID, ClaimToken: c.ClaimToken, ExpectAttempts: 0,
		Attempt: successAttempt(1, now), Status: delivery.StatusDelivered, At: now,
	})
	require.ErrorIs(t, err, store.ErrConflict, "old claim token must be dead after release")

	// Schedule pulls the ticket forward
	require.NoError(t, s.Schedule(ctx, d.ID, now))
	c2 := claimOne(t, s, now)
	require.NotEqual(t, c.ClaimToken, c2.ClaimToken)
}

func testReleaseExpired(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := baseTime()
	a := newDelivery("sub-a", now)
	b := newDelivery("sub-a", now)
	require.NoError(t, s.CreateDelivery(ctx, a, now))
	require.NoError(t, s.CreateDelivery(ctx, b, now))

	short, err := s.ClaimDue(ctx, now, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, short, 1)
	long, err := s.ClaimDue(ctx, now, 1, time.Hour)
	require.NoError(t, err)
	require.Len(t, long, 1)

	n, err := s.ReleaseExpired(ctx, now.Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetDelivery(ctx, short[0].ID)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusPending, got.Status)

	got, err = s.GetDelivery(ctx, long[0].ID)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusInProgress, got.Status)

	reclaimed := claimOne(t, s, now.Add(2*time.Second))
	require.Equal(t, short[0].ID, reclaimed.ID)
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := baseTime()
	const total = 60
	for i := 0; i < total; i++ {
		require.NoError(t, s.CreateDelivery(ctx, newDelivery("sub-a", now), now))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
		errs = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.ClaimDue(ctx, now, 3, time.Minute)
				if err != nil {
					errs <- err
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, d := range claimed {
					seen[d.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, seen, total)
	for id, n := range seen {
		if n != 1 {
			t.Errorf("delivery %s claimed %d times", id, n)
		}
	}
}

func testListAndStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := baseTime()

	var ids []string
	for i := 0; i < 5; i++ {
		d := newDelivery("sub-list", now.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.CreateDelivery(ctx, d, now))
		ids = append(ids, d.ID)
	}
	require.NoError(t, s.CreateDelivery(ctx, newDelivery("sub-other", now), now))

	page, err := s.ListDeliveries(ctx, "sub-list", store.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, ids[4], page[0].ID, "newest first")
	require.Equal(t, ids[3], page[1].ID)

	page, err = s.ListDeliveries(ctx, "sub-list", store.Page{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, ids[0], page[0].ID)

	page, err = s.ListDeliveries(ctx, "sub-list", store.Page{Offset: 10})
	require.NoError(t, err)
	require.Empty(t, page)

	// deliver one, fail one, leave one in flight
	claimed, err := s.ClaimDue(ctx, now, 6, time.Minute)
	require.NoError(t, err)
	var mine []delivery.Delivery
	for _, c := range claimed {
		if c.SubscriptionID == "sub-list" {
			mine = append(mine, c)
		}
	}
	require.Len(t, mine, 5)
	_, err = s.RecordAttempt(ctx, store.Transition{
		DeliveryID: mine[0].ID, ClaimToken: mine[0].ClaimToken,
		Attempt: successAttempt(1, now), Status: delivery.StatusDelivered, At: now,
	})
	require.NoError(t, err)
	_, err = s.RecordAttempt(ctx, store.Transition{
		DeliveryID: mine[1].ID, ClaimToken: mine[1].ClaimToken,
		Attempt: failedAttempt(1, now), Status: delivery.StatusFailed, At: now,
	})
	require.NoError(t, err)
	for _, c := range mine[2:4] {
		require.NoError(t, s.Release(ctx, c.ID, c.ClaimToken, now))
	}

	st, err := s.Stats(ctx, "sub-list")
	require.NoError(t, err)
	require.Equal(t, delivery.Stats{
		SubscriptionID: "sub-list",
		Total:          5,
		Pending:        2,
		InProgress:     1,
		Delivered:      1,
		Failed:         1,
		SuccessRate:    20,
	}, st)

	empty, err := s.Stats(ctx, "sub-none")
	require.NoError(t, err)
	require.Equal(t, 0, empty.Total)
}

func testInvalidTransition(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := baseTime()
	d := newDelivery("sub-a", now)
	require.NoError(t, s.CreateDelivery(ctx, d, now))
	c := claimOne(t, s, now)

	_, err := s.RecordAttempt(ctx, store.Transition{
		DeliveryID: c.ID, ClaimToken: c.ClaimToken, ExpectAttempts: 0,
		Attempt: failedAttempt(1, now), Status: delivery.StatusPending, At: now,
	})
	require.Error(t, err, "retry without due time")
	require.False(t, errors.Is(err, store.ErrConflict))

	_, err = s.RecordAttempt(ctx, store.Transition{
		DeliveryID: c.ID, ClaimToken: c.ClaimToken, ExpectAttempts: 0,
		Attempt: failedAttempt(1, now), Status: delivery.StatusDelivered, At: now,
	})
	require.Error(t, err, "failed attempt cannot deliver")

	_, err = s.RecordAttempt(ctx, store.Transition{
		DeliveryID: c.ID, ClaimToken: c.ClaimToken, ExpectAttempts: 0,
		Attempt: failedAttempt(2, now), Status: delivery.StatusFailed, At: now,
	})
	require.Error(t, err, "sequence must follow counter")

	attempts, err := s.ListAttempts(ctx, d.ID)
	require.NoError(t, err)
	require.Empty(t, attempts)
}

func testPayloadBytes(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := baseTime()
	raw := json.RawMessage(`{"z": 1,  "a":"\u0000", "a":2}`)
	d := delivery.New(uuid.NewString(), "sub-a", "order.created", raw, now)
	require.NoError(t, s.CreateDelivery(ctx, d, now))

	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, string(raw), string(got.Payload), "payload must round-trip byte for byte")
}

func testBinaryAttemptText(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := baseTime()
	d := newDelivery("sub-a", now)
	require.NoError(t, s.CreateDelivery(ctx, d, now))
	c := claimOne(t, s, now)

	a := successAttempt(1, now)
	body := "ok\x00\x01bin\xff"
	msg := "read: \x00"
	a.ResponseExcerpt = &body
	a.Error = &msg
	updated, err := s.RecordAttempt(ctx, store.Transition{
		DeliveryID:     c.ID,
		ClaimToken:     c.ClaimToken,
		ExpectAttempts: 0,
		Attempt:        a,
		Status:         delivery.StatusDelivered,
		At:             now,
	})
	require.NoError(t, err)
	require.Equal(t, delivery.StatusDelivered, updated.Status)

	attempts, err := s.ListAttempts(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, "ok\x01bin", *attempts[0].ResponseExcerpt)
	require.Equal(t, "read: ", *attempts[0].Error)
}

func testHistorySnapshot(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := baseTime()
	d := newDelivery("sub-a", now)
	require.NoError(t, s.CreateDelivery(ctx, d, now))

	_, err := s.History(ctx, uuid.NewString())
	require.ErrorIs(t, err, store.ErrNotFound)

	const rounds = 6
	done := make(chan struct{})
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		for {
			select {
			case <-done:
				return
			default:
			}
			h, err := s.History(ctx, d.ID)
			if err != nil {
				errs <- err
				return
			}
			if h.Delivery.Attempts != len(h.Attempts) {
				errs <- fmt.Errorf("history counter %d but %d attempt rows", h.Delivery.Attempts, len(h.Attempts))
				return
			}
		}
	}()

	at := now
	for i := 0; i < rounds; i++ {
		c := claimOne(t, s, at)
		next := at.Add(time.Millisecond)
		tr := store.Transition{
			DeliveryID:     c.ID,
			ClaimToken:     c.ClaimToken,
			ExpectAttempts: i,
			Attempt:        failedAttempt(i+1, at),
			Status:         delivery.StatusPending,
			NextAttemptAt:  &next,
			At:             at,
		}
		if i == rounds-1 {
			tr.Status = delivery.StatusFailed
			tr.NextAttemptAt = nil
		}
		_, err := s.RecordAttempt(ctx, tr)
		require.NoError(t, err)
		at = next
	}
	close(done)
	require.NoError(t, <-errs)

	h, err := s.History(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusFailed, h.Delivery.Status)
	require.Equal(t, rounds, h.Delivery.Attempts)
	require.Len(t, h.Attempts, rounds)
	for i, a := range h.Attempts {
		require.Equal(t, i+1, a.Sequence)
	}
}
