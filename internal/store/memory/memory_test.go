package memory

import (
	"context"
	"testing"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestCreateDuplicate(t *testing.T) {
	s := New()
	now := time.Now()
	d := delivery.New("del-1", "sub-1", "x", []byte(`{}`), now)
	if err := s.CreateDelivery(context.Background(), d, now); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreateDelivery(context.Background(), d, now); err == nil {
		t.Fatal("duplicate create succeeded")
	}
}

func TestStaleHeapEntriesSkipped(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	d := delivery.New("del-1", "sub-1", "x", []byte(`{}`), now)
	if err := s.CreateDelivery(ctx, d, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	// Rescheduling earlier leaves the old entry behind in the heap
	if err := s.Schedule(ctx, d.ID, now); err != nil {
		t.Fatal(err)
	}
	claimed, err := s.ClaimDue(ctx, now, 10, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDue = %v, %v; want one delivery", claimed, err)
	}
	if _, ok, _ := s.NextDue(ctx); ok {
		t.Error("NextDue reported the stale ticket")
	}
	claimed, _ = s.ClaimDue(ctx, now.Add(2*time.Hour), 10, time.Minute)
	if len(claimed) != 0 {
		t.Errorf("stale ticket claimed an in-progress delivery: %v", claimed)
	}
}
