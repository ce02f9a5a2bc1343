package reaper

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/store/memory"
)

func quietLogger() *logging.Logger {
	l := logging.New("reaper-test")
	l.SetOutput(io.Discard)
	return l
}

type notifier struct{ n int32 }

func (n *notifier) Notify() { atomic.AddInt32(&n.n, 1) }

func TestNewRejectsBadSchedule(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"@every 30s", false},
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"every thirty seconds", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			_, err := New(tt.spec, memory.New(), nil, quietLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q) err = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
		})
	}
}

func TestSweepReleasesExpiredClaims(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		id := uuid.NewString()
		ids = append(ids, id)
		if err := mem.CreateDelivery(ctx, delivery.New(id, "sub-1", "x", json.RawMessage(`{}`), base), base); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	// two claims with a short lease, one with a long lease
	if _, err := mem.ClaimDue(ctx, base, 2, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := mem.ClaimDue(ctx, base, 1, time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n := &notifier{}
	r, err := New("@every 1m", mem, n, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.clock = func() time.Time { return base.Add(2 * time.Minute) }

	before := testutil.ToFloat64(metrics.LeasesReclaimedTotal)
	got, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got != 2 {
		t.Fatalf("released %d, want 2", got)
	}
	if after := testutil.ToFloat64(metrics.LeasesReclaimedTotal); after-before != 2 {
		t.Errorf("reclaimed metric moved by %v, want 2", after-before)
	}
	if atomic.LoadInt32(&n.n) != 1 {
		t.Errorf("Notify calls = %d, want 1", n.n)
	}

	pending := 0
	for _, id := range ids {
		d, _ := mem.GetDelivery(ctx, id)
		if d.Status == delivery.StatusPending {
			pending++
			if d.ClaimToken != "" || d.Attempts != 0 {
				t.Errorf("released delivery kept claim state: %+v", d)
			}
		}
	}
	if pending != 2 {
		t.Errorf("pending = %d, want 2", pending)
	}

	// nothing left to reap
	got, err = r.Sweep(ctx)
	if err != nil || got != 0 {
		t.Fatalf("second Sweep = %d, %v", got, err)
	}
	if atomic.LoadInt32(&n.n) != 1 {
		t.Errorf("empty sweep should not notify")
	}
}

type failingStore struct{}

func (failingStore) ReleaseExpired(context.Context, time.Time) (int, error) {
	return 0, errors.New("db unavailable")
}

func TestSweepError(t *testing.T) {
	r, err := New("@every 1m", failingStore{}, nil, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Sweep(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

type countingStore struct{ calls int32 }

func (c *countingStore) ReleaseExpired(context.Context, time.Time) (int, error) {
	atomic.AddInt32(&c.calls, 1)
	return 0, nil
}

func TestRunSweepsOnSchedule(t *testing.T) {
	cs := &countingStore{}
	r, err := New("@every 1s", cs, nil, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&cs.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if atomic.LoadInt32(&cs.calls) == 0 {
		t.Fatal("reaper never swept")
	}
}
