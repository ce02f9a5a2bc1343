package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

func sub(id string, active bool, types ...string) delivery.Subscription {
	return delivery.Subscription{
		ID:         id,
		TargetURL:  "https://example.com/hooks/" + id,
		EventTypes: types,
		Secret:     "s3cr3t",
		Active:     active,
	}
}

func TestMemoryStoreGetActive(t *testing.T) {
	s := NewMemoryStore(sub("a", true, "order.created"), sub("b", false, "order.created"))

	tests := []struct {
		name    string
		id      string
		wantErr error
	}{
		{"active", "a", nil},
		{"inactive", "b", ErrInactive},
		{"missing", "zzz", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.GetActive(context.Background(), tt.id)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GetActive(%q) error = %v, want %v", tt.id, err, tt.wantErr)
			}
			if tt.wantErr == nil && got.ID != tt.id {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestMemoryStoreMutations(t *testing.T) {
	s := NewMemoryStore(sub("a", true, "x"))
	s.Deactivate("a")
	if _, err := s.GetActive(context.Background(), "a"); !errors.Is(err, ErrInactive) {
		t.Fatalf("after Deactivate: %v", err)
	}
	s.Delete("a")
	if _, err := s.GetActive(context.Background(), "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after Delete: %v", err)
	}
	// no-op on unknown ids
	s.Deactivate("nope")
}

func TestMemoryStoreListForEventType(t *testing.T) {
	s := NewMemoryStore(
		sub("c", true, "order.created", "order.paid"),
		sub("a", true, "order.created"),
		sub("b", false, "order.created"),
		sub("d", true, "user.signup"),
	)
	got, err := s.ListForEventType(context.Background(), "order.created")
	if err != nil {
		t.Fatalf("ListForEventType: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("got %+v, want [a c]", got)
	}

	none, _ := s.ListForEventType(context.Background(), "nothing")
	if none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", none)
	}
}

type fakeRedis struct {
	mu     sync.Mutex
	data   map[string]string
	ttls   map[string]time.Duration
	getErr error
	setErr error
	gets   int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) MGet(_ context.Context, keys ...string) *redis.SliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return redis.NewSliceResult(nil, f.getErr)
	}
	vals := make([]any, len(keys))
	for i, k := range keys {
		if v, ok := f.data[k]; ok {
			vals[i] = v
		}
	}
	return redis.NewSliceResult(vals, nil)
}

func (f *fakeRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _ := strconv.ParseInt(f.data[key], 10, 64)
	n++
	f.data[key] = strconv.FormatInt(n, 10)
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Expire(_ context.Context, key string, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	if ok {
		f.ttls[key] = exp
	}
	return redis.NewBoolResult(ok, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	default:
		f.data[key] = fmt.Sprint(v)
	}
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Ping(_ context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

// countingStore counts backing reads.
type countingStore struct {
	Store
	mu    sync.Mutex
	reads int
}

func (c *countingStore) GetActive(ctx context.Context, id string) (delivery.Subscription, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.Store.GetActive(ctx, id)
}

func quietLogger() *logging.Logger {
	l := logging.New("subscription-test")
	l.SetOutput(io.Discard)
	return l
}

func TestCachedReadThrough(t *testing.T) {
	mem := NewMemoryStore(sub("a", true, "order.created"))
	backing := &countingStore{Store: mem}
	rdb := newFakeRedis()
	c := NewCached(backing, rdb, time.Minute, quietLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := c.GetActive(ctx, "a")
		if err != nil {
			t.Fatalf("GetActive: %v", err)
		}
		if got.TargetURL != "https://example.com/hooks/a" || got.Secret != "s3cr3t" {
			t.Fatalf("got %+v", got)
		}
	}
	if backing.reads != 1 {
		t.Errorf("backing reads = %d, want 1", backing.reads)
	}
	if rdb.ttls[cacheKey("a")] != time.Minute {
		t.Errorf("ttl = %v", rdb.ttls[cacheKey("a")])
	}
}

func TestCachedInvalidateSeesDeactivation(t *testing.T) {
	mem := NewMemoryStore(sub("a", true, "x"))
	c := NewCached(mem, newFakeRedis(), time.Minute, quietLogger())
	ctx := context.Background()

	if _, err := c.GetActive(ctx, "a"); err != nil {
		t.Fatalf("warm: %v", err)
	}
	mem.Deactivate("a")

	// still served from cache until invalidated
	if _, err := c.GetActive(ctx, "a"); err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if err := c.Invalidate(ctx, "a"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := c.GetActive(ctx, "a"); !errors.Is(err, ErrInactive) {
		t.Fatalf("after invalidate = %v, want ErrInactive", err)
	}
}

// gatedStore reads the backing store, then parks until released, so a test
// can deactivate and invalidate while a lookup is in flight.
type gatedStore struct {
	Store
	read    chan struct{}
	release chan struct{}
}

func (g *gatedStore) GetActive(ctx context.Context, id string) (delivery.Subscription, error) {
	sub, err := g.Store.GetActive(ctx, id)
	close(g.read)
	<-g.release
	return sub, err
}

func TestCachedInvalidateDuringLookup(t *testing.T) {
	mem := NewMemoryStore(sub("s1", true, "x"))
	gate := &gatedStore{Store: mem, read: make(chan struct{}), release: make(chan struct{})}
	rdb := newFakeRedis()
	c := NewCached(gate, rdb, time.Minute, quietLogger())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.GetActive(ctx, "s1")
		done <- err
	}()

	<-gate.read
	mem.Deactivate("s1")
	if err := c.Invalidate(ctx, "s1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight GetActive: %v", err)
	}

	// the in-flight lookup wrote its stale copy back; it must not be served
	c.next = mem
	if _, err := c.GetActive(ctx, "s1"); !errors.Is(err, ErrInactive) {
		t.Fatalf("after invalidate = %v, want ErrInactive", err)
	}
	if _, ok := rdb.data[cacheKey("s1")]; ok {
		t.Error("stale entry left in cache")
	}
	if rdb.ttls[genKey("s1")] != 2*time.Minute {
		t.Errorf("generation ttl = %v", rdb.ttls[genKey("s1")])
	}
}

func TestCachedNeverStoresNegativeResults(t *testing.T) {
	mem := NewMemoryStore(sub("off", false, "x"))
	rdb := newFakeRedis()
	c := NewCached(mem, rdb, time.Minute, quietLogger())
	ctx := context.Background()

	if _, err := c.GetActive(ctx, "off"); !errors.Is(err, ErrInactive) {
		t.Fatalf("inactive = %v", err)
	}
	if _, err := c.GetActive(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing = %v", err)
	}
	if len(rdb.data) != 0 {
		t.Errorf("negative results cached: %v", rdb.data)
	}
}

func TestCachedDegradesOnRedisErrors(t *testing.T) {
	mem := NewMemoryStore(sub("a", true, "x"))
	rdb := newFakeRedis()
	rdb.getErr = errors.New("connection refused")
	rdb.setErr = errors.New("connection refused")
	c := NewCached(mem, rdb, time.Minute, quietLogger())

	got, err := c.GetActive(context.Background(), "a")
	if err != nil {
		t.Fatalf("GetActive with redis down: %v", err)
	}
	if got.ID != "a" {
		t.Errorf("got %+v", got)
	}
}

func TestCachedDropsCorruptEntries(t *testing.T) {
	mem := NewMemoryStore(sub("a", true, "x"))
	rdb := newFakeRedis()
	rdb.data[cacheKey("a")] = "{not json"
	c := NewCached(mem, rdb, time.Minute, quietLogger())

	got, err := c.GetActive(context.Background(), "a")
	if err != nil || got.ID != "a" {
		t.Fatalf("GetActive = %+v, %v", got, err)
	}
	if rdb.data[cacheKey("a")] == "{not json" {
		t.Error("corrupt entry not replaced")
	}
}

func TestCachedListBypassesCache(t *testing.T) {
	mem := NewMemoryStore(sub("a", true, "x"), sub("b", true, "x"))
	rdb := newFakeRedis()
	c := NewCached(mem, rdb, time.Minute, quietLogger())

	got, err := c.ListForEventType(context.Background(), "x")
	if err != nil || len(got) != 2 {
		t.Fatalf("ListForEventType = %+v, %v", got, err)
	}
	if rdb.gets != 0 {
		t.Errorf("list touched redis %d times", rdb.gets)
	}
}

func TestCachedPing(t *testing.T) {
	c := NewCached(NewMemoryStore(), newFakeRedis(), 0, nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if c.ttl != 5*time.Minute {
		t.Errorf("default ttl = %v", c.ttl)
	}
}

func TestLayer(t *testing.T) {
	base := NewMemoryStore()

	tests := []struct {
		name      string
		cfg       config.Redis
		wantCache bool
	}{
		{"disabled", config.Redis{Enabled: false, Addr: "redis:6379"}, false},
		{"no address", config.Redis{Enabled: true}, false},
		{"enabled", config.Redis{Enabled: true, Addr: "localhost:6379", CacheTTL: time.Minute}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, cached := Layer(base, tt.cfg, quietLogger())
			if (cached != nil) != tt.wantCache {
				t.Fatalf("cached = %v, wantCache %v", cached, tt.wantCache)
			}
			if !tt.wantCache && store != Store(base) {
				t.Error("disabled cache should return the base store")
			}
			if tt.wantCache && (store != Store(cached) || cached.ttl != time.Minute) {
				t.Errorf("store = %T ttl = %v", store, cached.ttl)
			}
		})
	}
}
