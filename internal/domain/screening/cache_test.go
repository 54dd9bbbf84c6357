package screening

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func setupCache(t *testing.T, store RangeStore) (*CachedRangeStore, *miniredis.Miniredis, *Metrics) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })

	m := NewMetrics(prometheus.NewRegistry())
	return NewCachedRangeStore(store, rdb, 10*time.Minute, zerolog.Nop(), m), mr, m
}

func TestCachedRangeStore_ReadThrough(t *testing.T) {
	repo := newMockMetricRepo(glucose())
	cache, mr, m := setupCache(t, repo)
	ctx := context.Background()

	first, err := cache.Lookup(ctx, "GLU", "mg/dL", iptr(35), sptr("F"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := cache.Lookup(ctx, "GLU", "mg/dL", iptr(35), sptr("F"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if repo.lookupCalls() != 1 {
		t.Errorf("expected 1 store lookup, got %d", repo.lookupCalls())
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("cached result differs:\n%+v\n%+v", first, second)
	}
	if len(mr.Keys()) != 1 {
		t.Errorf("expected 1 cache key, got %v", mr.Keys())
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")); got != 1 {
		t.Errorf("expected 1 hit, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")); got != 1 {
		t.Errorf("expected 1 miss, got %v", got)
	}
}

func TestCachedRangeStore_KeyIncludesContext(t *testing.T) {
	repo := newMockMetricRepo(glucose())
	cache, mr, _ := setupCache(t, repo)
	ctx := context.Background()

	args := []struct {
		age    *int
		gender *string
	}{
		{nil, nil},
		{iptr(35), nil},
		{nil, sptr("F")},
		{iptr(35), sptr("F")},
		{iptr(36), sptr("F")},
	}
	for _, a := range args {
		if _, err := cache.Lookup(ctx, "GLU", "mg/dL", a.age, a.gender); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if repo.lookupCalls() != len(args) {
		t.Errorf("expected %d store lookups, got %d", len(args), repo.lookupCalls())
	}
	if len(mr.Keys()) != len(args) {
		t.Errorf("expected %d cache keys, got %d", len(args), len(mr.Keys()))
	}
}

func TestRangeCacheKey_NoCollisions(t *testing.T) {
	keys := map[string]bool{}
	for _, k := range []string{
		rangeCacheKey("GLU", "mg/dL", nil, nil),
		rangeCacheKey("GLU", "mg/dL", iptr(0), nil),
		rangeCacheKey("GLU", "mg/dL", nil, sptr("")),
		rangeCacheKey("GLU", "mg/dL", nil, sptr("-")),
		rangeCacheKey("GLU:mg", "dL", nil, nil),
		rangeCacheKey("GLU", "mg:dL", nil, nil),
	} {
		if keys[k] {
			t.Errorf("duplicate cache key %q", k)
		}
		keys[k] = true
		if !strings.HasPrefix(k, rangeCachePrefix) {
			t.Errorf("key %q lacks prefix", k)
		}
	}
}

func TestCachedRangeStore_TTL(t *testing.T) {
	repo := newMockMetricRepo(glucose())
	cache, mr, _ := setupCache(t, repo)
	ctx := context.Background()

	if _, err := cache.Lookup(ctx, "GLU", "mg/dL", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key := rangeCacheKey("GLU", "mg/dL", nil, nil)
	if ttl := mr.TTL(key); ttl != 10*time.Minute {
		t.Errorf("expected 10m TTL, got %v", ttl)
	}

	mr.FastForward(11 * time.Minute)
	if _, err := cache.Lookup(ctx, "GLU", "mg/dL", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.lookupCalls() != 2 {
		t.Errorf("expected expired entry to be reloaded, got %d store lookups", repo.lookupCalls())
	}
}

func TestCachedRangeStore_RedisUnavailable(t *testing.T) {
	repo := newMockMetricRepo(glucose())
	cache, mr, _ := setupCache(t, repo)
	mr.Close()

	defs, err := cache.Lookup(context.Background(), "GLU", "mg/dL", nil, nil)
	if err != nil {
		t.Fatalf("expected fallback to store, got %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "Fasting Glucose" {
		t.Errorf("unexpected definitions: %+v", defs)
	}
}

func TestCachedRangeStore_StoreErrorNotCached(t *testing.T) {
	repo := newMockMetricRepo(glucose())
	repo.failOn = "GLU"
	cache, mr, _ := setupCache(t, repo)

	_, err := cache.Lookup(context.Background(), "GLU", "mg/dL", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected store error, got %v", err)
	}
	if len(mr.Keys()) != 0 {
		t.Errorf("failed lookup must not be cached, got %v", mr.Keys())
	}
}

func TestCachedRangeStore_CorruptEntry(t *testing.T) {
	repo := newMockMetricRepo(glucose())
	cache, mr, _ := setupCache(t, repo)

	if err := mr.Set(rangeCacheKey("GLU", "mg/dL", nil, nil), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	defs, err := cache.Lookup(context.Background(), "GLU", "mg/dL", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(defs) != 1 || repo.lookupCalls() != 1 {
		t.Errorf("expected corrupt entry to be replaced from the store, got %d defs and %d lookups", len(defs), repo.lookupCalls())
	}
}

func TestCachedRangeStore_Invalidate(t *testing.T) {
	repo := newMockMetricRepo(glucose(), sodium())
	cache, mr, _ := setupCache(t, repo)
	ctx := context.Background()

	cache.Lookup(ctx, "GLU", "mg/dL", nil, nil)
	cache.Lookup(ctx, "NA", "mmol/L", nil, nil)
	cache.Lookup(ctx, "NA", "mmol/L", iptr(40), nil)
	mr.Set("unrelated", "keep")

	n, err := cache.Invalidate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 deleted keys, got %d", n)
	}
	if keys := mr.Keys(); len(keys) != 1 || keys[0] != "unrelated" {
		t.Errorf("expected only the unrelated key to remain, got %v", keys)
	}
}

func TestCachedRangeStore_InvalidateRedisDown(t *testing.T) {
	cache, mr, _ := setupCache(t, newMockMetricRepo())
	mr.Close()

	if _, err := cache.Invalidate(context.Background()); err == nil {
		t.Error("expected error when redis is unavailable")
	} else if errors.Is(err, redis.Nil) {
		t.Errorf("unexpected redis.Nil: %v", err)
	}
}
