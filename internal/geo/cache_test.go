package geo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"careroute/internal/model"
)

type countingProvider struct {
	calls int64
	delay time.Duration
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) GetMatrix(_ context.Context, locs []model.Location) (*Matrix, error) {
	atomic.AddInt64(&p.calls, 1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	n := len(locs)
	dist := make([][]int, n)
	dur := make([][]int, n)
	for i := range dist {
		dist[i] = make([]int, n)
		dur[i] = make([]int, n)
		for j := range dist[i] {
			if i != j {
				dist[i][j] = 1000
				dur[i][j] = 60
			}
		}
	}
	return &Matrix{Locations: locs, DistancesM: dist, DurationsSec: dur, Provider: p.Name()}, nil
}

func (p *countingProvider) GetPair(ctx context.Context, from, to model.Location) (int, int, error) {
	return 1000, 60, nil
}

type memCacheStore struct {
	mu      sync.Mutex
	entries map[string]*model.DistanceCacheEntry
}

func newMemCacheStore() *memCacheStore {
	return &memCacheStore{entries: map[string]*model.DistanceCacheEntry{}}
}

func (s *memCacheStore) GetDistanceMatrix(_ context.Context, key string) (*model.DistanceCacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *memCacheStore) PutDistanceMatrix(_ context.Context, entry *model.DistanceCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.CacheKey] = entry
	return nil
}

func testLocs() []model.Location {
	return []model.Location{{Lat: 52.52, Lng: 13.405}, {Lat: 52.5, Lng: 13.39}, {Lat: 52.48, Lng: 13.42}}
}

func TestMatrixCacheHitSkipsProvider(t *testing.T) {
	prov := &countingProvider{}
	cache := NewMatrixCache(prov, newMemCacheStore(), time.Hour)

	ctx := context.Background()
	if _, err := cache.GetMatrix(ctx, testLocs()); err != nil {
		t.Fatalf("first GetMatrix: %v", err)
	}
	if _, err := cache.GetMatrix(ctx, testLocs()); err != nil {
		t.Fatalf("second GetMatrix: %v", err)
	}
	if got := atomic.LoadInt64(&prov.calls); got != 1 {
		t.Fatalf("provider calls = %d, want 1", got)
	}
}

func TestMatrixCacheKeyOrderSensitive(t *testing.T) {
	cache := NewMatrixCache(&countingProvider{}, newMemCacheStore(), time.Hour)
	locs := testLocs()
	k1 := cache.CacheKey(locs)
	reversed := []model.Location{locs[2], locs[1], locs[0]}
	k2 := cache.CacheKey(reversed)
	if k1 == k2 {
		t.Fatal("cache key must depend on location order")
	}
	if k1 != cache.CacheKey(testLocs()) {
		t.Fatal("cache key must be stable for identical input")
	}
}

func TestMatrixCacheExpiryRecomputes(t *testing.T) {
	prov := &countingProvider{}
	cache := NewMatrixCache(prov, newMemCacheStore(), time.Hour)

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := base
	cache.now = func() time.Time { return now }

	ctx := context.Background()
	if _, err := cache.GetMatrix(ctx, testLocs()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	now = base.Add(2 * time.Hour)
	if _, err := cache.GetMatrix(ctx, testLocs()); err != nil {
		t.Fatalf("after expiry: %v", err)
	}
	if got := atomic.LoadInt64(&prov.calls); got != 2 {
		t.Fatalf("provider calls = %d, want 2 after TTL expiry", got)
	}
}

func TestMatrixCacheCoalescesConcurrentMisses(t *testing.T) {
	prov := &countingProvider{delay: 50 * time.Millisecond}
	cache := NewMatrixCache(prov, newMemCacheStore(), time.Hour)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.GetMatrix(ctx, testLocs()); err != nil {
				t.Errorf("GetMatrix: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt64(&prov.calls); got != 1 {
		t.Fatalf("provider calls = %d, want 1 (coalesced)", got)
	}
}
