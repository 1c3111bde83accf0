package geo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"careroute/internal/metrics"
	"careroute/internal/model"
)

// CacheStore persists computed matrices. The second return reports presence;
// a missing key is not an error.
type CacheStore interface {
	GetDistanceMatrix(ctx context.Context, key string) (*model.DistanceCacheEntry, bool, error)
	PutDistanceMatrix(ctx context.Context, entry *model.DistanceCacheEntry) error
}

// MatrixCache fronts a Provider with a TTL cache keyed by a fingerprint of
// the ordered location set. Concurrent misses for the same key are coalesced
// into a single provider call.
type MatrixCache struct {
	provider Provider
	store    CacheStore
	ttl      time.Duration
	group    singleflight.Group
	now      func() time.Time
}

func NewMatrixCache(provider Provider, store CacheStore, ttl time.Duration) *MatrixCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MatrixCache{provider: provider, store: store, ttl: ttl, now: time.Now}
}

func (c *MatrixCache) Name() string { return c.provider.Name() }

// CacheKey fingerprints the provider and the ordered location set. Order
// matters: the same points in a different order are a different matrix.
func (c *MatrixCache) CacheKey(locs []model.Location) string {
	var b strings.Builder
	b.WriteString(c.provider.Name())
	for _, l := range locs {
		fmt.Fprintf(&b, "|%.6f:%.6f", l.Lat, l.Lng)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (c *MatrixCache) GetMatrix(ctx context.Context, locs []model.Location) (*Matrix, error) {
	key := c.CacheKey(locs)
	if entry, ok, err := c.store.GetDistanceMatrix(ctx, key); err == nil && ok {
		if c.now().Before(entry.ExpiresAt) {
			metrics.MatrixCacheLookups.WithLabelValues("hit").Inc()
			return &Matrix{Locations: locs, DistancesM: entry.DistancesM, DurationsSec: entry.DurationsSec, Provider: entry.Provider}, nil
		}
		metrics.MatrixCacheLookups.WithLabelValues("expired").Inc()
	} else {
		metrics.MatrixCacheLookups.WithLabelValues("miss").Inc()
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have filled it.
		if entry, ok, err := c.store.GetDistanceMatrix(ctx, key); err == nil && ok && c.now().Before(entry.ExpiresAt) {
			return &Matrix{Locations: locs, DistancesM: entry.DistancesM, DurationsSec: entry.DurationsSec, Provider: entry.Provider}, nil
		}
		m, err := c.provider.GetMatrix(ctx, locs)
		if err != nil {
			metrics.ProviderCalls.WithLabelValues(c.provider.Name(), "error").Inc()
			return nil, err
		}
		metrics.ProviderCalls.WithLabelValues(c.provider.Name(), "ok").Inc()
		now := c.now()
		entry := &model.DistanceCacheEntry{
			CacheKey:     key,
			DistancesM:   m.DistancesM,
			DurationsSec: m.DurationsSec,
			Provider:     m.Provider,
			ExpiresAt:    now.Add(c.ttl),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := c.store.PutDistanceMatrix(ctx, entry); err != nil {
			return nil, fmt.Errorf("persist distance matrix: %w", err)
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Matrix), nil
}

// GetPair bypasses the matrix cache; single legs are cheap and recomputed on
// every ETA cascade.
func (c *MatrixCache) GetPair(ctx context.Context, from, to model.Location) (int, int, error) {
	return c.provider.GetPair(ctx, from, to)
}
