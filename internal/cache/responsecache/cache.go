// Package responsecache stores assembled read-path responses in redis. Two
// TTL classes apply: series responses live long (cheap to rebuild from the
// store, invalidated explicitly after gap-fills), latest responses live short
// (staleness is a data property the caller re-evaluates anyway).
package responsecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammed-shakir/ndvi-pipeline/internal/cache/rediscache"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/keys"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/model"
	"github.com/mohammed-shakir/ndvi-pipeline/internal/observability"
)

// SeriesPayload is the cached form of a time-series response. IsPartial
// records that materialized observations did not cover every expected
// bucket when the payload was assembled.
type SeriesPayload struct {
	Observations        []model.Observation `json:"observations"`
	Start               model.Date          `json:"start"`
	End                 model.Date          `json:"end"`
	StepDays            int                 `json:"step_days"`
	MaxCloud            int                 `json:"max_cloud"`
	IsPartial           bool                `json:"is_partial"`
	MissingBucketsCount int                 `json:"missing_buckets_count"`
	CachedAt            time.Time           `json:"cached_at"`
}

// LatestPayload is the cached form of a latest-point response. Stale means
// the newest observation predates the lookback window; it is independent of
// the cache entry's TTL.
type LatestPayload struct {
	Observation  *model.Observation `json:"observation"`
	LookbackDays int                `json:"lookback_days"`
	MaxCloud     int                `json:"max_cloud"`
	Stale        bool               `json:"stale"`
	CachedAt     time.Time          `json:"cached_at"`
}

type Cache struct {
	cli       *rediscache.Client
	ttlSeries time.Duration
	ttlLatest time.Duration
}

func New(cli *rediscache.Client, ttlSeries, ttlLatest time.Duration) *Cache {
	if ttlSeries <= 0 {
		ttlSeries = 24 * time.Hour
	}
	if ttlLatest <= 0 {
		ttlLatest = 6 * time.Hour
	}
	return &Cache{cli: cli, ttlSeries: ttlSeries, ttlLatest: ttlLatest}
}

func (c *Cache) GetSeries(ctx context.Context, resourceID int64, provider string, p model.SeriesParams) (*SeriesPayload, error) {
	raw, ok, err := c.cli.Get(ctx, keys.Series(resourceID, provider, p))
	if err != nil {
		return nil, fmt.Errorf("series cache get: %w", err)
	}
	if !ok {
		observability.IncCacheMiss("series")
		return nil, nil
	}
	var payload SeriesPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		// Treat a corrupt entry as a miss; it will be overwritten.
		observability.IncCacheMiss("series")
		return nil, nil
	}
	observability.IncCacheHit("series")
	return &payload, nil
}

// PutSeries writes the payload and registers its key in the per-pair index
// so a later invalidation can find it.
func (c *Cache) PutSeries(ctx context.Context, resourceID int64, provider string, p model.SeriesParams, payload SeriesPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal series payload: %w", err)
	}
	key := keys.Series(resourceID, provider, p)
	if err := c.cli.Set(ctx, key, raw, c.ttlSeries); err != nil {
		return fmt.Errorf("series cache set: %w", err)
	}
	// The index outlives its members slightly so invalidation still sees
	// keys that are about to expire.
	if err := c.cli.SAdd(ctx, keys.SeriesIndex(resourceID, provider), c.ttlSeries+time.Hour, key); err != nil {
		return fmt.Errorf("series index add: %w", err)
	}
	return nil
}

func (c *Cache) GetLatest(ctx context.Context, resourceID int64, provider string, p model.SeriesParams) (*LatestPayload, error) {
	raw, ok, err := c.cli.Get(ctx, keys.Latest(resourceID, provider, p))
	if err != nil {
		return nil, fmt.Errorf("latest cache get: %w", err)
	}
	if !ok {
		observability.IncCacheMiss("latest")
		return nil, nil
	}
	var payload LatestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		observability.IncCacheMiss("latest")
		return nil, nil
	}
	observability.IncCacheHit("latest")
	return &payload, nil
}

func (c *Cache) PutLatest(ctx context.Context, resourceID int64, provider string, p model.SeriesParams, payload LatestPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal latest payload: %w", err)
	}
	if err := c.cli.Set(ctx, keys.Latest(resourceID, provider, p), raw, c.ttlLatest); err != nil {
		return fmt.Errorf("latest cache set: %w", err)
	}
	return nil
}

// InvalidateSeries drops every live series entry for the pair along with
// the index itself. Returns how many entries were removed.
func (c *Cache) InvalidateSeries(ctx context.Context, resourceID int64, provider string) (int, error) {
	idx := keys.SeriesIndex(resourceID, provider)
	members, err := c.cli.SMembers(ctx, idx)
	if err != nil {
		return 0, fmt.Errorf("series index read: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}
	if err := c.cli.Del(ctx, append(members, idx)...); err != nil {
		return 0, fmt.Errorf("series cache del: %w", err)
	}
	return len(members), nil
}
