// Package cache - orchestration-domain cache consumers: compiled phase
// plans (feeding the Phase Config Loader's Cache contract), run status
// snapshots, and model health telemetry.
package cache

import (
	"context"
	"time"

	"github.com/apex-build/orchestrator/pkg/models"
)

// PhaseConfigCache adapts RedisCache to phaseconfig.Cache's Get/Set/Delete
// contract (no error return on Get; a miss or Redis-unavailable falls
// through as ok=false, matching the in-memory fallback the loader already
// tolerates).
type PhaseConfigCache struct {
	cache *RedisCache
}

// NewPhaseConfigCache builds a PhaseConfigCache over cache.
func NewPhaseConfigCache(cache *RedisCache) *PhaseConfigCache {
	return &PhaseConfigCache{cache: cache}
}

// Get returns the cached compiled-plan bytes for key, if present.
func (p *PhaseConfigCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := p.cache.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores the compiled-plan bytes for key with the given TTL.
func (p *PhaseConfigCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	_ = p.cache.Set(ctx, key, value, ttl)
}

// Delete evicts key.
func (p *PhaseConfigCache) Delete(ctx context.Context, key string) {
	_ = p.cache.Delete(ctx, key)
}

// RunStatusSnapshot is the cached summary the HTTP surface's status
// endpoints read from, avoiding a database round-trip on hot polling.
type RunStatusSnapshot struct {
	RunID             string           `json:"run_id"`
	Status            models.RunStatus `json:"status"`
	CurrentPhase      string           `json:"current_phase"`
	CumulativeCostUSD float64          `json:"cumulative_cost_usd"`
	CachedAt          time.Time        `json:"cached_at"`
}

// RunStatusCache caches RunStatusSnapshot with a short TTL — the
// underlying row can change every few seconds during an active run, so
// staleness is bounded by the TTL rather than invalidated on every change;
// Invalidate drops a run's entry explicitly (used on terminal status).
type RunStatusCache struct {
	cache *RedisCache
	ttl   time.Duration
}

// NewRunStatusCache builds a RunStatusCache with a 5s TTL.
func NewRunStatusCache(cache *RedisCache) *RunStatusCache {
	return &RunStatusCache{cache: cache, ttl: 5 * time.Second}
}

// Get returns the cached snapshot for runID, if present.
func (c *RunStatusCache) Get(ctx context.Context, runID string) (*RunStatusSnapshot, error) {
	key := RunStatusCacheKey(runID)
	var snap RunStatusSnapshot
	if err := c.cache.GetJSON(ctx, key, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Set caches a run status snapshot.
func (c *RunStatusCache) Set(ctx context.Context, snap *RunStatusSnapshot) error {
	snap.CachedAt = time.Now().UTC()
	return c.cache.SetJSON(ctx, RunStatusCacheKey(snap.RunID), snap, c.ttl)
}

// Invalidate evicts every cache entry derived from runID, called once a
// run reaches a terminal status.
func (c *RunStatusCache) Invalidate(ctx context.Context, runID string) error {
	return c.cache.DeletePattern(ctx, RunPattern(runID))
}

// ModelHealthCache caches the Model Router's per-model health telemetry
// so concurrent routing decisions don't all hit the store.
type ModelHealthCache struct {
	cache *RedisCache
	ttl   time.Duration
}

// NewModelHealthCache builds a ModelHealthCache with a 10s TTL.
func NewModelHealthCache(cache *RedisCache) *ModelHealthCache {
	return &ModelHealthCache{cache: cache, ttl: 10 * time.Second}
}

// Get returns the cached health for modelID, if present.
func (c *ModelHealthCache) Get(ctx context.Context, modelID string) (*models.ModelHealth, error) {
	var h models.ModelHealth
	if err := c.cache.GetJSON(ctx, ModelHealthCacheKey(modelID), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Set caches a model's health telemetry.
func (c *ModelHealthCache) Set(ctx context.Context, h *models.ModelHealth) error {
	return c.cache.SetJSON(ctx, ModelHealthCacheKey(h.ModelID), h, c.ttl)
}

// CatalogHealthSource is the subset of modelrouter.Catalog that
// CachedCatalog needs to delegate to; modelrouter.Catalog satisfies it
// directly.
type CatalogHealthSource interface {
	ListModels(ctx context.Context) ([]models.ModelCapabilities, error)
	Health(ctx context.Context, modelID string) (*models.ModelHealth, error)
	SetHealthy(ctx context.Context, modelID string, healthy bool) error
	UpdateTelemetry(ctx context.Context, modelID string, errorRate, avgLatencyMs, availability float64) error
}

// CachedCatalog wraps a modelrouter.Catalog with a read-through
// ModelHealthCache in front of Health: the Model Router's Route pipeline
// calls Health once per surviving candidate per request, which otherwise
// means one store round trip per candidate on every routing decision.
type CachedCatalog struct {
	CatalogHealthSource
	cache *ModelHealthCache
}

// NewCachedCatalog builds a CachedCatalog over catalog. A nil cache
// disables caching and every Health call falls through to catalog.
func NewCachedCatalog(catalog CatalogHealthSource, cache *ModelHealthCache) *CachedCatalog {
	return &CachedCatalog{CatalogHealthSource: catalog, cache: cache}
}

// Health returns the cached health for modelID when present, otherwise
// loads it from the wrapped catalog and populates the cache.
func (c *CachedCatalog) Health(ctx context.Context, modelID string) (*models.ModelHealth, error) {
	if c.cache != nil {
		if h, err := c.cache.Get(ctx, modelID); err == nil {
			return h, nil
		}
	}
	h, err := c.CatalogHealthSource.Health(ctx, modelID)
	if err != nil || h == nil {
		return h, err
	}
	if c.cache != nil {
		_ = c.cache.Set(ctx, h)
	}
	return h, nil
}
