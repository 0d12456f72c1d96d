package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apex-build/orchestrator/pkg/models"
)

func TestRunStatusCacheRoundTrip(t *testing.T) {
	redis := NewRedisCache(DefaultCacheConfig())
	c := NewRunStatusCache(redis)
	ctx := context.Background()

	_, err := c.Get(ctx, "run-1")
	require.Error(t, err, "expected a miss before Set")

	snap := &RunStatusSnapshot{RunID: "run-1", Status: models.RunRunning, CurrentPhase: "design", CumulativeCostUSD: 1.5}
	require.NoError(t, c.Set(ctx, snap))

	got, err := c.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "run-1", got.RunID)
	require.Equal(t, models.RunRunning, got.Status)
	require.Equal(t, "design", got.CurrentPhase)
	require.False(t, got.CachedAt.IsZero())
}

func TestRunStatusCacheInvalidate(t *testing.T) {
	redis := NewRedisCache(DefaultCacheConfig())
	c := NewRunStatusCache(redis)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, &RunStatusSnapshot{RunID: "run-2", Status: models.RunPaused}))
	require.NoError(t, c.Invalidate(ctx, "run-2"))

	_, err := c.Get(ctx, "run-2")
	require.Error(t, err)
}

func TestModelHealthCacheRoundTrip(t *testing.T) {
	redis := NewRedisCache(DefaultCacheConfig())
	c := NewModelHealthCache(redis)
	ctx := context.Background()

	h := &models.ModelHealth{ModelID: "gpt-fast", Healthy: true, Availability: 0.99}
	require.NoError(t, c.Set(ctx, h))

	got, err := c.Get(ctx, "gpt-fast")
	require.NoError(t, err)
	require.Equal(t, "gpt-fast", got.ModelID)
	require.True(t, got.Healthy)
}

type countingHealthSource struct {
	calls  int
	health *models.ModelHealth
}

func (s *countingHealthSource) ListModels(ctx context.Context) ([]models.ModelCapabilities, error) {
	return nil, nil
}

func (s *countingHealthSource) Health(ctx context.Context, modelID string) (*models.ModelHealth, error) {
	s.calls++
	return s.health, nil
}

func (s *countingHealthSource) SetHealthy(ctx context.Context, modelID string, healthy bool) error {
	return nil
}

func (s *countingHealthSource) UpdateTelemetry(ctx context.Context, modelID string, errorRate, avgLatencyMs, availability float64) error {
	return nil
}

func TestCachedCatalogHealthIsReadThrough(t *testing.T) {
	redis := NewRedisCache(DefaultCacheConfig())
	source := &countingHealthSource{health: &models.ModelHealth{ModelID: "m1", Healthy: true}}
	catalog := NewCachedCatalog(source, NewModelHealthCache(redis))
	ctx := context.Background()

	h1, err := catalog.Health(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "m1", h1.ModelID)
	require.Equal(t, 1, source.calls)

	h2, err := catalog.Health(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "m1", h2.ModelID)
	require.Equal(t, 1, source.calls, "second call should be served from cache")
}

func TestCachedCatalogNilCacheFallsThrough(t *testing.T) {
	source := &countingHealthSource{health: &models.ModelHealth{ModelID: "m2", Healthy: true}}
	catalog := NewCachedCatalog(source, nil)
	ctx := context.Background()

	_, err := catalog.Health(ctx, "m2")
	require.NoError(t, err)
	_, err = catalog.Health(ctx, "m2")
	require.NoError(t, err)
	require.Equal(t, 2, source.calls, "no cache means every call hits the source")
}

func TestPhaseConfigCacheRoundTrip(t *testing.T) {
	redis := NewRedisCache(DefaultCacheConfig())
	c := NewPhaseConfigCache(redis)
	ctx := context.Background()

	_, ok := c.Get(ctx, "design")
	require.False(t, ok)

	c.Set(ctx, "design", []byte(`{"phase":"design"}`), time.Minute)
	data, ok := c.Get(ctx, "design")
	require.True(t, ok)
	require.Equal(t, `{"phase":"design"}`, string(data))

	c.Delete(ctx, "design")
	_, ok = c.Get(ctx, "design")
	require.False(t, ok)
}
