package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/apex-build/orchestrator/pkg/models"
)

var upsertHealthClause = clause.OnConflict{
	Columns:   []clause.Column{{Name: "model_id"}},
	DoUpdates: clause.AssignmentColumns([]string{"healthy", "last_check", "error_rate", "avg_latency_ms", "availability"}),
}

// ModelCatalogStore implements modelrouter.Catalog and modelrouter.BudgetLedger.
type ModelCatalogStore struct {
	db *Database
}

// NewModelCatalogStore builds a ModelCatalogStore.
func NewModelCatalogStore(db *Database) *ModelCatalogStore {
	return &ModelCatalogStore{db: db}
}

// ListModels returns the full static capability catalog.
func (s *ModelCatalogStore) ListModels(ctx context.Context) ([]models.ModelCapabilities, error) {
	var caps []models.ModelCapabilities
	if err := s.db.DB.WithContext(ctx).Find(&caps).Error; err != nil {
		return nil, fmt.Errorf("store: listing model capabilities: %w", err)
	}
	return caps, nil
}

// Health returns a model's health row, or an unhealthy zero-value if it
// has never reported (a model with no health row is treated as
// unavailable rather than silently healthy).
func (s *ModelCatalogStore) Health(ctx context.Context, modelID string) (*models.ModelHealth, error) {
	var h models.ModelHealth
	err := s.db.DB.WithContext(ctx).Where("model_id = ?", modelID).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.ModelHealth{ModelID: modelID, Healthy: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading health for model %s: %w", modelID, err)
	}
	return &h, nil
}

// SetHealthy upserts a model's healthy flag. The row is written from a map
// because creating from the struct would replace healthy=false with the
// column's default (true).
func (s *ModelCatalogStore) SetHealthy(ctx context.Context, modelID string, healthy bool) error {
	return s.db.DB.WithContext(ctx).Model(&models.ModelHealth{}).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "model_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"healthy", "last_check"}),
		}).
		Create(map[string]interface{}{"model_id": modelID, "healthy": healthy, "last_check": time.Now().UTC()}).Error
}

// UpdateTelemetry upserts a model's rolling error-rate/latency/availability
// figures.
func (s *ModelCatalogStore) UpdateTelemetry(ctx context.Context, modelID string, errorRate, avgLatencyMs, availability float64) error {
	h := models.ModelHealth{
		ModelID:      modelID,
		Healthy:      availability > 0,
		LastCheck:    time.Now().UTC(),
		ErrorRate:    errorRate,
		AvgLatencyMs: avgLatencyMs,
		Availability: availability,
	}
	err := s.db.DB.WithContext(ctx).
		Clauses(upsertHealthClause).
		Create(&h).Error
	if err != nil {
		return fmt.Errorf("store: updating telemetry for model %s: %w", modelID, err)
	}
	return nil
}

// RemainingBudget returns a tenant's configured budget minus its recorded
// model spend. ok is false when the tenant has no TenantBudget row
// (unconstrained).
func (s *ModelCatalogStore) RemainingBudget(ctx context.Context, tenantID string) (float64, bool, error) {
	var budget models.TenantBudget
	err := s.db.DB.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&budget).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: loading budget for tenant %s: %w", tenantID, err)
	}

	var spent struct{ Total float64 }
	err = s.db.DB.WithContext(ctx).Model(&models.ModelUsage{}).
		Where("tenant_id = ?", tenantID).
		Select("COALESCE(SUM(actual_cost_usd), 0) AS total").
		Scan(&spent).Error
	if err != nil {
		return 0, false, fmt.Errorf("store: summing spend for tenant %s: %w", tenantID, err)
	}

	return budget.LimitUSD - spent.Total, true, nil
}

// RecordUsage appends a ModelUsage row.
func (s *ModelCatalogStore) RecordUsage(ctx context.Context, tenantID, modelID string, actualTokens int64, actualCost float64) error {
	usage := models.ModelUsage{
		TenantID:      tenantID,
		ModelID:       modelID,
		ActualTokens:  actualTokens,
		ActualCostUSD: actualCost,
		RecordedAt:    time.Now().UTC(),
	}
	if err := s.db.DB.WithContext(ctx).Create(&usage).Error; err != nil {
		return fmt.Errorf("store: recording model usage for tenant %s: %w", tenantID, err)
	}
	return nil
}

// SeedCapabilities upserts the static capability catalog, used at startup
// to load the configured model roster.
func (s *ModelCatalogStore) SeedCapabilities(ctx context.Context, caps []models.ModelCapabilities) error {
	for _, c := range caps {
		if err := s.db.DB.WithContext(ctx).Save(&c).Error; err != nil {
			return fmt.Errorf("store: seeding capabilities for model %s: %w", c.ModelID, err)
		}
	}
	return nil
}
