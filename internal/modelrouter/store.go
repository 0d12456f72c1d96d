package modelrouter

import (
	"context"

	"github.com/apex-build/orchestrator/pkg/models"
)

// Catalog is the static+mutable model registry the router queries. The
// production implementation backs onto component I's persisted
// ModelCapabilities/ModelHealth tables.
type Catalog interface {
	ListModels(ctx context.Context) ([]models.ModelCapabilities, error)
	Health(ctx context.Context, modelID string) (*models.ModelHealth, error)
	SetHealthy(ctx context.Context, modelID string, healthy bool) error
	UpdateTelemetry(ctx context.Context, modelID string, errorRate, avgLatencyMs, availability float64) error
}

// BudgetLedger tracks tenant spend against model usage, grounded on the
// teacher's budget.BudgetEnforcer / spend.SpendTracker pair.
type BudgetLedger interface {
	// RemainingBudget returns the tenant's remaining spend allowance for
	// the current accounting period. ok is false when the tenant has no
	// configured budget (in which case the caller treats it as
	// unconstrained).
	RemainingBudget(ctx context.Context, tenantID string) (remaining float64, ok bool, err error)
	// RecordUsage deducts actualCost from the tenant's remaining budget
	// and appends a models.ModelUsage row.
	RecordUsage(ctx context.Context, tenantID, modelID string, actualTokens int64, actualCost float64) error
}
