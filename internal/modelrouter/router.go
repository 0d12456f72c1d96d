// Package modelrouter implements the Model Router (component E): it
// selects the best backend model for a routing request through a
// privacy/capability/health filter pipeline, scores candidates, enforces
// tenant budgets, and supports failover and usage accounting.
package modelrouter

import (
	"context"
	"fmt"
	"net/http"

	"github.com/apex-build/orchestrator/internal/logging"
	"github.com/apex-build/orchestrator/internal/metrics"
	"github.com/apex-build/orchestrator/pkg/models"
)

const maxFallbacks = 3

// Router is the Model Router.
type Router struct {
	catalog Catalog
	budget  BudgetLedger
	limits  *limiters
	auth    *BackendAuth
}

// New constructs a Router. auth may be nil when no local_only backends
// require service-to-service OAuth2.
func New(catalog Catalog, budget BudgetLedger, auth *BackendAuth) *Router {
	return &Router{
		catalog: catalog,
		budget:  budget,
		limits:  newLimiters(10, 20),
		auth:    auth,
	}
}

// Route runs the full routing pipeline and returns a Decision.
func (r *Router) Route(ctx context.Context, req Request) (*Decision, error) {
	caps, err := r.catalog.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("modelrouter: listing models: %w", err)
	}

	caps = filterByPrivacy(caps, req.PrivacyMode)
	caps = filterByCapability(caps, req)

	healthByModel := make(map[string]models.ModelHealth, len(caps))
	for _, c := range caps {
		h, err := r.catalog.Health(ctx, c.ModelID)
		if err != nil || h == nil {
			continue
		}
		healthByModel[c.ModelID] = *h
	}

	candidates := filterByHealth(caps, healthByModel)
	if len(candidates) == 0 {
		return nil, noCapacityErr("no model candidate survives privacy/capability/health filters")
	}

	candidates = rankedCandidates(candidates, req)

	selected, fallbacks, budgetConstrained, err := r.applyBudget(ctx, req, candidates)
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		SelectedModel:    selected.caps.ModelID,
		Rationale:        rationale(selected, req, budgetConstrained),
		FallbackList:     fallbacks,
		EstimatedCost:    estimatedCost(selected.caps, req.EstimatedTokens),
		EstimatedLatency: selected.caps.LatencyP95Ms,
		Confidence:       selected.score / 100,
	}
	metrics.Get().RecordModelRequest(decision.SelectedModel, "routed")
	return decision, nil
}

func rationale(c candidate, req Request, budgetConstrained bool) string {
	base := fmt.Sprintf("selected %s for affinity=%s score=%.2f availability=%.2f",
		c.caps.ModelID, req.TaskAffinity, c.score, c.health.Availability)
	if budgetConstrained {
		return base + " (budget: top-ranked candidate exceeded tenant's remaining budget)"
	}
	return base
}

// applyBudget implements spec.md §4.E step 5: if the top pick exceeds
// the tenant's remaining budget, select the highest-scored candidate
// whose estimated cost fits; fail with budget_exceeded if none fits.
// The returned bool reports whether a cheaper-than-top-ranked candidate
// was chosen for budget reasons, so callers can surface that in the
// decision's rationale.
func (r *Router) applyBudget(ctx context.Context, req Request, candidates []candidate) (candidate, []string, bool, error) {
	fallbackIDs := func(skip int) []string {
		var out []string
		for i, c := range candidates {
			if i == skip {
				continue
			}
			out = append(out, c.caps.ModelID)
			if len(out) == maxFallbacks {
				break
			}
		}
		return out
	}

	if req.TenantID == "" || req.MaxCostUSD == nil || r.budget == nil {
		return candidates[0], fallbackIDs(0), false, nil
	}

	remaining, ok, err := r.budget.RemainingBudget(ctx, req.TenantID)
	if err != nil {
		return candidate{}, nil, false, fmt.Errorf("modelrouter: reading tenant budget: %w", err)
	}
	if !ok {
		return candidates[0], fallbackIDs(0), false, nil
	}

	for i, c := range candidates {
		cost := estimatedCost(c.caps, req.EstimatedTokens)
		if cost <= remaining && cost <= *req.MaxCostUSD {
			return c, fallbackIDs(i), i > 0, nil
		}
	}
	return candidate{}, nil, false, budgetExceededErr("no candidate fits tenant's remaining budget")
}

// Failover marks the prior model unhealthy and promotes the first entry
// of its fallback list as a new decision with confidence=0.8.
func (r *Router) Failover(ctx context.Context, prior Decision, reason string) (*Decision, error) {
	if err := r.catalog.SetHealthy(ctx, prior.SelectedModel, false); err != nil {
		return nil, fmt.Errorf("modelrouter: marking %s unhealthy: %w", prior.SelectedModel, err)
	}
	logging.S().Warnw("modelrouter: failover", "from_model", prior.SelectedModel, "reason", reason)

	if len(prior.FallbackList) == 0 {
		return nil, noFallbackErr("fallback list is empty")
	}
	next := prior.FallbackList[0]
	metrics.Get().RecordModelFallback(prior.SelectedModel, next, reason)
	return &Decision{
		SelectedModel: next,
		Rationale:     fmt.Sprintf("failover from %s: %s", prior.SelectedModel, reason),
		FallbackList:  prior.FallbackList[1:],
		Confidence:    0.8,
	}, nil
}

// RecordUsage deducts actualCost from the tenant's budget and appends a
// usage ledger row.
func (r *Router) RecordUsage(ctx context.Context, tenantID, modelID string, actualTokens int64, actualCost float64) error {
	metrics.Get().RecordModelCost(tenantID, modelID, actualCost)
	if r.budget == nil {
		return nil
	}
	return r.budget.RecordUsage(ctx, tenantID, modelID, actualTokens, actualCost)
}

// AllowRequest checks the per-model rate limiter before a call is made
// to modelID's backend.
func (r *Router) AllowRequest(modelID string) bool {
	return r.limits.Allow(modelID)
}

// AuthorizedClient returns an HTTP client carrying a service-to-service
// OAuth2 bearer token for modelID, or nil if modelID has no registered
// backend (callers fall back to an unauthenticated client).
func (r *Router) AuthorizedClient(ctx context.Context, modelID string) *http.Client {
	if r.auth == nil {
		return nil
	}
	return r.auth.Client(ctx, modelID)
}

// MarkUnhealthy flips a model to unhealthy, e.g. from external
// telemetry rather than a failover.
func (r *Router) MarkUnhealthy(ctx context.Context, modelID string) error {
	return r.catalog.SetHealthy(ctx, modelID, false)
}

// MarkHealthy explicitly restores a model to healthy.
func (r *Router) MarkHealthy(ctx context.Context, modelID string) error {
	return r.catalog.SetHealthy(ctx, modelID, true)
}

// UpdateTelemetry applies a periodic health tick's error_rate,
// avg_latency_ms, and availability without flipping healthy.
func (r *Router) UpdateTelemetry(ctx context.Context, modelID string, errorRate, avgLatencyMs, availability float64) error {
	metrics.Get().SetModelAvailability(modelID, availability)
	return r.catalog.UpdateTelemetry(ctx, modelID, errorRate, avgLatencyMs, availability)
}
