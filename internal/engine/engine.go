// Package engine is the composition root of the workflow orchestration
// core: it bundles the Shard Manager, Phase Config Loader, and Mothership
// Orchestrator (which drives the Phase Coordinator) behind the two library entry
// points an embedding scheduler needs — AssignRun and RunWorkflow — since
// neither is part of the HTTP Surface's collaborator contract (spec.md
// §6 scopes that to heartbeat/checkpoint routes only; starting a run is
// the embedder's call, not this engine's).
package engine

import (
	"context"
	"fmt"

	"github.com/apex-build/orchestrator/internal/mothership"
	"github.com/apex-build/orchestrator/internal/phaseconfig"
	"github.com/apex-build/orchestrator/internal/shard"
	"github.com/apex-build/orchestrator/pkg/models"
)

// Engine is the assembled orchestration core.
type Engine struct {
	Shard        *shard.Manager
	Loader       *phaseconfig.Loader
	Orchestrator *mothership.Orchestrator
}

// New bundles the given components into an Engine.
func New(shardManager *shard.Manager, loader *phaseconfig.Loader, orchestrator *mothership.Orchestrator) *Engine {
	return &Engine{Shard: shardManager, Loader: loader, Orchestrator: orchestrator}
}

// AssignRun pins runID to a shard per spec.md §4.D before its workflow
// starts.
func (e *Engine) AssignRun(ctx context.Context, runID, tenantID string, projectID *string) (*models.ShardAssignment, error) {
	return e.Shard.AssignRun(ctx, runID, tenantID, projectID)
}

// RunWorkflow derives a PhasePlan for each name in phases (in order) and
// drives runID through them via the Mothership Orchestrator.
func (e *Engine) RunWorkflow(ctx context.Context, runID string, phases []string) (*mothership.RunResult, error) {
	plans := make([]*phaseconfig.PhasePlan, 0, len(phases))
	for _, phase := range phases {
		plan, err := e.Loader.DerivePlan(ctx, phase, nil)
		if err != nil {
			return nil, fmt.Errorf("engine: deriving plan for phase %s: %w", phase, err)
		}
		plans = append(plans, plan)
	}
	return e.Orchestrator.RunWorkflow(ctx, runID, plans)
}
