// Package mothership implements the Mothership Orchestrator (component
// H): the per-Run state machine that drives an ordered phase list
// through the Phase Coordinator, checkpointing at every phase boundary,
// resuming from the latest checkpoint, and enforcing the run's overall
// budget. Checkpoint/resume and budget pre-authorize/deduct are
// generalized from the teacher's budget.BudgetEnforcer/spend.SpendTracker
// pre-authorize-then-record pattern (internal/budget/enforcer.go,
// internal/spend/tracker.go), moved from per-user daily/monthly USD caps
// to a single per-run MaxBudgetUSD ceiling.
package mothership

import (
	"context"

	"github.com/apex-build/orchestrator/internal/phaseconfig"
	"github.com/apex-build/orchestrator/internal/phasecoordinator"
	"github.com/apex-build/orchestrator/pkg/models"
)

// Store abstracts the Run/Checkpoint persistence the orchestrator needs.
// The production implementation is component I's GORM-backed store;
// tests supply an in-memory fake.
type Store interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	// UpdateRunStatus performs a row-level conditional write: it only
	// applies if the row's current status equals from.
	UpdateRunStatus(ctx context.Context, runID string, from, to models.RunStatus) error
	SetCurrentPhase(ctx context.Context, runID, phase string, seq int) error
	AddCost(ctx context.Context, runID string, delta float64) (cumulative float64, err error)

	LatestCheckpoint(ctx context.Context, runID string) (*models.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error
}

// PhaseRunner executes one phase to a terminal outcome. The production
// implementation is (*phasecoordinator.Coordinator).RunPhase.
type PhaseRunner func(ctx context.Context, runID string, plan *phaseconfig.PhasePlan) (*phasecoordinator.PhaseResult, error)

// RunResult is what RunWorkflow returns on every terminal or suspended
// outcome.
type RunResult struct {
	RunID         string
	Status        models.RunStatus
	CompletePhase string // last phase whose PhaseResult reached a ready/gate_passed terminal status
	CumulativeUSD float64
	Err           error
}
