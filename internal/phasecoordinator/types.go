// Package phasecoordinator implements the Phase Coordinator (component
// G): the per-PhaseRun state machine that integrates the Phase Config
// Loader, Signal Bus, Heartbeat Monitor, Fan-Out/Fan-In Runner, and Model
// Router to drive one phase from pending to a terminal gate outcome. Its
// state transitions are conditional status writes through Store (each
// applies only from the expected prior status), with phase.* events
// published at the milestones; there is no transition table. The
// stall -> retry -> escalate loop is grounded on the teacher's
// guarantee.GuaranteeEngine.ExecuteWithGuarantee retry/backoff shape.
package phasecoordinator

import (
	"context"
	"time"

	"github.com/apex-build/orchestrator/internal/phaseconfig"
	"github.com/apex-build/orchestrator/pkg/models"
)

// Store abstracts the PhaseRun/Task/Checkpoint persistence the
// coordinator needs. The production implementation is component I's
// GORM-backed store; tests supply an in-memory fake.
type Store interface {
	CreatePhaseRun(ctx context.Context, pr models.PhaseRun) (*models.PhaseRun, error)
	// UpdatePhaseRunStatus performs a row-level conditional write: it only
	// applies if the row's current status equals from, surfacing a
	// conflict otherwise (SPEC_FULL.md §5).
	UpdatePhaseRunStatus(ctx context.Context, phaseRunID string, from, to models.PhaseRunStatus) error
	CompletePhaseRun(ctx context.Context, phaseRunID string, to models.PhaseRunStatus, completedAt time.Time) error

	CreateTask(ctx context.Context, t models.Task) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error
	IncrementTaskRetry(ctx context.Context, taskID string) (int, error)

	SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error
}

// HeartbeatSink is handed to the executor so it can report liveness and
// progress at least every heartbeat_seconds, per spec.md §4.G step 3.
type HeartbeatSink func(pct float64, eta time.Time, metrics string)

// AgentExecutor performs one task's unit of work against the chosen
// backend model, invoking beat periodically. Its result is an arbitrary
// JSON-compatible value consumed by the phase's fan-in strategy.
type AgentExecutor func(ctx context.Context, task models.Task, modelID string, beat HeartbeatSink) (interface{}, error)

// GateEvaluator is the external gate dispatch spec.md §4.G step 8 calls
// after a phase's artifacts are ready.
type GateEvaluator func(ctx context.Context, phaseRunID string, artifacts interface{}) (*GateResult, error)

// GateResult is the external gate evaluator's verdict.
type GateResult struct {
	Passed          bool
	EvidencePackID  string
	Score           float64
	RubricsMet      []string
	Reasons         []string
	RequiredActions []string
	CanWaive        bool
}

// ArtifactSink persists a phase's fan-in result as its artifacts, outside
// the coordinator's own scope (spec.md §4.G step 7: "persist artifacts
// (external)").
type ArtifactSink func(ctx context.Context, phaseRunID string, artifacts interface{}) error

// ProgressSnapshot names the aggregate metric fields of a `phase.progress`
// event. RunPhase does not build one: its phase.progress payload is a map
// of phase_run_id, tasks_completed, tasks_total and pct, and carries no
// tokens, tool minutes or eta.
type ProgressSnapshot struct {
	TasksCompleted int     `json:"tasks_completed"`
	TasksTotal     int     `json:"tasks_total"`
	TokensUsed     int64   `json:"tokens_used"`
	ToolsMinutes   float64 `json:"tools_minutes_used"`
	Pct            float64 `json:"pct"`
}

// PhaseResult is what RunPhase returns on every terminal outcome.
type PhaseResult struct {
	PhaseRunID string
	Status     models.PhaseRunStatus
	Artifacts  interface{}
	Gate       *GateResult
	CostUSD    float64
	Err        error
}

// maxUnstickerAttempts bounds the stall retry loop, per spec.md §4.G
// step 6 and §7's transient-error policy.
const maxUnstickerAttempts = 3

// fanInStrategy picks the component F aggregation strategy for a phase,
// defaulting to consensus voting when the descriptor configures a fusion
// threshold, else a structural merge.
func fanInStrategy(cfg phaseconfig.PhaseConfig) string {
	if cfg.FanInStrategy != "" {
		return cfg.FanInStrategy
	}
	if cfg.Refinery.FusionMinConsensus > 0 {
		return "vote"
	}
	return "merge"
}
