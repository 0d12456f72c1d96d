package mothership

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/apex-build/orchestrator/internal/cache"
	"github.com/apex-build/orchestrator/internal/events"
	"github.com/apex-build/orchestrator/internal/logging"
	"github.com/apex-build/orchestrator/internal/metrics"
	"github.com/apex-build/orchestrator/internal/phaseconfig"
	"github.com/apex-build/orchestrator/internal/signalbus"
	"github.com/apex-build/orchestrator/pkg/models"
)

// Orchestrator is the Mothership Orchestrator: it drives a Run's ordered
// phase list through a PhaseRunner, checkpointing at every phase
// boundary and pausing the run when its budget is exhausted.
type Orchestrator struct {
	store       Store
	signals     *signalbus.Bus
	bus         *events.Bus
	runPhase    PhaseRunner
	statusCache *cache.RunStatusCache
}

// New builds an Orchestrator.
func New(store Store, signals *signalbus.Bus, bus *events.Bus, runPhase PhaseRunner) *Orchestrator {
	return &Orchestrator{store: store, signals: signals, bus: bus, runPhase: runPhase}
}

// WithStatusCache attaches component N's RunStatusCache, mirroring every
// status transition so hot polling paths skip the database. Passing nil
// disables mirroring (the zero value already does).
func (o *Orchestrator) WithStatusCache(statusCache *cache.RunStatusCache) *Orchestrator {
	o.statusCache = statusCache
	return o
}

func (o *Orchestrator) mirrorStatus(ctx context.Context, runID string, status models.RunStatus, phase string, cumulative float64) {
	if o.statusCache == nil {
		return
	}
	snap := &cache.RunStatusSnapshot{RunID: runID, Status: status, CurrentPhase: phase, CumulativeCostUSD: cumulative}
	if err := o.statusCache.Set(ctx, snap); err != nil {
		logging.S().Warnw("mothership: mirroring run status to cache failed", "run_id", runID, "error", err)
	}
}

// RunWorkflow drives runID through plans in order, per spec.md §4.H: on
// each phase boundary it persists a checkpoint, and on resume it loads
// the latest checkpoint and restarts from the next phase after
// last_complete_phase. Budget accounting subtracts each phase's reported
// cost from the run's configured maximum; a breach raises
// budget.exceeded and issues a pause signal through the Signal Bus
// rather than failing the run outright.
func (o *Orchestrator) RunWorkflow(ctx context.Context, runID string, plans []*phaseconfig.PhasePlan) (*RunResult, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mothership: loading run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("mothership: run %s not found", runID)
	}

	startIdx, resuming, err := o.resumeIndex(ctx, runID, plans)
	if err != nil {
		return nil, err
	}

	fromStatus := models.RunCreated
	eventType := "workflow.created"
	if resuming {
		fromStatus = models.RunPaused
		eventType = "workflow.resumed"
	}
	if err := o.store.UpdateRunStatus(ctx, runID, fromStatus, models.RunRunning); err != nil {
		logging.S().Warnw("mothership: run status transition did not apply", "run_id", runID, "from", fromStatus, "error", err)
	}
	o.publish(ctx, eventType, runID, nil)

	lastComplete := ""
	if startIdx > 0 {
		lastComplete = plans[startIdx-1].Phase
	}

	for i := startIdx; i < len(plans); i++ {
		plan := plans[i]

		if cancelled, paused := o.checkRunSignals(ctx, runID); cancelled {
			_ = o.store.UpdateRunStatus(ctx, runID, models.RunRunning, models.RunFailed)
			o.invalidateStatus(ctx, runID)
			o.publish(ctx, "workflow.failed", runID, map[string]interface{}{"phase": plan.Phase, "error": "cancelled"})
			metrics.RecordRunFinalization("failed", "cancel_signal")
			return &RunResult{RunID: runID, Status: models.RunFailed, CompletePhase: lastComplete, CumulativeUSD: run.CumulativeCostUSD}, nil
		} else if paused {
			_ = o.store.UpdateRunStatus(ctx, runID, models.RunRunning, models.RunPaused)
			o.mirrorStatus(ctx, runID, models.RunPaused, lastComplete, run.CumulativeCostUSD)
			o.publish(ctx, "workflow.paused", runID, map[string]interface{}{"phase": plan.Phase, "reason": "signal"})
			metrics.RecordRunFinalization("paused", "pause_signal")
			return &RunResult{RunID: runID, Status: models.RunPaused, CompletePhase: lastComplete, CumulativeUSD: run.CumulativeCostUSD}, nil
		}

		if breached, result := o.enforceBudget(ctx, run, runID, lastComplete); breached {
			return result, nil
		}

		if err := o.store.SetCurrentPhase(ctx, runID, plan.Phase, i); err != nil {
			return nil, fmt.Errorf("mothership: setting current phase: %w", err)
		}
		o.mirrorStatus(ctx, runID, models.RunRunning, plan.Phase, run.CumulativeCostUSD)

		phaseResult, err := o.runPhase(ctx, runID, plan)
		if err != nil {
			return nil, fmt.Errorf("mothership: running phase %s: %w", plan.Phase, err)
		}

		cumulative, costErr := o.store.AddCost(ctx, runID, phaseResult.CostUSD)
		if costErr != nil {
			logging.S().Warnw("mothership: recording phase cost failed", "run_id", runID, "phase", plan.Phase, "error", costErr)
		}
		run.CumulativeCostUSD = cumulative

		switch phaseResult.Status {
		case models.PhaseRunReady, models.PhaseRunGatePassed:
			lastComplete = plan.Phase
			if err := o.checkpoint(ctx, runID, plan, lastComplete, cumulative); err != nil {
				logging.S().Warnw("mothership: checkpoint at phase boundary failed", "run_id", runID, "phase", plan.Phase, "error", err)
			}
			continue

		case models.PhaseRunRunning:
			// Phase Coordinator paused mid-dispatch (a pause signal arrived
			// at a task boundary) and already wrote its own task-level
			// checkpoint; the run itself is paused here.
			_ = o.store.UpdateRunStatus(ctx, runID, models.RunRunning, models.RunPaused)
			o.mirrorStatus(ctx, runID, models.RunPaused, lastComplete, cumulative)
			o.publish(ctx, "workflow.paused", runID, map[string]interface{}{"phase": plan.Phase})
			metrics.RecordRunFinalization("paused", "mid_phase_signal")
			return &RunResult{RunID: runID, Status: models.RunPaused, CompletePhase: lastComplete, CumulativeUSD: cumulative}, nil

		case models.PhaseRunGateFailed, models.PhaseRunErrored:
			_ = o.store.UpdateRunStatus(ctx, runID, models.RunRunning, models.RunFailed)
			o.invalidateStatus(ctx, runID)
			o.publish(ctx, "workflow.failed", runID, map[string]interface{}{
				"phase": plan.Phase,
				"error": errString(phaseResult.Err),
			})
			metrics.RecordRunFinalization("failed", string(phaseResult.Status))
			return &RunResult{RunID: runID, Status: models.RunFailed, CompletePhase: lastComplete, CumulativeUSD: cumulative, Err: phaseResult.Err}, nil

		default:
			return nil, fmt.Errorf("mothership: phase %s returned unexpected status %q", plan.Phase, phaseResult.Status)
		}
	}

	_ = o.store.UpdateRunStatus(ctx, runID, models.RunRunning, models.RunCompleted)
	o.invalidateStatus(ctx, runID)
	o.publish(ctx, "workflow.completed", runID, map[string]interface{}{"last_phase": lastComplete})
	metrics.RecordRunFinalization("completed", "all_phases_passed")
	return &RunResult{RunID: runID, Status: models.RunCompleted, CompletePhase: lastComplete, CumulativeUSD: run.CumulativeCostUSD}, nil
}

// checkRunSignals consumes any pause/resume/cancel signals pending at
// Run scope before the next phase starts, per spec.md §4.B's run-scope
// consumer policy and §5's phase-boundary suspension point — the only
// point besides the Phase Coordinator's own task boundaries where a
// Run-scoped signal is guaranteed to be observed. Signals are handled
// oldest first, so when a batch holds both a pause and a resume, the
// later of the two decides whether the run pauses.
func (o *Orchestrator) checkRunSignals(ctx context.Context, runID string) (cancelled, paused bool) {
	if o.signals == nil {
		return false, false
	}
	pending, err := o.signals.PendingFor(ctx, models.ScopeRun, runID)
	if err != nil {
		logging.S().Warnw("mothership: checking pending run signals failed", "run_id", runID, "error", err)
		return false, false
	}
	for _, sig := range pending {
		switch sig.Type {
		case models.SignalCancel:
			cancelled = true
		case models.SignalPause:
			paused = true
		case models.SignalResume:
			paused = false
		}
		if _, err := o.signals.Acknowledge(ctx, sig.ID); err != nil {
			logging.S().Warnw("mothership: acknowledging run signal failed", "run_id", runID, "signal_id", sig.ID, "error", err)
		}
	}
	return cancelled, paused
}

func (o *Orchestrator) invalidateStatus(ctx context.Context, runID string) {
	if o.statusCache == nil {
		return
	}
	if err := o.statusCache.Invalidate(ctx, runID); err != nil {
		logging.S().Warnw("mothership: invalidating run status cache failed", "run_id", runID, "error", err)
	}
}

// resumeIndex loads the latest run-scoped checkpoint (if any) and returns
// the index into plans to start from: the phase immediately after
// last_complete_phase. If no checkpoint exists the run starts fresh at
// index 0. A phase that was in progress when the run paused is re-run
// from its first task: the Phase Coordinator's task-boundary checkpoints
// are not read on resume.
func (o *Orchestrator) resumeIndex(ctx context.Context, runID string, plans []*phaseconfig.PhasePlan) (int, bool, error) {
	cp, err := o.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return 0, false, fmt.Errorf("mothership: loading latest checkpoint: %w", err)
	}
	if cp == nil {
		return 0, false, nil
	}
	if cp.LastCompletePhase == "" {
		return 0, true, nil
	}
	for i, plan := range plans {
		if plan.Phase == cp.LastCompletePhase {
			return i + 1, true, nil
		}
	}
	return 0, true, nil
}

// checkpoint persists {run_id, phase, last_complete_phase,
// cumulative_cost, hash} at a phase boundary, per spec.md §4.H.
func (o *Orchestrator) checkpoint(ctx context.Context, runID string, plan *phaseconfig.PhasePlan, lastComplete string, cumulative float64) error {
	return o.store.SaveCheckpoint(ctx, models.Checkpoint{
		ID:                uuid.NewString(),
		RunID:             runID,
		Phase:             plan.Phase,
		LastCompletePhase: lastComplete,
		CumulativeCostUSD: cumulative,
		Hash:              plan.Hash,
	})
}

// enforceBudget checks the run's configured maximum against cumulative
// spend before a phase starts. A breach raises budget.exceeded, issues a
// pause signal through the Signal Bus (spec.md §4.H), and reports the
// run as paused rather than failed.
func (o *Orchestrator) enforceBudget(ctx context.Context, run *models.Run, runID, lastComplete string) (bool, *RunResult) {
	if run.MaxBudgetUSD <= 0 || run.CumulativeCostUSD < run.MaxBudgetUSD {
		return false, nil
	}

	o.publish(ctx, "budget.limit.reached", runID, map[string]interface{}{
		"cumulative_cost_usd": run.CumulativeCostUSD,
		"max_budget_usd":      run.MaxBudgetUSD,
	})
	if o.signals != nil {
		if _, err := o.signals.Send(ctx, models.SignalPause, models.SignalTarget{Scope: models.ScopeRun, ID: runID}, "budget_exceeded", "mothership"); err != nil {
			logging.S().Warnw("mothership: issuing pause signal on budget breach failed", "run_id", runID, "error", err)
		}
	}
	_ = o.store.UpdateRunStatus(ctx, runID, models.RunRunning, models.RunPaused)
	o.mirrorStatus(ctx, runID, models.RunPaused, lastComplete, run.CumulativeCostUSD)
	o.publish(ctx, "workflow.paused", runID, map[string]interface{}{"reason": "budget_exceeded"})
	metrics.RecordRunFinalization("paused", "budget_exceeded")
	return true, &RunResult{RunID: runID, Status: models.RunPaused, CompletePhase: lastComplete, CumulativeUSD: run.CumulativeCostUSD, Err: errBudgetExceeded}
}

var errBudgetExceeded = errors.New("mothership: budget_exceeded")

func (o *Orchestrator) publish(ctx context.Context, eventType, runID string, payload map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, events.Event{EventType: eventType, WorkflowRunID: runID, Payload: payload}); err != nil {
		logging.S().Warnw("mothership: publish failed", "event_type", eventType, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
