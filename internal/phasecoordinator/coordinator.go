package phasecoordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/apex-build/orchestrator/internal/events"
	"github.com/apex-build/orchestrator/internal/fanout"
	"github.com/apex-build/orchestrator/internal/heartbeat"
	"github.com/apex-build/orchestrator/internal/logging"
	"github.com/apex-build/orchestrator/internal/metrics"
	"github.com/apex-build/orchestrator/internal/modelrouter"
	"github.com/apex-build/orchestrator/internal/phaseconfig"
	"github.com/apex-build/orchestrator/internal/signalbus"
	"github.com/apex-build/orchestrator/pkg/models"
)

var errPauseRequested = errors.New("phasecoordinator: pause requested")
var errCancelled = errors.New("phasecoordinator: cancelled")

// Coordinator drives one phase of one run end to end: tasks dispatched
// through the Fan-Out/Fan-In Runner, backends picked through the Model
// Router, liveness tracked through the Heartbeat Monitor, and control
// signals honored at task boundaries through the Signal Bus.
type Coordinator struct {
	store     Store
	signals   *signalbus.Bus
	router    *modelrouter.Router
	bus       *events.Bus
	execute   AgentExecutor
	evaluate  GateEvaluator
	artifacts ArtifactSink
}

// New builds a Coordinator. evaluate/artifacts may be nil in tests that
// only exercise the dispatch/stall/signal machinery.
func New(store Store, signals *signalbus.Bus, router *modelrouter.Router, bus *events.Bus, execute AgentExecutor, evaluate GateEvaluator, artifacts ArtifactSink) *Coordinator {
	return &Coordinator{
		store:     store,
		signals:   signals,
		router:    router,
		bus:       bus,
		execute:   execute,
		evaluate:  evaluate,
		artifacts: artifacts,
	}
}

// taskState is the coordinator's live bookkeeping for one dispatched
// task, distinct from the persisted models.Task row.
type taskState struct {
	id         string
	agent      string
	retryCount int32
	cancel     context.CancelFunc
	mu         sync.Mutex
}

// RunPhase executes plan's procedure against runID per spec.md §4.G and
// returns its terminal outcome. It never panics on a dispatch failure —
// every failure is captured into the returned PhaseResult.
func (c *Coordinator) RunPhase(ctx context.Context, runID string, plan *phaseconfig.PhasePlan) (*PhaseResult, error) {
	phaseRun, err := c.store.CreatePhaseRun(ctx, models.PhaseRun{
		RunID:  runID,
		Phase:  plan.Phase,
		Hash:   plan.Hash,
		Status: models.PhaseRunPending,
	})
	if err != nil {
		return nil, fmt.Errorf("phasecoordinator: creating phase run: %w", err)
	}
	phaseRunID := phaseRun.ID

	if err := c.store.UpdatePhaseRunStatus(ctx, phaseRunID, models.PhaseRunPending, models.PhaseRunRunning); err != nil {
		return nil, fmt.Errorf("phasecoordinator: starting phase run: %w", err)
	}
	startedAt := time.Now()
	c.publish(ctx, "phase.started", runID, map[string]interface{}{
		"phase_run_id": phaseRunID,
		"started_at":   startedAt,
		"config_hash":  plan.Hash,
	})

	timeboxDur, err := phaseconfig.ParseTimebox(plan.Config.Timebox)
	if err != nil {
		return c.errorOut(ctx, phaseRunID, runID, 0, fatalErr(err.Error()))
	}
	runCtx, cancelTimebox := context.WithTimeout(ctx, timeboxDur)
	defer cancelTimebox()

	// --- Task setup: one Task row per declared agent, heartbeat tracking
	// and signal subscriptions registered before dispatch, per step 2.
	tasks := make(map[string]*taskState, len(plan.Config.Agents))
	agentTask := make(map[string]string, len(plan.Config.Agents))
	for _, agent := range plan.Config.Agents {
		row, err := c.store.CreateTask(ctx, models.Task{
			PhaseRunID: phaseRunID,
			Agent:      agent,
			Status:     models.TaskPending,
		})
		if err != nil {
			return c.errorOut(ctx, phaseRunID, runID, 0, fatalErr("creating task for agent "+agent+": "+err.Error()))
		}
		tasks[row.ID] = &taskState{id: row.ID, agent: agent}
		agentTask[agent] = row.ID
	}

	var abort atomic.Bool
	var paused atomic.Bool
	var tasksCompleted atomic.Int64
	totalTasks := len(plan.Config.Agents)

	var costMu sync.Mutex
	var totalCost float64
	addCost := func(delta float64) {
		costMu.Lock()
		totalCost += delta
		costMu.Unlock()
	}
	readCost := func() float64 {
		costMu.Lock()
		defer costMu.Unlock()
		return totalCost
	}

	monitor := heartbeat.New(heartbeat.Config{
		HeartbeatSeconds:         plan.Config.HeartbeatSeconds,
		StallThresholdHeartbeats: plan.Config.StallThresholdHeartbeats,
		Sink: func(ev heartbeat.StallEvent) {
			metrics.Get().RecordStall(plan.Config.Phase)
			c.publish(ctx, "phase.stalled", runID, map[string]interface{}{
				"phase_run_id": phaseRunID,
				"task_id":      ev.TaskID,
				"reason":       ev.Reason,
			})
			_ = c.store.UpdatePhaseRunStatus(ctx, phaseRunID, models.PhaseRunRunning, models.PhaseRunStalled)
		},
		Unsticker: func(ctx context.Context, ev heartbeat.StallEvent) {
			c.unstick(ctx, phaseRunID, runID, tasks[ev.TaskID], &abort)
		},
	})
	monitor.Start(runCtx)
	defer monitor.Stop()

	sigCh := make(chan models.Signal, 32)
	var unsubs []func()
	if c.signals != nil {
		unsubs = append(unsubs, c.signals.Subscribe(models.ScopePhase, phaseRunID, sigCh))
		for taskID := range tasks {
			unsubs = append(unsubs, c.signals.Subscribe(models.ScopeTask, taskID, sigCh))
		}
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()
	go c.drainSignals(runCtx, sigCh, tasks, &abort, &paused)

	for id := range tasks {
		monitor.Register(id)
	}

	exec := func(execCtx context.Context, agent string, input map[string]interface{}) (interface{}, error) {
		if abort.Load() {
			return nil, errCancelled
		}
		if paused.Load() {
			return nil, errPauseRequested
		}
		ts := tasks[agentTask[agent]]
		return c.runTask(execCtx, phaseRunID, runID, ts, plan, monitor, &tasksCompleted, totalTasks, addCost)
	}

	results, fanOutErr := fanout.FanOut(runCtx, plan.Config.Parallelism, plan.Config.Agents, nil, exec)

	if errors.Is(fanOutErr, errPauseRequested) {
		cp := models.Checkpoint{
			ID:         uuid.NewString(),
			RunID:      runID,
			Phase:      plan.Phase,
			Hash:       plan.Hash,
			PhaseRunID: phaseRunID,
			TaskIndex:  int(tasksCompleted.Load()),
		}
		if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
			logging.S().Warnw("phasecoordinator: checkpoint on pause failed", "phase_run_id", phaseRunID, "error", err)
		}
		return &PhaseResult{PhaseRunID: phaseRunID, Status: models.PhaseRunRunning, CostUSD: readCost()}, nil
	}

	if errors.Is(fanOutErr, errCancelled) {
		_ = c.store.UpdatePhaseRunStatus(ctx, phaseRunID, models.PhaseRunRunning, models.PhaseRunErrored)
		_ = c.store.UpdatePhaseRunStatus(ctx, phaseRunID, models.PhaseRunStalled, models.PhaseRunErrored)
		return &PhaseResult{PhaseRunID: phaseRunID, Status: models.PhaseRunErrored, CostUSD: readCost(), Err: errCancelled}, nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return c.errorOut(ctx, phaseRunID, runID, readCost(), timeboxErr("timebox exceeded for phase "+plan.Phase))
	}

	if fanOutErr != nil {
		return c.errorOut(ctx, phaseRunID, runID, readCost(), stalledErr(fanOutErr.Error()))
	}

	// --- Fan-in + artifact persistence + ready, per steps 7-8.
	aggregated, err := fanout.FanIn(fanInStrategy(plan.Config), results, nil)
	if err != nil {
		return c.errorOut(ctx, phaseRunID, runID, readCost(), fatalErr("fan_in: "+err.Error()))
	}

	if c.artifacts != nil {
		if err := c.artifacts(ctx, phaseRunID, aggregated); err != nil {
			return c.errorOut(ctx, phaseRunID, runID, readCost(), fatalErr("persisting artifacts: "+err.Error()))
		}
	}

	completedAt := time.Now()
	if err := c.store.CompletePhaseRun(ctx, phaseRunID, models.PhaseRunReady, completedAt); err != nil {
		return c.errorOut(ctx, phaseRunID, runID, readCost(), fatalErr("marking phase ready: "+err.Error()))
	}
	c.publish(ctx, "phase.ready", runID, map[string]interface{}{
		"phase_run_id": phaseRunID,
		"artifacts":    aggregated,
		"completed_at": completedAt,
	})

	result := &PhaseResult{PhaseRunID: phaseRunID, Status: models.PhaseRunReady, Artifacts: aggregated, CostUSD: readCost()}

	if c.evaluate == nil {
		return result, nil
	}
	gate, err := c.evaluate(ctx, phaseRunID, aggregated)
	if err != nil {
		return c.errorOut(ctx, phaseRunID, runID, readCost(), fatalErr("gate evaluation: "+err.Error()))
	}
	result.Gate = gate
	if gate.Passed {
		_ = c.store.CompletePhaseRun(ctx, phaseRunID, models.PhaseRunGatePassed, time.Now())
		result.Status = models.PhaseRunGatePassed
		c.publish(ctx, "phase.gate.passed", runID, map[string]interface{}{
			"phase_run_id":     phaseRunID,
			"evidence_pack_id": gate.EvidencePackID,
			"score":            gate.Score,
			"rubrics_met":      gate.RubricsMet,
		})
		return result, nil
	}
	_ = c.store.CompletePhaseRun(ctx, phaseRunID, models.PhaseRunGateFailed, time.Now())
	result.Status = models.PhaseRunGateFailed
	c.publish(ctx, "phase.gate.failed", runID, map[string]interface{}{
		"phase_run_id":     phaseRunID,
		"reasons":          gate.Reasons,
		"score":            gate.Score,
		"required_actions": gate.RequiredActions,
		"can_waive":        gate.CanWaive,
	})
	return result, nil
}

// runTask routes one task to a backend and executes it with the §7
// transient-error retry policy (exponential backoff 2^n seconds, n=0..3),
// reporting progress after each attempt that changes task state.
func (c *Coordinator) runTask(ctx context.Context, phaseRunID, runID string, ts *taskState, plan *phaseconfig.PhasePlan, monitor *heartbeat.Monitor, tasksCompleted *atomic.Int64, totalTasks int, addCost func(float64)) (interface{}, error) {
	_ = c.store.UpdateTaskStatus(ctx, ts.id, models.TaskRunning)

	taskCtx, cancel := context.WithCancel(ctx)
	ts.mu.Lock()
	ts.cancel = cancel
	ts.mu.Unlock()
	defer cancel()

	beat := func(pct float64, eta time.Time, metricsJSON string) {
		monitor.Record(ts.id, pct, eta, metricsJSON)
		metrics.Get().RecordHeartbeat(plan.Config.Phase)
	}

	maxTransientRetries := 4
	var lastErr error
	for attempt := 0; attempt <= maxTransientRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-taskCtx.Done():
				timer.Stop()
				lastErr = taskCtx.Err()
				goto giveUp
			}
		}

		decision, err := c.router.Route(taskCtx, modelrouter.Request{
			TaskAffinity:    ts.agent,
			EstimatedTokens: plan.Config.Budgets.Tokens,
			RequiresTools:   len(plan.Tools) > 0,
			PrivacyMode:     models.PrivacyPublic,
		})
		if err != nil {
			lastErr = err
			continue
		}

		result, execErr := c.execute(taskCtx, models.Task{ID: ts.id, PhaseRunID: phaseRunID, Agent: ts.agent}, decision.SelectedModel, beat)
		if execErr == nil {
			addCost(decision.EstimatedCost)
			_ = c.store.UpdateTaskStatus(ctx, ts.id, models.TaskSucceeded)
			monitor.TaskCompleted(ts.id)
			done := tasksCompleted.Add(1)
			c.publish(ctx, "phase.progress", runID, map[string]interface{}{
				"phase_run_id":    phaseRunID,
				"tasks_completed": done,
				"tasks_total":     totalTasks,
				"pct":             float64(done) / float64(totalTasks) * 100,
			})
			return result, nil
		}
		lastErr = execErr
		_ = c.router.Failover(taskCtx, *decision, execErr.Error())
	}

giveUp:
	_ = c.store.UpdateTaskStatus(ctx, ts.id, models.TaskFailed)
	monitor.TaskCompleted(ts.id)
	return nil, fmt.Errorf("task %s (%s) exhausted retries: %w", ts.id, ts.agent, lastErr)
}

// unstick is the Heartbeat Monitor's unsticker: it cancels the stalled
// task's in-flight attempt (best-effort mid-task cancellation, per §5)
// so runTask's retry loop picks up a fresh attempt. After
// maxUnstickerAttempts the phase is aborted and escalated to
// phase.error{retryable:false}, per spec.md §4.G step 6.
func (c *Coordinator) unstick(ctx context.Context, phaseRunID, runID string, ts *taskState, abort *atomic.Bool) {
	if ts == nil {
		return
	}
	attempt := atomic.AddInt32(&ts.retryCount, 1)
	ts.mu.Lock()
	cancel := ts.cancel
	ts.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if int(attempt) > maxUnstickerAttempts {
		abort.Store(true)
		_ = c.store.UpdateTaskStatus(ctx, ts.id, models.TaskFailed)
		c.publish(ctx, "phase.error", runID, map[string]interface{}{
			"phase_run_id": phaseRunID,
			"task_id":      ts.id,
			"error":        "stalled",
			"retryable":    false,
		})
		return
	}
	logging.S().Infow("phasecoordinator: unsticking stalled task", "task_id", ts.id, "attempt", attempt)
}

// drainSignals honors pause/cancel/retry at the next task boundary and
// acknowledges every signal it consumes, per spec.md §4.B's consumer
// contract.
func (c *Coordinator) drainSignals(ctx context.Context, ch <-chan models.Signal, tasks map[string]*taskState, abort, paused *atomic.Bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			switch sig.Type {
			case models.SignalCancel:
				abort.Store(true)
			case models.SignalPause:
				paused.Store(true)
			case models.SignalResume:
				paused.Store(false)
			case models.SignalRetry:
				c.applyRetrySignal(ctx, sig, tasks)
			}
			if c.signals != nil {
				_, _ = c.signals.Acknowledge(ctx, sig.ID)
			}
		}
	}
}

// applyRetrySignal honors a retry signal targeted at a task, per
// spec.md §4.B: reset the task to pending and bump its retry count,
// cancelling its in-flight attempt so runTask's loop picks up a fresh
// one immediately rather than waiting out its backoff; past the retry
// ceiling the task is transitioned to failed instead.
func (c *Coordinator) applyRetrySignal(ctx context.Context, sig models.Signal, tasks map[string]*taskState) {
	ts := tasks[sig.TargetID]
	if ts == nil {
		return
	}
	decision := signalbus.ApplyRetry(int(atomic.LoadInt32(&ts.retryCount)), signalbus.DefaultMaxRetries)
	atomic.StoreInt32(&ts.retryCount, int32(decision.RetryCount))
	if _, err := c.store.IncrementTaskRetry(ctx, ts.id); err != nil {
		logging.S().Warnw("phasecoordinator: incrementing retry count failed", "task_id", ts.id, "error", err)
	}

	if !decision.Retry {
		_ = c.store.UpdateTaskStatus(ctx, ts.id, models.TaskFailed)
		logging.S().Infow("phasecoordinator: retry ceiling exceeded, failing task", "task_id", ts.id, "retry_count", decision.RetryCount)
		return
	}

	_ = c.store.UpdateTaskStatus(ctx, ts.id, models.TaskPending)
	ts.mu.Lock()
	cancel := ts.cancel
	ts.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	logging.S().Infow("phasecoordinator: retrying task", "task_id", ts.id, "retry_count", decision.RetryCount)
}

func (c *Coordinator) errorOut(ctx context.Context, phaseRunID, runID string, costUSD float64, cause *Error) (*PhaseResult, error) {
	_ = c.store.UpdatePhaseRunStatus(ctx, phaseRunID, models.PhaseRunRunning, models.PhaseRunErrored)
	_ = c.store.UpdatePhaseRunStatus(ctx, phaseRunID, models.PhaseRunStalled, models.PhaseRunErrored)
	c.publish(ctx, "phase.error", runID, map[string]interface{}{
		"phase_run_id": phaseRunID,
		"error":        string(cause.Kind),
		"retryable":    cause.Retryable,
		"message":      cause.Message,
	})
	return &PhaseResult{PhaseRunID: phaseRunID, Status: models.PhaseRunErrored, CostUSD: costUSD, Err: cause}, nil
}

func (c *Coordinator) publish(ctx context.Context, eventType, runID string, payload map[string]interface{}) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, events.Event{EventType: eventType, WorkflowRunID: runID, Payload: payload}); err != nil {
		logging.S().Warnw("phasecoordinator: publish failed", "event_type", eventType, "error", err)
	}
}
