package phasecoordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apex-build/orchestrator/internal/events"
	"github.com/apex-build/orchestrator/internal/modelrouter"
	"github.com/apex-build/orchestrator/internal/phaseconfig"
	"github.com/apex-build/orchestrator/internal/signalbus"
	"github.com/apex-build/orchestrator/pkg/models"
)

// --- fakes ---

type fakeStore struct {
	mu          sync.Mutex
	phaseRuns   map[string]*models.PhaseRun
	tasks       map[string]*models.Task
	checkpoints []models.Checkpoint
}

func newFakeStore() *fakeStore {
	return &fakeStore{phaseRuns: map[string]*models.PhaseRun{}, tasks: map[string]*models.Task{}}
}

func (s *fakeStore) CreatePhaseRun(_ context.Context, pr models.PhaseRun) (*models.PhaseRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr.ID = uuid.NewString()
	s.phaseRuns[pr.ID] = &pr
	cp := pr
	return &cp, nil
}

func (s *fakeStore) UpdatePhaseRunStatus(_ context.Context, id string, from, to models.PhaseRunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.phaseRuns[id]
	if !ok || pr.Status != from {
		return nil
	}
	pr.Status = to
	return nil
}

func (s *fakeStore) CompletePhaseRun(_ context.Context, id string, to models.PhaseRunStatus, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.phaseRuns[id]
	if !ok {
		return nil
	}
	pr.Status = to
	pr.CompletedAt = &completedAt
	return nil
}

func (s *fakeStore) CreateTask(_ context.Context, t models.Task) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = uuid.NewString()
	s.tasks[t.ID] = &t
	cp := t
	return &cp, nil
}

func (s *fakeStore) UpdateTaskStatus(_ context.Context, id string, status models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Status = status
	}
	return nil
}

func (s *fakeStore) IncrementTaskRetry(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, nil
	}
	t.RetryCount++
	return t.RetryCount, nil
}

func (s *fakeStore) SaveCheckpoint(_ context.Context, cp models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = append(s.checkpoints, cp)
	return nil
}

func (s *fakeStore) phaseStatus(id string) models.PhaseRunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phaseRuns[id].Status
}

type fakeCatalog struct{}

func (fakeCatalog) ListModels(context.Context) ([]models.ModelCapabilities, error) {
	return []models.ModelCapabilities{{
		ModelID:       "model-1",
		MaxTokens:     100000,
		SupportsTools: true,
		Skills:        []string{"general"},
	}}, nil
}

func (fakeCatalog) Health(context.Context, string) (*models.ModelHealth, error) {
	return &models.ModelHealth{Healthy: true, Availability: 0.99}, nil
}

func (fakeCatalog) SetHealthy(context.Context, string, bool) error { return nil }
func (fakeCatalog) UpdateTelemetry(context.Context, string, float64, float64, float64) error {
	return nil
}

func testPlan(t *testing.T, parallelism string, agents []string) *phaseconfig.PhasePlan {
	t.Helper()
	return &phaseconfig.PhasePlan{
		Phase: "INTAKE",
		Hash:  "deadbeef",
		Config: phaseconfig.PhaseConfig{
			Phase:                    "INTAKE",
			Parallelism:              parallelism,
			Agents:                   agents,
			Budgets:                  phaseconfig.Budgets{Tokens: 1000, ToolsMinutes: 10},
			HeartbeatSeconds:         1,
			StallThresholdHeartbeats: 5,
			Timebox:                  "PT1H",
		},
	}
}

func newTestCoordinator(execute AgentExecutor, evaluate GateEvaluator) (*Coordinator, *fakeStore) {
	store := newFakeStore()
	signals := signalbus.New(newSignalFakeStore())
	router := modelrouter.New(fakeCatalog{}, nil, nil)
	bus := events.New(nil)
	return New(store, signals, router, bus, execute, evaluate, nil), store
}

// minimal signalbus.Store fake, independent of signalbus's own test fake.
type signalFakeStore struct {
	mu      sync.Mutex
	signals map[string]*models.Signal
}

func newSignalFakeStore() *signalFakeStore {
	return &signalFakeStore{signals: map[string]*models.Signal{}}
}

func (s *signalFakeStore) Create(_ context.Context, sig *models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sig
	s.signals[sig.ID] = &cp
	return nil
}

func (s *signalFakeStore) Acknowledge(_ context.Context, id string, at time.Time) (*models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return nil, nil
	}
	if sig.Status != models.SignalAcknowledged {
		sig.Status = models.SignalAcknowledged
		sig.AcknowledgedAt = &at
	}
	out := *sig
	return &out, nil
}

func (s *signalFakeStore) PendingFor(_ context.Context, scope models.SignalScope, id string) ([]models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Signal
	for _, sig := range s.signals {
		if sig.TargetScope == scope && sig.TargetID == id && sig.Status == models.SignalPending {
			out = append(out, *sig)
		}
	}
	return out, nil
}

func (s *signalFakeStore) HasPending(_ context.Context, scope models.SignalScope, id string, typ models.SignalType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range s.signals {
		if sig.TargetScope == scope && sig.TargetID == id && sig.Type == typ && sig.Status == models.SignalPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *signalFakeStore) Get(_ context.Context, id string) (*models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return nil, nil
	}
	out := *sig
	return &out, nil
}

func (s *signalFakeStore) PurgeOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }

// --- tests ---

func TestRunPhase_HappyPathWithoutGate(t *testing.T) {
	execute := func(_ context.Context, task models.Task, modelID string, beat HeartbeatSink) (interface{}, error) {
		beat(100, time.Now(), "")
		return map[string]interface{}{"agent": task.Agent, "model": modelID}, nil
	}
	coord, store := newTestCoordinator(execute, nil)

	result, err := coord.RunPhase(context.Background(), "run-1", testPlan(t, "sequential", []string{"A", "B"}))
	require.NoError(t, err)
	require.Equal(t, models.PhaseRunReady, result.Status)
	require.Equal(t, models.PhaseRunReady, store.phaseStatus(result.PhaseRunID))

	merged := result.Artifacts.(map[string]interface{})
	require.Equal(t, "model-1", merged["model"])
}

func TestRunPhase_GatePassed(t *testing.T) {
	execute := func(_ context.Context, task models.Task, modelID string, beat HeartbeatSink) (interface{}, error) {
		return map[string]interface{}{"agent": task.Agent}, nil
	}
	evaluate := func(context.Context, string, interface{}) (*GateResult, error) {
		return &GateResult{Passed: true, Score: 0.9}, nil
	}
	coord, store := newTestCoordinator(execute, evaluate)

	result, err := coord.RunPhase(context.Background(), "run-1", testPlan(t, "sequential", []string{"A"}))
	require.NoError(t, err)
	require.Equal(t, models.PhaseRunGatePassed, result.Status)
	require.Equal(t, models.PhaseRunGatePassed, store.phaseStatus(result.PhaseRunID))
}

func TestRunPhase_GateFailed(t *testing.T) {
	execute := func(_ context.Context, task models.Task, modelID string, beat HeartbeatSink) (interface{}, error) {
		return map[string]interface{}{"agent": task.Agent}, nil
	}
	evaluate := func(context.Context, string, interface{}) (*GateResult, error) {
		return &GateResult{Passed: false, Reasons: []string{"coverage too low"}}, nil
	}
	coord, _ := newTestCoordinator(execute, evaluate)

	result, err := coord.RunPhase(context.Background(), "run-1", testPlan(t, "sequential", []string{"A"}))
	require.NoError(t, err)
	require.Equal(t, models.PhaseRunGateFailed, result.Status)
	require.False(t, result.Gate.Passed)
}

func TestRunPhase_ExecutorErrorExhaustsRetriesAndErrors(t *testing.T) {
	execute := func(_ context.Context, task models.Task, modelID string, beat HeartbeatSink) (interface{}, error) {
		return nil, errAlways
	}
	coord, store := newTestCoordinator(execute, nil)

	result, err := coord.RunPhase(context.Background(), "run-1", testPlan(t, "sequential", []string{"A"}))
	require.NoError(t, err)
	require.Equal(t, models.PhaseRunErrored, result.Status)
	require.Equal(t, models.PhaseRunErrored, store.phaseStatus(result.PhaseRunID))
}

var errAlways = &testExecError{}

type testExecError struct{}

func (*testExecError) Error() string { return "executor always fails" }

func TestApplyRetrySignal_RetriesUnderCeiling(t *testing.T) {
	coord, store := newTestCoordinator(nil, nil)
	task, err := store.CreateTask(context.Background(), models.Task{PhaseRunID: "pr-1", Agent: "A", Status: models.TaskRunning})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ts := &taskState{id: task.ID, agent: "A", cancel: cancel}
	tasks := map[string]*taskState{task.ID: ts}

	coord.applyRetrySignal(context.Background(), models.Signal{TargetID: task.ID}, tasks)

	require.Equal(t, models.TaskPending, store.tasks[task.ID].Status)
	require.Equal(t, 1, store.tasks[task.ID].RetryCount)
	require.Equal(t, int32(1), ts.retryCount)
	require.Error(t, ctx.Err(), "the in-flight attempt's context should be cancelled")
}

func TestApplyRetrySignal_FailsPastCeiling(t *testing.T) {
	coord, store := newTestCoordinator(nil, nil)
	task, err := store.CreateTask(context.Background(), models.Task{PhaseRunID: "pr-1", Agent: "A", Status: models.TaskRunning})
	require.NoError(t, err)

	ts := &taskState{id: task.ID, agent: "A", retryCount: int32(signalbus.DefaultMaxRetries)}
	tasks := map[string]*taskState{task.ID: ts}

	coord.applyRetrySignal(context.Background(), models.Signal{TargetID: task.ID}, tasks)

	require.Equal(t, models.TaskFailed, store.tasks[task.ID].Status)
}

func TestRunPhase_FanInConcatForArrayResults(t *testing.T) {
	execute := func(_ context.Context, task models.Task, modelID string, beat HeartbeatSink) (interface{}, error) {
		return []interface{}{task.Agent}, nil
	}
	coord, _ := newTestCoordinator(execute, nil)
	plan := testPlan(t, "sequential", []string{"A", "B"})
	plan.Config.FanInStrategy = "concat"

	result, err := coord.RunPhase(context.Background(), "run-1", plan)
	require.NoError(t, err)
	require.Equal(t, []interface{}{"A", "B"}, result.Artifacts)
}
