package mothership

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apex-build/orchestrator/internal/events"
	"github.com/apex-build/orchestrator/internal/phaseconfig"
	"github.com/apex-build/orchestrator/internal/phasecoordinator"
	"github.com/apex-build/orchestrator/internal/signalbus"
	"github.com/apex-build/orchestrator/pkg/models"
)

type fakeStore struct {
	mu          sync.Mutex
	run         *models.Run
	checkpoints []models.Checkpoint
}

func newFakeStore(run models.Run) *fakeStore {
	cp := run
	return &fakeStore{run: &cp}
}

func (s *fakeStore) GetRun(_ context.Context, _ string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.run
	return &cp, nil
}

func (s *fakeStore) UpdateRunStatus(_ context.Context, _ string, from, to models.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run.Status != from {
		return nil
	}
	s.run.Status = to
	return nil
}

func (s *fakeStore) SetCurrentPhase(_ context.Context, _ string, phase string, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.CurrentPhase = phase
	s.run.PhaseSeq = seq
	return nil
}

func (s *fakeStore) AddCost(_ context.Context, _ string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.CumulativeCostUSD += delta
	return s.run.CumulativeCostUSD, nil
}

func (s *fakeStore) LatestCheckpoint(_ context.Context, runID string) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Checkpoint
	for i := range s.checkpoints {
		if s.checkpoints[i].RunID == runID {
			cp := s.checkpoints[i]
			latest = &cp
		}
	}
	return latest, nil
}

func (s *fakeStore) SaveCheckpoint(_ context.Context, cp models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = append(s.checkpoints, cp)
	return nil
}

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
	sig.Status = models.SignalAcknowledged
	sig.AcknowledgedAt = &at
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

func testPlans(phases ...string) []*phaseconfig.PhasePlan {
	plans := make([]*phaseconfig.PhasePlan, len(phases))
	for i, p := range phases {
		plans[i] = &phaseconfig.PhasePlan{Phase: p, Hash: "hash-" + p}
	}
	return plans
}

func TestRunWorkflow_DrivesAllPhasesToCompletion(t *testing.T) {
	store := newFakeStore(models.Run{ID: "run-1", Status: models.RunCreated, MaxBudgetUSD: 0})
	signals := signalbus.New(newSignalFakeStore())
	bus := events.New(nil)

	var seen []string
	runPhase := func(_ context.Context, runID string, plan *phaseconfig.PhasePlan) (*phasecoordinator.PhaseResult, error) {
		seen = append(seen, plan.Phase)
		return &phasecoordinator.PhaseResult{PhaseRunID: uuid.NewString(), Status: models.PhaseRunReady, CostUSD: 1.0}, nil
	}

	orch := New(store, signals, bus, runPhase)
	result, err := orch.RunWorkflow(context.Background(), "run-1", testPlans("INTAKE", "BUILD", "VERIFY"))
	require.NoError(t, err)
	require.Equal(t, models.RunCompleted, result.Status)
	require.Equal(t, "VERIFY", result.CompletePhase)
	require.Equal(t, []string{"INTAKE", "BUILD", "VERIFY"}, seen)
	require.Equal(t, 3.0, result.CumulativeUSD)
	require.Len(t, store.checkpoints, 3)
}

func TestRunWorkflow_ResumesFromLastCheckpoint(t *testing.T) {
	store := newFakeStore(models.Run{ID: "run-1", Status: models.RunPaused})
	store.checkpoints = append(store.checkpoints, models.Checkpoint{RunID: "run-1", LastCompletePhase: "INTAKE"})
	signals := signalbus.New(newSignalFakeStore())
	bus := events.New(nil)

	var seen []string
	runPhase := func(_ context.Context, runID string, plan *phaseconfig.PhasePlan) (*phasecoordinator.PhaseResult, error) {
		seen = append(seen, plan.Phase)
		return &phasecoordinator.PhaseResult{Status: models.PhaseRunReady}, nil
	}

	orch := New(store, signals, bus, runPhase)
	result, err := orch.RunWorkflow(context.Background(), "run-1", testPlans("INTAKE", "BUILD", "VERIFY"))
	require.NoError(t, err)
	require.Equal(t, models.RunCompleted, result.Status)
	require.Equal(t, []string{"BUILD", "VERIFY"}, seen)
}

func TestRunWorkflow_BudgetBreachPausesBeforePhaseAndSendsSignal(t *testing.T) {
	store := newFakeStore(models.Run{ID: "run-1", Status: models.RunCreated, MaxBudgetUSD: 1.0})
	sigStore := newSignalFakeStore()
	signals := signalbus.New(sigStore)
	bus := events.New(nil)

	called := false
	runPhase := func(_ context.Context, runID string, plan *phaseconfig.PhasePlan) (*phasecoordinator.PhaseResult, error) {
		called = true
		return &phasecoordinator.PhaseResult{Status: models.PhaseRunReady, CostUSD: 2.0}, nil
	}

	store.run.CumulativeCostUSD = 1.5 // already over budget before the run starts

	orch := New(store, signals, bus, runPhase)
	result, err := orch.RunWorkflow(context.Background(), "run-1", testPlans("INTAKE"))
	require.NoError(t, err)
	require.False(t, called)
	require.Equal(t, models.RunPaused, result.Status)
	require.Error(t, result.Err)

	sigStore.mu.Lock()
	defer sigStore.mu.Unlock()
	require.Len(t, sigStore.signals, 1)
	for _, sig := range sigStore.signals {
		require.Equal(t, models.SignalPause, sig.Type)
		require.Equal(t, models.ScopeRun, sig.TargetScope)
	}
}

func TestRunWorkflow_ExternalCancelSignalFailsRunAtPhaseBoundary(t *testing.T) {
	store := newFakeStore(models.Run{ID: "run-1", Status: models.RunCreated})
	signals := signalbus.New(newSignalFakeStore())
	bus := events.New(nil)

	var seen []string
	runPhase := func(_ context.Context, runID string, plan *phaseconfig.PhasePlan) (*phasecoordinator.PhaseResult, error) {
		seen = append(seen, plan.Phase)
		if plan.Phase == "INTAKE" {
			_, err := signals.Send(context.Background(), models.SignalCancel, models.SignalTarget{Scope: models.ScopeRun, ID: "run-1"}, "operator_abort", "test")
			require.NoError(t, err)
		}
		return &phasecoordinator.PhaseResult{PhaseRunID: uuid.NewString(), Status: models.PhaseRunReady, CostUSD: 1.0}, nil
	}

	orch := New(store, signals, bus, runPhase)
	result, err := orch.RunWorkflow(context.Background(), "run-1", testPlans("INTAKE", "BUILD", "VERIFY"))
	require.NoError(t, err)
	require.Equal(t, models.RunFailed, result.Status)
	require.Equal(t, []string{"INTAKE"}, seen, "BUILD must not run once the cancel signal lands at the next phase boundary")
}

func TestRunWorkflow_PhaseErrorFailsRun(t *testing.T) {
	store := newFakeStore(models.Run{ID: "run-1", Status: models.RunCreated})
	signals := signalbus.New(newSignalFakeStore())
	bus := events.New(nil)

	runPhase := func(_ context.Context, runID string, plan *phaseconfig.PhasePlan) (*phasecoordinator.PhaseResult, error) {
		return &phasecoordinator.PhaseResult{Status: models.PhaseRunErrored, Err: phasecoordinatorTestErr}, nil
	}

	orch := New(store, signals, bus, runPhase)
	result, err := orch.RunWorkflow(context.Background(), "run-1", testPlans("INTAKE", "BUILD"))
	require.NoError(t, err)
	require.Equal(t, models.RunFailed, result.Status)
	require.Equal(t, "", result.CompletePhase)
	require.Equal(t, phasecoordinatorTestErr, result.Err)
}

var phasecoordinatorTestErr = &testPhaseErr{}

type testPhaseErr struct{}

func (*testPhaseErr) Error() string { return "phase failed" }
