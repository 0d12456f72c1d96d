package signalbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apex-build/orchestrator/pkg/models"
)

type fakeStore struct {
	mu      sync.Mutex
	signals map[string]*models.Signal
}

func newFakeStore() *fakeStore {
	return &fakeStore{signals: make(map[string]*models.Signal)}
}

func (f *fakeStore) Create(_ context.Context, s *models.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.signals[s.ID] = &cp
	return nil
}

func (f *fakeStore) Acknowledge(_ context.Context, signalID string, at time.Time) (*models.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.signals[signalID]
	if !ok {
		return nil, &notFoundErr{signalID}
	}
	if s.Status != models.SignalAcknowledged {
		s.Status = models.SignalAcknowledged
		t := at
		s.AcknowledgedAt = &t
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) PendingFor(_ context.Context, scope models.SignalScope, id string) ([]models.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Signal
	for _, s := range f.signals {
		if s.TargetScope == scope && s.TargetID == id && s.Status == models.SignalPending {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) HasPending(_ context.Context, scope models.SignalScope, id string, typ models.SignalType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.signals {
		if s.TargetScope == scope && s.TargetID == id && s.Type == typ && s.Status == models.SignalPending {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) Get(_ context.Context, signalID string) (*models.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.signals[signalID]
	if !ok {
		return nil, &notFoundErr{signalID}
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, s := range f.signals {
		if s.Status != models.SignalPending && s.SentAt.Before(cutoff) {
			delete(f.signals, id)
			n++
		}
	}
	return n, nil
}

type notFoundErr struct{ id string }

func (e *notFoundErr) Error() string { return "signal not found: " + e.id }

func TestSend_PersistsAndDispatches(t *testing.T) {
	store := newFakeStore()
	bus := New(store)
	ctx := context.Background()
	target := models.SignalTarget{Scope: models.ScopeRun, ID: "run-1"}

	ch := make(chan models.Signal, 1)
	unsub := bus.Subscribe(target.Scope, target.ID, ch)
	defer unsub()

	sig, err := bus.Send(ctx, models.SignalPause, target, "operator request", "user-1")
	require.NoError(t, err)
	require.Equal(t, models.SignalPending, sig.Status)

	select {
	case received := <-ch:
		require.Equal(t, sig.ID, received.ID)
	case <-time.After(time.Second):
		t.Fatal("expected dispatched signal")
	}

	pending, err := bus.PendingFor(ctx, target.Scope, target.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestAcknowledge_IsIdempotent(t *testing.T) {
	store := newFakeStore()
	bus := New(store)
	ctx := context.Background()
	target := models.SignalTarget{Scope: models.ScopeTask, ID: "task-1"}

	sig, err := bus.Send(ctx, models.SignalRetry, target, "transient error", "coordinator")
	require.NoError(t, err)

	acked, err := bus.Acknowledge(ctx, sig.ID)
	require.NoError(t, err)
	require.Equal(t, models.SignalAcknowledged, acked.Status)
	firstAck := *acked.AcknowledgedAt

	acked2, err := bus.Acknowledge(ctx, sig.ID)
	require.NoError(t, err)
	require.Equal(t, models.SignalAcknowledged, acked2.Status)
	require.Equal(t, firstAck, *acked2.AcknowledgedAt)
}

func TestHasPending(t *testing.T) {
	store := newFakeStore()
	bus := New(store)
	ctx := context.Background()
	target := models.SignalTarget{Scope: models.ScopePhase, ID: "phase-1"}

	has, err := bus.HasPending(ctx, target.Scope, target.ID, models.SignalPause)
	require.NoError(t, err)
	require.False(t, has)

	_, err = bus.Send(ctx, models.SignalPause, target, "r", "s")
	require.NoError(t, err)

	has, err = bus.HasPending(ctx, target.Scope, target.ID, models.SignalPause)
	require.NoError(t, err)
	require.True(t, has)
}

func TestSend_CoalescesDuplicatesWithinWindow(t *testing.T) {
	store := newFakeStore()
	bus := New(store)
	ctx := context.Background()
	target := models.SignalTarget{Scope: models.ScopeRun, ID: "run-2"}

	first, err := bus.Send(ctx, models.SignalPause, target, "a", "s")
	require.NoError(t, err)
	second, err := bus.Send(ctx, models.SignalPause, target, "b", "s")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestCleanup_PurgesOnlyNonPendingPastRetention(t *testing.T) {
	store := newFakeStore()
	bus := New(store)
	ctx := context.Background()
	target := models.SignalTarget{Scope: models.ScopeRun, ID: "run-3"}

	sig, err := bus.Send(ctx, models.SignalPause, target, "a", "s")
	require.NoError(t, err)
	_, err = bus.Acknowledge(ctx, sig.ID)
	require.NoError(t, err)

	store.mu.Lock()
	store.signals[sig.ID].SentAt = time.Now().Add(-48 * time.Hour)
	store.mu.Unlock()

	purged, err := bus.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
}

func TestApplyRetry_RespectsMax(t *testing.T) {
	d := ApplyRetry(0, 3)
	require.True(t, d.Retry)
	require.Equal(t, 1, d.RetryCount)

	d = ApplyRetry(3, 3)
	require.False(t, d.Retry)
	require.Equal(t, 4, d.RetryCount)

	d = ApplyRetry(0, 0) // default max applies
	require.True(t, d.Retry)
}

func TestCancelPropagationTargets_Order(t *testing.T) {
	targets := CancelPropagationTargets("run-1", []string{"phase-1"}, []string{"task-1", "task-2"})
	require.Len(t, targets, 4)
	require.Equal(t, models.ScopeRun, targets[0].Scope)
	require.Equal(t, models.ScopePhase, targets[1].Scope)
	require.Equal(t, models.ScopeTask, targets[2].Scope)
	require.Equal(t, models.ScopeTask, targets[3].Scope)
}
