package shard

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apex-build/orchestrator/pkg/models"
)

type fakeStore struct {
	mu          sync.Mutex
	shards      map[string]*models.Shard
	assignments map[string]*models.ShardAssignment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		shards:      make(map[string]*models.Shard),
		assignments: make(map[string]*models.ShardAssignment),
	}
}

func (f *fakeStore) CreateShard(_ context.Context, s *models.Shard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.shards[s.ID] = &cp
	return nil
}

func (f *fakeStore) GetShard(_ context.Context, shardID string) (*models.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.shards[shardID]
	if !ok {
		return nil, notFoundErr("no such shard")
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) ListShards(_ context.Context) ([]models.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Shard, 0, len(f.shards))
	for _, s := range f.shards {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeStore) ActiveTenantShard(_ context.Context, tenantID string) (*models.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.shards {
		if s.Type == models.ShardTenant && s.Status == models.ShardActive && s.TenantID != nil && *s.TenantID == tenantID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, notFoundErr("no tenant shard")
}

func (f *fakeStore) ActiveProjectShard(_ context.Context, tenantID, projectID string) (*models.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.shards {
		if s.Type == models.ShardProject && s.Status == models.ShardActive &&
			s.TenantID != nil && *s.TenantID == tenantID &&
			s.ProjectID != nil && *s.ProjectID == projectID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, notFoundErr("no project shard")
}

func (f *fakeStore) GetAssignment(_ context.Context, runID string) (*models.ShardAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[runID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) CreateAssignment(_ context.Context, a *models.ShardAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.assignments[a.RunID] = &cp
	return nil
}

func (f *fakeStore) UpdateAssignmentShard(_ context.Context, runID, newShardID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[runID]
	if !ok {
		return notFoundErr("no such assignment")
	}
	a.ShardID = newShardID
	return nil
}

func (f *fakeStore) ListRunningAssignments(_ context.Context) ([]models.ShardAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ShardAssignment, 0, len(f.assignments))
	for _, a := range f.assignments {
		out = append(out, *a)
	}
	return out, nil
}

func strptr(s string) *string { return &s }

func TestAssignRun_TenantPrecedence(t *testing.T) {
	store := newFakeStore()
	mgr := New(store, nil, nil)
	ctx := context.Background()

	_, err := mgr.CreateShard(ctx, models.Shard{ID: "global-1", Type: models.ShardGlobal, Status: models.ShardActive})
	require.NoError(t, err)
	_, err = mgr.CreateShard(ctx, models.Shard{ID: "tenant-shard", Type: models.ShardTenant, TenantID: strptr("acme"), Status: models.ShardActive})
	require.NoError(t, err)

	a, err := mgr.AssignRun(ctx, "run-1", "acme", nil)
	require.NoError(t, err)
	require.Equal(t, "tenant-shard", a.ShardID)
}

func TestAssignRun_StickyAcrossRepeatedCalls(t *testing.T) {
	store := newFakeStore()
	mgr := New(store, nil, nil)
	ctx := context.Background()

	_, err := mgr.CreateShard(ctx, models.Shard{ID: "global-1", Type: models.ShardGlobal, Status: models.ShardActive})
	require.NoError(t, err)
	_, err = mgr.CreateShard(ctx, models.Shard{ID: "global-2", Type: models.ShardGlobal, Status: models.ShardActive})
	require.NoError(t, err)

	a1, err := mgr.AssignRun(ctx, "run-1", "other-tenant", nil)
	require.NoError(t, err)
	a2, err := mgr.AssignRun(ctx, "run-1", "other-tenant", nil)
	require.NoError(t, err)
	require.Equal(t, a1.ShardID, a2.ShardID)
}

func TestAssignRun_NoCapacityWhenNoActiveShards(t *testing.T) {
	store := newFakeStore()
	mgr := New(store, nil, nil)
	ctx := context.Background()

	_, err := mgr.CreateShard(ctx, models.Shard{ID: "offline-1", Type: models.ShardGlobal, Status: models.ShardOffline})
	require.NoError(t, err)

	_, err = mgr.AssignRun(ctx, "run-1", "tenant-x", nil)
	require.Error(t, err)
	var shardErr *Error
	require.ErrorAs(t, err, &shardErr)
	require.Equal(t, KindNoCapacity, shardErr.Kind)
}

func TestHashRing_Deterministic(t *testing.T) {
	ring := newHashRing([]string{"a", "b", "c"})
	require.Len(t, ring.nodes, 300)

	active := func(string) bool { return true }
	s1 := ring.lookup("run-123", active)
	s2 := ring.lookup("run-123", active)
	require.Equal(t, s1, s2)
	require.NotEmpty(t, s1)
}

func TestLessVnode_TieBreaksOnFullNameNotShardID(t *testing.T) {
	// "A" and "A1" are a prefix of one another: shardID-lex would order
	// "A" before "A1" overall, but the vnode names diverge because ':'
	// (0x3A) sorts after the digit '1' (0x31), so "A1:0" < "A:7" in full
	// name order even though shardID "A" < "A1".
	a := vnode{hash: 42, name: "A:7", shardID: "A"}
	b := vnode{hash: 42, name: "A1:0", shardID: "A1"}

	require.True(t, lessVnode(b, a), "A1:0 should sort before A:7 by vnode name")
	require.False(t, lessVnode(a, b))
}

func TestHashRing_SkipsInactiveShards(t *testing.T) {
	ring := newHashRing([]string{"a", "b"})
	// Force all vnodes of "a" to be treated as inactive: lookup must still
	// resolve to "b" for every key.
	active := func(id string) bool { return id == "b" }
	for _, key := range []string{"k1", "k2", "k3", "run-1", "run-2"} {
		require.Equal(t, "b", ring.lookup(key, active))
	}
}

func TestRebalance_MovesOnlyInactiveShardAssignments(t *testing.T) {
	store := newFakeStore()
	mgr := New(store, nil, nil)
	ctx := context.Background()

	_, err := mgr.CreateShard(ctx, models.Shard{ID: "shard-a", Type: models.ShardGlobal, Status: models.ShardActive})
	require.NoError(t, err)
	_, err = mgr.CreateShard(ctx, models.Shard{ID: "shard-b", Type: models.ShardGlobal, Status: models.ShardActive})
	require.NoError(t, err)

	a, err := mgr.AssignRun(ctx, "run-1", "tenant-x", nil)
	require.NoError(t, err)

	store.mu.Lock()
	store.shards[a.ShardID].Status = models.ShardOffline
	store.mu.Unlock()

	report, err := mgr.Rebalance(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Moved)
	require.Equal(t, 0, report.Failed)

	updated, err := store.GetAssignment(ctx, "run-1")
	require.NoError(t, err)
	require.NotEqual(t, a.ShardID, updated.ShardID)
}

func TestStats_NotFound(t *testing.T) {
	store := newFakeStore()
	mgr := New(store, nil, nil)
	_, err := mgr.Stats(context.Background(), "missing")
	require.Error(t, err)
	var shardErr *Error
	require.ErrorAs(t, err, &shardErr)
	require.Equal(t, KindNotFound, shardErr.Kind)
}
