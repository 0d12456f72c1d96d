package store

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"gorm.io/gorm"

	"github.com/apex-build/orchestrator/pkg/models"
)

// ShardStore implements shard.Store and shard.RunStatsSource.
type ShardStore struct {
	db *Database
}

// NewShardStore builds a ShardStore.
func NewShardStore(db *Database) *ShardStore {
	return &ShardStore{db: db}
}

// CreateShard inserts a new Shard row.
func (s *ShardStore) CreateShard(ctx context.Context, sh *models.Shard) error {
	if err := s.db.DB.WithContext(ctx).Create(sh).Error; err != nil {
		return fmt.Errorf("store: creating shard: %w", err)
	}
	return nil
}

// GetShard loads a Shard by ID, returning (nil, nil) if absent.
func (s *ShardStore) GetShard(ctx context.Context, shardID string) (*models.Shard, error) {
	var sh models.Shard
	err := s.db.DB.WithContext(ctx).Where("id = ?", shardID).First(&sh).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading shard %s: %w", shardID, err)
	}
	return &sh, nil
}

// ListShards returns every shard.
func (s *ShardStore) ListShards(ctx context.Context) ([]models.Shard, error) {
	var shards []models.Shard
	if err := s.db.DB.WithContext(ctx).Find(&shards).Error; err != nil {
		return nil, fmt.Errorf("store: listing shards: %w", err)
	}
	return shards, nil
}

// ActiveTenantShard returns the active tenant-type shard for tenantID, or
// (nil, nil) if none is assigned.
func (s *ShardStore) ActiveTenantShard(ctx context.Context, tenantID string) (*models.Shard, error) {
	var sh models.Shard
	err := s.db.DB.WithContext(ctx).
		Where("type = ? AND tenant_id = ? AND status = ?", models.ShardTenant, tenantID, models.ShardActive).
		First(&sh).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading active tenant shard for %s: %w", tenantID, err)
	}
	return &sh, nil
}

// ActiveProjectShard returns the active project-type shard for
// (tenantID, projectID), or (nil, nil) if none is assigned.
func (s *ShardStore) ActiveProjectShard(ctx context.Context, tenantID, projectID string) (*models.Shard, error) {
	var sh models.Shard
	err := s.db.DB.WithContext(ctx).
		Where("type = ? AND tenant_id = ? AND project_id = ? AND status = ?", models.ShardProject, tenantID, projectID, models.ShardActive).
		First(&sh).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading active project shard for %s/%s: %w", tenantID, projectID, err)
	}
	return &sh, nil
}

// GetAssignment loads a run's shard assignment, returning (nil, nil) if
// unassigned.
func (s *ShardStore) GetAssignment(ctx context.Context, runID string) (*models.ShardAssignment, error) {
	var a models.ShardAssignment
	err := s.db.DB.WithContext(ctx).Where("run_id = ?", runID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading shard assignment for run %s: %w", runID, err)
	}
	return &a, nil
}

// CreateAssignment inserts a new ShardAssignment row.
func (s *ShardStore) CreateAssignment(ctx context.Context, a *models.ShardAssignment) error {
	if err := s.db.DB.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("store: creating shard assignment for run %s: %w", a.RunID, err)
	}
	return nil
}

// UpdateAssignmentShard moves a run's assignment to newShardID, e.g. on
// rebalance.
func (s *ShardStore) UpdateAssignmentShard(ctx context.Context, runID, newShardID string) error {
	res := s.db.DB.WithContext(ctx).Model(&models.ShardAssignment{}).
		Where("run_id = ?", runID).
		Update("shard_id", newShardID)
	if res.Error != nil {
		return fmt.Errorf("store: updating shard assignment for run %s: %w", runID, res.Error)
	}
	return nil
}

// ListRunningAssignments returns assignments for runs that have not yet
// reached a terminal Run status — the candidates a rebalance pass may move.
func (s *ShardStore) ListRunningAssignments(ctx context.Context) ([]models.ShardAssignment, error) {
	var assignments []models.ShardAssignment
	err := s.db.DB.WithContext(ctx).
		Joins("JOIN runs ON runs.run_id = shard_assignments.run_id").
		Where("runs.status IN ?", []models.RunStatus{models.RunCreated, models.RunRunning, models.RunPaused}).
		Find(&assignments).Error
	if err != nil {
		return nil, fmt.Errorf("store: listing running shard assignments: %w", err)
	}
	return assignments, nil
}

// ShardRunCounts reports active/total run counts and average completed-run
// duration for a shard, per shard.RunStatsSource.
func (s *ShardStore) ShardRunCounts(ctx context.Context, shardID string) (activeRuns, totalRuns int, avgDurationMs float64, err error) {
	var total int64
	if err = s.db.DB.WithContext(ctx).Model(&models.ShardAssignment{}).
		Where("shard_id = ?", shardID).Count(&total).Error; err != nil {
		return 0, 0, 0, fmt.Errorf("store: counting total runs on shard %s: %w", shardID, err)
	}

	var active int64
	if err = s.db.DB.WithContext(ctx).Model(&models.ShardAssignment{}).
		Joins("JOIN runs ON runs.run_id = shard_assignments.run_id").
		Where("shard_assignments.shard_id = ? AND runs.status IN ?", shardID, []models.RunStatus{models.RunCreated, models.RunRunning}).
		Count(&active).Error; err != nil {
		return 0, 0, 0, fmt.Errorf("store: counting active runs on shard %s: %w", shardID, err)
	}

	// Duration averaging is done in Go rather than with a dialect-specific
	// interval expression (the store runs against both Postgres in
	// production and SQLite in tests).
	var completed []models.Run
	err = s.db.DB.WithContext(ctx).Model(&models.Run{}).
		Joins("JOIN shard_assignments ON shard_assignments.run_id = runs.run_id").
		Where("shard_assignments.shard_id = ? AND runs.status = ?", shardID, models.RunCompleted).
		Select("runs.created_at, runs.updated_at").
		Find(&completed).Error
	if err != nil {
		return 0, 0, 0, fmt.Errorf("store: averaging run duration on shard %s: %w", shardID, err)
	}
	if len(completed) > 0 {
		var sumMs float64
		for _, r := range completed {
			sumMs += float64(r.UpdatedAt.Sub(r.CreatedAt).Milliseconds())
		}
		avgDurationMs = sumMs / float64(len(completed))
	}

	return int(active), int(total), avgDurationMs, nil
}

// ShardQueueDepth counts runs assigned to shardID that have not yet started
// their first phase.
func (s *ShardStore) ShardQueueDepth(ctx context.Context, shardID string) (int, error) {
	var count int64
	err := s.db.DB.WithContext(ctx).Model(&models.ShardAssignment{}).
		Joins("JOIN runs ON runs.run_id = shard_assignments.run_id").
		Where("shard_assignments.shard_id = ? AND runs.status = ?", shardID, models.RunCreated).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: counting queue depth on shard %s: %w", shardID, err)
	}
	return int(count), nil
}

// RuntimeResourceSource implements shard.ResourceSource by reading process
// runtime stats. GPU usage has no in-process signal, so GPUUsage always
// reports ok=false — per spec.md §4.D, shard.stats() falls back to
// synthetic/omitted values when no real source is wired.
type RuntimeResourceSource struct{}

// CPUUsage always reports 0: the Go runtime exposes no direct CPU percent
// without an external sampler (e.g. gopsutil), which is not part of the
// teacher's or pack's dependency set.
func (RuntimeResourceSource) CPUUsage(string) float64 { return 0 }

// MemoryUsage reports heap-in-use bytes converted to a 0..1 fraction of a
// nominal 1GiB budget, as a coarse liveness signal.
func (RuntimeResourceSource) MemoryUsage(string) float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	const nominalBudget = 1 << 30
	frac := float64(m.HeapInuse) / float64(nominalBudget)
	if frac > 1 {
		frac = 1
	}
	return frac
}

// GPUUsage reports ok=false: no GPU telemetry source is wired.
func (RuntimeResourceSource) GPUUsage(string) (float64, bool) { return 0, false }
