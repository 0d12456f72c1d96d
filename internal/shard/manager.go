// Package shard implements the Shard Manager (component D): it assigns
// runs to worker-pool shards by tenant/project affinity or consistent
// hashing, keeps sticky assignments stable across rebalances, and
// reports per-shard utilization.
package shard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apex-build/orchestrator/internal/logging"
	"github.com/apex-build/orchestrator/internal/metrics"
	"github.com/apex-build/orchestrator/pkg/models"
)

// Manager is the Shard Manager.
type Manager struct {
	store     Store
	runStats  RunStatsSource
	resources ResourceSource
}

// New constructs a Manager. resources may be nil, in which case stats()
// reports zero utilization rather than failing — callers that care about
// real host metrics should pass the runtime-backed RuntimeResourceSource,
// as component M's wiring does.
func New(store Store, runStats RunStatsSource, resources ResourceSource) *Manager {
	return &Manager{store: store, runStats: runStats, resources: resources}
}

// CreateShard appends a new shard definition.
func (m *Manager) CreateShard(ctx context.Context, def models.Shard) (*models.Shard, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Status == "" {
		def.Status = models.ShardActive
	}
	if err := m.store.CreateShard(ctx, &def); err != nil {
		return nil, fmt.Errorf("shard: creating shard: %w", err)
	}
	return &def, nil
}

// AssignRun chooses a shard for runID following the precedence rule:
// active tenant-scoped shard, then active project-scoped shard, then
// global consistent hashing of run_id. Assignments are sticky.
func (m *Manager) AssignRun(ctx context.Context, runID, tenantID string, projectID *string) (*models.ShardAssignment, error) {
	if existing, err := m.store.GetAssignment(ctx, runID); err == nil && existing != nil {
		return existing, nil
	}

	shardID, err := m.selectShard(ctx, tenantID, projectID, runID)
	if err != nil {
		return nil, err
	}

	assignment := &models.ShardAssignment{
		RunID:      runID,
		ShardID:    shardID,
		TenantID:   tenantID,
		ProjectID:  projectID,
		AssignedAt: time.Now(),
		Sticky:     true,
	}
	if err := m.store.CreateAssignment(ctx, assignment); err != nil {
		return nil, fmt.Errorf("shard: creating assignment: %w", err)
	}
	metrics.Get().RecordShardAssignment(shardID)
	return assignment, nil
}

func (m *Manager) selectShard(ctx context.Context, tenantID string, projectID *string, runID string) (string, error) {
	if tenantID != "" {
		if s, err := m.store.ActiveTenantShard(ctx, tenantID); err == nil && s != nil {
			return s.ID, nil
		}
	}
	if tenantID != "" && projectID != nil && *projectID != "" {
		if s, err := m.store.ActiveProjectShard(ctx, tenantID, *projectID); err == nil && s != nil {
			return s.ID, nil
		}
	}
	return m.consistentHashAssign(ctx, runID)
}

func (m *Manager) consistentHashAssign(ctx context.Context, key string) (string, error) {
	shards, err := m.store.ListShards(ctx)
	if err != nil {
		return "", fmt.Errorf("shard: listing shards: %w", err)
	}

	active := make(map[string]bool, len(shards))
	ids := make([]string, 0, len(shards))
	for _, s := range shards {
		ids = append(ids, s.ID)
		active[s.ID] = s.Status == models.ShardActive
	}

	ring := newHashRing(ids)
	shardID := ring.lookup(key, func(id string) bool { return active[id] })
	if shardID == "" {
		return "", noCapacityErr("no active shard available for consistent-hash assignment")
	}
	return shardID, nil
}

// Rebalance reassigns every running run whose current shard is not
// active, via consistent hashing; sticky assignments on active shards
// are left untouched.
func (m *Manager) Rebalance(ctx context.Context) (RebalanceReport, error) {
	metrics.Get().RecordShardRebalance()
	assignments, err := m.store.ListRunningAssignments(ctx)
	if err != nil {
		return RebalanceReport{}, fmt.Errorf("shard: listing running assignments: %w", err)
	}

	shards, err := m.store.ListShards(ctx)
	if err != nil {
		return RebalanceReport{}, fmt.Errorf("shard: listing shards: %w", err)
	}
	active := make(map[string]bool, len(shards))
	for _, s := range shards {
		active[s.ID] = s.Status == models.ShardActive
	}

	var report RebalanceReport
	for _, a := range assignments {
		if active[a.ShardID] {
			continue
		}
		newShardID, err := m.consistentHashAssign(ctx, a.RunID)
		if err != nil {
			report.Failed++
			logging.S().Warnw("shard: rebalance failed to find new shard", "run_id", a.RunID, "error", err)
			continue
		}
		if err := m.store.UpdateAssignmentShard(ctx, a.RunID, newShardID); err != nil {
			report.Failed++
			logging.S().Warnw("shard: rebalance failed to persist reassignment", "run_id", a.RunID, "error", err)
			continue
		}
		report.Moved++
	}
	return report, nil
}

// Stats returns utilization and run-derived figures for shardID, per
// spec.md §4.D.
func (m *Manager) Stats(ctx context.Context, shardID string) (*Stats, error) {
	if _, err := m.store.GetShard(ctx, shardID); err != nil {
		return nil, notFoundErr(fmt.Sprintf("shard %s not found", shardID))
	}

	stats := &Stats{}
	if m.runStats != nil {
		active, total, avgDur, err := m.runStats.ShardRunCounts(ctx, shardID)
		if err != nil {
			return nil, fmt.Errorf("shard: reading run counts: %w", err)
		}
		stats.ActiveRuns = active
		stats.TotalRuns = total
		stats.AvgRunDurationMs = avgDur
		metrics.Get().SetShardActiveRuns(shardID, active)

		depth, err := m.runStats.ShardQueueDepth(ctx, shardID)
		if err != nil {
			return nil, fmt.Errorf("shard: reading queue depth: %w", err)
		}
		stats.QueueDepth = depth
	}

	if m.resources != nil {
		stats.CPUUsage = m.resources.CPUUsage(shardID)
		stats.MemoryUsage = m.resources.MemoryUsage(shardID)
		if gpu, ok := m.resources.GPUUsage(shardID); ok {
			stats.GPUUsage = &gpu
		}
	}

	return stats, nil
}
