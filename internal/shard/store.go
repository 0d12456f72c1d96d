package shard

import (
	"context"

	"github.com/apex-build/orchestrator/pkg/models"
)

// Store is the durable persistence contract for shards and run
// assignments. The production implementation is store.ShardStore /
// store.ShardAssignmentStore (component I).
type Store interface {
	CreateShard(ctx context.Context, s *models.Shard) error
	GetShard(ctx context.Context, shardID string) (*models.Shard, error)
	ListShards(ctx context.Context) ([]models.Shard, error)
	ActiveTenantShard(ctx context.Context, tenantID string) (*models.Shard, error)
	ActiveProjectShard(ctx context.Context, tenantID, projectID string) (*models.Shard, error)

	GetAssignment(ctx context.Context, runID string) (*models.ShardAssignment, error)
	CreateAssignment(ctx context.Context, a *models.ShardAssignment) error
	UpdateAssignmentShard(ctx context.Context, runID, newShardID string) error
	ListRunningAssignments(ctx context.Context) ([]models.ShardAssignment, error)
}

// RunStatsSource reports run/task-derived figures for a shard's stats()
// response: counts and average duration sourced from durable run state.
type RunStatsSource interface {
	ShardRunCounts(ctx context.Context, shardID string) (activeRuns, totalRuns int, avgDurationMs float64, err error)
	ShardQueueDepth(ctx context.Context, shardID string) (int, error)
}

// ResourceSource supplies host resource utilization for a shard's
// stats() response. Pluggable — spec.md §4.D explicitly allows synthetic
// values when a real source is unavailable.
type ResourceSource interface {
	CPUUsage(shardID string) float64
	MemoryUsage(shardID string) float64
	GPUUsage(shardID string) (value float64, ok bool)
}

// Stats is the shard.stats() response per spec.md §4.D.
type Stats struct {
	ActiveRuns       int
	TotalRuns        int
	CPUUsage         float64
	MemoryUsage      float64
	GPUUsage         *float64
	AvgRunDurationMs float64
	QueueDepth       int
}

// RebalanceReport summarizes a rebalance() pass.
type RebalanceReport struct {
	Moved  int
	Failed int
}
