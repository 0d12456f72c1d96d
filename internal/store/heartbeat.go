package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/apex-build/orchestrator/pkg/models"
)

// HeartbeatStore persists the append-only Heartbeat log and serves the
// stalled-task query the HTTP surface (component K) exposes at
// GET /heartbeat/stalled.
type HeartbeatStore struct {
	db *Database
}

// NewHeartbeatStore builds a HeartbeatStore.
func NewHeartbeatStore(db *Database) *HeartbeatStore {
	return &HeartbeatStore{db: db}
}

// Record appends one heartbeat row and bumps the owning task's denormalized
// progress fields so status reads don't need to join against the log.
func (s *HeartbeatStore) Record(ctx context.Context, hb models.Heartbeat) error {
	hb.ReceivedAt = time.Now().UTC()
	if err := s.db.DB.WithContext(ctx).Create(&hb).Error; err != nil {
		return fmt.Errorf("store: recording heartbeat for task %s: %w", hb.TaskID, err)
	}
	res := s.db.DB.WithContext(ctx).Model(&models.Task{}).
		Where("task_id = ?", hb.TaskID).
		Updates(map[string]interface{}{
			"last_heartbeat_at": hb.ReceivedAt,
			"progress_pct":      hb.Pct,
			"eta":               hb.ETA,
		})
	if res.Error != nil {
		return fmt.Errorf("store: updating task %s from heartbeat: %w", hb.TaskID, res.Error)
	}
	return nil
}

// LatestForTask returns the most recent heartbeat for a task, or (nil,
// nil) if the task has never reported one.
func (s *HeartbeatStore) LatestForTask(ctx context.Context, taskID string) (*models.Heartbeat, error) {
	var hb models.Heartbeat
	err := s.db.DB.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("received_at DESC").
		First(&hb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading latest heartbeat for task %s: %w", taskID, err)
	}
	return &hb, nil
}

// Stalled returns every running task whose last heartbeat is older than
// cutoff (or that has never reported one), per spec.md's
// GET /heartbeat/stalled.
func (s *HeartbeatStore) Stalled(ctx context.Context, cutoff time.Time) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.DB.WithContext(ctx).
		Where("status = ?", models.TaskRunning).
		Where("last_heartbeat_at IS NULL OR last_heartbeat_at < ?", cutoff).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("store: listing stalled tasks: %w", err)
	}
	return tasks, nil
}

// StalledForTenant is Stalled narrowed to one tenant's runs, joining
// through phase_runs -> runs, for the tenant-scoped HTTP surface query
// GET /heartbeat/stalled.
func (s *HeartbeatStore) StalledForTenant(ctx context.Context, tenantID string, cutoff time.Time) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.DB.WithContext(ctx).
		Joins("JOIN phase_runs ON phase_runs.phase_run_id = tasks.phase_run_id").
		Joins("JOIN runs ON runs.run_id = phase_runs.run_id").
		Where("runs.tenant_id = ?", tenantID).
		Where("tasks.status = ?", models.TaskRunning).
		Where("tasks.last_heartbeat_at IS NULL OR tasks.last_heartbeat_at < ?", cutoff).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("store: listing stalled tasks for tenant %s: %w", tenantID, err)
	}
	return tasks, nil
}
