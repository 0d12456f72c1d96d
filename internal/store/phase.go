package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/apex-build/orchestrator/pkg/models"
)

// PhaseStore implements phasecoordinator.Store.
type PhaseStore struct {
	db *Database
}

// NewPhaseStore builds a PhaseStore.
func NewPhaseStore(db *Database) *PhaseStore {
	return &PhaseStore{db: db}
}

// CreatePhaseRun inserts a new PhaseRun row, assigning an ID if unset.
func (s *PhaseStore) CreatePhaseRun(ctx context.Context, pr models.PhaseRun) (*models.PhaseRun, error) {
	if pr.ID == "" {
		pr.ID = uuid.NewString()
	}
	if err := s.db.DB.WithContext(ctx).Create(&pr).Error; err != nil {
		return nil, fmt.Errorf("store: creating phase run: %w", err)
	}
	return &pr, nil
}

// UpdatePhaseRunStatus performs a conditional write: applies only if the
// row's current status equals from.
func (s *PhaseStore) UpdatePhaseRunStatus(ctx context.Context, phaseRunID string, from, to models.PhaseRunStatus) error {
	res := s.db.DB.WithContext(ctx).Model(&models.PhaseRun{}).
		Where("phase_run_id = ? AND status = ?", phaseRunID, from).
		Update("status", to)
	if res.Error != nil {
		return fmt.Errorf("store: updating phase run %s status: %w", phaseRunID, res.Error)
	}
	if res.RowsAffected == 0 {
		return &conflictError{entity: "phase_run", id: phaseRunID}
	}
	return nil
}

// CompletePhaseRun sets the terminal status and completed_at timestamp
// unconditionally — called once a phase has already reached a terminal
// outcome, so there is no prior status to race against.
func (s *PhaseStore) CompletePhaseRun(ctx context.Context, phaseRunID string, to models.PhaseRunStatus, completedAt time.Time) error {
	res := s.db.DB.WithContext(ctx).Model(&models.PhaseRun{}).
		Where("phase_run_id = ?", phaseRunID).
		Updates(map[string]interface{}{"status": to, "completed_at": completedAt})
	if res.Error != nil {
		return fmt.Errorf("store: completing phase run %s: %w", phaseRunID, res.Error)
	}
	return nil
}

// CreateTask inserts a new Task row, assigning an ID if unset.
func (s *PhaseStore) CreateTask(ctx context.Context, t models.Task) (*models.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := s.db.DB.WithContext(ctx).Create(&t).Error; err != nil {
		return nil, fmt.Errorf("store: creating task: %w", err)
	}
	return &t, nil
}

// UpdateTaskStatus sets a task's status unconditionally — tasks are owned
// by a single goroutine within the coordinator, so there is no concurrent
// writer to race against.
func (s *PhaseStore) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	res := s.db.DB.WithContext(ctx).Model(&models.Task{}).
		Where("task_id = ?", taskID).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("store: updating task %s status: %w", taskID, res.Error)
	}
	return nil
}

// IncrementTaskRetry atomically bumps retry_count and returns the new
// value.
func (s *PhaseStore) IncrementTaskRetry(ctx context.Context, taskID string) (int, error) {
	res := s.db.DB.WithContext(ctx).Model(&models.Task{}).
		Where("task_id = ?", taskID).
		Update("retry_count", gorm.Expr("retry_count + 1"))
	if res.Error != nil {
		return 0, fmt.Errorf("store: incrementing retry for task %s: %w", taskID, res.Error)
	}
	var task models.Task
	if err := s.db.DB.WithContext(ctx).Select("retry_count").Where("task_id = ?", taskID).First(&task).Error; err != nil {
		return 0, fmt.Errorf("store: reloading retry count for task %s: %w", taskID, err)
	}
	return task.RetryCount, nil
}

// SaveCheckpoint persists a phase-run-scoped, task-boundary checkpoint.
func (s *PhaseStore) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if err := s.db.DB.WithContext(ctx).Create(&cp).Error; err != nil {
		return fmt.Errorf("store: saving checkpoint for phase run %s: %w", cp.PhaseRunID, err)
	}
	return nil
}

// LatestTaskCheckpoint returns the most recent checkpoint for a phase run,
// or (nil, nil) if none exists. The Phase Coordinator does not call it: a
// resumed run re-runs an interrupted phase from its first task.
func (s *PhaseStore) LatestTaskCheckpoint(ctx context.Context, phaseRunID string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := s.db.DB.WithContext(ctx).
		Where("phase_run_id = ?", phaseRunID).
		Order("created_at DESC").
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading latest task checkpoint for phase run %s: %w", phaseRunID, err)
	}
	return &cp, nil
}

// GetPhaseRun loads a PhaseRun by ID, returning (nil, nil) if absent.
func (s *PhaseStore) GetPhaseRun(ctx context.Context, phaseRunID string) (*models.PhaseRun, error) {
	var pr models.PhaseRun
	err := s.db.DB.WithContext(ctx).Where("phase_run_id = ?", phaseRunID).First(&pr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading phase run %s: %w", phaseRunID, err)
	}
	return &pr, nil
}

// ListTasksForPhaseRun returns every task belonging to a phase run.
func (s *PhaseStore) ListTasksForPhaseRun(ctx context.Context, phaseRunID string) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.DB.WithContext(ctx).Where("phase_run_id = ?", phaseRunID).Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("store: listing tasks for phase run %s: %w", phaseRunID, err)
	}
	return tasks, nil
}
