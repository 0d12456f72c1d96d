package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/apex-build/orchestrator/pkg/models"
)

// RunStore implements mothership.Store.
type RunStore struct {
	db *Database
}

// NewRunStore builds a RunStore.
func NewRunStore(db *Database) *RunStore {
	return &RunStore{db: db}
}

// GetRun loads a Run, returning (nil, nil) if it doesn't exist.
func (s *RunStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	err := s.db.DB.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading run %s: %w", runID, err)
	}
	return &run, nil
}

// UpdateRunStatus performs a conditional write: the status column only
// moves from -> to if it still reads from at write time.
func (s *RunStore) UpdateRunStatus(ctx context.Context, runID string, from, to models.RunStatus) error {
	res := s.db.DB.WithContext(ctx).Model(&models.Run{}).
		Where("run_id = ? AND status = ?", runID, from).
		Update("status", to)
	if res.Error != nil {
		return fmt.Errorf("store: updating run %s status: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return &conflictError{entity: "run", id: runID}
	}
	return nil
}

// SetCurrentPhase records the phase the run is now driving.
func (s *RunStore) SetCurrentPhase(ctx context.Context, runID, phase string, seq int) error {
	res := s.db.DB.WithContext(ctx).Model(&models.Run{}).
		Where("run_id = ?", runID).
		Updates(map[string]interface{}{"current_phase": phase, "phase_seq": seq})
	if res.Error != nil {
		return fmt.Errorf("store: setting current phase for run %s: %w", runID, res.Error)
	}
	return nil
}

// AddCost atomically increments the run's cumulative cost and returns the
// new total.
func (s *RunStore) AddCost(ctx context.Context, runID string, delta float64) (float64, error) {
	res := s.db.DB.WithContext(ctx).Model(&models.Run{}).
		Where("run_id = ?", runID).
		Update("cumulative_cost_usd", gorm.Expr("cumulative_cost_usd + ?", delta))
	if res.Error != nil {
		return 0, fmt.Errorf("store: adding cost to run %s: %w", runID, res.Error)
	}
	var run models.Run
	if err := s.db.DB.WithContext(ctx).Select("cumulative_cost_usd").Where("run_id = ?", runID).First(&run).Error; err != nil {
		return 0, fmt.Errorf("store: reloading run %s cumulative cost: %w", runID, err)
	}
	return run.CumulativeCostUSD, nil
}

// LatestCheckpoint returns the most recent run-scoped checkpoint (no
// PhaseRunID), or (nil, nil) if none exists.
func (s *RunStore) LatestCheckpoint(ctx context.Context, runID string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := s.db.DB.WithContext(ctx).
		Where("run_id = ? AND phase_run_id = ?", runID, "").
		Order("created_at DESC").
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading latest checkpoint for run %s: %w", runID, err)
	}
	return &cp, nil
}

// SaveCheckpoint persists a run-boundary checkpoint.
func (s *RunStore) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	if err := s.db.DB.WithContext(ctx).Create(&cp).Error; err != nil {
		return fmt.Errorf("store: saving checkpoint for run %s: %w", cp.RunID, err)
	}
	return nil
}

// LatestCheckpointForPhase returns the most recent checkpoint for runID,
// optionally narrowed to a single phase, serving
// GET /checkpoints/runs/:run_id?phase= (component K). An empty phase
// returns the latest checkpoint regardless of phase.
func (s *RunStore) LatestCheckpointForPhase(ctx context.Context, runID, phase string) (*models.Checkpoint, error) {
	q := s.db.DB.WithContext(ctx).Where("run_id = ?", runID)
	if phase != "" {
		q = q.Where("phase = ?", phase)
	}
	var cp models.Checkpoint
	err := q.Order("created_at DESC").First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading latest checkpoint for run %s phase %q: %w", runID, phase, err)
	}
	return &cp, nil
}

// GetCheckpoint loads a single checkpoint by ID, returning (nil, nil) if
// it doesn't exist. Used by POST /checkpoints/:id/resume.
func (s *RunStore) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := s.db.DB.WithContext(ctx).Where("id = ?", id).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading checkpoint %s: %w", id, err)
	}
	return &cp, nil
}

// DeleteCheckpointsBefore removes checkpoints older than cutoff, serving
// DELETE /checkpoints/cleanup, and returns the number of rows removed.
func (s *RunStore) DeleteCheckpointsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.DB.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.Checkpoint{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: deleting expired checkpoints: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CreateRun inserts a new Run row.
func (s *RunStore) CreateRun(ctx context.Context, run *models.Run) error {
	if err := s.db.DB.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("store: creating run: %w", err)
	}
	return nil
}

// ListRuns returns runs for a tenant, most recent first.
func (s *RunStore) ListRuns(ctx context.Context, tenantID string, limit, offset int) ([]models.Run, error) {
	var runs []models.Run
	err := s.db.DB.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("store: listing runs for tenant %s: %w", tenantID, err)
	}
	return runs, nil
}
