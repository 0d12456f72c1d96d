package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex-build/orchestrator/pkg/models"

	"gorm.io/gorm"
)

// SignalStore implements signalbus.Store.
type SignalStore struct {
	db *Database
}

// NewSignalStore builds a SignalStore.
func NewSignalStore(db *Database) *SignalStore {
	return &SignalStore{db: db}
}

// Create inserts a new Signal row.
func (s *SignalStore) Create(ctx context.Context, sig *models.Signal) error {
	if err := s.db.DB.WithContext(ctx).Create(sig).Error; err != nil {
		return fmt.Errorf("store: creating signal: %w", err)
	}
	return nil
}

// Acknowledge marks a signal acknowledged and returns the updated row.
func (s *SignalStore) Acknowledge(ctx context.Context, signalID string, at time.Time) (*models.Signal, error) {
	res := s.db.DB.WithContext(ctx).Model(&models.Signal{}).
		Where("id = ? AND status = ?", signalID, models.SignalPending).
		Updates(map[string]interface{}{"status": models.SignalAcknowledged, "acknowledged_at": at})
	if res.Error != nil {
		return nil, fmt.Errorf("store: acknowledging signal %s: %w", signalID, res.Error)
	}
	return s.Get(ctx, signalID)
}

// PendingFor returns every pending signal addressed at (scope, id).
func (s *SignalStore) PendingFor(ctx context.Context, scope models.SignalScope, id string) ([]models.Signal, error) {
	var sigs []models.Signal
	err := s.db.DB.WithContext(ctx).
		Where("target_scope = ? AND target_id = ? AND status = ?", scope, id, models.SignalPending).
		Order("sent_at ASC").
		Find(&sigs).Error
	if err != nil {
		return nil, fmt.Errorf("store: listing pending signals for %s %s: %w", scope, id, err)
	}
	return sigs, nil
}

// HasPending reports whether a pending signal of typ exists for (scope, id).
func (s *SignalStore) HasPending(ctx context.Context, scope models.SignalScope, id string, typ models.SignalType) (bool, error) {
	var count int64
	err := s.db.DB.WithContext(ctx).Model(&models.Signal{}).
		Where("target_scope = ? AND target_id = ? AND type = ? AND status = ?", scope, id, typ, models.SignalPending).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("store: checking pending signal for %s %s: %w", scope, id, err)
	}
	return count > 0, nil
}

// Get loads a signal by ID, returning (nil, nil) if absent.
func (s *SignalStore) Get(ctx context.Context, signalID string) (*models.Signal, error) {
	var sig models.Signal
	err := s.db.DB.WithContext(ctx).Where("id = ?", signalID).First(&sig).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading signal %s: %w", signalID, err)
	}
	return &sig, nil
}

// PurgeOlderThan deletes acknowledged/ignored signals sent before cutoff,
// per the Signal Bus's DefaultRetention policy.
func (s *SignalStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.DB.WithContext(ctx).
		Where("sent_at < ? AND status IN ?", cutoff, []models.SignalStatus{models.SignalAcknowledged, models.SignalIgnored}).
		Delete(&models.Signal{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: purging old signals: %w", res.Error)
	}
	return res.RowsAffected, nil
}
