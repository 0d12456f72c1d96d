package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apex-build/orchestrator/internal/events"
	"github.com/apex-build/orchestrator/pkg/models"
)

// EventStore implements events.Store, durably appending every published
// event for subscribers that want replay after a drop.
type EventStore struct {
	db *Database
}

// NewEventStore builds an EventStore.
func NewEventStore(db *Database) *EventStore {
	return &EventStore{db: db}
}

// Append persists one event row. Payload is serialized to JSON text since
// its shape varies per event type across the §6 taxonomy.
func (s *EventStore) Append(ctx context.Context, ev events.Event) error {
	var payload string
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("store: marshaling payload for event %s: %w", ev.EventID, err)
		}
		payload = string(b)
	}

	row := models.WorkflowEvent{
		EventID:       ev.EventID,
		EventType:     ev.EventType,
		Timestamp:     ev.Timestamp,
		WorkflowRunID: ev.WorkflowRunID,
		CorrelationID: ev.CorrelationID,
		Payload:       payload,
	}
	if err := s.db.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("store: appending event %s: %w", ev.EventID, err)
	}
	return nil
}

// ListForRun returns every durable event for a run in chronological
// order, for replay after a subscriber reconnects.
func (s *EventStore) ListForRun(ctx context.Context, runID string) ([]models.WorkflowEvent, error) {
	var rows []models.WorkflowEvent
	err := s.db.DB.WithContext(ctx).
		Where("workflow_run_id = ?", runID).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: listing events for run %s: %w", runID, err)
	}
	return rows, nil
}
