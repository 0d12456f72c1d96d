// Package events implements the Event Bus (component J): in-process
// publish/subscribe over the workflow/phase/agent/tool/gate/artifact/budget
// event taxonomy, generalized from the teacher's internal/websocket.Hub
// past WebSocket clients to typed, filterable subscriptions. Slow
// consumers drop events rather than block publishers and are expected to
// replay from the durable EventStore (component I).
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/apex-build/orchestrator/internal/logging"
	"github.com/apex-build/orchestrator/internal/metrics"
)

// Event is one row of the §6 event taxonomy.
type Event struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	Timestamp     time.Time              `json:"timestamp"`
	WorkflowRunID string                 `json:"workflow_run_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// Store persists every published event, durably backing replay for
// subscribers that missed a drop. Implemented by component I.
type Store interface {
	Append(ctx context.Context, ev Event) error
}

// Filter selects which events a subscriber receives. A zero-value Filter
// (no EventTypes, no WorkflowRunID) matches everything.
type Filter struct {
	EventTypes    []string // empty = any type
	WorkflowRunID string   // empty = any run
}

func (f Filter) matches(ev Event) bool {
	if f.WorkflowRunID != "" && f.WorkflowRunID != ev.WorkflowRunID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == ev.EventType {
			return true
		}
	}
	return false
}

const subscriberBuffer = 64

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Event
}

// Bus is the in-process Event Bus. It satisfies the Publish/Subscribe
// contract of SPEC_FULL.md §4.J.
type Bus struct {
	store Store

	mu        sync.RWMutex
	subs      map[uint64]*subscription
	nextSubID uint64
}

// New builds a Bus. store may be nil, in which case events dispatch to
// live subscribers only and are not durably appended (tests use this).
func New(store Store) *Bus {
	return &Bus{
		store: store,
		subs:  make(map[uint64]*subscription),
	}
}

// Publish appends the event to the durable store (if configured), then
// dispatches to every matching subscriber, non-blocking.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if b.store != nil {
		if err := b.store.Append(ctx, ev); err != nil {
			return err
		}
	}

	metrics.Get().RecordPhaseEvent(ev.EventType)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			logging.S().Warnw("events: dropping event for slow subscriber",
				"event_type", ev.EventType, "event_id", ev.EventID)
		}
	}
	return nil
}

// Subscribe registers a new filtered subscriber. The returned cancel func
// unregisters and closes the channel; callers must call it exactly once.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	id := atomic.AddUint64(&b.nextSubID, 1)

	b.mu.Lock()
	b.subs[id] = &subscription{id: id, filter: filter, ch: ch}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// SubscriberCount reports the number of live subscriptions, for tests and
// diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
