// Package signalbus delivers control-plane directives — pause, resume,
// retry, cancel — to run/phase/task targets. A signal is durable the
// moment Send returns; in-process dispatch to live subscribers follows,
// generalizing the teacher's websocket.Hub room broadcast (register /
// unregister channels, non-blocking send, drop-on-slow) from WebSocket
// clients to arbitrary chan models.Signal subscribers keyed by
// (scope, id).
package signalbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apex-build/orchestrator/internal/logging"
	"github.com/apex-build/orchestrator/pkg/models"
)

// Store is the durable persistence contract the bus depends on. The
// production implementation is store.SignalStore (component I); tests may
// supply an in-memory fake.
type Store interface {
	Create(ctx context.Context, s *models.Signal) error
	Acknowledge(ctx context.Context, signalID string, at time.Time) (*models.Signal, error)
	PendingFor(ctx context.Context, scope models.SignalScope, id string) ([]models.Signal, error)
	HasPending(ctx context.Context, scope models.SignalScope, id string, typ models.SignalType) (bool, error)
	Get(ctx context.Context, signalID string) (*models.Signal, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DefaultRetention is how long acknowledged/ignored signals survive
// before Cleanup purges them, per spec.md §4.B.
const DefaultRetention = 30 * 24 * time.Hour

// coalesceWindow bounds "duplicate signal" suppression: a second Send for
// the same (type, target) within this window is coalesced into the
// existing pending signal rather than persisted again.
const coalesceWindow = time.Second

// Bus is the Signal Bus (component B). It owns durable persistence
// through Store and best-effort in-process fanout to subscribers
// registered via Subscribe.
type Bus struct {
	store Store

	mu          sync.RWMutex
	subscribers map[string]map[chan models.Signal]struct{}

	recentMu sync.Mutex
	recent   map[string]*models.Signal // key -> most recent signal of that (type,target)
}

// New constructs a Bus backed by store.
func New(store Store) *Bus {
	return &Bus{
		store:       store,
		subscribers: make(map[string]map[chan models.Signal]struct{}),
		recent:      make(map[string]*models.Signal),
	}
}

func targetMapKey(scope models.SignalScope, id string) string {
	return string(scope) + ":" + id
}

func dedupeKey(typ models.SignalType, scope models.SignalScope, id string) string {
	return string(typ) + "|" + targetMapKey(scope, id)
}

// Subscribe registers a channel to receive signals addressed to
// (scope, id). Sends are non-blocking: a slow or full subscriber drops
// the signal rather than stalling the bus, matching the teacher's hub
// broadcast posture. The returned func unregisters the channel.
func (b *Bus) Subscribe(scope models.SignalScope, id string, ch chan models.Signal) (unsubscribe func()) {
	key := targetMapKey(scope, id)

	b.mu.Lock()
	if b.subscribers[key] == nil {
		b.subscribers[key] = make(map[chan models.Signal]struct{})
	}
	b.subscribers[key][ch] = struct{}{}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subscribers[key]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subscribers, key)
			}
		}
	}
}

// Send persists a signal durably, then dispatches it to subscribers of
// its target. Duplicate signals — same type and target within
// coalesceWindow — are coalesced: the existing pending signal is
// returned and no new row is written, per spec.md §4.B's "MAY be
// coalesced" allowance.
func (b *Bus) Send(ctx context.Context, typ models.SignalType, target models.SignalTarget, reason, sentBy string) (*models.Signal, error) {
	key := dedupeKey(typ, target.Scope, target.ID)
	now := time.Now()

	b.recentMu.Lock()
	if prior, ok := b.recent[key]; ok && prior.Status == models.SignalPending && now.Sub(prior.SentAt) < coalesceWindow {
		b.recentMu.Unlock()
		return prior, nil
	}
	b.recentMu.Unlock()

	sig := &models.Signal{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		Type:        typ,
		TargetScope: target.Scope,
		TargetID:    target.ID,
		Reason:      reason,
		SentBy:      sentBy,
		SentAt:      now,
		Status:      models.SignalPending,
	}

	if err := b.store.Create(ctx, sig); err != nil {
		return nil, fmt.Errorf("signalbus: persisting signal: %w", err)
	}

	b.recentMu.Lock()
	b.recent[key] = sig
	b.recentMu.Unlock()

	b.dispatch(*sig)
	return sig, nil
}

func (b *Bus) dispatch(sig models.Signal) {
	mapKey := targetMapKey(sig.TargetScope, sig.TargetID)

	b.mu.RLock()
	subs := b.subscribers[mapKey]
	chans := make([]chan models.Signal, 0, len(subs))
	for ch := range subs {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- sig:
		default:
			logging.S().Warnw("signalbus: dropping signal for slow subscriber",
				"signal_id", sig.ID, "type", sig.Type, "target_scope", sig.TargetScope, "target_id", sig.TargetID)
		}
	}
}

// Acknowledge marks a pending signal acknowledged. Repeat acknowledges of
// an already-acknowledged signal are no-ops that return the signal
// unchanged.
func (b *Bus) Acknowledge(ctx context.Context, signalID string) (*models.Signal, error) {
	return b.store.Acknowledge(ctx, signalID, time.Now())
}

// PendingFor returns unacknowledged signals for a target, oldest first.
func (b *Bus) PendingFor(ctx context.Context, scope models.SignalScope, id string) ([]models.Signal, error) {
	sigs, err := b.store.PendingFor(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].SentAt.Before(sigs[j].SentAt) })
	return sigs, nil
}

// HasPending is the hot check runner loops use to test for a specific
// pending signal type without allocating a slice.
func (b *Bus) HasPending(ctx context.Context, scope models.SignalScope, id string, typ models.SignalType) (bool, error) {
	return b.store.HasPending(ctx, scope, id, typ)
}

// Cleanup purges non-pending signals older than retention (defaulting to
// DefaultRetention when retention <= 0).
func (b *Bus) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return b.store.PurgeOlderThan(ctx, time.Now().Add(-retention))
}
