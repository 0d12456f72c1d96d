package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordAndTaskCompleted(t *testing.T) {
	m := New(Config{HeartbeatSeconds: 1, StallThresholdHeartbeats: 1})
	m.Record("task-1", 50, time.Now().Add(time.Hour), "")
	require.True(t, m.Tracked("task-1"))

	m.TaskCompleted("task-1")
	require.False(t, m.Tracked("task-1"))
}

func TestTick_DetectsStallAfterThreshold(t *testing.T) {
	var mu sync.Mutex
	var events []StallEvent

	m := New(Config{
		HeartbeatSeconds:         1,
		StallThresholdHeartbeats: 1,
		Sink: func(ev StallEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		},
	})

	// Backdate the registration so the very first tick already exceeds
	// the grace window, rather than sleeping out a real interval.
	m.Register("task-1")
	m.mu.Lock()
	m.tasks["task-1"].registeredAt = time.Now().Add(-10 * time.Second)
	m.mu.Unlock()

	m.tick()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	require.Equal(t, "task-1", events[0].TaskID)
	require.False(t, m.Tracked("task-1"))
}

func TestTick_NoStallBeforeFirstHeartbeatGraceWindow(t *testing.T) {
	m := New(Config{HeartbeatSeconds: 60, StallThresholdHeartbeats: 3})
	m.Register("task-1")
	m.tick()
	require.True(t, m.Tracked("task-1"))
}

func TestTick_AscendingLastHeartbeatOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	m := New(Config{
		HeartbeatSeconds:         1,
		StallThresholdHeartbeats: 1,
		Sink: func(ev StallEvent) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, ev.TaskID)
		},
	})

	now := time.Now()
	m.Register("later")
	m.Register("earlier")
	m.mu.Lock()
	m.tasks["later"].registeredAt = now.Add(-20 * time.Second)
	m.tasks["earlier"].registeredAt = now.Add(-30 * time.Second)
	m.mu.Unlock()

	m.tick()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"earlier", "later"}, order)
}

func TestUnsticker_InvokedAfterRemoval(t *testing.T) {
	invoked := make(chan struct{}, 1)
	var m *Monitor
	m = New(Config{
		HeartbeatSeconds:         1,
		StallThresholdHeartbeats: 1,
		Unsticker: func(_ context.Context, ev StallEvent) {
			require.False(t, m.Tracked(ev.TaskID))
			invoked <- struct{}{}
		},
	})

	m.Register("task-1")
	m.mu.Lock()
	m.tasks["task-1"].registeredAt = time.Now().Add(-10 * time.Second)
	m.mu.Unlock()

	m.tick()

	select {
	case <-invoked:
	case <-time.After(time.Second):
		t.Fatal("expected unsticker to be invoked")
	}
}

func TestStartStop(t *testing.T) {
	m := New(Config{HeartbeatSeconds: 1, StallThresholdHeartbeats: 1})
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	cancel()
	m.Stop()
}
