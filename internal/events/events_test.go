package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublish_DispatchesToMatchingSubscriberOnly(t *testing.T) {
	bus := New(nil)

	phaseCh, cancelPhase := bus.Subscribe(Filter{EventTypes: []string{"phase.started"}})
	defer cancelPhase()
	agentCh, cancelAgent := bus.Subscribe(Filter{EventTypes: []string{"agent.started"}})
	defer cancelAgent()

	err := bus.Publish(context.Background(), Event{EventType: "phase.started", WorkflowRunID: "run-1"})
	require.NoError(t, err)

	select {
	case ev := <-phaseCh:
		require.Equal(t, "phase.started", ev.EventType)
		require.NotEmpty(t, ev.EventID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for phase.started")
	}

	select {
	case ev := <-agentCh:
		t.Fatalf("unexpected event on unrelated subscriber: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_RunScopedFilter(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe(Filter{WorkflowRunID: "run-1"})
	defer cancel()

	require.NoError(t, bus.Publish(context.Background(), Event{EventType: "phase.ready", WorkflowRunID: "run-2"}))
	require.NoError(t, bus.Publish(context.Background(), Event{EventType: "phase.ready", WorkflowRunID: "run-1"}))

	select {
	case ev := <-ch:
		require.Equal(t, "run-1", ev.WorkflowRunID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for run-1 event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancel_RemovesSubscriberAndClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe(Filter{})
	require.Equal(t, 1, bus.SubscriberCount())

	cancel()
	require.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-ch
	require.False(t, ok)
}

func TestPublish_SlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe(Filter{})
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		err := bus.Publish(context.Background(), Event{EventType: "phase.progress"})
		require.NoError(t, err)
	}

	require.Len(t, ch, subscriberBuffer)
}
