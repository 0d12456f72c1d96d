// Package heartbeat tracks task liveness and detects stalls. A
// background ticker, mirroring the teacher's
// metrics.BusinessMetricsCollector periodic-collection goroutine, scans
// tracked tasks every heartbeat interval and reports any that have gone
// quiet for too long.
package heartbeat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/apex-build/orchestrator/internal/logging"
)

// StallEvent is emitted for a task the Monitor judges stalled.
type StallEvent struct {
	TaskID          string
	Reason          string
	LastHeartbeatAt time.Time
	ElapsedMs       int64
}

// Unsticker is invoked once per stalled task, after the stall event is
// emitted and the task is dropped from tracking — the unsticker owns
// recovery (re-dispatch, signal, mark failed, etc).
type Unsticker func(ctx context.Context, ev StallEvent)

// EventSink receives phase.stalled events, e.g. component J's event bus.
type EventSink func(ev StallEvent)

type trackedTask struct {
	registeredAt time.Time
	lastBeat     time.Time
	hasBeat      bool
	pct          float64
	eta          time.Time
	metrics      string
}

// Monitor is the Heartbeat Monitor (component C). One Monitor instance
// is created per phase coordinator, matching the teacher's
// one-collector-per-concern shape.
type Monitor struct {
	heartbeatInterval time.Duration
	stallThreshold    int

	unsticker Unsticker
	sink      EventSink

	mu     sync.Mutex
	tasks  map[string]*trackedTask
	stopCh chan struct{}
	doneCh chan struct{}
}

// Config parameterizes a Monitor from a PhaseConfig's heartbeat fields.
type Config struct {
	HeartbeatSeconds         int
	StallThresholdHeartbeats int
	Unsticker                Unsticker
	Sink                     EventSink
}

// New constructs a Monitor. Start must be called to begin the
// background stall-detection tick.
func New(cfg Config) *Monitor {
	interval := time.Duration(cfg.HeartbeatSeconds) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	threshold := cfg.StallThresholdHeartbeats
	if threshold <= 0 {
		threshold = 1
	}
	return &Monitor{
		heartbeatInterval: interval,
		stallThreshold:    threshold,
		unsticker:         cfg.Unsticker,
		sink:              cfg.Sink,
		tasks:             make(map[string]*trackedTask),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// Record updates the last-heartbeat timestamp and progress for a task,
// registering it for tracking if this is its first heartbeat.
func (m *Monitor) Record(taskID string, pct float64, eta time.Time, metrics string) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		t = &trackedTask{registeredAt: now}
		m.tasks[taskID] = t
	}
	t.lastBeat = now
	t.hasBeat = true
	t.pct = pct
	t.eta = eta
	t.metrics = metrics
}

// Register begins tracking a task that has not yet sent a heartbeat. A
// task with no heartbeat is treated as running for its configured grace
// window (heartbeat_seconds * stall_threshold_heartbeats from
// registration), per spec.md §4.C.
func (m *Monitor) Register(taskID string) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		m.tasks[taskID] = &trackedTask{registeredAt: now}
	}
}

// TaskCompleted removes a task from tracking.
func (m *Monitor) TaskCompleted(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
}

// Tracked reports whether a task is currently tracked (test/inspection
// helper).
func (m *Monitor) Tracked(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[taskID]
	return ok
}

// Start begins the background stall-detection ticker. Stop or ctx
// cancellation ends it.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.tick()
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background ticker and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) tick() {
	now := time.Now()
	grace := m.heartbeatInterval * time.Duration(m.stallThreshold)

	var stalled []StallEvent
	m.mu.Lock()
	for taskID, t := range m.tasks {
		reference := t.registeredAt
		if t.hasBeat {
			reference = t.lastBeat
		}
		elapsed := now.Sub(reference)
		if elapsed > grace {
			stalled = append(stalled, StallEvent{
				TaskID:          taskID,
				Reason:          "no heartbeat within threshold",
				LastHeartbeatAt: reference,
				ElapsedMs:       elapsed.Milliseconds(),
			})
		}
	}
	for _, ev := range stalled {
		delete(m.tasks, ev.TaskID)
	}
	m.mu.Unlock()

	// Ascending last-heartbeat order, per spec.md §4.C.
	sort.Slice(stalled, func(i, j int) bool {
		return stalled[i].LastHeartbeatAt.Before(stalled[j].LastHeartbeatAt)
	})

	for _, ev := range stalled {
		logging.S().Warnw("heartbeat: task stalled", "task_id", ev.TaskID, "elapsed_ms", ev.ElapsedMs)
		if m.sink != nil {
			m.sink(ev)
		}
		if m.unsticker != nil {
			m.unsticker(context.Background(), ev)
		}
	}
}
