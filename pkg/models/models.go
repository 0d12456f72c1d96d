// Package models holds the persisted entities of the workflow orchestration
// engine: Run, PhaseRun, Task, Heartbeat, Signal, Shard, ShardAssignment,
// ModelCapabilities, ModelHealth, ModelUsage, Checkpoint, WorkflowEvent and
// TenantBudget. Each of these maps to exactly one table in the persisted
// schema; GORM tags drive AutoMigrate, and the golang-migrate SQL migrations
// under migrations/ define the same tables separately.
package models

import (
	"time"

	"gorm.io/gorm"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunFailed    RunStatus = "failed"
	RunCompleted RunStatus = "completed"
)

// Run is a single workflow execution driven by the Mothership Orchestrator
// through the ordered phase list.
type Run struct {
	ID        string         `json:"run_id" gorm:"primaryKey;column:run_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	TenantID  string  `json:"tenant_id" gorm:"not null;index"`
	ProjectID *string `json:"project_id,omitempty"`
	IdeaSpec  string  `json:"idea_spec" gorm:"type:text"`

	Status       RunStatus `json:"status" gorm:"not null;default:created;index"`
	CurrentPhase string    `json:"current_phase"`
	PhaseSeq     int       `json:"phase_seq" gorm:"default:0"` // monotonic per-phase sequence

	CumulativeCostUSD float64 `json:"cumulative_cost_usd" gorm:"type:numeric(12,6);default:0"`
	MaxBudgetUSD      float64 `json:"max_budget_usd" gorm:"type:numeric(12,6);default:0"`
}

func (Run) TableName() string { return "runs" }

// PhaseRunStatus is the lifecycle state of one phase execution within a Run.
type PhaseRunStatus string

const (
	PhaseRunPending    PhaseRunStatus = "pending"
	PhaseRunRunning    PhaseRunStatus = "running"
	PhaseRunStalled    PhaseRunStatus = "stalled"
	PhaseRunReady      PhaseRunStatus = "ready"
	PhaseRunGatePassed PhaseRunStatus = "gate_passed"
	PhaseRunGateFailed PhaseRunStatus = "gate_failed"
	PhaseRunErrored    PhaseRunStatus = "errored"
)

// PhaseRun is one execution of one phase within a Run. Owned by the Phase
// Coordinator.
type PhaseRun struct {
	ID        string         `json:"phase_run_id" gorm:"primaryKey;column:phase_run_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	RunID string `json:"run_id" gorm:"not null;index"`
	Phase string `json:"phase" gorm:"not null"`
	Hash  string `json:"hash" gorm:"not null"` // PhasePlan.hash, 64-char lowercase hex

	Status      PhaseRunStatus `json:"status" gorm:"not null;default:pending;index"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func (PhaseRun) TableName() string { return "phase_runs" }

// TaskStatus is the lifecycle state of one Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one unit of work handed to a worker inside a phase. Owned by the
// Phase Coordinator; mutated by worker heartbeats and completion callbacks.
type Task struct {
	ID        string         `json:"task_id" gorm:"primaryKey;column:task_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	PhaseRunID string `json:"phase_run_id" gorm:"not null;index"`
	Agent      string `json:"agent" gorm:"not null"`
	ShardID    string `json:"shard_id"`
	ModelID    string `json:"model_id"`

	Status          TaskStatus `json:"status" gorm:"not null;default:pending;index"`
	RetryCount      int        `json:"retry_count" gorm:"default:0"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	ProgressPct     float64    `json:"progress_pct" gorm:"default:0"`
	ETA             *time.Time `json:"eta,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

func (Task) TableName() string { return "tasks" }

// Heartbeat is an append-only liveness/progress record for a Task. The
// latest row per task_id is authoritative.
type Heartbeat struct {
	ID         uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	TaskID     string    `json:"task_id" gorm:"not null;index"`
	RunID      string    `json:"run_id" gorm:"not null;index"`
	Phase      string    `json:"phase" gorm:"not null"`
	Pct        float64   `json:"pct"`
	ETA        time.Time `json:"eta"`
	Metrics    string    `json:"metrics,omitempty" gorm:"type:text"` // serialized JSON
	ReceivedAt time.Time `json:"received_at" gorm:"not null;index"`
}

func (Heartbeat) TableName() string { return "heartbeats" }

// SignalType enumerates the control directives the Signal Bus delivers.
type SignalType string

const (
	SignalPause  SignalType = "pause"
	SignalResume SignalType = "resume"
	SignalRetry  SignalType = "retry"
	SignalCancel SignalType = "cancel"
)

// SignalScope enumerates the addressable target scopes for a Signal.
type SignalScope string

const (
	ScopeRun   SignalScope = "run"
	ScopePhase SignalScope = "phase"
	ScopeTask  SignalScope = "task"
)

// SignalStatus is the delivery/acknowledgement state of a Signal.
type SignalStatus string

const (
	SignalPending      SignalStatus = "pending"
	SignalAcknowledged SignalStatus = "acknowledged"
	SignalIgnored      SignalStatus = "ignored"
)

// SignalTarget addresses a Signal at a run, phase, or task.
type SignalTarget struct {
	Scope SignalScope `json:"scope"`
	ID    string      `json:"id"`
}

// Signal is a control directive delivered through the Signal Bus.
type Signal struct {
	ID             string       `json:"id" gorm:"primaryKey"`
	CreatedAt      time.Time    `json:"-"`
	Type           SignalType   `json:"type" gorm:"not null"`
	TargetScope    SignalScope  `json:"target_scope" gorm:"not null;index:idx_signal_target"`
	TargetID       string       `json:"target_id" gorm:"not null;index:idx_signal_target"`
	Reason         string       `json:"reason"`
	SentBy         string       `json:"sent_by"`
	SentAt         time.Time    `json:"sent_at" gorm:"not null"`
	Status         SignalStatus `json:"status" gorm:"not null;default:pending;index"`
	AcknowledgedAt *time.Time   `json:"acknowledged_at,omitempty"`
}

func (Signal) TableName() string { return "signals" }

// Target reassembles the weak (scope, id) reference carried by a Signal.
func (s Signal) Target() SignalTarget {
	return SignalTarget{Scope: s.TargetScope, ID: s.TargetID}
}

// ShardType enumerates the tenant-isolation scope of a Shard.
type ShardType string

const (
	ShardTenant  ShardType = "tenant"
	ShardProject ShardType = "project"
	ShardGlobal  ShardType = "global"
)

// ShardStatus is the operational state of a Shard.
type ShardStatus string

const (
	ShardActive   ShardStatus = "active"
	ShardDraining ShardStatus = "draining"
	ShardOffline  ShardStatus = "offline"
)

// WorkerPoolLimit describes the min/max/current sizing of one phase's worker
// pool on a Shard.
type WorkerPoolLimit struct {
	Min          int    `json:"min"`
	Max          int    `json:"max"`
	Current      int    `json:"current"`
	ResourceType string `json:"resource_type"` // cpu, gpu, mixed
}

// Shard is a partition of runs mapped to a worker pool, used for tenant
// isolation and horizontal scale.
type Shard struct {
	ID        string         `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Type      ShardType `json:"type" gorm:"not null"`
	TenantID  *string   `json:"tenant_id,omitempty" gorm:"index"`
	ProjectID *string   `json:"project_id,omitempty" gorm:"index"`

	WorkerPools map[string]WorkerPoolLimit `json:"worker_pools" gorm:"serializer:json"`

	Status ShardStatus `json:"status" gorm:"not null;default:active;index"`
}

func (Shard) TableName() string { return "shards" }

// ShardAssignment pins a Run to a Shard. Unique per run_id; sticky
// assignments survive rebalance while the current shard remains active.
type ShardAssignment struct {
	RunID      string    `json:"run_id" gorm:"primaryKey;column:run_id"`
	ShardID    string    `json:"shard_id" gorm:"not null;index"`
	TenantID   string    `json:"tenant_id" gorm:"not null"`
	ProjectID  *string   `json:"project_id,omitempty"`
	AssignedAt time.Time `json:"assigned_at" gorm:"not null"`
	Sticky     bool      `json:"sticky" gorm:"default:true"`
}

func (ShardAssignment) TableName() string { return "shard_assignments" }

// PrivacyMode constrains which backends a routing request may consider.
type PrivacyMode string

const (
	PrivacyPublic       PrivacyMode = "public"
	PrivacyConfidential PrivacyMode = "confidential"
	PrivacyLocalOnly    PrivacyMode = "local_only"
)

// ModelCapabilities describes the static capability profile of one routable
// backend model.
type ModelCapabilities struct {
	ModelID             string   `json:"model_id" gorm:"primaryKey;column:model_id"`
	MaxTokens           int      `json:"max_tokens"`
	SupportsTools       bool     `json:"supports_tools"`
	CodeOptimized       bool     `json:"code_optimized"`
	CostPerMillionUSD   float64  `json:"cost_per_million_tokens"`
	LatencyP95Ms        int      `json:"latency_p95_ms"`
	Skills              []string `json:"skills" gorm:"serializer:json"`
	LocallyHosted       bool     `json:"locally_hosted"`
	CheapTier           bool     `json:"cheap_tier"`
	RequiresOAuthClient bool     `json:"requires_oauth_client"`
}

// ModelHealth is the mutable liveness/telemetry record for one backend model.
type ModelHealth struct {
	ModelID      string    `json:"model_id" gorm:"primaryKey;column:model_id"`
	Healthy      bool      `json:"healthy" gorm:"default:true"`
	LastCheck    time.Time `json:"last_check"`
	ErrorRate    float64   `json:"error_rate"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	Availability float64   `json:"availability" gorm:"default:1"`
}

// ModelUsage is an append-only usage/cost ledger row written by
// record_usage.
type ModelUsage struct {
	ID            uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	TenantID      string    `json:"tenant_id" gorm:"not null;index"`
	ModelID       string    `json:"model_id" gorm:"not null"`
	ActualTokens  int64     `json:"actual_tokens"`
	ActualCostUSD float64   `json:"actual_cost_usd" gorm:"type:numeric(12,6)"`
	RecordedAt    time.Time `json:"recorded_at" gorm:"not null;index"`
}

func (ModelUsage) TableName() string { return "model_usage" }

// Checkpoint is a durable recovery point written by the Mothership
// Orchestrator at phase boundaries (run-scoped) or by the Phase Coordinator
// at task boundaries (phase-run-scoped).
type Checkpoint struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	RunID             string  `json:"run_id" gorm:"not null;index"`
	Phase             string  `json:"phase"`
	LastCompletePhase string  `json:"last_complete_phase"`
	CumulativeCostUSD float64 `json:"cumulative_cost_usd" gorm:"type:numeric(12,6)"`
	Hash              string  `json:"hash"`

	// PhaseRun-scoped checkpoints additionally carry a task-boundary marker.
	PhaseRunID string `json:"phase_run_id,omitempty" gorm:"index"`
	TaskIndex  int    `json:"task_index,omitempty"`
}

func (Checkpoint) TableName() string { return "checkpoints" }

// WorkflowEvent is an append-only row backing the bus's durable event log
// (component J), one row per emitted event of the §6 taxonomy.
type WorkflowEvent struct {
	ID            uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	EventID       string    `json:"event_id" gorm:"uniqueIndex;not null"`
	EventType     string    `json:"event_type" gorm:"not null;index"`
	Timestamp     time.Time `json:"timestamp" gorm:"not null;index"`
	WorkflowRunID string    `json:"workflow_run_id" gorm:"index"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Payload       string    `json:"payload,omitempty" gorm:"type:text"` // serialized JSON
}

func (WorkflowEvent) TableName() string { return "workflow_events" }

// TenantBudget caps a tenant's total model spend. Optional: a tenant with
// no row here is unconstrained (modelrouter.BudgetLedger.RemainingBudget
// reports ok=false).
type TenantBudget struct {
	TenantID string  `json:"tenant_id" gorm:"primaryKey;column:tenant_id"`
	LimitUSD float64 `json:"limit_usd" gorm:"not null;type:numeric(12,6)"`
}

func (TenantBudget) TableName() string { return "tenant_budgets" }
