// Package phaseconfig loads declarative phase descriptors from TOML files,
// validates them, and derives the deterministic replay hash every phase
// run is keyed by. It is the Phase Config Loader of the orchestration
// engine (component A).
package phaseconfig

import "regexp"

// Parallelism is the fan-out strategy for a phase. It is either one of the
// named keywords or a positive integer batch size, so it is modeled as a
// string and validated by validateParallelism.
type Parallelism string

const (
	ParallelismSequential Parallelism = "sequential"
	ParallelismPartial    Parallelism = "partial"
	ParallelismIterative  Parallelism = "iterative"
)

// Budgets bounds the resources one phase run may consume.
type Budgets struct {
	Tokens       int     `toml:"tokens"`
	ToolsMinutes int     `toml:"tools_minutes"`
	GPUHours     float64 `toml:"gpu_hours,omitempty"`
}

// Refinery tunes the fission/fusion consensus thresholds a phase's gate may
// consult. The orchestrator does not interpret these values itself — they
// are opaque configuration handed to the external gate evaluator.
type Refinery struct {
	FissionMinCoverage float64 `toml:"fission_min_coverage"`
	FusionMinConsensus float64 `toml:"fusion_min_consensus"`
}

// LoopConfig bounds an `iterative` phase's outer loop.
type LoopConfig struct {
	MaxIterations       int    `toml:"max_iterations"`
	CompletionCondition string `toml:"completion_condition"`
	IterationTimeout    string `toml:"iteration_timeout"`
}

// PhaseConfig is the declarative descriptor for one phase, as loaded from
// its TOML file. See SPEC_FULL.md §3 and §4.A.
type PhaseConfig struct {
	Phase       string   `toml:"phase"`
	Parallelism string   `toml:"parallelism"`
	Agents      []string `toml:"agents"`

	Budgets          Budgets                `toml:"budgets"`
	Rubrics          map[string]interface{} `toml:"rubrics"`
	AllowlistedTools []string               `toml:"allowlisted_tools"`

	HeartbeatSeconds         int      `toml:"heartbeat_seconds"`
	StallThresholdHeartbeats int      `toml:"stall_threshold_heartbeats"`
	Refinery                 Refinery `toml:"refinery"`
	Timebox                  string   `toml:"timebox"`

	Loop *LoopConfig `toml:"loop,omitempty"`

	// Version is an opaque version string baked into the derived hash.
	// Defaults to "1.0.0" when absent, matching the worked example in
	// SPEC_FULL.md §8 scenario 1.
	Version string `toml:"version"`

	// FanInStrategy names the component F aggregation strategy the Phase
	// Coordinator uses once fan_out completes. Not part of the replay
	// hash — it governs how results combine, not what was computed.
	// Defaults to "vote" when refinery.fusion_min_consensus is set (the
	// phase wants cross-agent consensus), else "merge".
	FanInStrategy string `toml:"fan_in_strategy,omitempty"`
}

// PhasePlan is the runtime-materialized, immutable view of a PhaseConfig:
// tools/guards split by allowlist prefix, plus the deterministic hash and
// version. See SPEC_FULL.md §4.A.
type PhasePlan struct {
	Phase   string
	Config  PhaseConfig
	Tools   []string
	Guards  []string
	Hash    string
	Version string
}

// timeboxPattern matches SPEC_FULL.md's ISO-8601 timebox grammar:
// PT<H>H(<M>M)?(<S>S)? — the hour component is mandatory.
var timeboxPattern = regexp.MustCompile(`^PT\d+H(\d+M)?(\d+S)?$`)
