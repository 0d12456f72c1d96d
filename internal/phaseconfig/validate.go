package phaseconfig

import (
	"strconv"
	"strings"
)

// validate rejects any missing required field, non-positive budget, empty
// agents list, malformed timebox, or unknown parallelism keyword, per
// SPEC_FULL.md §4.A. It reports the FIRST failing field, matching the
// spec's invalid_config contract.
func validate(c *PhaseConfig) error {
	if strings.TrimSpace(c.Phase) == "" {
		return invalidErr("phase", "phase name is required")
	}
	if err := validateParallelism(c.Parallelism); err != nil {
		return err
	}
	if len(c.Agents) == 0 {
		return invalidErr("agents", "agents list must not be empty")
	}
	if c.Budgets.Tokens <= 0 {
		return invalidErr("budgets.tokens", "tokens budget must be > 0")
	}
	if c.Budgets.ToolsMinutes <= 0 {
		return invalidErr("budgets.tools_minutes", "tools_minutes budget must be > 0")
	}
	if c.Budgets.GPUHours < 0 {
		return invalidErr("budgets.gpu_hours", "gpu_hours budget must be >= 0")
	}
	if c.HeartbeatSeconds < 1 {
		return invalidErr("heartbeat_seconds", "heartbeat_seconds must be >= 1")
	}
	if c.StallThresholdHeartbeats < 1 {
		return invalidErr("stall_threshold_heartbeats", "stall_threshold_heartbeats must be >= 1")
	}
	if !timeboxPattern.MatchString(c.Timebox) {
		return invalidErr("timebox", "timebox must match PT<H>H(<M>M)?(<S>S)?")
	}
	if c.Loop != nil {
		if c.Loop.MaxIterations <= 0 {
			return invalidErr("loop.max_iterations", "loop.max_iterations must be > 0")
		}
	}
	return nil
}

// validateParallelism accepts the three named keywords or a positive
// integer literal (N >= 1).
func validateParallelism(p string) error {
	switch Parallelism(p) {
	case ParallelismSequential, ParallelismPartial, ParallelismIterative:
		return nil
	}
	n, err := strconv.Atoi(p)
	if err != nil || n < 1 {
		return invalidErr("parallelism", "parallelism must be sequential, partial, iterative, or an integer N>=1")
	}
	return nil
}
