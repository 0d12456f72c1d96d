package phaseconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const intakeTOML = `
phase = "INTAKE"
parallelism = "sequential"
agents = ["B", "A"]
allowlisted_tools = ["tool.norm", "guard.cm"]
heartbeat_seconds = 60
stall_threshold_heartbeats = 3
timebox = "PT1H"
version = "1.0.0"

[budgets]
tokens = 700000
tools_minutes = 60

[rubrics]
grounding_min = 0.85
`

func writeDescriptor(t *testing.T, dir, phase, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, phase+".toml"), []byte(content), 0o644))
}

func TestLoadAndDerivePlan_ScenarioOne(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "INTAKE", intakeTOML)

	loader := NewLoader(dir, nil)
	ctx := context.Background()

	plan, err := loader.DerivePlan(ctx, "INTAKE", nil)
	require.NoError(t, err)

	require.Equal(t, []string{"tool.norm"}, plan.Tools)
	require.Equal(t, []string{"guard.cm"}, plan.Guards)
	require.Equal(t, "1.0.0", plan.Version)
	require.Equal(t, 64, len(plan.Hash))

	// Worked example from SPEC_FULL.md §8 scenario 1: agents are recorded
	// in file order on the config, but the hash sorts them internally.
	require.Equal(t, []string{"B", "A"}, plan.Config.Agents)
}

func TestDerivePlan_Deterministic(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "INTAKE", intakeTOML)

	loader := NewLoader(dir, nil)
	ctx := context.Background()

	p1, err := loader.DerivePlan(ctx, "INTAKE", nil)
	require.NoError(t, err)
	p2, err := loader.DerivePlan(ctx, "INTAKE", nil)
	require.NoError(t, err)
	require.Equal(t, p1.Hash, p2.Hash)

	// Agents order and budgets key order in the source file must not
	// affect the hash.
	writeDescriptor(t, dir, "REORDERED", `
phase = "REORDERED"
parallelism = "sequential"
agents = ["A", "B"]
allowlisted_tools = ["tool.norm", "guard.cm"]
heartbeat_seconds = 60
stall_threshold_heartbeats = 3
timebox = "PT1H"
version = "1.0.0"

[budgets]
tools_minutes = 60
tokens = 700000

[rubrics]
grounding_min = 0.85
`)
	p3, err := loader.DerivePlan(ctx, "REORDERED", nil)
	require.NoError(t, err)
	require.Equal(t, p1.Hash, p3.Hash)
}

func TestLoad_NotFound(t *testing.T) {
	loader := NewLoader(t.TempDir(), nil)
	_, err := loader.Load(context.Background(), "MISSING")
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, KindNotFound, cfgErr.Kind)
	require.Contains(t, cfgErr.Message, "MISSING.toml")
}

func TestValidate_RejectsFirstFailingField(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "BAD", `
phase = "BAD"
parallelism = "bogus"
agents = ["A"]
heartbeat_seconds = 60
stall_threshold_heartbeats = 3
timebox = "PT1H"

[budgets]
tokens = 100
tools_minutes = 10
`)
	loader := NewLoader(dir, nil)
	_, err := loader.Load(context.Background(), "BAD")
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, KindInvalidConfig, cfgErr.Kind)
	require.Equal(t, "parallelism", cfgErr.Field)
}

func TestValidate_EmptyAgents(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "BAD", `
phase = "BAD"
parallelism = "sequential"
agents = []
heartbeat_seconds = 60
stall_threshold_heartbeats = 3
timebox = "PT1H"

[budgets]
tokens = 100
tools_minutes = 10
`)
	loader := NewLoader(dir, nil)
	_, err := loader.Load(context.Background(), "BAD")
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "agents", cfgErr.Field)
}

func TestValidate_MalformedTimebox(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "BAD", `
phase = "BAD"
parallelism = "sequential"
agents = ["A"]
heartbeat_seconds = 60
stall_threshold_heartbeats = 3
timebox = "1 hour"

[budgets]
tokens = 100
tools_minutes = 10
`)
	loader := NewLoader(dir, nil)
	_, err := loader.Load(context.Background(), "BAD")
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "timebox", cfgErr.Field)
}

func TestCache_ServesWithinTTL(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "INTAKE", intakeTOML)
	loader := NewLoader(dir, nil)
	ctx := context.Background()

	_, err := loader.Load(ctx, "INTAKE")
	require.NoError(t, err)

	// Remove the file; a cached load must still succeed within the TTL.
	require.NoError(t, os.Remove(filepath.Join(dir, "INTAKE.toml")))
	cfg, err := loader.Load(ctx, "INTAKE")
	require.NoError(t, err)
	require.Equal(t, "INTAKE", cfg.Phase)
}
