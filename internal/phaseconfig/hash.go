package phaseconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// deriveHash computes SHA-256(canonical_json({agents, rubrics, budgets,
// version})) per SPEC_FULL.md §4.A, returned as 64 lowercase hex
// characters. Canonicalization sorts keys recursively at every object
// level and sorts the agents list; arrays elsewhere preserve order.
func deriveHash(c *PhaseConfig) (string, error) {
	agents := make([]string, len(c.Agents))
	copy(agents, c.Agents)
	sort.Strings(agents)

	version := c.Version
	if version == "" {
		version = "1.0.0"
	}

	payload := map[string]interface{}{
		"agents": toInterfaceSlice(agents),
		"budgets": map[string]interface{}{
			"tokens":        c.Budgets.Tokens,
			"tools_minutes": c.Budgets.ToolsMinutes,
		},
		"rubrics": canonicalize(c.Rubrics),
		"version": version,
	}
	if c.Budgets.GPUHours != 0 {
		payload["budgets"].(map[string]interface{})["gpu_hours"] = c.Budgets.GPUHours
	}

	// Go's encoding/json sorts map[string]interface{} keys alphabetically
	// at every nesting level, which is exactly sort_keys_deep; slices are
	// left in source order, satisfying the "arrays preserve order" rule.
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// canonicalize recursively converts TOML-decoded values (which may use
// map[string]interface{}, []interface{}, or scalar types) into a plain
// value tree that json.Marshal will render with deeply-sorted object
// keys and order-preserved arrays.
func canonicalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = canonicalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = canonicalize(val)
		}
		return out
	default:
		return t
	}
}
