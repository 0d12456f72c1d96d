package fanout

import "encoding/json"

// Aggregator is the "custom" fan-in strategy: a caller-provided function
// that aggregates a result list however it sees fit.
type Aggregator func(results []interface{}) (interface{}, error)

// FanIn aggregates results per spec.md §4.F's four strategies. strategy
// is one of "merge", "concat", "vote", or "custom" (which requires
// custom to be non-nil).
func FanIn(strategy string, results []interface{}, custom Aggregator) (interface{}, error) {
	switch strategy {
	case "merge":
		return mergeResults(results), nil
	case "concat":
		return concatResults(results), nil
	case "vote":
		return voteResults(results), nil
	case "custom":
		return custom(results)
	default:
		return nil, &Error{Kind: "invalid_strategy", Message: "unknown fan-in strategy: " + strategy}
	}
}

// Error is fanout's typed error.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return "fanout: " + e.Kind + ": " + e.Message }

// mergeResults deep-merges object results, later results overwriting
// same keys, then recursively key-sorts the merged object for
// determinism. Non-object results are skipped, per spec.md §4.F.
func mergeResults(results []interface{}) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, r := range results {
		obj, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		merged = deepMerge(merged, obj)
	}
	return canonicalizeMap(merged)
}

func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if existing, ok := out[k]; ok {
			existingMap, existingIsMap := existing.(map[string]interface{})
			incomingMap, incomingIsMap := v.(map[string]interface{})
			if existingIsMap && incomingIsMap {
				out[k] = deepMerge(existingMap, incomingMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// canonicalizeMap recursively normalizes a result tree so two equal
// values always marshal identically via json.Marshal, which already
// sorts map[string]interface{} keys at every nesting level.
func canonicalizeMap(v map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(v))
	for k, val := range v {
		out[k] = canonicalizeValue(val)
	}
	return out
}

func canonicalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return canonicalizeMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = canonicalizeValue(e)
		}
		return out
	default:
		return t
	}
}

// concatResults flattens one level: each array-valued result is spread
// into the output; a non-array result contributes itself as a single
// element, per spec.md §4.F ("concat (arrays): flatten one level").
func concatResults(results []interface{}) []interface{} {
	out := make([]interface{}, 0, len(results))
	for _, r := range results {
		if arr, ok := r.([]interface{}); ok {
			out = append(out, arr...)
			continue
		}
		out = append(out, r)
	}
	return out
}

// voteResults groups results by the canonical JSON of their key-sorted
// form and returns the group with the highest count, ties broken by
// first appearance.
func voteResults(results []interface{}) interface{} {
	type group struct {
		value interface{}
		count int
		order int
	}

	groups := make(map[string]*group)
	order := 0
	for _, r := range results {
		canon := canonicalizeValue(r)
		data, _ := json.Marshal(canon)
		key := string(data)
		if g, ok := groups[key]; ok {
			g.count++
			continue
		}
		groups[key] = &group{value: canon, count: 1, order: order}
		order++
	}

	if len(groups) == 0 {
		return nil
	}

	var winner *group
	for _, g := range groups {
		if winner == nil || g.count > winner.count || (g.count == winner.count && g.order < winner.order) {
			winner = g
		}
	}
	return winner.value
}
