// Package fanout implements the Fan-Out / Fan-In Runner (component F):
// it dispatches a declared agent list against an input according to a
// parallelism strategy, then aggregates the resulting list back into one
// value. Bounded concurrency follows the buffered-semaphore +
// sync.WaitGroup pattern from the corpus's recursive fan-out operator
// (other_examples: quarry's runtime.Operator), simplified here because
// our agent list is declared up front rather than discovered via
// recursive enqueue events.
package fanout

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
)

// Executor invokes one agent against an input and returns its result,
// an arbitrary JSON-compatible value (object, array, or scalar) — the
// fan-in strategy, not the executor, decides how results combine.
type Executor func(ctx context.Context, agent string, input map[string]interface{}) (interface{}, error)

// maxIterativeRounds bounds the `iterative` strategy, per spec.md §4.F.
const maxIterativeRounds = 100

// FanOut dispatches agents against input per the declared parallelism
// strategy ("sequential", "partial", "iterative", or a decimal integer
// string N), invoking exec for each. Results preserve declared agent
// order for sequential/integer/partial; iterative appends one result
// per round. If exec returns an error for one agent, FanOut stops
// starting further agents in the same or later batches, awaits
// already-running parallel siblings best-effort, and returns the error.
func FanOut(ctx context.Context, parallelism string, agents []string, input map[string]interface{}, exec Executor) ([]interface{}, error) {
	switch parallelism {
	case "sequential":
		return fanOutSequential(ctx, agents, input, exec)
	case "partial":
		n := int(math.Ceil(float64(len(agents)) / 2))
		return fanOutBatched(ctx, agents, input, exec, n)
	case "iterative":
		return fanOutIterative(ctx, agents, input, exec)
	default:
		n, err := strconv.Atoi(parallelism)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("fanout: unknown parallelism %q", parallelism)
		}
		return fanOutBatched(ctx, agents, input, exec, n)
	}
}

func fanOutSequential(ctx context.Context, agents []string, input map[string]interface{}, exec Executor) ([]interface{}, error) {
	results := make([]interface{}, 0, len(agents))
	for _, agent := range agents {
		res, err := exec(ctx, agent, input)
		if err != nil {
			return results, fmt.Errorf("fanout: agent %s: %w", agent, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// fanOutBatched runs agents in batches of up to batchSize, each batch
// parallel, batches concatenated in declared order.
func fanOutBatched(ctx context.Context, agents []string, input map[string]interface{}, exec Executor, batchSize int) ([]interface{}, error) {
	results := make([]interface{}, len(agents))

	for start := 0; start < len(agents); start += batchSize {
		end := start + batchSize
		if end > len(agents) {
			end = len(agents)
		}
		batch := agents[start:end]

		var wg sync.WaitGroup
		errs := make([]error, len(batch))
		for i, agent := range batch {
			wg.Add(1)
			go func(i int, agent string) {
				defer wg.Done()
				res, err := exec(ctx, agent, input)
				if err != nil {
					errs[i] = fmt.Errorf("fanout: agent %s: %w", agent, err)
					return
				}
				results[start+i] = res
			}(i, agent)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				return results[:end], err
			}
		}
	}
	return results, nil
}

// fanOutIterative runs agents sequentially within each round, appending
// each result, breaking early if a result's "done" field is truthy. Each
// invocation receives {...input, iteration}.
func fanOutIterative(ctx context.Context, agents []string, input map[string]interface{}, exec Executor) ([]interface{}, error) {
	var results []interface{}

	for iteration := 0; iteration < maxIterativeRounds; iteration++ {
		roundInput := make(map[string]interface{}, len(input)+1)
		for k, v := range input {
			roundInput[k] = v
		}
		roundInput["iteration"] = iteration

		done := false
		for _, agent := range agents {
			res, err := exec(ctx, agent, roundInput)
			if err != nil {
				return results, fmt.Errorf("fanout: agent %s at iteration %d: %w", agent, iteration, err)
			}
			results = append(results, res)
			if isDone(res) {
				done = true
				break
			}
		}
		if done {
			break
		}
	}
	return results, nil
}

func isDone(res interface{}) bool {
	obj, ok := res.(map[string]interface{})
	if !ok {
		return false
	}
	v, ok := obj["done"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
