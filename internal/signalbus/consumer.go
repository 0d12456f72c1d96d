package signalbus

import (
	"context"

	"github.com/apex-build/orchestrator/pkg/models"
)

// Consumer policy hooks, invoked by the Phase Coordinator (component G)
// and Mothership Orchestrator (component H) when a signal is delivered.
// The bus itself only transports and persists; these are the documented
// per-type reactions from spec.md §4.B, exposed here so every consumer
// applies the same rules instead of re-deriving them.

// RetryDecision is the outcome of applying a retry signal to a task's
// current retry count against the run's configured maximum.
type RetryDecision struct {
	// Retry is true if the task should be reset to pending and
	// re-dispatched with RetryCount incremented.
	Retry bool
	// RetryCount is the new retry count to persist (valid whether or not
	// Retry is true — a task that exceeds the max still records the
	// attempt before transitioning to failed).
	RetryCount int
}

// DefaultMaxRetries is the retry ceiling when a run does not configure
// its own, per spec.md §4.B.
const DefaultMaxRetries = 3

// ApplyRetry decides whether a task receiving a `retry` signal should be
// re-dispatched or transitioned to failed, per spec.md §4.B: "reset the
// task to pending and re-dispatch with retry_count += 1; if retry_count
// exceeds the run's configured maximum (default 3), transition to
// failed instead."
func ApplyRetry(currentRetryCount, maxRetries int) RetryDecision {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	next := currentRetryCount + 1
	return RetryDecision{Retry: next <= maxRetries, RetryCount: next}
}

// CancelPropagationTargets expands a cancel signal received at scope R
// into every descendant target it must also reach: run -> phases ->
// tasks. Callers supply the currently-live phase and task IDs under the
// run; CancelPropagationTargets does not query the store itself so it
// stays usable from pure unit tests.
func CancelPropagationTargets(runID string, phaseIDs, taskIDs []string) []models.SignalTarget {
	targets := make([]models.SignalTarget, 0, 1+len(phaseIDs)+len(taskIDs))
	targets = append(targets, models.SignalTarget{Scope: models.ScopeRun, ID: runID})
	for _, id := range phaseIDs {
		targets = append(targets, models.SignalTarget{Scope: models.ScopePhase, ID: id})
	}
	for _, id := range taskIDs {
		targets = append(targets, models.SignalTarget{Scope: models.ScopeTask, ID: id})
	}
	return targets
}

// PropagateCancel sends a cancel signal to runID and every descendant
// phase/task target, in run -> phases -> tasks order.
func (b *Bus) PropagateCancel(ctx context.Context, runID string, phaseIDs, taskIDs []string, reason, sentBy string) error {
	for _, target := range CancelPropagationTargets(runID, phaseIDs, taskIDs) {
		if _, err := b.Send(ctx, models.SignalCancel, target, reason, sentBy); err != nil {
			return err
		}
	}
	return nil
}
