package metrics

import (
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reliabilityLabelSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

	runFinalizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "reliability",
			Name:      "run_finalizations_total",
			Help:      "Total number of workflow run finalizations by status and reason",
		},
		[]string{"status", "reason"},
	)

	checkpointResumesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "reliability",
			Name:      "checkpoint_resumes_total",
			Help:      "Total number of checkpoint resume attempts by result",
		},
		[]string{"result"},
	)
)

// RecordRunFinalization records the terminal status a workflow run ended
// in, e.g. from the Mothership Orchestrator's RunWorkflow exit path.
func RecordRunFinalization(status, reason string) {
	runFinalizationsTotal.WithLabelValues(
		sanitizeReliabilityLabel(status, "unknown"),
		sanitizeReliabilityLabel(reason, "unknown"),
	).Inc()
}

// RecordCheckpointResume records a resume-signal attempt issued through
// the HTTP Surface's POST /checkpoints/:id/resume.
func RecordCheckpointResume(result string) {
	checkpointResumesTotal.WithLabelValues(
		sanitizeReliabilityLabel(result, "unknown"),
	).Inc()
}

func sanitizeReliabilityLabel(raw, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return fallback
	}
	s = reliabilityLabelSanitizer.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return fallback
	}
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}
