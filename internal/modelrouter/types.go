package modelrouter

import "github.com/apex-build/orchestrator/pkg/models"

// Request is a routing request per spec.md §4.E.
type Request struct {
	TaskAffinity    string
	EstimatedTokens int
	RequiresTools   bool
	PrivacyMode     models.PrivacyMode
	MaxCostUSD      *float64
	MaxLatencyMs    *int
	TenantID        string
}

// Decision is the routing pipeline's result.
type Decision struct {
	SelectedModel    string
	Rationale        string
	FallbackList     []string
	EstimatedCost    float64
	EstimatedLatency int
	Confidence       float64
}

type candidate struct {
	caps   models.ModelCapabilities
	health models.ModelHealth
	score  float64
}
