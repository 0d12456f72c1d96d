package modelrouter

import (
	"sort"

	"github.com/apex-build/orchestrator/pkg/models"
)

// filterByPrivacy applies spec.md §4.E's privacy filter: local_only keeps
// only locally hosted models; confidential excludes cheap/free-tier
// models; public keeps everything.
func filterByPrivacy(caps []models.ModelCapabilities, mode models.PrivacyMode) []models.ModelCapabilities {
	var out []models.ModelCapabilities
	for _, c := range caps {
		switch mode {
		case models.PrivacyLocalOnly:
			if c.LocallyHosted {
				out = append(out, c)
			}
		case models.PrivacyConfidential:
			if !c.CheapTier {
				out = append(out, c)
			}
		default:
			out = append(out, c)
		}
	}
	return out
}

// filterByCapability drops models whose max_tokens is too small, that
// lack tool support when required, or whose skills contain neither the
// requested affinity nor "general".
func filterByCapability(caps []models.ModelCapabilities, req Request) []models.ModelCapabilities {
	var out []models.ModelCapabilities
	for _, c := range caps {
		if c.MaxTokens < req.EstimatedTokens {
			continue
		}
		if req.RequiresTools && !c.SupportsTools {
			continue
		}
		if !hasSkill(c.Skills, req.TaskAffinity) && !hasSkill(c.Skills, "general") {
			continue
		}
		out = append(out, c)
	}
	return out
}

func hasSkill(skills []string, want string) bool {
	for _, s := range skills {
		if s == want {
			return true
		}
	}
	return false
}

// filterByHealth keeps only healthy models with availability >= 0.95.
func filterByHealth(caps []models.ModelCapabilities, healthByModel map[string]models.ModelHealth) []candidate {
	var out []candidate
	for _, c := range caps {
		h, ok := healthByModel[c.ModelID]
		if !ok || !h.Healthy || h.Availability < 0.95 {
			continue
		}
		out = append(out, candidate{caps: c, health: h})
	}
	return out
}

// score computes the spec.md §4.E scoring formula, out of 100, applying
// the latency penalty when max_latency_ms is exceeded.
func score(c models.ModelCapabilities, h models.ModelHealth, req Request) float64 {
	skillMatch := 0.5
	if hasSkill(c.Skills, req.TaskAffinity) {
		skillMatch = 1.0
	}
	costScore := 1.0 / (1.0 + c.CostPerMillionUSD/10.0)
	latencyScore := 1.0 / (1.0 + float64(c.LatencyP95Ms)/10000.0)

	total := skillMatch*50 + costScore*30 + latencyScore*10 + h.Availability*10

	if req.MaxLatencyMs != nil && c.LatencyP95Ms > *req.MaxLatencyMs {
		total *= 0.5
	}
	return total
}

func estimatedCost(c models.ModelCapabilities, estimatedTokens int) float64 {
	return float64(estimatedTokens) / 1e6 * c.CostPerMillionUSD
}

// rankedCandidates scores and sorts candidates by descending score.
func rankedCandidates(cands []candidate, req Request) []candidate {
	for i := range cands {
		cands[i].score = score(cands[i].caps, cands[i].health, req)
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	return cands
}
