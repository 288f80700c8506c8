package capability

import (
	"math"
	"sort"
)

// Scoring constants. Regression tests pin their exact values.
const (
	missingRequiredRaw = -50.0
	missingOptionalRaw = -10.0
	maxRawScore        = 100.0
	verifiedMultiplier = 1.1
	successRateBonus   = 0.2

	highLoadThreshold     = 0.8
	highLoadPenalty       = -10.0
	moderateLoadThreshold = 0.6
	moderateLoadPenalty   = -5.0

	highTrustThreshold     = 0.9
	highTrustBonus         = 5.0
	moderateTrustThreshold = 0.7
	moderateTrustBonus     = 2.0

	criticalUrgencyBonus = 3.0
	highUrgencyBonus     = 1.0
)

// Adjustment keys recorded in CapabilityScore.Penalties and Bonuses.
const (
	PenaltyLoad   = "load"
	BonusTrust    = "trust"
	BonusUrgency  = "urgency"
	missingPrefix = "missing:"
)

// MissingPenaltyKey is the Penalties key for a capability the node does not advertise.
func MissingPenaltyKey(name string) string {
	return missingPrefix + name
}

// Score computes how well node matches req. It is a pure function of its
// inputs: the same node and requirement always produce the same score.
func Score(node *NodeCapabilities, req *CapabilityRequirement) CapabilityScore {
	score := CapabilityScore{
		Breakdown: make(map[string]ScoreBreakdown, len(req.Capabilities)),
		Penalties: make(map[string]float64),
		Bonuses:   make(map[string]float64),
	}
	if node == nil || req == nil {
		return score
	}
	score.NodeID = node.NodeID

	// Sorted iteration keeps floating-point accumulation order stable.
	names := make([]string, 0, len(req.Capabilities))
	for name := range req.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)

	var total, weightSum float64
	for _, name := range names {
		spec := req.Capabilities[name]
		nc, ok := node.Capabilities[name]
		if !ok {
			raw := missingOptionalRaw
			if spec.Required {
				raw = missingRequiredRaw
			}
			contribution := raw * spec.Weight
			score.Breakdown[name] = ScoreBreakdown{RawScore: raw, Weight: spec.Weight, WeightedScore: contribution}
			score.Penalties[MissingPenaltyKey(name)] = contribution
			continue
		}

		minLevel := spec.MinLevel
		if minLevel <= 0 {
			minLevel = DefaultMinLevel
		}
		raw := math.Min(maxRawScore, nc.Level/minLevel*100)
		if nc.Verified {
			raw *= verifiedMultiplier
		}
		if nc.Performance != nil {
			raw += nc.Performance.SuccessRate * successRateBonus
		}
		raw = math.Min(maxRawScore, raw)

		weighted := raw * spec.Weight
		score.Breakdown[name] = ScoreBreakdown{RawScore: raw, Weight: spec.Weight, WeightedScore: weighted}
		total += weighted
		weightSum += spec.Weight
	}

	normalized := 0.0
	if weightSum > 0 {
		normalized = total / weightSum
	}

	switch load := node.Metadata.LoadFactor; {
	case load > highLoadThreshold:
		score.Penalties[PenaltyLoad] = highLoadPenalty
	case load > moderateLoadThreshold:
		score.Penalties[PenaltyLoad] = moderateLoadPenalty
	}

	switch trust := node.Metadata.TrustScore; {
	case trust > highTrustThreshold:
		score.Bonuses[BonusTrust] = highTrustBonus
	case trust > moderateTrustThreshold:
		score.Bonuses[BonusTrust] = moderateTrustBonus
	}

	switch req.Urgency {
	case UrgencyCritical:
		score.Bonuses[BonusUrgency] = criticalUrgencyBonus
	case UrgencyHigh:
		score.Bonuses[BonusUrgency] = highUrgencyBonus
	}

	adjusted := normalized + sumSorted(score.Bonuses) + sumSorted(score.Penalties)
	score.TotalScore = clamp(adjusted, 0, 100)
	return score
}

// sumSorted adds map values in key order so the result does not depend on
// map iteration order.
func sumSorted(m map[string]float64) float64 {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sum float64
	for _, k := range keys {
		sum += m[k]
	}
	return sum
}

// AggregateScore sums the total scores of a node list.
func AggregateScore(nodes []SelectedNode) float64 {
	var sum float64
	for i := range nodes {
		sum += nodes[i].Score.TotalScore
	}
	return sum
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
