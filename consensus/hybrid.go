package consensus

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// HybridWeights are the relative weights of the hybrid signals.
type HybridWeights struct {
	Voting   float64 `json:"voting" yaml:"voting"`
	Topology float64 `json:"topology" yaml:"topology"`
	Learned  float64 `json:"learned" yaml:"learned"`
}

// DefaultHybridWeights weighs every signal equally.
func DefaultHybridWeights() HybridWeights {
	return HybridWeights{Voting: 1.0 / 3, Topology: 1.0 / 3, Learned: 1.0 / 3}
}

// hybridStrategy blends vote share, topology conformance and the learned
// composite, renormalised over the signals available for the call.
type hybridStrategy struct {
	weights HybridWeights
	voting  *votingStrategy
	learned *learnedStrategy
	// enabled reports which strategies may contribute a signal; nil allows all.
	enabled func() [numStrategyKinds]bool
	logger  *zap.Logger
}

func (h *hybridStrategy) Kind() StrategyKind { return StrategyHybrid }

func (h *hybridStrategy) Resolve(ctx context.Context, conflict *Conflict, ec *EngineContext) (*Resolution, error) {
	n := len(conflict.Candidates)
	blend := make([]float64, n)
	var totalWeight float64
	var used []string
	allowed := h.allowed()

	if h.weights.Voting > 0 && allowed[StrategyVoting] {
		t, err := h.voting.collect(ctx, conflict, ec)
		if err == nil && t.responses > 0 {
			for i, c := range conflict.Candidates {
				blend[i] += h.weights.Voting * float64(t.counts[c.ID]) / float64(t.responses)
			}
			totalWeight += h.weights.Voting
			used = append(used, "voting")
		} else if err != nil {
			h.logger.Debug("hybrid voting signal unavailable",
				zap.String("conflict_id", conflict.ID),
				zap.Error(err))
		}
	}

	if h.weights.Topology > 0 && allowed[StrategyTopology] && len(ec.TopologyConstraints) > 0 {
		for i, c := range conflict.Candidates {
			blend[i] += h.weights.Topology * conformance(c, ec.TopologyConstraints)
		}
		totalWeight += h.weights.Topology
		used = append(used, "topology")
	}

	if h.weights.Learned > 0 && allowed[StrategyLearned] && h.learned.usable(ec) {
		scores := h.learned.composites(ctx, conflict, ec)
		for i := range scores {
			blend[i] += h.weights.Learned * scores[i]
		}
		totalWeight += h.weights.Learned
		used = append(used, "learned")
	}

	if totalWeight == 0 {
		return nil, unavailable(StrategyHybrid, "no hybrid signal available")
	}
	for i := range blend {
		blend[i] /= totalWeight
	}
	best := bestByValue(conflict.Candidates, blend)
	return winningResolution(StrategyHybrid, conflict, conflict.Candidates[best],
		fmt.Sprintf("blended score %.3f from %s", blend[best], strings.Join(used, "+"))), nil
}

func (h *hybridStrategy) allowed() [numStrategyKinds]bool {
	if h.enabled != nil {
		return h.enabled()
	}
	var all [numStrategyKinds]bool
	for i := range all {
		all[i] = true
	}
	return all
}
