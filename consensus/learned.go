package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/agentcoord/learning"
)

// Predictor forecasts a node's performance. *learning.Subsystem satisfies it.
type Predictor interface {
	PredictPerformance(ctx context.Context, nodeID string, pctx learning.PredictionContext) learning.PerformancePrediction
}

// learnedStrategy prefers the candidate with the best predicted composite.
type learnedStrategy struct {
	predictor        Predictor
	referenceLatency time.Duration
}

func (l *learnedStrategy) Kind() StrategyKind { return StrategyLearned }

func (l *learnedStrategy) usable(ec *EngineContext) bool {
	return ec.MLEnabled && l.predictor != nil
}

func (l *learnedStrategy) Resolve(ctx context.Context, conflict *Conflict, ec *EngineContext) (*Resolution, error) {
	if !l.usable(ec) {
		return nil, unavailable(StrategyLearned, "learned resolution requires ml_enabled and a predictor")
	}
	scores := l.composites(ctx, conflict, ec)
	best := bestByValue(conflict.Candidates, scores)
	return winningResolution(StrategyLearned, conflict, conflict.Candidates[best],
		fmt.Sprintf("predicted composite %.3f", scores[best])), nil
}

// composites returns the mean predicted composite of every candidate.
func (l *learnedStrategy) composites(ctx context.Context, conflict *Conflict, ec *EngineContext) []float64 {
	pctx := learning.PredictionContext{
		Urgency:    ec.Urgency,
		SystemLoad: ec.SystemLoad,
	}
	cache := make(map[string]float64)
	scores := make([]float64, len(conflict.Candidates))
	for i, c := range conflict.Candidates {
		if len(c.Nodes) == 0 {
			continue
		}
		var sum float64
		for _, n := range c.Nodes {
			v, ok := cache[n.NodeID]
			if !ok {
				v = l.nodeComposite(l.predictor.PredictPerformance(ctx, n.NodeID, pctx))
				cache[n.NodeID] = v
			}
			sum += v
		}
		scores[i] = sum / float64(len(c.Nodes))
	}
	return scores
}

// nodeComposite is mean(latency score, reliability, success rate), with the
// latency score ref/(ref+rt).
func (l *learnedStrategy) nodeComposite(p learning.PerformancePrediction) float64 {
	ref := l.referenceLatency
	if ref <= 0 {
		ref = time.Second
	}
	rt := p.ResponseTime
	if rt < 0 {
		rt = 0
	}
	latency := float64(ref) / float64(ref+rt)
	return (latency + p.Reliability + p.SuccessRate) / 3
}
