package consensus

import (
	"context"
	"fmt"
	"sort"

	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/types"
)

// Strategy resolves one conflict. Implementations return an error to make
// the engine fall through; they never mutate the conflict.
type Strategy interface {
	Kind() StrategyKind
	Resolve(ctx context.Context, conflict *Conflict, ec *EngineContext) (*Resolution, error)
}

// strategySet is the fixed dispatch table, indexed by kind.
type strategySet [numStrategyKinds]Strategy

func unavailable(kind StrategyKind, format string, args ...any) error {
	return types.NewError(types.ErrStrategyUnavailable, fmt.Sprintf(format, args...)).
		WithComponent(kind.String())
}

// rankByAggregate orders candidate indices by descending aggregate score,
// then ascending selection id.
func rankByAggregate(candidates []Selection, idx []int) {
	sort.SliceStable(idx, func(a, b int) bool {
		ca, cb := candidates[idx[a]], candidates[idx[b]]
		sa, sb := ca.AggregateScore(), cb.AggregateScore()
		if sa != sb {
			return sa > sb
		}
		return ca.ID < cb.ID
	})
}

// bestByAggregate returns the index of the highest-aggregate candidate among idx.
func bestByAggregate(candidates []Selection, idx []int) int {
	ranked := append([]int(nil), idx...)
	rankByAggregate(candidates, ranked)
	return ranked[0]
}

// bestByValue returns the index with the highest value; ties go to the
// higher aggregate score, then the lower selection id.
func bestByValue(candidates []Selection, values []float64) int {
	best := 0
	for i := 1; i < len(candidates); i++ {
		switch {
		case values[i] > values[best]:
			best = i
		case values[i] == values[best]:
			if bestByAggregate(candidates, []int{best, i}) == i {
				best = i
			}
		}
	}
	return best
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func winningResolution(kind StrategyKind, conflict *Conflict, winner Selection, reason string) *Resolution {
	return &Resolution{
		ConflictID:         conflict.ID,
		Strategy:           kind,
		WinningSelectionID: winner.ID,
		ResolvedNodes:      append([]capability.SelectedNode(nil), winner.Nodes...),
		Reason:             reason,
	}
}

// fallbackStrategy picks the highest aggregate score with no formal strategy.
type fallbackStrategy struct{}

func (fallbackStrategy) Kind() StrategyKind { return StrategyNone }

func (fallbackStrategy) Resolve(_ context.Context, conflict *Conflict, _ *EngineContext) (*Resolution, error) {
	if len(conflict.Candidates) == 0 {
		return nil, types.Malformed("conflict %s has no candidates", conflict.ID)
	}
	winner := conflict.Candidates[bestByAggregate(conflict.Candidates, allIndices(len(conflict.Candidates)))]
	res := winningResolution(StrategyNone, conflict, winner,
		fmt.Sprintf("highest aggregate score %.2f", winner.AggregateScore()))
	res.Degraded = true
	return res, nil
}

// topologyStrategy prefers candidates whose nodes all satisfy every constraint.
type topologyStrategy struct{}

func (topologyStrategy) Kind() StrategyKind { return StrategyTopology }

func (topologyStrategy) Resolve(_ context.Context, conflict *Conflict, ec *EngineContext) (*Resolution, error) {
	if len(conflict.Candidates) == 0 {
		return nil, types.Malformed("conflict %s has no candidates", conflict.ID)
	}
	var conforming []int
	for i, c := range conflict.Candidates {
		if len(nonConforming(c.Nodes, ec.TopologyConstraints)) == 0 {
			conforming = append(conforming, i)
		}
	}

	if len(conforming) == 0 {
		winner := conflict.Candidates[bestByAggregate(conflict.Candidates, allIndices(len(conflict.Candidates)))]
		return winningResolution(StrategyTopology, conflict, winner,
			"no candidate satisfies the topology constraints; highest aggregate score chosen"), nil
	}
	winner := conflict.Candidates[bestByAggregate(conflict.Candidates, conforming)]
	return winningResolution(StrategyTopology, conflict, winner,
		fmt.Sprintf("%d of %d candidates satisfy the topology constraints", len(conforming), len(conflict.Candidates))), nil
}

// conformance is the fraction of a candidate's nodes satisfying every constraint.
func conformance(sel Selection, constraints []string) float64 {
	if len(sel.Nodes) == 0 {
		return 0
	}
	ok := len(sel.Nodes) - len(nonConforming(sel.Nodes, constraints))
	return float64(ok) / float64(len(sel.Nodes))
}

// pruneTopology resolves a single-batch topology conflict by dropping the
// non-conforming nodes.
func pruneTopology(conflict *Conflict, ec *EngineContext) *Resolution {
	sel := conflict.Candidates[0]
	kept := make([]capability.SelectedNode, 0, len(sel.Nodes))
	for _, n := range sel.Nodes {
		if Conforms(n.Topology, ec.TopologyConstraints) {
			kept = append(kept, n)
		}
	}
	return &Resolution{
		ConflictID:         conflict.ID,
		Strategy:           StrategyTopology,
		WinningSelectionID: sel.ID,
		ResolvedNodes:      kept,
		Reason:             fmt.Sprintf("pruned %d non-conforming nodes", len(sel.Nodes)-len(kept)),
	}
}
