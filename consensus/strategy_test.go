package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentcoord/internal/pool"
	"github.com/BaSui01/agentcoord/learning"
	"github.com/BaSui01/agentcoord/testutil/fixtures"
	"github.com/BaSui01/agentcoord/types"
)

// fakeVoters answers from a fixed table; voters listed in slow never answer
// before ctx is done.
type fakeVoters struct {
	mu      sync.Mutex
	choices map[string]string
	slow    map[string]bool
	calls   int
}

func (f *fakeVoters) RequestVote(ctx context.Context, voterID string, _ *Proposal) (Vote, error) {
	f.mu.Lock()
	f.calls++
	choice, ok := f.choices[voterID]
	slow := f.slow[voterID]
	f.mu.Unlock()
	if slow {
		<-ctx.Done()
		return Vote{}, ctx.Err()
	}
	if !ok {
		return Vote{}, errors.New("unknown voter")
	}
	return Vote{VoterID: voterID, SelectionID: choice}, nil
}

type fakePredictor map[string]learning.PerformancePrediction

func (f fakePredictor) PredictPerformance(_ context.Context, nodeID string, _ learning.PredictionContext) learning.PerformancePrediction {
	return f[nodeID]
}

func testPool(t *testing.T) *pool.Pool {
	p := pool.New(pool.Config{Name: "test", MaxWorkers: 8, QueueSize: 32, IdleTimeout: time.Second}, nil)
	t.Cleanup(p.Close)
	return p
}

// twoWay is a resource conflict between a strong and a weak batch sharing n1.
func twoWay() *Conflict {
	return &Conflict{
		ID:           "conflict-1",
		Type:         ConflictResource,
		SelectionIDs: []string{"strong", "weak"},
		NodeIDs:      []string{"n1"},
		Candidates: []Selection{
			batch("strong", fixtures.SelectedAt("n1", 90, "us"), fixtures.SelectedAt("n2", 80, "us")),
			batch("weak", fixtures.SelectedAt("n1", 90, "eu"), fixtures.SelectedAt("n3", 20, "eu")),
		},
	}
}

func TestFallback_HighestAggregateIsDegraded(t *testing.T) {
	res, err := fallbackStrategy{}.Resolve(context.Background(), twoWay(), &EngineContext{})
	require.NoError(t, err)
	assert.Equal(t, "strong", res.WinningSelectionID)
	assert.Equal(t, StrategyNone, res.Strategy)
	assert.True(t, res.Degraded)
	assert.Len(t, res.ResolvedNodes, 2)
}

func TestFallback_TieGoesToLowerID(t *testing.T) {
	c := &Conflict{ID: "c", Candidates: []Selection{
		batch("z", fixtures.Selected("n1", 50)),
		batch("a", fixtures.Selected("n1", 50)),
	}}
	res, err := fallbackStrategy{}.Resolve(context.Background(), c, &EngineContext{})
	require.NoError(t, err)
	assert.Equal(t, "a", res.WinningSelectionID)
}

func TestTopology_PrefersConformingCandidate(t *testing.T) {
	res, err := topologyStrategy{}.Resolve(context.Background(), twoWay(), &EngineContext{
		TopologyConstraints: []string{"location=eu"},
	})
	require.NoError(t, err)
	assert.Equal(t, "weak", res.WinningSelectionID)
	assert.False(t, res.Degraded)
}

func TestTopology_NoneConformingFallsToAggregate(t *testing.T) {
	res, err := topologyStrategy{}.Resolve(context.Background(), twoWay(), &EngineContext{
		TopologyConstraints: []string{"location=ap"},
	})
	require.NoError(t, err)
	assert.Equal(t, "strong", res.WinningSelectionID)
	assert.Contains(t, res.Reason, "no candidate satisfies")
}

func TestPruneTopology(t *testing.T) {
	c := &Conflict{ID: "c", Type: ConflictTopology, Candidates: []Selection{
		batch("a", fixtures.SelectedAt("n1", 90, "eu"), fixtures.SelectedAt("n2", 80, "us")),
	}}
	res := pruneTopology(c, &EngineContext{TopologyConstraints: []string{"eu"}})
	assert.Equal(t, "a", res.WinningSelectionID)
	require.Len(t, res.ResolvedNodes, 1)
	assert.Equal(t, "n1", res.ResolvedNodes[0].NodeID)
}

func TestVoting_PluralityAndDissent(t *testing.T) {
	v := &votingStrategy{
		channel: &fakeVoters{choices: map[string]string{"v1": "weak", "v2": "weak", "v3": "strong"}},
		pool:    testPool(t),
		logger:  zaptest.NewLogger(t),
	}
	res, err := v.Resolve(context.Background(), twoWay(), &EngineContext{
		AvailableVoters: []string{"v1", "v2", "v3", "v1"},
		VotingTimeout:   time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyVoting, res.Strategy)
	assert.Equal(t, "weak", res.WinningSelectionID)
	assert.Equal(t, []Dissent{{VoterID: "v3", SelectionID: "strong"}}, res.Dissent)
}

func TestVoting_TieBrokenByAggregate(t *testing.T) {
	v := &votingStrategy{
		channel: &fakeVoters{choices: map[string]string{"v1": "weak", "v2": "strong"}},
		pool:    testPool(t),
		logger:  zaptest.NewLogger(t),
	}
	res, err := v.Resolve(context.Background(), twoWay(), &EngineContext{
		AvailableVoters: []string{"v1", "v2"},
		VotingTimeout:   time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "strong", res.WinningSelectionID)
}

func TestVoting_Failures(t *testing.T) {
	conflict := twoWay()
	tests := []struct {
		name    string
		channel VoterChannel
		ec      EngineContext
		code    types.ErrorCode
	}{
		{
			name: "no channel",
			ec:   EngineContext{AvailableVoters: []string{"v1"}, VotingTimeout: time.Second},
			code: types.ErrStrategyUnavailable,
		},
		{
			name:    "no voters",
			channel: &fakeVoters{},
			ec:      EngineContext{VotingTimeout: time.Second},
			code:    types.ErrStrategyUnavailable,
		},
		{
			name:    "zero timeout",
			channel: &fakeVoters{choices: map[string]string{"v1": "weak"}},
			ec:      EngineContext{AvailableVoters: []string{"v1"}},
			code:    types.ErrStrategyTimeout,
		},
		{
			name: "quorum missed on deadline",
			channel: &fakeVoters{
				choices: map[string]string{"v1": "weak", "v2": "weak"},
				slow:    map[string]bool{"v3": true, "v4": true, "v5": true},
			},
			ec:   EngineContext{AvailableVoters: []string{"v1", "v2", "v3", "v4", "v5"}, VotingTimeout: 50 * time.Millisecond},
			code: types.ErrStrategyTimeout,
		},
		{
			name:    "quorum missed by errors",
			channel: &fakeVoters{choices: map[string]string{"v1": "weak"}},
			ec:      EngineContext{AvailableVoters: []string{"v1", "v2", "v3"}, VotingTimeout: time.Second},
			code:    types.ErrInsufficientVotes,
		},
		{
			name:    "unknown selections are not votes",
			channel: &fakeVoters{choices: map[string]string{"v1": "nope", "v2": "nope"}},
			ec:      EngineContext{AvailableVoters: []string{"v1", "v2"}, VotingTimeout: time.Second},
			code:    types.ErrInsufficientVotes,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &votingStrategy{channel: tt.channel, pool: testPool(t), logger: zaptest.NewLogger(t)}
			start := time.Now()
			res, err := v.Resolve(context.Background(), conflict, &tt.ec)
			assert.Nil(t, res)
			assert.Equal(t, tt.code, types.GetErrorCode(err))
			assert.Less(t, time.Since(start), 2*time.Second)
		})
	}
}

func TestVoting_ExactlyHalfIsQuorum(t *testing.T) {
	v := &votingStrategy{
		channel: &fakeVoters{choices: map[string]string{"v1": "weak", "v2": "weak"}},
		pool:    testPool(t),
		logger:  zaptest.NewLogger(t),
	}
	res, err := v.Resolve(context.Background(), twoWay(), &EngineContext{
		AvailableVoters: []string{"v1", "v2", "v3", "v4"},
		VotingTimeout:   time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "weak", res.WinningSelectionID)
}

func TestLearned(t *testing.T) {
	predictor := fakePredictor{
		"n1": {ResponseTime: time.Second, Reliability: 0.5, SuccessRate: 0.5},
		"n2": {ResponseTime: 4 * time.Second, Reliability: 0.2, SuccessRate: 0.2},
		"n3": {ResponseTime: 0, Reliability: 1, SuccessRate: 1},
	}
	l := &learnedStrategy{predictor: predictor, referenceLatency: time.Second}

	_, err := l.Resolve(context.Background(), twoWay(), &EngineContext{})
	assert.Equal(t, types.ErrStrategyUnavailable, types.GetErrorCode(err))

	res, err := l.Resolve(context.Background(), twoWay(), &EngineContext{MLEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, StrategyLearned, res.Strategy)
	assert.Equal(t, "weak", res.WinningSelectionID)

	assert.InDelta(t, 0.5, l.nodeComposite(predictor["n1"]), 1e-9)
	assert.InDelta(t, 1.0, l.nodeComposite(predictor["n3"]), 1e-9)
	assert.InDelta(t, (0.2+0.2+0.2)/3, l.nodeComposite(predictor["n2"]), 1e-9)
}

func TestHybrid(t *testing.T) {
	voters := &fakeVoters{choices: map[string]string{"v1": "strong", "v2": "strong"}}
	voting := &votingStrategy{channel: voters, pool: testPool(t), logger: zaptest.NewLogger(t)}
	learned := &learnedStrategy{referenceLatency: time.Second}
	h := &hybridStrategy{
		weights: DefaultHybridWeights(),
		voting:  voting,
		learned: learned,
		logger:  zaptest.NewLogger(t),
	}

	t.Run("no signal", func(t *testing.T) {
		_, err := h.Resolve(context.Background(), twoWay(), &EngineContext{})
		assert.Equal(t, types.ErrStrategyUnavailable, types.GetErrorCode(err))
	})

	t.Run("topology only", func(t *testing.T) {
		res, err := h.Resolve(context.Background(), twoWay(), &EngineContext{
			TopologyConstraints: []string{"location=eu"},
		})
		require.NoError(t, err)
		assert.Equal(t, "weak", res.WinningSelectionID)
		assert.Contains(t, res.Reason, "from topology")
	})

	t.Run("votes outweigh topology", func(t *testing.T) {
		h.weights = HybridWeights{Voting: 0.7, Topology: 0.3}
		res, err := h.Resolve(context.Background(), twoWay(), &EngineContext{
			AvailableVoters:     []string{"v1", "v2"},
			VotingTimeout:       time.Second,
			TopologyConstraints: []string{"location=eu"},
		})
		require.NoError(t, err)
		assert.Equal(t, StrategyHybrid, res.Strategy)
		assert.Equal(t, "strong", res.WinningSelectionID)
		assert.Contains(t, res.Reason, "voting+topology")
	})
}

func TestBestByValue(t *testing.T) {
	c := twoWay().Candidates
	assert.Equal(t, 1, bestByValue(c, []float64{0.1, 0.2}))
	assert.Equal(t, 0, bestByValue(c, []float64{0.3, 0.3}))
}
