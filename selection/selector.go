package selection

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/internal/eventbus"
	"github.com/BaSui01/agentcoord/types"
)

const instrumentationName = "github.com/BaSui01/agentcoord/selection"

// Node roles assigned in a selection.
const (
	RolePrimary = "primary"
	RoleMember  = "member"
)

// CandidateSource provides the snapshot of nodes a selection runs against.
// *capability.Registry satisfies it.
type CandidateSource interface {
	All() []*capability.NodeCapabilities
}

// MetricsSink receives per-selection measurements.
type MetricsSink interface {
	RecordSelection(feasible bool, nodes int, meanScore float64, duration time.Duration)
}

// SelectionConstraints are the caller's optional filters applied before scoring.
type SelectionConstraints struct {
	// MaxResponseTime, when set, drops nodes whose load factor is 0.9 or above.
	MaxResponseTime time.Duration `json:"max_response_time,omitempty"`

	// MinReliability drops nodes whose trust score is below it.
	MinReliability float64 `json:"min_reliability,omitempty"`

	// RequireVerified drops nodes that have any unverified requested capability.
	RequireVerified bool `json:"require_verified,omitempty"`
}

// Config holds configuration for the selector.
type Config struct {
	// HistorySize bounds the selection history kept for statistics.
	HistorySize int `json:"history_size" yaml:"history_size"`

	// ParallelThreshold is the candidate count above which scoring fans out.
	ParallelThreshold int `json:"parallel_threshold" yaml:"parallel_threshold"`

	// ParallelWorkers caps concurrent scoring goroutines.
	ParallelWorkers int `json:"parallel_workers" yaml:"parallel_workers"`

	// NeutralResponseTime is the estimate for nodes with no history.
	NeutralResponseTime time.Duration `json:"neutral_response_time" yaml:"neutral_response_time"`

	// TaskLoadIncrement is the load one assignment is expected to add.
	TaskLoadIncrement float64 `json:"task_load_increment" yaml:"task_load_increment"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HistorySize:         1000,
		ParallelThreshold:   64,
		ParallelWorkers:     8,
		NeutralResponseTime: time.Second,
		TaskLoadIncrement:   0.1,
	}
}

// Option configures a Selector.
type Option func(*Selector)

// WithEventBus sets the bus that receives nodes_selected events.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(s *Selector) {
		s.bus = bus
	}
}

// WithMetricsSink sets the sink for selection measurements.
func WithMetricsSink(sink MetricsSink) Option {
	return func(s *Selector) {
		s.metrics = sink
	}
}

// Selector ranks registry candidates against a requirement.
// It performs no blocking I/O and is safe for concurrent use.
type Selector struct {
	source  CandidateSource
	config  *Config
	logger  *zap.Logger
	bus     *eventbus.Bus
	metrics MetricsSink
	tracer  trace.Tracer

	historyMu sync.RWMutex
	history   []Record
	next      int
	stats     runningStats
}

// NewSelector creates a new selector over source.
func NewSelector(source CandidateSource, config *Config, logger *zap.Logger, opts ...Option) *Selector {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Selector{
		source: source,
		config: config,
		logger: logger.With(zap.String("component", "selector")),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = eventbus.New(eventbus.WithLogger(s.logger))
	}
	return s
}

// Subscribe registers a handler for selection notifications.
func (s *Selector) Subscribe(handler types.EventHandler) string {
	return s.bus.Subscribe(handler)
}

// Unsubscribe removes a handler.
func (s *Selector) Unsubscribe(subscriptionID string) {
	s.bus.Unsubscribe(subscriptionID)
}

type scored struct {
	node  *capability.NodeCapabilities
	score capability.CapabilityScore
}

// SelectOptimalNodes returns the best nodes for req, sorted by descending
// score with ties broken by node id. An infeasible request yields an empty
// list and a nil error; only malformed input is returned as an error.
func (s *Selector) SelectOptimalNodes(ctx context.Context, req *capability.CapabilityRequirement, constraints *SelectionConstraints) ([]capability.SelectedNode, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if constraints != nil && (constraints.MinReliability < 0 || constraints.MinReliability > 1 || constraints.MaxResponseTime < 0) {
		return nil, types.Malformed("requirement %s: selection constraints out of range", req.ID)
	}
	req = req.Clone()
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "selection.select_optimal_nodes",
		trace.WithAttributes(
			attribute.String("requirement.id", req.ID),
			attribute.String("requirement.type", string(req.Type)),
			attribute.Int("requirement.min_nodes", req.Constraints.MinNodes),
			attribute.Int("requirement.max_nodes", req.Constraints.MaxNodes),
		))
	defer span.End()

	selected, reason := s.selectNodes(ctx, req, constraints)
	elapsed := time.Since(start)

	feasible := reason == ""
	if !feasible {
		selected = []capability.SelectedNode{}
		span.SetStatus(codes.Error, reason)
		s.logger.Info("selection infeasible",
			zap.String("code", string(types.ErrInfeasibleRequest)),
			zap.String("requirement_id", req.ID),
			zap.String("reason", reason))
	}

	ids := make([]string, len(selected))
	for i := range selected {
		ids[i] = selected[i].NodeID
	}
	mean := 0.0
	if len(selected) > 0 {
		mean = capability.AggregateScore(selected) / float64(len(selected))
	}
	span.SetAttributes(attribute.Int("selection.nodes", len(selected)), attribute.Float64("selection.mean_score", mean))

	s.record(Record{
		RequirementID: req.ID,
		NodeIDs:       ids,
		MeanScore:     mean,
		Elapsed:       elapsed,
		Feasible:      feasible,
		At:            start,
	})
	if s.metrics != nil {
		s.metrics.RecordSelection(feasible, len(selected), mean, elapsed)
	}
	s.bus.Emit(&types.Event{
		Type:          types.EventNodesSelected,
		RequirementID: req.ID,
		NodeIDs:       ids,
		Data: map[string]any{
			"elapsed":    elapsed,
			"mean_score": mean,
			"feasible":   feasible,
		},
	})

	s.logger.Debug("selection completed",
		zap.String("requirement_id", req.ID),
		zap.Strings("node_ids", ids),
		zap.Float64("mean_score", mean),
		zap.Duration("elapsed", elapsed))

	return selected, nil
}

// selectNodes returns the selection, or a non-empty reason when infeasible.
func (s *Selector) selectNodes(ctx context.Context, req *capability.CapabilityRequirement, constraints *SelectionConstraints) ([]capability.SelectedNode, string) {
	var snapshot []*capability.NodeCapabilities
	if s.source != nil {
		snapshot = s.source.All()
	}

	excluded := toSet(req.Constraints.ExcludedNodes)
	required := toSet(req.Constraints.RequiredNodes)

	candidates := make([]*capability.NodeCapabilities, 0, len(snapshot))
	present := make(map[string]struct{}, len(required))
	for _, n := range snapshot {
		if _, ok := excluded[n.NodeID]; ok {
			continue
		}
		if _, ok := required[n.NodeID]; ok {
			present[n.NodeID] = struct{}{}
		}
		candidates = append(candidates, n)
	}
	if len(present) < len(required) {
		return nil, "required node absent from registry"
	}

	filtered := candidates[:0]
	for _, n := range candidates {
		if passes(n, req, constraints) {
			filtered = append(filtered, n)
			continue
		}
		if _, ok := required[n.NodeID]; ok {
			return nil, "required node " + n.NodeID + " rejected by selection constraints"
		}
	}

	results := s.scoreAll(ctx, filtered, req)

	positive := results[:0]
	for _, r := range results {
		if r.score.TotalScore > 0 {
			positive = append(positive, r)
			continue
		}
		if _, ok := required[r.node.NodeID]; ok {
			return nil, "required node " + r.node.NodeID + " has no positive score"
		}
	}
	sortScored(positive)

	limit := req.NodeLimit()
	if len(positive) < req.Constraints.MinNodes {
		return nil, "not enough positively scored candidates"
	}

	chosen := make([]scored, 0, limit)
	for _, r := range positive {
		if _, ok := required[r.node.NodeID]; ok {
			chosen = append(chosen, r)
		}
	}
	for _, r := range positive {
		if len(chosen) >= limit {
			break
		}
		if _, ok := required[r.node.NodeID]; !ok {
			chosen = append(chosen, r)
		}
	}
	sortScored(chosen)

	out := make([]capability.SelectedNode, len(chosen))
	for i, r := range chosen {
		role := RoleMember
		if i == 0 {
			role = RolePrimary
		}
		out[i] = capability.SelectedNode{
			NodeID:   r.node.NodeID,
			Score:    r.score,
			Role:     role,
			Estimate: s.estimate(r.node, req),
			Topology: r.node.Topology(),
		}
	}
	return out, ""
}

func (s *Selector) scoreAll(ctx context.Context, nodes []*capability.NodeCapabilities, req *capability.CapabilityRequirement) []scored {
	results := make([]scored, len(nodes))
	if len(nodes) <= s.config.ParallelThreshold || s.config.ParallelThreshold <= 0 {
		for i, n := range nodes {
			results[i] = scored{node: n, score: capability.Score(n, req)}
		}
		return results
	}

	g, _ := errgroup.WithContext(ctx)
	if s.config.ParallelWorkers > 0 {
		g.SetLimit(s.config.ParallelWorkers)
	}
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			results[i] = scored{node: n, score: capability.Score(n, req)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func passes(n *capability.NodeCapabilities, req *capability.CapabilityRequirement, c *SelectionConstraints) bool {
	if c == nil {
		return true
	}
	if c.MaxResponseTime > 0 && n.Metadata.LoadFactor >= 0.9 {
		return false
	}
	if c.MinReliability > 0 && n.Metadata.TrustScore < c.MinReliability {
		return false
	}
	if c.RequireVerified {
		for name := range req.Capabilities {
			if nc, ok := n.Capabilities[name]; ok && !nc.Verified {
				return false
			}
		}
	}
	return true
}

// estimate derives the expected performance of n for req. Response time
// and reliability average the node's history over the requested
// capabilities; without history they fall back to the neutral response time
// and the trust score. Response time is stretched by the current load.
func (s *Selector) estimate(n *capability.NodeCapabilities, req *capability.CapabilityRequirement) capability.PerformanceEstimate {
	var rt time.Duration
	var rel float64
	samples := 0
	for name := range req.Capabilities {
		nc, ok := n.Capabilities[name]
		if !ok || nc.Performance == nil {
			continue
		}
		rt += nc.Performance.AvgResponseTime
		rel += nc.Performance.Reliability
		samples++
	}

	est := capability.PerformanceEstimate{
		ResponseTime: s.config.NeutralResponseTime,
		Reliability:  n.Metadata.TrustScore,
	}
	if samples > 0 {
		est.ResponseTime = rt / time.Duration(samples)
		est.Reliability = rel / float64(samples)
	}
	est.ResponseTime = time.Duration(float64(est.ResponseTime) * (1 + n.Metadata.LoadFactor))
	est.LoadImpact = n.Metadata.LoadFactor + s.config.TaskLoadIncrement
	if est.LoadImpact > 1 {
		est.LoadImpact = 1
	}
	return est
}

func sortScored(list []scored) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score.TotalScore != list[j].score.TotalScore {
			return list[i].score.TotalScore > list[j].score.TotalScore
		}
		return list[i].node.NodeID < list[j].node.NodeID
	})
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
