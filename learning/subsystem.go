package learning

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/internal/eventbus"
	"github.com/BaSui01/agentcoord/types"
)

// OutcomeStore persists outcomes so history survives restarts.
type OutcomeStore interface {
	SaveOutcome(ctx context.Context, outcome *PerformanceOutcome) error
	// RecentOutcomes returns up to limit outcomes, oldest first.
	RecentOutcomes(ctx context.Context, limit int) ([]*PerformanceOutcome, error)
}

// MetricsSink receives learning measurements.
type MetricsSink interface {
	RecordOutcome(nodeID string, accuracy float64, scored bool)
	RecordPrediction(cached, neutral bool, confidence float64)
	RecordProposal(deltas int)
}

// Config holds configuration for the learning subsystem.
type Config struct {
	// HistorySize bounds the global outcome history.
	HistorySize int `json:"history_size" yaml:"history_size"`

	// NodeHistorySize bounds the per-node outcome history used for prediction.
	NodeHistorySize int `json:"node_history_size" yaml:"node_history_size"`

	// MinSamples is the history below which predictions are neutral and
	// capabilities get no weight proposal.
	MinSamples int `json:"min_samples" yaml:"min_samples"`

	// SmoothingFactor is the EWMA weight of the newest outcome.
	SmoothingFactor float64 `json:"smoothing_factor" yaml:"smoothing_factor"`

	// LoadSensitivity scales predicted latency by the load difference.
	LoadSensitivity float64 `json:"load_sensitivity" yaml:"load_sensitivity"`

	// LearningRate scales the mean performance error into a weight delta.
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`

	// MaxWeightDelta bounds each proposed delta.
	MaxWeightDelta float64 `json:"max_weight_delta" yaml:"max_weight_delta"`

	// NeutralResponseTime is the neutral prediction and the latency reference.
	NeutralResponseTime time.Duration `json:"neutral_response_time" yaml:"neutral_response_time"`

	// PredictionTTL is how long a cached prediction stays valid.
	PredictionTTL time.Duration `json:"prediction_ttl" yaml:"prediction_ttl"`

	// WarmLimit bounds the outcomes replayed by Warm.
	WarmLimit int `json:"warm_limit" yaml:"warm_limit"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HistorySize:         10000,
		NodeHistorySize:     200,
		MinSamples:          5,
		SmoothingFactor:     0.3,
		LoadSensitivity:     0.5,
		LearningRate:        0.1,
		MaxWeightDelta:      0.05,
		NeutralResponseTime: time.Second,
		PredictionTTL:       5 * time.Minute,
		WarmLimit:           1000,
	}
}

// Option configures a Subsystem.
type Option func(*Subsystem)

// WithOutcomeStore persists recorded outcomes.
func WithOutcomeStore(store OutcomeStore) Option {
	return func(s *Subsystem) {
		s.store = store
	}
}

// WithPredictionCache replaces the in-process prediction cache.
func WithPredictionCache(c PredictionCache) Option {
	return func(s *Subsystem) {
		s.cache = c
	}
}

// WithEventBus sets the bus that receives learning notifications.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(s *Subsystem) {
		s.bus = bus
	}
}

// WithMetricsSink sets the sink for learning measurements.
func WithMetricsSink(sink MetricsSink) Option {
	return func(s *Subsystem) {
		s.metrics = sink
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Subsystem) {
		s.now = now
	}
}

type accuracyStats struct {
	sum   float64
	count int64
}

// Subsystem records outcomes, predicts node performance and proposes
// weight adjustments. It never changes how nodes are scored; proposals are
// applied by the caller through ApplyWeightProposal.
type Subsystem struct {
	config  *Config
	logger  *zap.Logger
	store   OutcomeStore
	cache   PredictionCache
	bus     *eventbus.Bus
	metrics MetricsSink
	now     func() time.Time

	mu             sync.RWMutex
	history        *ring[*PerformanceOutcome]
	nodes          map[string]*ring[*PerformanceOutcome]
	lastPrediction map[string]PerformancePrediction
	accuracy       accuracyStats
	total          int64
	lastProposal   *WeightProposal
	proposals      int64

	predictions        int64
	cacheHits          int64
	neutralPredictions int64
}

// NewSubsystem creates a learning subsystem.
func NewSubsystem(config *Config, logger *zap.Logger, opts ...Option) *Subsystem {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Subsystem{
		config:         config,
		logger:         logger.With(zap.String("component", "learning")),
		now:            time.Now,
		history:        newRing[*PerformanceOutcome](config.HistorySize),
		nodes:          make(map[string]*ring[*PerformanceOutcome]),
		lastPrediction: make(map[string]PerformancePrediction),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = NewMemoryCache()
	}
	if s.bus == nil {
		s.bus = eventbus.New(eventbus.WithLogger(s.logger))
	}
	return s
}

// Subscribe registers a handler for learning notifications.
func (s *Subsystem) Subscribe(handler types.EventHandler) string {
	return s.bus.Subscribe(handler)
}

// Unsubscribe removes a handler.
func (s *Subsystem) Unsubscribe(subscriptionID string) {
	s.bus.Unsubscribe(subscriptionID)
}

// RecordOutcome appends an outcome and runs a weight-adjustment pass.
// Only malformed outcomes are rejected; a failing store is logged.
func (s *Subsystem) RecordOutcome(ctx context.Context, outcome *PerformanceOutcome) (*WeightProposal, error) {
	if err := outcome.Validate(); err != nil {
		return nil, err
	}
	o := outcome.clone()
	if o.ID == "" {
		o.ID = "outcome-" + uuid.NewString()
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = s.now()
	}

	accuracy, scored := s.remember(o)

	if s.store != nil {
		if err := s.store.SaveOutcome(ctx, o); err != nil {
			s.logger.Warn("outcome not persisted",
				zap.String("outcome_id", o.ID),
				zap.String("node_id", o.NodeID),
				zap.Error(err))
		}
	}
	s.cache.InvalidateNode(ctx, o.NodeID)

	if s.metrics != nil {
		s.metrics.RecordOutcome(o.NodeID, accuracy, scored)
	}
	data := map[string]any{
		"outcome_id":   o.ID,
		"selection_id": o.SelectionID,
	}
	if scored {
		data["prediction_accuracy"] = accuracy
	}
	s.bus.Emit(&types.Event{
		Type:   types.EventOutcomeRecorded,
		NodeID: o.NodeID,
		Data:   data,
	})

	return s.OptimizeSelectionWeights(), nil
}

// remember stores o and scores the node's last prediction against it.
func (s *Subsystem) remember(o *PerformanceOutcome) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push(o)

	pred, ok := s.lastPrediction[o.NodeID]
	if !ok || pred.Neutral {
		return 0, false
	}
	delete(s.lastPrediction, o.NodeID)
	acc := s.predictionAccuracy(pred, o.Actual)
	s.accuracy.sum += acc
	s.accuracy.count++
	return acc, true
}

func (s *Subsystem) push(o *PerformanceOutcome) {
	s.history.push(o)
	r := s.nodes[o.NodeID]
	if r == nil {
		r = newRing[*PerformanceOutcome](s.config.NodeHistorySize)
		s.nodes[o.NodeID] = r
	}
	r.push(o)
	s.total++
}

// predictionAccuracy is one minus the mean absolute error of the three
// predicted measurements, latency error taken relative to the prediction.
func (s *Subsystem) predictionAccuracy(p PerformancePrediction, actual PerformanceMetrics) float64 {
	latencyErr := 1.0
	if p.ResponseTime > 0 {
		latencyErr = math.Min(1, math.Abs(float64(actual.ResponseTime-p.ResponseTime))/float64(p.ResponseTime))
	} else if actual.ResponseTime == 0 {
		latencyErr = 0
	}
	errSum := latencyErr + math.Abs(p.Reliability-actual.Reliability) + math.Abs(p.SuccessRate-actual.SuccessRate)
	return clamp(1-errSum/3, 0, 1)
}

// PredictPerformance estimates a node's performance. With fewer than
// MinSamples outcomes it returns the neutral prediction: confidence 0.5,
// reliability and success rate 0.5, NeutralResponseTime.
func (s *Subsystem) PredictPerformance(ctx context.Context, nodeID string, pctx PredictionContext) PerformancePrediction {
	key := contextKey(pctx)
	if p, ok := s.cache.Get(ctx, nodeID, key); ok {
		s.countPrediction(nodeID, true, p)
		return p
	}

	s.mu.RLock()
	var samples []*PerformanceOutcome
	if r := s.nodes[nodeID]; r != nil {
		samples = r.slice()
	}
	p := s.predict(nodeID, samples, pctx)
	s.mu.RUnlock()

	s.cache.Set(ctx, nodeID, key, p, s.config.PredictionTTL)
	s.countPrediction(nodeID, false, p)
	return clonePrediction(p)
}

// countPrediction also remembers p as the node's last prediction, cached or
// not, so the next outcome for the node scores it.
func (s *Subsystem) countPrediction(nodeID string, cached bool, p PerformancePrediction) {
	s.mu.Lock()
	s.lastPrediction[nodeID] = p
	s.predictions++
	if cached {
		s.cacheHits++
	}
	if p.Neutral {
		s.neutralPredictions++
	}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordPrediction(cached, p.Neutral, p.Confidence)
	}
}

func (s *Subsystem) neutral(nodeID string, samples int) PerformancePrediction {
	return PerformancePrediction{
		NodeID:       nodeID,
		ResponseTime: s.config.NeutralResponseTime,
		Reliability:  0.5,
		SuccessRate:  0.5,
		Confidence:   0.5,
		Samples:      samples,
		Neutral:      true,
		Factors: map[string]float64{
			"samples": float64(samples),
		},
	}
}

func (s *Subsystem) predict(nodeID string, samples []*PerformanceOutcome, pctx PredictionContext) PerformancePrediction {
	n := len(samples)
	if n < s.config.MinSamples || n == 0 {
		return s.neutral(nodeID, n)
	}

	alpha := s.config.SmoothingFactor
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultConfig().SmoothingFactor
	}
	first := samples[0]
	rt := float64(first.Actual.ResponseTime)
	rel := first.Actual.Reliability
	sr := first.Actual.SuccessRate
	load := first.Context.SystemLoad
	var mean float64
	for i, o := range samples {
		mean += o.Actual.SuccessRate
		if i == 0 {
			continue
		}
		rt = alpha*float64(o.Actual.ResponseTime) + (1-alpha)*rt
		rel = alpha*o.Actual.Reliability + (1-alpha)*rel
		sr = alpha*o.Actual.SuccessRate + (1-alpha)*sr
		load = alpha*o.Context.SystemLoad + (1-alpha)*load
	}
	mean /= float64(n)
	var variance float64
	for _, o := range samples {
		d := o.Actual.SuccessRate - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(n))

	loadFactor := clamp(1+s.config.LoadSensitivity*(pctx.SystemLoad-load)/100, 0.5, 2)
	sampleConfidence := float64(n) / float64(n+s.config.MinSamples)
	confidence := clamp(sampleConfidence*(1-stddev), 0.05, 0.99)

	return PerformancePrediction{
		NodeID:       nodeID,
		ResponseTime: time.Duration(rt * loadFactor),
		Reliability:  clamp(rel, 0, 1),
		SuccessRate:  clamp(sr, 0, 1),
		Confidence:   confidence,
		Samples:      n,
		Factors: map[string]float64{
			"samples":           float64(n),
			"ewma_response_ms":  rt / float64(time.Millisecond),
			"ewma_reliability":  rel,
			"ewma_success_rate": sr,
			"historical_load":   load,
			"load_factor":       loadFactor,
			"sample_confidence": sampleConfidence,
			"success_stddev":    stddev,
		},
	}
}

// composite folds a measurement set into [0,1]: the mean of the latency
// score ref/(ref+rt), reliability and success rate.
func (s *Subsystem) composite(m PerformanceMetrics) float64 {
	ref := float64(s.config.NeutralResponseTime)
	if ref <= 0 {
		ref = float64(time.Second)
	}
	latency := ref / (ref + float64(m.ResponseTime))
	return (latency + m.Reliability + m.SuccessRate) / 3
}

// OptimizeSelectionWeights proposes a weight delta for every capability
// with at least MinSamples outcomes: the mean of actual minus expected
// composite performance, scaled by LearningRate and bounded by
// MaxWeightDelta. Capabilities whose nodes beat expectations gain weight.
func (s *Subsystem) OptimizeSelectionWeights() *WeightProposal {
	s.mu.Lock()
	outcomes := s.history.slice()

	type agg struct {
		sum float64
		n   int
	}
	perCap := make(map[string]*agg)
	for _, o := range outcomes {
		diff := s.composite(o.Actual) - s.composite(o.Expected)
		for _, name := range o.Capabilities {
			a := perCap[name]
			if a == nil {
				a = &agg{}
				perCap[name] = a
			}
			a.sum += diff
			a.n++
		}
	}

	minSamples := s.config.MinSamples
	if minSamples < 1 {
		minSamples = 1
	}
	proposal := &WeightProposal{
		ID:        "proposal-" + uuid.NewString(),
		Outcomes:  len(outcomes),
		CreatedAt: s.now(),
	}
	for name, a := range perCap {
		if a.n < minSamples {
			continue
		}
		meanErr := a.sum / float64(a.n)
		delta := clamp(meanErr*s.config.LearningRate, -s.config.MaxWeightDelta, s.config.MaxWeightDelta)
		proposal.Deltas = append(proposal.Deltas, WeightDelta{
			Capability: name,
			Delta:      delta,
			MeanError:  meanErr,
			Samples:    a.n,
		})
	}
	sort.Slice(proposal.Deltas, func(i, j int) bool {
		return proposal.Deltas[i].Capability < proposal.Deltas[j].Capability
	})
	s.lastProposal = proposal
	s.proposals++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordProposal(len(proposal.Deltas))
	}
	s.bus.Emit(&types.Event{
		Type: types.EventWeightsProposed,
		Data: map[string]any{
			"proposal_id": proposal.ID,
			"deltas":      len(proposal.Deltas),
			"outcomes":    proposal.Outcomes,
		},
	})
	s.logger.Debug("weights proposed",
		zap.String("proposal_id", proposal.ID),
		zap.Int("deltas", len(proposal.Deltas)),
		zap.Int("outcomes", proposal.Outcomes))
	return proposal
}

// ApplyWeightProposal returns a copy of req with the proposal's deltas added
// to matching capability weights, clamped to [0,1]. req is not modified.
func ApplyWeightProposal(req *capability.CapabilityRequirement, p *WeightProposal) *capability.CapabilityRequirement {
	out := req.Clone()
	if out == nil || p == nil {
		return out
	}
	for _, d := range p.Deltas {
		spec, ok := out.Capabilities[d.Capability]
		if !ok {
			continue
		}
		spec.Weight = clamp(spec.Weight+d.Delta, 0, 1)
		out.Capabilities[d.Capability] = spec
	}
	return out
}

// Metrics is a snapshot of the subsystem's state.
type Metrics struct {
	TotalOutcomes      int64           `json:"total_outcomes"`
	RetainedOutcomes   int             `json:"retained_outcomes"`
	TrackedNodes       int             `json:"tracked_nodes"`
	Predictions        int64           `json:"predictions"`
	CacheHits          int64           `json:"cache_hits"`
	NeutralPredictions int64           `json:"neutral_predictions"`
	ScoredPredictions  int64           `json:"scored_predictions"`
	PredictionAccuracy float64         `json:"prediction_accuracy"`
	Proposals          int64           `json:"proposals"`
	LastProposal       *WeightProposal `json:"last_proposal,omitempty"`
}

// Metrics returns the current learning metrics.
func (s *Subsystem) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := Metrics{
		TotalOutcomes:      s.total,
		RetainedOutcomes:   s.history.len(),
		TrackedNodes:       len(s.nodes),
		Predictions:        s.predictions,
		CacheHits:          s.cacheHits,
		NeutralPredictions: s.neutralPredictions,
		ScoredPredictions:  s.accuracy.count,
		Proposals:          s.proposals,
		LastProposal:       s.lastProposal,
	}
	if s.accuracy.count > 0 {
		m.PredictionAccuracy = s.accuracy.sum / float64(s.accuracy.count)
	}
	return m
}

// HandleEvent invalidates cached predictions when the registry changes.
// Subscribe it on the registry bus.
func (s *Subsystem) HandleEvent(event *types.Event) {
	if event == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	switch event.Type {
	case types.EventCapabilitiesUpdated, types.EventNodeRemoved:
		if event.NodeID != "" {
			s.cache.InvalidateNode(ctx, event.NodeID)
		}
	case types.EventRegistryRefreshed:
		s.cache.InvalidateAll(ctx)
	}
}

// Warm replays the most recent stored outcomes into memory. It returns the
// number of outcomes loaded.
func (s *Subsystem) Warm(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	outcomes, err := s.store.RecentOutcomes(ctx, s.config.WarmLimit)
	if err != nil {
		return 0, types.NewError(types.ErrServiceUnavailable, "load stored outcomes").
			WithCause(err).WithRetryable(true).WithComponent("learning")
	}
	loaded := 0
	s.mu.Lock()
	for _, o := range outcomes {
		if err := o.Validate(); err != nil {
			s.logger.Warn("skipping stored outcome", zap.String("outcome_id", o.ID), zap.Error(err))
			continue
		}
		s.push(o.clone())
		loaded++
	}
	s.mu.Unlock()
	s.cache.InvalidateAll(ctx)
	s.logger.Info("learning history warmed", zap.Int("outcomes", loaded))
	return loaded, nil
}
