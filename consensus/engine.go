package consensus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/internal/eventbus"
	"github.com/BaSui01/agentcoord/internal/pool"
	"github.com/BaSui01/agentcoord/types"
)

const instrumentationName = "github.com/BaSui01/agentcoord/consensus"

// MetricsSink receives engine measurements.
type MetricsSink interface {
	RecordProcessing(state string, conflicts, resolved int, duration time.Duration)
	RecordStrategy(strategy string, success bool, duration time.Duration)
	SetQueueDepth(n int)
}

// EngineConfig configures the resolution engine.
type EngineConfig struct {
	// QueueSize bounds the number of submissions waiting for the worker.
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// EnabledStrategies are enabled at construction. Empty enables all.
	EnabledStrategies []StrategyKind `json:"enabled_strategies" yaml:"enabled_strategies"`

	// HybridWeights weigh the hybrid signals.
	HybridWeights HybridWeights `json:"hybrid_weights" yaml:"hybrid_weights"`

	// LearnedReferenceLatency is the latency that scores 0.5 in the learned composite.
	LearnedReferenceLatency time.Duration `json:"learned_reference_latency" yaml:"learned_reference_latency"`

	// VoterWorkers caps concurrent vote requests when the engine owns its pool.
	VoterWorkers int `json:"voter_workers" yaml:"voter_workers"`
}

// DefaultEngineConfig returns an EngineConfig with sensible defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		QueueSize:               256,
		EnabledStrategies:       []StrategyKind{StrategyAuto, StrategyVoting, StrategyTopology, StrategyLearned, StrategyHybrid},
		HybridWeights:           DefaultHybridWeights(),
		LearnedReferenceLatency: time.Second,
		VoterWorkers:            32,
	}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithVoterChannel sets the channel voting uses to reach voters.
func WithVoterChannel(ch VoterChannel) EngineOption {
	return func(e *Engine) {
		e.voterChannel = ch
	}
}

// WithPredictor sets the predictor used by the learned strategy.
func WithPredictor(p Predictor) EngineOption {
	return func(e *Engine) {
		e.predictor = p
	}
}

// WithEventBus sets the bus that receives conflict notifications.
func WithEventBus(bus *eventbus.Bus) EngineOption {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithMetricsSink sets the sink for engine measurements.
func WithMetricsSink(sink MetricsSink) EngineOption {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithPool sets the goroutine pool used for voter fan-out. The engine does
// not close a pool it did not create.
func WithPool(p *pool.Pool) EngineOption {
	return func(e *Engine) {
		e.pool = p
	}
}

type job struct {
	ctx context.Context
	run func()
}

// Engine detects and resolves conflicts among selection batches. Submissions
// are processed one at a time, in order, by a single worker.
type Engine struct {
	config   *EngineConfig
	logger   *zap.Logger
	tracer   trace.Tracer
	bus      *eventbus.Bus
	sink     MetricsSink
	detector *Detector

	voterChannel VoterChannel
	predictor    Predictor
	pool         *pool.Pool
	ownPool      bool
	strategies   strategySet

	enabledMu sync.RWMutex
	enabled   [numStrategyKinds]bool

	jobs      chan job
	done      chan struct{}
	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	stats engineStats
}

// NewEngine creates a resolution engine. Call Start before submitting work.
func NewEngine(config *EngineConfig, logger *zap.Logger, opts ...EngineOption) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		config:   config,
		logger:   logger.With(zap.String("component", "conflict_engine")),
		tracer:   otel.Tracer(instrumentationName),
		detector: NewDetector(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = eventbus.New(eventbus.WithLogger(e.logger))
	}
	if e.pool == nil {
		workers := config.VoterWorkers
		if workers <= 0 {
			workers = DefaultEngineConfig().VoterWorkers
		}
		e.pool = pool.New(pool.Config{
			Name:        "voters",
			MaxWorkers:  workers,
			QueueSize:   workers * 4,
			IdleTimeout: 30 * time.Second,
		}, e.logger)
		e.ownPool = true
	}
	queue := config.QueueSize
	if queue <= 0 {
		queue = DefaultEngineConfig().QueueSize
	}
	e.jobs = make(chan job, queue)

	voting := &votingStrategy{channel: e.voterChannel, pool: e.pool, logger: e.logger}
	learned := &learnedStrategy{predictor: e.predictor, referenceLatency: config.LearnedReferenceLatency}
	e.strategies = strategySet{
		StrategyVoting:   voting,
		StrategyTopology: topologyStrategy{},
		StrategyLearned:  learned,
		StrategyHybrid: &hybridStrategy{
			weights: config.HybridWeights,
			voting:  voting,
			learned: learned,
			enabled: e.enabledSnapshot,
			logger:  e.logger,
		},
		StrategyNone: fallbackStrategy{},
	}

	kinds := config.EnabledStrategies
	if len(kinds) == 0 {
		kinds = DefaultEngineConfig().EnabledStrategies
	}
	for _, k := range kinds {
		if k.Selectable() {
			e.enabled[k] = true
		}
	}
	e.stats.strategies = make(map[StrategyKind]*strategyCounters)
	return e
}

// Subscribe registers a handler for conflict notifications.
func (e *Engine) Subscribe(handler types.EventHandler) string {
	return e.bus.Subscribe(handler)
}

// Unsubscribe removes a handler.
func (e *Engine) Unsubscribe(subscriptionID string) {
	e.bus.Unsubscribe(subscriptionID)
}

// Start launches the worker. It returns once the worker is running.
func (e *Engine) Start(ctx context.Context) error {
	select {
	case <-e.done:
		return errNotRunning()
	default:
	}
	started := false
	e.startOnce.Do(func() {
		started = true
		e.running.Store(true)
		e.wg.Add(1)
		go e.loop(ctx)
	})
	if !started {
		return types.NewError(types.ErrInternalError, "engine already started").WithComponent("conflict_engine")
	}
	e.logger.Info("conflict engine started", zap.Int("queue_size", cap(e.jobs)))
	return nil
}

// Close stops the worker and releases the pool if the engine created it.
// Queued submissions return ENGINE_NOT_RUNNING.
func (e *Engine) Close() error {
	e.shutdown()
	e.wg.Wait()
	e.closeOnce.Do(func() {
		if e.ownPool {
			e.pool.Close()
		}
		e.logger.Info("conflict engine stopped")
	})
	return nil
}

func (e *Engine) shutdown() {
	e.stopOnce.Do(func() {
		e.running.Store(false)
		close(e.done)
	})
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-ctx.Done():
			e.shutdown()
			return
		case j := <-e.jobs:
			e.setQueueDepth()
			if j.ctx.Err() != nil {
				continue
			}
			j.run()
		}
	}
}

func (e *Engine) setQueueDepth() {
	if e.sink != nil {
		e.sink.SetQueueDepth(len(e.jobs))
	}
}

func errNotRunning() error {
	return types.NewError(types.ErrEngineNotRunning, "conflict engine is not running").
		WithComponent("conflict_engine")
}

// submit queues run behind earlier submissions.
func (e *Engine) submit(ctx context.Context, run func()) error {
	if !e.running.Load() {
		return errNotRunning()
	}
	select {
	case e.jobs <- job{ctx: ctx, run: run}:
		e.setQueueDepth()
		return nil
	case <-e.done:
		return errNotRunning()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessSelections detects conflicts among the batches and resolves them.
// A result is always returned for well-formed input; when ctx expires first
// the result is timed_out and carries the originals unchanged.
func (e *Engine) ProcessSelections(ctx context.Context, selections []Selection, ec *EngineContext) (*ProcessedSelections, error) {
	if err := validateSelections(selections); err != nil {
		return nil, err
	}
	callCtx := EngineContext{}
	if ec != nil {
		callCtx = *ec
	}
	originals := cloneSelections(selections)
	start := time.Now()

	// Whichever of the caller and the worker claims reported first records
	// the outcome in the stats.
	var reported atomic.Bool
	results := make(chan *ProcessedSelections, 1)
	err := e.submit(ctx, func() {
		results <- e.process(ctx, originals, &callCtx, &reported)
	})
	if err != nil {
		if ctx.Err() != nil {
			return e.timedOut(originals, start), nil
		}
		return nil, err
	}

	select {
	case r := <-results:
		return r, nil
	case <-ctx.Done():
		if reported.CompareAndSwap(false, true) {
			return e.timedOut(originals, start), nil
		}
		return <-results, nil
	case <-e.done:
		select {
		case r := <-results:
			return r, nil
		default:
		}
		return nil, errNotRunning()
	}
}

// ResolveConflict resolves a single conflict through the queue.
func (e *Engine) ResolveConflict(ctx context.Context, conflict *Conflict, ec *EngineContext) (*Resolution, error) {
	if conflict == nil || len(conflict.Candidates) == 0 {
		return nil, types.Malformed("conflict has no candidates")
	}
	callCtx := EngineContext{}
	if ec != nil {
		callCtx = *ec
	}

	type outcome struct {
		res *Resolution
		err error
	}
	start := time.Now()
	results := make(chan outcome, 1)
	if err := e.submit(ctx, func() {
		res, err := e.resolve(ctx, conflict, &callCtx)
		results <- outcome{res: res, err: err}
	}); err != nil {
		if ctx.Err() != nil {
			return e.unresolved(conflict, start), nil
		}
		return nil, err
	}

	select {
	case o := <-results:
		return o.res, o.err
	case <-ctx.Done():
		return e.unresolved(conflict, start), nil
	case <-e.done:
		return nil, errNotRunning()
	}
}

func validateSelections(selections []Selection) error {
	if len(selections) == 0 {
		return types.Malformed("empty selection batch")
	}
	seen := make(map[string]struct{}, len(selections))
	for i, s := range selections {
		if s.ID == "" {
			return types.Malformed("selection %d has an empty id", i)
		}
		if _, dup := seen[s.ID]; dup {
			return types.Malformed("duplicate selection id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

func cloneSelections(in []Selection) []Selection {
	out := make([]Selection, len(in))
	for i := range in {
		out[i] = in[i].clone()
	}
	return out
}

func (e *Engine) timedOut(originals []Selection, start time.Time) *ProcessedSelections {
	elapsed := time.Since(start)
	e.stats.recordTimeout()
	if e.sink != nil {
		e.sink.RecordProcessing(string(StateTimedOut), 0, 0, elapsed)
	}
	e.logger.Warn("selection processing timed out",
		zap.Int("selections", len(originals)),
		zap.Duration("elapsed", elapsed))
	return &ProcessedSelections{
		OriginalSelections: originals,
		ResolvedSelections: cloneSelections(originals),
		ProcessingTime:     elapsed,
		State:              StateTimedOut,
		Transitions:        []ProcessingState{StateReceived, StateTimedOut},
	}
}

// unresolved is the resolution handed back when the caller's deadline passes
// before the conflict is resolved: no winner, nothing reassigned.
func (e *Engine) unresolved(c *Conflict, start time.Time) *Resolution {
	elapsed := time.Since(start)
	e.logger.Warn("conflict resolution timed out",
		zap.String("conflict_id", c.ID),
		zap.String("conflict_type", string(c.Type)),
		zap.Duration("elapsed", elapsed))
	return &Resolution{
		ConflictID: c.ID,
		Strategy:   StrategyNone,
		Reason:     "resolution deadline exceeded",
		Degraded:   true,
		Duration:   elapsed,
	}
}

func (e *Engine) advance(tr *stateTracker, to ProcessingState) {
	if err := tr.transition(to); err != nil {
		e.logger.Error("state transition rejected", zap.Error(err))
	}
}

// process runs on the worker goroutine.
func (e *Engine) process(ctx context.Context, selections []Selection, ec *EngineContext, reported *atomic.Bool) *ProcessedSelections {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "consensus.process_selections",
		trace.WithAttributes(
			attribute.Int("selections", len(selections)),
			attribute.String("priority", string(ec.Priority)),
			attribute.String("urgency", string(ec.Urgency)),
			attribute.Float64("system_load", ec.SystemLoad),
			attribute.String("strategy", ec.Strategy.String()),
		))
	defer span.End()

	tr := newStateTracker()
	e.advance(tr, StateDetecting)
	conflicts := e.detector.Detect(selections, ec.TopologyConstraints)

	result := &ProcessedSelections{
		OriginalSelections: selections,
		ConflictsDetected:  len(conflicts),
	}

	if len(conflicts) == 0 {
		e.advance(tr, StateNoConflict)
		result.ResolvedSelections = cloneSelections(selections)
		e.advance(tr, StateDone)
	} else {
		e.advance(tr, StateConflictFound)
		e.advance(tr, StateResolving)

		resolved := cloneSelections(selections)
		index := make(map[string]int, len(resolved))
		for i := range resolved {
			index[resolved[i].ID] = i
		}
		for _, c := range conflicts {
			e.bus.Emit(&types.Event{
				Type:    types.EventConflictDetected,
				NodeIDs: c.NodeIDs,
				Data: map[string]any{
					"conflict_id":   c.ID,
					"conflict_type": string(c.Type),
					"selection_ids": c.SelectionIDs,
				},
			})
			res, err := e.resolve(ctx, c, ec)
			if err != nil {
				e.logger.Warn("conflict left unresolved",
					zap.String("conflict_id", c.ID),
					zap.String("conflict_type", string(c.Type)),
					zap.Error(err))
				continue
			}
			result.ConflictsResolved++
			result.Resolutions = append(result.Resolutions, res)
			applyResolution(resolved, index, c, res)
		}
		result.ResolvedSelections = resolved

		if result.ConflictsResolved == len(conflicts) {
			e.advance(tr, StateResolved)
		} else {
			e.advance(tr, StateFailed)
			span.SetStatus(codes.Error, "unresolved conflicts")
		}
	}

	result.State = tr.current
	result.Transitions = tr.path
	result.ProcessingTime = time.Since(start)
	span.SetAttributes(
		attribute.Int("conflicts.detected", result.ConflictsDetected),
		attribute.Int("conflicts.resolved", result.ConflictsResolved),
		attribute.String("state", string(result.State)),
	)

	if !reported.CompareAndSwap(false, true) {
		e.logger.Debug("result dropped after caller timed out",
			zap.String("state", string(result.State)),
			zap.Duration("elapsed", result.ProcessingTime))
		return result
	}
	e.stats.recordProcessing(result)
	if e.sink != nil {
		e.sink.RecordProcessing(string(result.State), result.ConflictsDetected, result.ConflictsResolved, result.ProcessingTime)
	}
	e.logger.Debug("selections processed",
		zap.Int("selections", len(selections)),
		zap.Int("conflicts_detected", result.ConflictsDetected),
		zap.Int("conflicts_resolved", result.ConflictsResolved),
		zap.String("state", string(result.State)),
		zap.Duration("elapsed", result.ProcessingTime))
	return result
}

// applyResolution rewrites the batches of a conflict: the winner carries the
// resolved nodes, every other batch keeps only its uncontested nodes.
func applyResolution(resolved []Selection, index map[string]int, c *Conflict, res *Resolution) {
	contested := make(map[string]struct{}, len(c.NodeIDs))
	for _, id := range c.NodeIDs {
		contested[id] = struct{}{}
	}
	for _, sid := range c.SelectionIDs {
		i, ok := index[sid]
		if !ok {
			continue
		}
		if sid == res.WinningSelectionID {
			resolved[i].Nodes = append([]capability.SelectedNode(nil), res.ResolvedNodes...)
			continue
		}
		kept := make([]capability.SelectedNode, 0, len(resolved[i].Nodes))
		for _, n := range resolved[i].Nodes {
			if _, taken := contested[n.NodeID]; !taken {
				kept = append(kept, n)
			}
		}
		resolved[i].Nodes = kept
	}
}

// resolve produces a resolution for one conflict.
func (e *Engine) resolve(ctx context.Context, c *Conflict, ec *EngineContext) (*Resolution, error) {
	start := time.Now()
	if c.Type == ConflictTopology {
		if !e.isEnabled(StrategyTopology) {
			err := unavailable(StrategyTopology, "topology strategy disabled")
			e.strategyFailed(c, StrategyTopology, err)
			return nil, err
		}
		res := pruneTopology(c, ec)
		res.Duration = time.Since(start)
		e.stats.recordStrategy(StrategyTopology, true, res.Duration)
		if e.sink != nil {
			e.sink.RecordStrategy(StrategyTopology.String(), true, res.Duration)
		}
		e.resolved(c, res)
		return res, nil
	}

	for _, kind := range e.chain(ec) {
		res, err := e.attempt(ctx, kind, c, ec)
		if err == nil {
			res.Duration = time.Since(start)
			e.resolved(c, res)
			return res, nil
		}
		e.strategyFailed(c, kind, err)
	}

	res, err := e.attempt(ctx, StrategyNone, c, ec)
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	e.resolved(c, res)
	return res, nil
}

// chain lists the strategies to try, in order, before the fallback.
func (e *Engine) chain(ec *EngineContext) []StrategyKind {
	enabled := e.enabledSnapshot()
	if ec.Strategy != StrategyAuto {
		if ec.Strategy.Selectable() && enabled[ec.Strategy] {
			return []StrategyKind{ec.Strategy}
		}
		e.logger.Debug("forced strategy not enabled", zap.String("strategy", ec.Strategy.String()))
		return nil
	}
	if !enabled[StrategyAuto] {
		return nil
	}
	return autoChain(ec, enabled)
}

// autoChain applies the context heuristics. Contexts matching none of them
// resolve through the fallback.
func autoChain(ec *EngineContext, enabled [numStrategyKinds]bool) []StrategyKind {
	var chain []StrategyKind
	if enabled[StrategyVoting] && ec.Priority == PriorityConsensus && len(dedupe(ec.AvailableVoters)) > 0 {
		chain = append(chain, StrategyVoting)
	}
	if enabled[StrategyLearned] && ec.Priority == PriorityAccuracy && ec.MLEnabled {
		chain = append(chain, StrategyLearned)
	}
	if enabled[StrategyTopology] && len(ec.TopologyConstraints) > 0 {
		chain = append(chain, StrategyTopology)
	}
	return chain
}

func (e *Engine) attempt(ctx context.Context, kind StrategyKind, c *Conflict, ec *EngineContext) (*Resolution, error) {
	ctx, span := e.tracer.Start(ctx, "consensus.strategy."+kind.String(),
		trace.WithAttributes(attribute.String("conflict.id", c.ID)))
	defer span.End()

	start := time.Now()
	res, err := e.strategies[kind].Resolve(ctx, c, ec)
	elapsed := time.Since(start)
	e.stats.recordStrategy(kind, err == nil, elapsed)
	if e.sink != nil {
		e.sink.RecordStrategy(kind.String(), err == nil, elapsed)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (e *Engine) strategyFailed(c *Conflict, kind StrategyKind, err error) {
	e.logger.Info("strategy failed, falling through",
		zap.String("conflict_id", c.ID),
		zap.String("strategy", kind.String()),
		zap.String("code", string(types.GetErrorCode(err))),
		zap.Error(err))
	e.bus.Emit(&types.Event{
		Type:     types.EventStrategyFailed,
		Strategy: kind.String(),
		NodeIDs:  c.NodeIDs,
		Data: map[string]any{
			"conflict_id": c.ID,
			"code":        string(types.GetErrorCode(err)),
			"error":       err.Error(),
		},
	})
}

func (e *Engine) resolved(c *Conflict, res *Resolution) {
	if res.Degraded {
		e.stats.recordFallback()
	}
	e.logger.Debug("conflict resolved",
		zap.String("conflict_id", c.ID),
		zap.String("strategy", res.Strategy.String()),
		zap.String("winner", res.WinningSelectionID),
		zap.Bool("degraded", res.Degraded))
	e.bus.Emit(&types.Event{
		Type:     types.EventConflictResolved,
		Strategy: res.Strategy.String(),
		NodeIDs:  c.NodeIDs,
		Data: map[string]any{
			"conflict_id":          c.ID,
			"winning_selection_id": res.WinningSelectionID,
			"degraded":             res.Degraded,
			"reason":               res.Reason,
		},
	})
}

// EnableStrategy enables a strategy by name.
func (e *Engine) EnableStrategy(name string) error {
	return e.setEnabled(name, true)
}

// DisableStrategy disables a strategy by name. With every strategy but auto
// disabled, all resolutions use the fallback.
func (e *Engine) DisableStrategy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, on bool) error {
	kind, err := ParseStrategyKind(name)
	if err != nil {
		return err
	}
	e.enabledMu.Lock()
	e.enabled[kind] = on
	e.enabledMu.Unlock()
	e.logger.Info("strategy enablement changed",
		zap.String("strategy", kind.String()),
		zap.Bool("enabled", on))
	return nil
}

func (e *Engine) isEnabled(kind StrategyKind) bool {
	e.enabledMu.RLock()
	defer e.enabledMu.RUnlock()
	return e.enabled[kind]
}

func (e *Engine) enabledSnapshot() [numStrategyKinds]bool {
	e.enabledMu.RLock()
	defer e.enabledMu.RUnlock()
	return e.enabled
}

// Status summarises the engine.
type Status struct {
	Active            bool     `json:"active"`
	EnabledStrategies []string `json:"enabled_strategies"`
	QueueDepth        int      `json:"queue_depth"`
	TotalProcessed    int64    `json:"total_processed"`
	SuccessRate       float64  `json:"success_rate"`
}

// Status returns the engine status.
func (e *Engine) Status() Status {
	enabled := e.enabledSnapshot()
	names := make([]string, 0, len(enabled))
	for k := StrategyAuto; k < StrategyNone; k++ {
		if enabled[k] {
			names = append(names, k.String())
		}
	}
	sort.Strings(names)
	m := e.stats.snapshot()
	return Status{
		Active:            e.running.Load(),
		EnabledStrategies: names,
		QueueDepth:        len(e.jobs),
		TotalProcessed:    m.TotalProcessed,
		SuccessRate:       m.SuccessRate,
	}
}

// Metrics returns a snapshot of the engine's counters.
func (e *Engine) Metrics() Metrics {
	return e.stats.snapshot()
}
