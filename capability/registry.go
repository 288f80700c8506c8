package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentcoord/internal/eventbus"
	"github.com/BaSui01/agentcoord/types"
)

// DirectorySource supplies the full node directory on demand.
type DirectorySource interface {
	FetchAll(ctx context.Context) ([]*NodeCapabilities, error)
}

// MetricsSink receives registry refresh measurements.
type MetricsSink interface {
	RecordRefresh(success bool, nodes int, duration time.Duration)
}

// RegistryConfig holds configuration for the capability registry.
type RegistryConfig struct {
	// Stripes is the number of lock stripes guarding the node map.
	Stripes int `json:"stripes" yaml:"stripes"`

	// RefreshInterval is the period of the background refresh loop. Zero disables it.
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`

	// MinRefreshInterval throttles out-of-cycle refresh requests.
	MinRefreshInterval time.Duration `json:"min_refresh_interval" yaml:"min_refresh_interval"`

	// RefreshTimeout bounds a single FetchAll call.
	RefreshTimeout time.Duration `json:"refresh_timeout" yaml:"refresh_timeout"`
}

// DefaultRegistryConfig returns a RegistryConfig with sensible defaults.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		Stripes:            32,
		RefreshInterval:    30 * time.Second,
		MinRefreshInterval: 5 * time.Second,
		RefreshTimeout:     10 * time.Second,
	}
}

// Freshness reports how current the registry contents are.
type Freshness struct {
	LastRefresh time.Time `json:"last_refresh"`
	LastAttempt time.Time `json:"last_attempt"`
	Degraded    bool      `json:"degraded"`
	LastError   string    `json:"last_error,omitempty"`
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSource sets the directory source used by Refresh.
func WithSource(source DirectorySource) RegistryOption {
	return func(r *Registry) {
		r.source = source
	}
}

// WithEventBus sets the bus that receives registry notifications.
func WithEventBus(bus *eventbus.Bus) RegistryOption {
	return func(r *Registry) {
		r.bus = bus
	}
}

// WithMetricsSink sets the sink for refresh measurements.
func WithMetricsSink(sink MetricsSink) RegistryOption {
	return func(r *Registry) {
		r.metrics = sink
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

type stripe struct {
	mu    sync.RWMutex
	nodes map[string]*NodeCapabilities
}

// Registry is the in-memory node directory.
//
// Single-node writes hold only the owning stripe's lock. Refresh replaces
// every stripe at once under swapMu, so readers of All never observe a
// half-applied refresh.
type Registry struct {
	swapMu  sync.RWMutex
	stripes []*stripe

	source  DirectorySource
	bus     *eventbus.Bus
	metrics MetricsSink
	config  *RegistryConfig
	logger  *zap.Logger
	now     func() time.Time

	freshMu   sync.RWMutex
	freshness Freshness

	limiter  *rate.Limiter
	refreshC chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a new capability registry.
func NewRegistry(config *RegistryConfig, logger *zap.Logger, opts ...RegistryOption) *Registry {
	if config == nil {
		config = DefaultRegistryConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := config.Stripes
	if n <= 0 {
		n = DefaultRegistryConfig().Stripes
	}

	r := &Registry{
		stripes:  make([]*stripe, n),
		config:   config,
		logger:   logger.With(zap.String("component", "capability_registry")),
		now:      time.Now,
		refreshC: make(chan struct{}, 1),
	}
	for i := range r.stripes {
		r.stripes[i] = &stripe{nodes: make(map[string]*NodeCapabilities)}
	}
	limit := rate.Inf
	if config.MinRefreshInterval > 0 {
		limit = rate.Every(config.MinRefreshInterval)
	}
	r.limiter = rate.NewLimiter(limit, 1)

	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = eventbus.New(eventbus.WithLogger(r.logger))
	}
	return r
}

func (r *Registry) stripeFor(nodeID string) *stripe {
	return r.stripes[xxhash.Sum64String(nodeID)%uint64(len(r.stripes))]
}

// Bus returns the registry's event bus.
func (r *Registry) Bus() *eventbus.Bus {
	return r.bus
}

// Subscribe registers a handler for registry notifications.
func (r *Registry) Subscribe(handler types.EventHandler) string {
	return r.bus.Subscribe(handler)
}

// Unsubscribe removes a handler.
func (r *Registry) Unsubscribe(subscriptionID string) {
	r.bus.Unsubscribe(subscriptionID)
}

// Upsert replaces a node's record and stamps every capability's update time.
func (r *Registry) Upsert(ctx context.Context, nodeID string, caps *NodeCapabilities) error {
	if caps == nil {
		return types.Malformed("node %s: capabilities are nil", nodeID)
	}
	entry := caps.Clone()
	if entry.NodeID == "" {
		entry.NodeID = nodeID
	}
	if nodeID == "" || entry.NodeID != nodeID {
		return types.Malformed("node id %q does not match record id %q", nodeID, entry.NodeID)
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := r.now()
	for name, c := range entry.Capabilities {
		c.LastUpdated = now
		entry.Capabilities[name] = c
	}

	r.swapMu.RLock()
	s := r.stripeFor(nodeID)
	s.mu.Lock()
	s.nodes[nodeID] = entry
	s.mu.Unlock()
	r.swapMu.RUnlock()

	r.logger.Debug("node capabilities updated",
		zap.String("node_id", nodeID),
		zap.Int("capabilities", len(entry.Capabilities)))

	r.bus.Emit(&types.Event{
		Type:   types.EventCapabilitiesUpdated,
		NodeID: nodeID,
		Data:   map[string]any{"capabilities": len(entry.Capabilities)},
	})
	return nil
}

// Get returns a copy of a node's record.
func (r *Registry) Get(nodeID string) (*NodeCapabilities, error) {
	r.swapMu.RLock()
	defer r.swapMu.RUnlock()

	s := r.stripeFor(nodeID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.nodes[nodeID]
	if !ok {
		return nil, types.NewError(types.ErrNodeNotFound, fmt.Sprintf("node %s not found", nodeID)).
			WithComponent("capability_registry")
	}
	return entry.Clone(), nil
}

// Remove deletes a node from the registry.
func (r *Registry) Remove(nodeID string) error {
	r.swapMu.RLock()
	s := r.stripeFor(nodeID)
	s.mu.Lock()
	_, ok := s.nodes[nodeID]
	delete(s.nodes, nodeID)
	s.mu.Unlock()
	r.swapMu.RUnlock()

	if !ok {
		return types.NewError(types.ErrNodeNotFound, fmt.Sprintf("node %s not found", nodeID)).
			WithComponent("capability_registry")
	}

	r.logger.Info("node removed", zap.String("node_id", nodeID))
	r.bus.Emit(&types.Event{Type: types.EventNodeRemoved, NodeID: nodeID})
	return nil
}

// All returns a deep-copied snapshot of every record, ordered by node id.
func (r *Registry) All() []*NodeCapabilities {
	r.swapMu.RLock()
	defer r.swapMu.RUnlock()

	var out []*NodeCapabilities
	for _, s := range r.stripes {
		s.mu.RLock()
		for _, entry := range s.nodes {
			out = append(out, entry.Clone())
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.swapMu.RLock()
	defer r.swapMu.RUnlock()

	n := 0
	for _, s := range r.stripes {
		s.mu.RLock()
		n += len(s.nodes)
		s.mu.RUnlock()
	}
	return n
}

// Freshness returns the current freshness report.
func (r *Registry) Freshness() Freshness {
	r.freshMu.RLock()
	defer r.freshMu.RUnlock()
	return r.freshness
}

// Refresh pulls the full directory and replaces the registry contents.
// Either every entry is replaced or none is; on failure the last-known-good
// contents stay and the registry is flagged degraded.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.source == nil {
		return types.NewError(types.ErrRegistrySourceFailure, "no directory source configured").
			WithComponent("capability_registry")
	}

	start := r.now()
	fetchCtx := ctx
	if r.config.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.config.RefreshTimeout)
		defer cancel()
	}

	records, err := r.source.FetchAll(fetchCtx)
	if err != nil {
		return r.refreshFailed(start, types.NewError(types.ErrRegistrySourceFailure, "directory fetch failed").
			WithCause(err).WithRetryable(true).WithComponent("capability_registry"))
	}

	next := make([]map[string]*NodeCapabilities, len(r.stripes))
	for i := range next {
		next[i] = make(map[string]*NodeCapabilities)
	}
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return r.refreshFailed(start, types.NewError(types.ErrRegistrySourceFailure, "directory returned an invalid record").
				WithCause(err).WithComponent("capability_registry"))
		}
		idx := xxhash.Sum64String(rec.NodeID) % uint64(len(r.stripes))
		if _, dup := next[idx][rec.NodeID]; dup {
			return r.refreshFailed(start, types.NewError(types.ErrRegistrySourceFailure,
				fmt.Sprintf("directory returned duplicate node %s", rec.NodeID)).WithComponent("capability_registry"))
		}
		entry := rec.Clone()
		for name, c := range entry.Capabilities {
			if c.LastUpdated.IsZero() {
				c.LastUpdated = start
				entry.Capabilities[name] = c
			}
		}
		next[idx][rec.NodeID] = entry
	}

	r.swapMu.Lock()
	for i, s := range r.stripes {
		s.mu.Lock()
		s.nodes = next[i]
		s.mu.Unlock()
	}
	r.swapMu.Unlock()

	now := r.now()
	r.freshMu.Lock()
	r.freshness = Freshness{LastRefresh: now, LastAttempt: now}
	r.freshMu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordRefresh(true, len(records), now.Sub(start))
	}
	r.logger.Info("registry refreshed",
		zap.Int("nodes", len(records)),
		zap.Duration("duration", now.Sub(start)))
	r.bus.Emit(&types.Event{
		Type: types.EventRegistryRefreshed,
		Data: map[string]any{"nodes": len(records)},
	})
	return nil
}

func (r *Registry) refreshFailed(start time.Time, err *types.Error) error {
	now := r.now()
	r.freshMu.Lock()
	r.freshness.LastAttempt = now
	r.freshness.Degraded = true
	r.freshness.LastError = err.Error()
	r.freshMu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordRefresh(false, 0, now.Sub(start))
	}
	r.logger.Warn("registry refresh failed, serving last-known-good snapshot",
		zap.String("code", string(err.Code)),
		zap.Error(err))
	r.bus.Emit(&types.Event{
		Type: types.EventRegistryDegraded,
		Data: map[string]any{"error": err.Error()},
	})
	return err
}

// Start launches the periodic refresh loop.
func (r *Registry) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.cancel != nil {
		return fmt.Errorf("registry already started")
	}
	if r.source == nil {
		return types.NewError(types.ErrRegistrySourceFailure, "no directory source configured").
			WithComponent("capability_registry")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)

	r.logger.Info("capability registry started",
		zap.Duration("refresh_interval", r.config.RefreshInterval))
	return nil
}

// Stop stops the refresh loop and waits for it to exit.
func (r *Registry) Stop() {
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("capability registry stopped")
}

// RequestRefresh asks the refresh loop for an out-of-cycle refresh.
func (r *Registry) RequestRefresh() error {
	if !r.limiter.Allow() {
		return types.NewError(types.ErrRefreshThrottled, "refresh requested too soon").
			WithRetryable(true).WithComponent("capability_registry")
	}
	select {
	case r.refreshC <- struct{}{}:
	default:
	}
	return nil
}

func (r *Registry) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Initial sync before the first tick.
	_ = r.Refresh(ctx)

	var tick <-chan time.Time
	if r.config.RefreshInterval > 0 {
		ticker := time.NewTicker(r.config.RefreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			_ = r.Refresh(ctx)
		case <-r.refreshC:
			_ = r.Refresh(ctx)
		}
	}
}
