package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/consensus"
	"github.com/BaSui01/agentcoord/learning"
	"github.com/BaSui01/agentcoord/selection"
	"github.com/BaSui01/agentcoord/types"
)

// NodeStore persists node records behind the registry. directory.GormSource
// satisfies it.
type NodeStore interface {
	Upsert(ctx context.Context, n *capability.NodeCapabilities) error
	Delete(ctx context.Context, nodeID string) error
}

// SelectRequest is the body of POST /v1/selections.
type SelectRequest struct {
	Requirement *capability.CapabilityRequirement `json:"requirement"`
	Constraints *selection.SelectionConstraints   `json:"constraints,omitempty"`
}

// SelectResponse wraps the selected nodes as a batch ready for resolution.
type SelectResponse struct {
	Feasible  bool                `json:"feasible"`
	Selection consensus.Selection `json:"selection"`
}

// ResolveRequest is the body of POST /v1/resolutions.
type ResolveRequest struct {
	Selections []consensus.Selection    `json:"selections"`
	Context    *consensus.EngineContext `json:"context,omitempty"`
}

// StrategyRequest is the body of PUT /v1/strategies/{name}.
type StrategyRequest struct {
	Enabled bool `json:"enabled"`
}

// RegistryStatus summarizes the registry.
type RegistryStatus struct {
	Nodes     int                  `json:"nodes"`
	Freshness capability.Freshness `json:"freshness"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Registry  RegistryStatus    `json:"registry"`
	Selection selection.Stats   `json:"selection"`
	Engine    consensus.Status  `json:"engine"`
	Consensus consensus.Metrics `json:"consensus"`
	Learning  learning.Metrics  `json:"learning"`
}

// Coordinator serves the coordination API over the core components.
type Coordinator struct {
	registry *capability.Registry
	selector *selection.Selector
	engine   *consensus.Engine
	learning *learning.Subsystem
	store    NodeStore
	logger   *zap.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithNodeStore persists node writes before they reach the registry.
func WithNodeStore(store NodeStore) CoordinatorOption {
	return func(c *Coordinator) {
		c.store = store
	}
}

// NewCoordinator creates the API handlers.
func NewCoordinator(registry *capability.Registry, selector *selection.Selector, engine *consensus.Engine,
	sub *learning.Subsystem, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		registry: registry,
		selector: selector,
		engine:   engine,
		learning: sub,
		logger:   logger.With(zap.String("component", "api")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register mounts the routes on mux.
func (c *Coordinator) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/selections", c.handleSelect)
	mux.HandleFunc("POST /v1/resolutions", c.handleResolve)
	mux.HandleFunc("POST /v1/outcomes", c.handleOutcome)
	mux.HandleFunc("GET /v1/learning/proposal", c.handleProposal)
	mux.HandleFunc("GET /v1/nodes", c.handleListNodes)
	mux.HandleFunc("GET /v1/nodes/{id}", c.handleGetNode)
	mux.HandleFunc("PUT /v1/nodes/{id}", c.handlePutNode)
	mux.HandleFunc("DELETE /v1/nodes/{id}", c.handleDeleteNode)
	mux.HandleFunc("GET /v1/nodes/{id}/prediction", c.handlePredict)
	mux.HandleFunc("POST /v1/registry/refresh", c.handleRefresh)
	mux.HandleFunc("PUT /v1/strategies/{name}", c.handleStrategy)
	mux.HandleFunc("GET /v1/status", c.handleStatus)
}

func (c *Coordinator) fail(w http.ResponseWriter, r *http.Request, err error) {
	WriteError(w, r, err, c.logger)
}

func (c *Coordinator) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		c.fail(w, r, err)
		return
	}
	nodes, err := c.selector.SelectOptimalNodes(r.Context(), req.Requirement, req.Constraints)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	resp := SelectResponse{
		Feasible: len(nodes) > 0,
		Selection: consensus.Selection{
			ID:    "sel-" + uuid.NewString(),
			Nodes: nodes,
		},
	}
	if req.Requirement != nil {
		resp.Selection.RequirementID = req.Requirement.ID
	}
	WriteSuccess(w, r, resp)
}

func (c *Coordinator) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		c.fail(w, r, err)
		return
	}
	ec := req.Context
	if ec == nil {
		ec = &consensus.EngineContext{}
	}
	result, err := c.engine.ProcessSelections(r.Context(), req.Selections, ec)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	WriteSuccess(w, r, result)
}

func (c *Coordinator) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var outcome learning.PerformanceOutcome
	if err := DecodeJSONBody(r, &outcome); err != nil {
		c.fail(w, r, err)
		return
	}
	proposal, err := c.learning.RecordOutcome(r.Context(), &outcome)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]any{"proposal": proposal})
}

func (c *Coordinator) handleProposal(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, c.learning.OptimizeSelectionWeights())
}

func (c *Coordinator) handleListNodes(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, c.registry.All())
}

func (c *Coordinator) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := c.registry.Get(r.PathValue("id"))
	if err != nil {
		c.fail(w, r, err)
		return
	}
	WriteSuccess(w, r, node)
}

func (c *Coordinator) handlePutNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var node capability.NodeCapabilities
	if err := DecodeJSONBody(r, &node); err != nil {
		c.fail(w, r, err)
		return
	}
	if node.NodeID == "" {
		node.NodeID = id
	}
	if node.NodeID != id {
		c.fail(w, r, types.Malformed("path id %q does not match record id %q", id, node.NodeID))
		return
	}
	if c.store != nil {
		if err := c.store.Upsert(r.Context(), &node); err != nil {
			c.fail(w, r, err)
			return
		}
	}
	if err := c.registry.Upsert(r.Context(), id, &node); err != nil {
		c.fail(w, r, err)
		return
	}
	updated, err := c.registry.Get(id)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	WriteSuccess(w, r, updated)
}

func (c *Coordinator) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stored := false
	if c.store != nil {
		err := c.store.Delete(r.Context(), id)
		switch {
		case err == nil:
			stored = true
		case !types.IsCode(err, types.ErrNodeNotFound):
			c.fail(w, r, err)
			return
		}
	}
	if err := c.registry.Remove(id); err != nil && !stored {
		c.fail(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]string{"removed": id})
}

func (c *Coordinator) handlePredict(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pctx := learning.PredictionContext{
		RequirementType: capability.RequirementType(q.Get("requirement_type")),
		Urgency:         capability.Urgency(q.Get("urgency")),
	}
	if raw := q.Get("system_load"); raw != "" {
		load, err := strconv.ParseFloat(raw, 64)
		if err != nil || load < 0 || load > 100 {
			c.fail(w, r, types.Malformed("system_load must be a number in [0, 100]"))
			return
		}
		pctx.SystemLoad = load
	}
	WriteSuccess(w, r, c.learning.PredictPerformance(r.Context(), r.PathValue("id"), pctx))
}

func (c *Coordinator) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := c.registry.RequestRefresh(); err != nil {
		c.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, Response{Success: true, RequestID: RequestIDFromContext(r.Context())})
}

func (c *Coordinator) handleStrategy(w http.ResponseWriter, r *http.Request) {
	var req StrategyRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		c.fail(w, r, err)
		return
	}
	name := r.PathValue("name")
	var err error
	if req.Enabled {
		err = c.engine.EnableStrategy(name)
	} else {
		err = c.engine.DisableStrategy(name)
	}
	if err != nil {
		c.fail(w, r, err)
		return
	}
	WriteSuccess(w, r, c.engine.Status())
}

func (c *Coordinator) handleStatus(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, StatusResponse{
		Registry: RegistryStatus{
			Nodes:     c.registry.Len(),
			Freshness: c.registry.Freshness(),
		},
		Selection: c.selector.Stats(),
		Engine:    c.engine.Status(),
		Consensus: c.engine.Metrics(),
		Learning:  c.learning.Metrics(),
	})
}
