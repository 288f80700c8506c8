package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentcoord/api"
	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/consensus"
	"github.com/BaSui01/agentcoord/learning"
	"github.com/BaSui01/agentcoord/selection"
	"github.com/BaSui01/agentcoord/testutil"
	"github.com/BaSui01/agentcoord/testutil/fixtures"
	"github.com/BaSui01/agentcoord/types"
)

// =============================================================================
// 🧪 测试夹具
// =============================================================================

type memoryStore struct {
	mu    sync.Mutex
	nodes map[string]*capability.NodeCapabilities
	err   error
}

func (s *memoryStore) Upsert(_ context.Context, n *capability.NodeCapabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.nodes[n.NodeID] = n.Clone()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[nodeID]; !ok {
		return types.NewError(types.ErrNodeNotFound, "not stored")
	}
	delete(s.nodes, nodeID)
	return nil
}

type routeRecorder struct {
	mu     sync.Mutex
	routes []string
}

func (r *routeRecorder) RecordHTTPRequest(method, path string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, method+" "+path)
}

func (r *routeRecorder) Routes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.routes...)
}

type harness struct {
	srv      *httptest.Server
	registry *capability.Registry
	store    *memoryStore
	recorder *routeRecorder
	health   *api.HealthHandler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := testutil.TestContext(t)

	registry := capability.NewRegistry(&capability.RegistryConfig{
		Stripes:            4,
		MinRefreshInterval: time.Hour,
		RefreshTimeout:     time.Second,
	}, logger)
	for i, score := range []float64{90, 70, 50} {
		id := []string{"n1", "n2", "n3"}[i]
		require.NoError(t, registry.Upsert(ctx, id, fixtures.ScoredNode(id, score)))
	}

	engine := consensus.NewEngine(nil, logger)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Close() })

	h := &harness{
		registry: registry,
		store:    &memoryStore{nodes: make(map[string]*capability.NodeCapabilities)},
		recorder: &routeRecorder{},
		health:   api.NewHealthHandler("test", logger),
	}
	coordinator := api.NewCoordinator(
		registry,
		selection.NewSelector(registry, nil, logger),
		engine,
		learning.NewSubsystem(nil, logger),
		logger,
		api.WithNodeStore(h.store),
	)
	h.srv = httptest.NewServer(api.NewRouter(api.RouterConfig{Recorder: h.recorder}, h.health, coordinator, logger))
	t.Cleanup(h.srv.Close)
	return h
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *api.ErrorInfo  `json:"error"`
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

func TestHealth_Liveness(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status api.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "test", status.Version)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestHealth_ReadinessFailsWithCheck(t *testing.T) {
	h := newHarness(t)
	h.health.RegisterCheck(api.NewCheck("database", func(context.Context) error { return nil }))
	h.health.RegisterCheck(api.NewCheck("redis", func(context.Context) error { return errors.New("connection refused") }))

	resp, err := http.Get(h.srv.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status api.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "pass", status.Checks["database"].Status)
	assert.Equal(t, "fail", status.Checks["redis"].Status)
	assert.Equal(t, "connection refused", status.Checks["redis"].Message)
}

// =============================================================================
// 🎯 选择与冲突解决
// =============================================================================

func TestSelect_ReturnsBatch(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPost, "/v1/selections", api.SelectRequest{
		Requirement: fixtures.ComputeRequirement("r1", 1, 2),
	})
	require.Equal(t, http.StatusOK, code)

	var resp api.SelectResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.True(t, resp.Feasible)
	assert.Equal(t, "r1", resp.Selection.RequirementID)
	assert.NotEmpty(t, resp.Selection.ID)
	assert.Equal(t, []string{"n1", "n2"}, resp.Selection.NodeIDs())
}

func TestSelect_MalformedRequirement(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPost, "/v1/selections", api.SelectRequest{
		Requirement: &capability.CapabilityRequirement{ID: "bad"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.ErrMalformedInput), env.Error.Code)
}

func TestSelect_UnknownFieldRejected(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPost, "/v1/selections", `{"requirement":{},"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.ErrMalformedInput), env.Error.Code)
}

func TestResolve_ContestedBatches(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPost, "/v1/resolutions", api.ResolveRequest{
		Selections: []consensus.Selection{
			{ID: "low", Nodes: []capability.SelectedNode{fixtures.SelectedAt("n1", 90, "us"), fixtures.SelectedAt("n4", 10, "us")}},
			{ID: "high", Nodes: []capability.SelectedNode{fixtures.SelectedAt("n1", 90, "us"), fixtures.SelectedAt("n2", 80, "us")}},
		},
	})
	require.Equal(t, http.StatusOK, code)

	var result consensus.ProcessedSelections
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Len(t, result.Resolutions, 1)
	assert.Len(t, result.OriginalSelections, 2)
	for _, sel := range result.ResolvedSelections {
		if sel.ID != result.Resolutions[0].WinningSelectionID {
			assert.NotContains(t, sel.NodeIDs(), "n1")
		}
	}
}

// =============================================================================
// 🗂️ 节点管理
// =============================================================================

func TestNodes_PutGetDelete(t *testing.T) {
	h := newHarness(t)
	node := fixtures.Node("n9").WithVerified("gpu", 80).WithLocation("eu").Build()

	code, _ := h.do(t, http.MethodPut, "/v1/nodes/n9", node)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, h.store.nodes, "n9")

	code, env := h.do(t, http.MethodGet, "/v1/nodes/n9", nil)
	require.Equal(t, http.StatusOK, code)
	var got capability.NodeCapabilities
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "eu", got.Metadata.Location)
	assert.False(t, got.Capabilities["gpu"].LastUpdated.IsZero())

	code, _ = h.do(t, http.MethodDelete, "/v1/nodes/n9", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, h.store.nodes, "n9")

	code, env = h.do(t, http.MethodGet, "/v1/nodes/n9", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(types.ErrNodeNotFound), env.Error.Code)
}

func TestNodes_DeleteUnknown(t *testing.T) {
	h := newHarness(t)
	code, env := h.do(t, http.MethodDelete, "/v1/nodes/ghost", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(types.ErrNodeNotFound), env.Error.Code)
}

func TestNodes_PutMismatchedID(t *testing.T) {
	h := newHarness(t)
	code, env := h.do(t, http.MethodPut, "/v1/nodes/n9", fixtures.Node("other").WithCapability("gpu", 10).Build())
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(types.ErrMalformedInput), env.Error.Code)
	assert.Empty(t, h.store.nodes)
}

func TestNodes_StoreFailureKeepsRegistry(t *testing.T) {
	h := newHarness(t)
	h.store.err = types.NewError(types.ErrServiceUnavailable, "db down")

	code, _ := h.do(t, http.MethodPut, "/v1/nodes/n9", fixtures.Node("n9").WithCapability("gpu", 10).Build())
	assert.Equal(t, http.StatusServiceUnavailable, code)
	_, err := h.registry.Get("n9")
	assert.True(t, types.IsCode(err, types.ErrNodeNotFound))
}

func TestRefresh_Throttled(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Post(h.srv.URL+"/v1/registry/refresh", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	code, env := h.do(t, http.MethodPost, "/v1/registry/refresh", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.True(t, env.Error.Retryable)
}

// =============================================================================
// 🤝 策略、学习与状态
// =============================================================================

func TestStrategies_Toggle(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodPut, "/v1/strategies/voting", api.StrategyRequest{Enabled: false})
	require.Equal(t, http.StatusOK, code)
	var status consensus.Status
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.NotContains(t, status.EnabledStrategies, "voting")

	code, env = h.do(t, http.MethodPut, "/v1/strategies/quantum", api.StrategyRequest{Enabled: true})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(types.ErrUnknownStrategy), env.Error.Code)
}

func TestOutcomes_FeedStatus(t *testing.T) {
	h := newHarness(t)

	outcome := learning.PerformanceOutcome{
		SelectionID:  "sel-1",
		NodeID:       "n1",
		Capabilities: []string{"compute"},
		Expected:     learning.PerformanceMetrics{ResponseTime: time.Second, Reliability: 0.9, SuccessRate: 0.9},
		Actual:       learning.PerformanceMetrics{ResponseTime: 800 * time.Millisecond, Reliability: 0.95, SuccessRate: 1},
	}
	code, _ := h.do(t, http.MethodPost, "/v1/outcomes", outcome)
	require.Equal(t, http.StatusOK, code)

	code, env := h.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, code)
	var status api.StatusResponse
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, int64(1), status.Learning.TotalOutcomes)
	assert.Equal(t, 3, status.Registry.Nodes)
	assert.True(t, status.Engine.Active)
}

func TestOutcomes_Invalid(t *testing.T) {
	h := newHarness(t)
	code, env := h.do(t, http.MethodPost, "/v1/outcomes", learning.PerformanceOutcome{SelectionID: "s"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(types.ErrMalformedInput), env.Error.Code)
}

func TestPrediction(t *testing.T) {
	h := newHarness(t)

	code, env := h.do(t, http.MethodGet, "/v1/nodes/n1/prediction?system_load=40&urgency=high", nil)
	require.Equal(t, http.StatusOK, code)
	var p learning.PerformancePrediction
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "n1", p.NodeID)
	assert.True(t, p.Neutral)

	code, _ = h.do(t, http.MethodGet, "/v1/nodes/n1/prediction?system_load=250", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMetrics_UseRoutePatterns(t *testing.T) {
	h := newHarness(t)

	h.do(t, http.MethodGet, "/v1/nodes/n1", nil)
	h.do(t, http.MethodGet, "/v1/nodes/n2", nil)

	assert.Equal(t, []string{"GET /v1/nodes/{id}", "GET /v1/nodes/{id}"}, h.recorder.Routes())
}
