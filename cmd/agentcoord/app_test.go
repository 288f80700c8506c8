package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/config"
	"github.com/BaSui01/agentcoord/consensus"
	"github.com/BaSui01/agentcoord/testutil/fixtures"
	"github.com/BaSui01/agentcoord/transport/wsvote"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) *app {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	a, err := newApp(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// =============================================================================
// 🧪 装配测试
// =============================================================================

func TestNewApp_WithoutDatabase(t *testing.T) {
	a := newTestApp(t, nil)

	assert.Nil(t, a.db)
	assert.Nil(t, a.cache)
	assert.Equal(t, http.StatusOK, get(t, a.handler, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, a.handler, "/readyz").Code,
		"engine is not running before start")

	require.NoError(t, a.start(context.Background()))
	assert.Equal(t, http.StatusOK, get(t, a.handler, "/readyz").Code)
}

func TestNewApp_StatusReflectsConfiguredStrategies(t *testing.T) {
	a := newTestApp(t, func(c *config.Config) {
		c.Consensus.EnabledStrategies = []string{"voting", "ml"}
	})
	require.NoError(t, a.start(context.Background()))

	rec := get(t, a.handler, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Engine consensus.Status `json:"engine"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.True(t, body.Data.Engine.Active)
	assert.ElementsMatch(t, []string{"voting", "learned"}, body.Data.Engine.EnabledStrategies)
}

func TestNewApp_RedisPredictionCache(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestApp(t, func(c *config.Config) {
		c.Learning.CacheBackend = "redis"
		c.Redis.Addr = mr.Addr()
	})
	require.NotNil(t, a.cache)
	require.NoError(t, a.start(context.Background()))

	assert.Equal(t, http.StatusOK, get(t, a.handler, "/readyz").Code)

	mr.Close()
	assert.Equal(t, http.StatusServiceUnavailable, get(t, a.handler, "/readyz").Code)
}

func TestNewApp_RedisUnavailableFallsBackToMemory(t *testing.T) {
	a := newTestApp(t, func(c *config.Config) {
		c.Learning.CacheBackend = "redis"
		c.Redis.Addr = "127.0.0.1:1"
	})
	assert.Nil(t, a.cache)
}

func TestNewApp_MongoOutcomeStoreUnavailable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Learning.OutcomeStore = "mongo"
	cfg.Mongo.URI = "mongodb://127.0.0.1:1/?directConnection=true"
	cfg.Mongo.ConnectTimeout = 200 * time.Millisecond
	require.NoError(t, cfg.Validate())

	_, err := newApp(cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongodb")
}

func TestNewApp_NoOutcomeStore(t *testing.T) {
	a := newTestApp(t, func(c *config.Config) { c.Learning.OutcomeStore = "none" })
	assert.Nil(t, a.mongo)

	store, err := a.openOutcomeStore()
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestNewApp_RecordsHTTPMetrics(t *testing.T) {
	a := newTestApp(t, nil)
	get(t, a.handler, "/healthz")

	rec := httptest.NewRecorder()
	a.collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `agentcoord_http_requests_total{method="GET",path="GET /healthz",status="2xx"} 1`)
}

func TestApp_Managers(t *testing.T) {
	a := newTestApp(t, func(c *config.Config) {
		c.Server.HTTPPort = 18080
		c.Server.MetricsPort = 19091
	})
	ms := a.managers()
	require.Len(t, ms, 2)
	assert.Equal(t, ":18080", ms[0].Addr())
	assert.Equal(t, ":19091", ms[1].Addr())
}

// =============================================================================
// 🔧 配置映射测试
// =============================================================================

func TestEngineConfig(t *testing.T) {
	c := config.DefaultConsensusConfig()
	c.EnabledStrategies = []string{"auto", "topology", "hybrid"}
	c.HybridVotingWeight = 0.5

	ec, err := engineConfig(c)
	require.NoError(t, err)
	assert.Equal(t, []consensus.StrategyKind{consensus.StrategyAuto, consensus.StrategyTopology, consensus.StrategyHybrid},
		ec.EnabledStrategies)
	assert.Equal(t, 0.5, ec.HybridWeights.Voting)
	assert.Equal(t, c.QueueSize, ec.QueueSize)

	c.EnabledStrategies = []string{"bogus"}
	_, err = engineConfig(c)
	assert.Error(t, err)
}

func TestPoolConfig_ClampsIdle(t *testing.T) {
	c := config.DefaultDatabaseConfig()
	c.MaxOpenConns = 4
	c.MaxIdleConns = 10

	pc := poolConfig(c)
	assert.Equal(t, 4, pc.MaxOpenConns)
	assert.Equal(t, 4, pc.MaxIdleConns)
	assert.NoError(t, pc.Validate())
}

func TestCacheConfig(t *testing.T) {
	c := config.DefaultRedisConfig()
	c.Addr = "redis:6380"
	c.DefaultTTL = 0

	cc := cacheConfig(c)
	assert.Equal(t, "redis:6380", cc.Addr)
	assert.Greater(t, cc.DefaultTTL, time.Duration(0))
}

// =============================================================================
// 🗳️ voter 与 health 命令测试
// =============================================================================

func TestVoterHandler_AnswersProposals(t *testing.T) {
	mux, err := newVoterHandler("v1", "/vote", zaptest.NewLogger(t))
	require.NoError(t, err)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := wsvote.NewClient(map[string]string{
		"v1": "ws" + strings.TrimPrefix(srv.URL, "http") + "/vote",
	}, nil, zaptest.NewLogger(t))
	defer client.Close()

	proposal := &consensus.Proposal{
		ConflictID: "c1",
		Type:       consensus.ConflictResource,
		Candidates: []consensus.Selection{
			{ID: "low", Nodes: []capability.SelectedNode{fixtures.SelectedAt("n1", 40, "us")}},
			{ID: "high", Nodes: []capability.SelectedNode{fixtures.SelectedAt("n2", 80, "us")}},
		},
		Deadline: time.Now().Add(time.Second),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	vote, err := client.RequestVote(ctx, "v1", proposal)
	require.NoError(t, err)
	assert.Equal(t, "high", vote.SelectionID)
	assert.Equal(t, "v1", vote.VoterID)
}

func TestNewVoterHandler_RequiresID(t *testing.T) {
	_, err := newVoterHandler("", "/vote", nil)
	assert.Error(t, err)
}

func TestCheckHealth(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: time.Second}
	assert.NoError(t, checkHealth(client, srv.URL))

	status = http.StatusServiceUnavailable
	assert.Error(t, checkHealth(client, srv.URL))
}

func TestRunMigrate_ArgumentErrors(t *testing.T) {
	assert.Error(t, runMigrate(nil))
	assert.Error(t, runMigrate([]string{"sideways"}))
	assert.Error(t, runMigrate([]string{"goto"}))
	assert.NoError(t, runMigrate([]string{"help"}))
}
