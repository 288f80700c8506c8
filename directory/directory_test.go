package directory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/internal/database"
	"github.com/BaSui01/agentcoord/learning"
	"github.com/BaSui01/agentcoord/testutil/fixtures"
	"github.com/BaSui01/agentcoord/types"
)

func newPool(t *testing.T) *database.PoolManager {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "coord.db")), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&nodeRecord{}, &capabilityRecord{}, &outcomeRecord{}))

	pool, err := database.NewPoolManager(db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestGormSource_UpsertAndFetch(t *testing.T) {
	src := NewGormSource(newPool(t), zaptest.NewLogger(t))
	ctx := context.Background()

	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gpu := fixtures.Node("gpu-1").
		WithVerified("gpu", 90).
		WithHistory("gpu", 120*time.Millisecond, 0.95, 0.99).
		WithCapability("disk", 40).
		WithLocation("eu").
		WithType("accelerator").
		WithLabel("zone", "eu-1a").
		WithTrust(0.8).
		WithLoad(0.25).
		Build()
	c := gpu.Capabilities["gpu"]
	c.LastUpdated = seen
	gpu.Capabilities["gpu"] = c

	require.NoError(t, src.Upsert(ctx, gpu))
	require.NoError(t, src.Upsert(ctx, fixtures.Node("cpu-1").WithCapability("compute", 70).Build()))

	nodes, err := src.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "cpu-1", nodes[0].NodeID)

	got := nodes[1]
	assert.Equal(t, "gpu-1", got.NodeID)
	assert.Equal(t, gpu.Metadata, got.Metadata)
	require.Len(t, got.Capabilities, 2)
	assert.Equal(t, 90.0, got.Capabilities["gpu"].Level)
	assert.True(t, got.Capabilities["gpu"].Verified)
	assert.True(t, got.Capabilities["gpu"].LastUpdated.Equal(seen))
	assert.Equal(t, gpu.Capabilities["gpu"].Performance, got.Capabilities["gpu"].Performance)
	assert.Nil(t, got.Capabilities["disk"].Performance)
	assert.Nil(t, nodes[0].Metadata.Labels)
}

func TestGormSource_UpsertReplacesCapabilities(t *testing.T) {
	src := NewGormSource(newPool(t), nil)
	ctx := context.Background()

	require.NoError(t, src.Upsert(ctx, fixtures.Node("n1").WithCapability("gpu", 90).WithCapability("disk", 10).Build()))
	require.NoError(t, src.Upsert(ctx, fixtures.Node("n1").WithCapability("gpu", 60).WithLocation("us").Build()))

	nodes, err := src.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "us", nodes[0].Metadata.Location)
	assert.Equal(t, map[string]capability.NodeCapability{"gpu": {Level: 60}}, stripTimes(nodes[0].Capabilities))
}

func TestGormSource_UpsertRejectsMalformed(t *testing.T) {
	src := NewGormSource(newPool(t), nil)
	ctx := context.Background()

	assert.True(t, types.IsMalformed(src.Upsert(ctx, nil)))
	assert.True(t, types.IsMalformed(src.Upsert(ctx, fixtures.Node("n1").WithCapability("gpu", 101).Build())))
	assert.True(t, types.IsMalformed(src.Upsert(ctx, fixtures.Node("n1").WithTrust(2).Build())))
}

func TestGormSource_Delete(t *testing.T) {
	src := NewGormSource(newPool(t), nil)
	ctx := context.Background()

	require.NoError(t, src.Upsert(ctx, fixtures.Node("n1").WithCapability("gpu", 90).Build()))
	require.NoError(t, src.Delete(ctx, "n1"))

	nodes, err := src.FetchAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	err = src.Delete(ctx, "n1")
	assert.True(t, types.IsCode(err, types.ErrNodeNotFound))
}

func TestGormSource_FeedsRegistry(t *testing.T) {
	src := NewGormSource(newPool(t), nil)
	ctx := context.Background()
	for _, n := range fixtures.Cluster("w", 3) {
		require.NoError(t, src.Upsert(ctx, n))
	}

	reg := capability.NewRegistry(nil, zaptest.NewLogger(t), capability.WithSource(src))
	require.NoError(t, reg.Refresh(ctx))
	assert.Equal(t, 3, reg.Len())
	assert.False(t, reg.Freshness().Degraded)
}

func TestGormSource_QueryError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{DisableAutomaticPing: true, Logger: logger.Discard})
	require.NoError(t, err)
	pool, err := database.NewPoolManager(gormDB, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, nil)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT \* FROM "nodes"`).WillReturnError(assert.AnError)

	_, err = NewGormSource(pool, nil).FetchAll(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func outcomeAt(id, nodeID string, at time.Time) *learning.PerformanceOutcome {
	return &learning.PerformanceOutcome{
		ID:           id,
		SelectionID:  "sel-" + id,
		NodeID:       nodeID,
		Capabilities: []string{"gpu", "disk"},
		Expected:     learning.PerformanceMetrics{ResponseTime: time.Second, Reliability: 0.9, SuccessRate: 0.9},
		Actual:       learning.PerformanceMetrics{ResponseTime: 800 * time.Millisecond, Reliability: 1, SuccessRate: 0.75},
		Context: learning.OutcomeContext{
			RequirementType: capability.RequirementCompute,
			Urgency:         capability.UrgencyHigh,
			SystemLoad:      42,
		},
		RecordedAt: at,
	}
}

func TestGormOutcomeStore_SaveAndRecent(t *testing.T) {
	store := NewGormOutcomeStore(newPool(t), zaptest.NewLogger(t))
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"o1", "o2", "o3", "o4"} {
		require.NoError(t, store.SaveOutcome(ctx, outcomeAt(id, "n1", base.Add(time.Duration(i)*time.Minute))))
	}

	got, err := store.RecentOutcomes(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"o2", "o3", "o4"}, []string{got[0].ID, got[1].ID, got[2].ID})

	want := outcomeAt("o4", "n1", base.Add(3*time.Minute))
	assert.True(t, got[2].RecordedAt.Equal(want.RecordedAt))
	got[2].RecordedAt = want.RecordedAt
	assert.Equal(t, want, got[2])

	none, err := store.RecentOutcomes(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGormOutcomeStore_RejectsInvalid(t *testing.T) {
	store := NewGormOutcomeStore(newPool(t), nil)
	bad := outcomeAt("o1", "", time.Now())
	assert.True(t, types.IsMalformed(store.SaveOutcome(context.Background(), bad)))
}

func TestGormOutcomeStore_WarmsSubsystem(t *testing.T) {
	store := NewGormOutcomeStore(newPool(t), nil)
	ctx := context.Background()

	writer := learning.NewSubsystem(nil, zaptest.NewLogger(t), learning.WithOutcomeStore(store))
	for i := 0; i < 6; i++ {
		_, err := writer.RecordOutcome(ctx, outcomeAt("", "n1", time.Time{}))
		require.NoError(t, err)
	}

	reader := learning.NewSubsystem(nil, zaptest.NewLogger(t), learning.WithOutcomeStore(store))
	n, err := reader.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	p := reader.PredictPerformance(ctx, "n1", learning.PredictionContext{SystemLoad: 42})
	assert.False(t, p.Neutral)
	assert.Equal(t, 6, p.Samples)
}

func stripTimes(caps map[string]capability.NodeCapability) map[string]capability.NodeCapability {
	out := make(map[string]capability.NodeCapability, len(caps))
	for name, c := range caps {
		c.LastUpdated = time.Time{}
		out[name] = c
	}
	return out
}
