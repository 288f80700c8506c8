package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentcoord/internal/eventbus"
	"github.com/BaSui01/agentcoord/types"
)

type fakeSource struct {
	mu      sync.Mutex
	records []*NodeCapabilities
	err     error
	calls   atomic.Int32
}

func (f *fakeSource) FetchAll(ctx context.Context) ([]*NodeCapabilities, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func (f *fakeSource) set(records []*NodeCapabilities, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records, f.err = records, err
}

type refreshRecorder struct {
	mu      sync.Mutex
	success []bool
}

func (r *refreshRecorder) RecordRefresh(success bool, nodes int, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success = append(r.success, success)
}

func node(id string, level float64) *NodeCapabilities {
	return &NodeCapabilities{
		NodeID:       id,
		Capabilities: map[string]NodeCapability{"cpu": {Level: level}},
		Metadata:     NodeMetadata{NodeType: "worker", TrustScore: 0.5},
	}
}

func TestRegistry_UpsertGetRemove(t *testing.T) {
	bus := eventbus.NewSync()
	var events []types.EventType
	bus.Subscribe(func(e *types.Event) { events = append(events, e.Type) })

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	reg := NewRegistry(nil, zaptest.NewLogger(t), WithEventBus(bus), WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	require.NoError(t, reg.Upsert(ctx, "n1", node("n1", 70)))

	got, err := reg.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, 70.0, got.Capabilities["cpu"].Level)
	assert.Equal(t, fixed, got.Capabilities["cpu"].LastUpdated)

	got.Capabilities["cpu"] = NodeCapability{Level: 1}
	again, _ := reg.Get("n1")
	assert.Equal(t, 70.0, again.Capabilities["cpu"].Level, "Get must return a copy")

	require.NoError(t, reg.Remove("n1"))
	_, err = reg.Get("n1")
	assert.True(t, types.IsCode(err, types.ErrNodeNotFound))
	assert.True(t, types.IsCode(reg.Remove("n1"), types.ErrNodeNotFound))

	assert.Equal(t, []types.EventType{types.EventCapabilitiesUpdated, types.EventNodeRemoved}, events)
}

func TestRegistry_UpsertRejectsMalformed(t *testing.T) {
	reg := NewRegistry(nil, nil)
	ctx := context.Background()

	assert.True(t, types.IsMalformed(reg.Upsert(ctx, "n1", nil)))
	assert.True(t, types.IsMalformed(reg.Upsert(ctx, "n1", node("n2", 10))))
	assert.True(t, types.IsMalformed(reg.Upsert(ctx, "n1", node("n1", 150))))
	assert.Equal(t, 0, reg.Len())

	// 记录中未填写 id 时沿用参数
	require.NoError(t, reg.Upsert(ctx, "n3", &NodeCapabilities{}))
	got, err := reg.Get("n3")
	require.NoError(t, err)
	assert.Equal(t, "n3", got.NodeID)
}

func TestRegistry_UpsertIdempotentUpToTimestamp(t *testing.T) {
	var tick atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := NewRegistry(nil, nil, WithClock(func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}))
	ctx := context.Background()
	x := node("n1", 55)
	x.Capabilities["mem"] = NodeCapability{Level: 20, Verified: true}

	require.NoError(t, reg.Upsert(ctx, "n1", x))
	first, _ := reg.Get("n1")
	require.NoError(t, reg.Upsert(ctx, "n1", x))
	second, _ := reg.Get("n1")

	assert.True(t, second.Capabilities["cpu"].LastUpdated.After(first.Capabilities["cpu"].LastUpdated))
	for name := range first.Capabilities {
		c := first.Capabilities[name]
		c.LastUpdated = time.Time{}
		first.Capabilities[name] = c
		c = second.Capabilities[name]
		c.LastUpdated = time.Time{}
		second.Capabilities[name] = c
	}
	assert.Equal(t, first, second)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_AllIsSortedSnapshot(t *testing.T) {
	reg := NewRegistry(&RegistryConfig{Stripes: 4}, nil)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, reg.Upsert(ctx, id, node(id, 50)))
	}

	all := reg.All()
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].NodeID)
	assert.Equal(t, "b", all[1].NodeID)
	assert.Equal(t, "c", all[2].NodeID)

	all[0].Metadata.NodeType = "mutated"
	got, _ := reg.Get("a")
	assert.Equal(t, "worker", got.Metadata.NodeType)
}

func TestRegistry_RefreshReplacesAll(t *testing.T) {
	src := &fakeSource{records: []*NodeCapabilities{node("x", 10), node("y", 20)}}
	sink := &refreshRecorder{}
	reg := NewRegistry(nil, zaptest.NewLogger(t), WithSource(src), WithMetricsSink(sink))
	ctx := context.Background()
	require.NoError(t, reg.Upsert(ctx, "old", node("old", 90)))

	require.NoError(t, reg.Refresh(ctx))

	assert.Equal(t, 2, reg.Len())
	_, err := reg.Get("old")
	assert.Error(t, err)
	y, err := reg.Get("y")
	require.NoError(t, err)
	assert.False(t, y.Capabilities["cpu"].LastUpdated.IsZero())

	fresh := reg.Freshness()
	assert.False(t, fresh.Degraded)
	assert.False(t, fresh.LastRefresh.IsZero())
	assert.Equal(t, []bool{true}, sink.success)
}

func TestRegistry_RefreshFailureKeepsLastKnownGood(t *testing.T) {
	src := &fakeSource{records: []*NodeCapabilities{node("x", 10)}}
	bus := eventbus.NewSync()
	var degraded atomic.Int32
	bus.Subscribe(func(e *types.Event) {
		if e.Type == types.EventRegistryDegraded {
			degraded.Add(1)
		}
	})
	reg := NewRegistry(nil, zaptest.NewLogger(t), WithSource(src), WithEventBus(bus))
	ctx := context.Background()
	require.NoError(t, reg.Refresh(ctx))

	tests := []struct {
		name    string
		records []*NodeCapabilities
		err     error
	}{
		{name: "source error", err: errors.New("directory down")},
		{name: "duplicate node", records: []*NodeCapabilities{node("a", 1), node("a", 2)}},
		{name: "invalid record", records: []*NodeCapabilities{node("a", 1), node("b", -5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src.set(tt.records, tt.err)

			err := reg.Refresh(ctx)

			assert.True(t, types.IsCode(err, types.ErrRegistrySourceFailure))
			assert.True(t, reg.Freshness().Degraded)
			assert.NotEmpty(t, reg.Freshness().LastError)
			all := reg.All()
			require.Len(t, all, 1)
			assert.Equal(t, "x", all[0].NodeID)
		})
	}
	assert.Equal(t, int32(3), degraded.Load())

	src.set([]*NodeCapabilities{node("z", 1)}, nil)
	require.NoError(t, reg.Refresh(ctx))
	assert.False(t, reg.Freshness().Degraded)
}

func TestRegistry_RefreshWithoutSource(t *testing.T) {
	reg := NewRegistry(nil, nil)
	assert.True(t, types.IsCode(reg.Refresh(context.Background()), types.ErrRegistrySourceFailure))
	assert.Error(t, reg.Start(context.Background()))
}

func TestRegistry_StartStopAndRequestRefresh(t *testing.T) {
	src := &fakeSource{records: []*NodeCapabilities{node("x", 10)}}
	cfg := &RegistryConfig{Stripes: 2, RefreshInterval: time.Hour, MinRefreshInterval: time.Hour}
	reg := NewRegistry(cfg, zaptest.NewLogger(t), WithSource(src))

	require.NoError(t, reg.Start(context.Background()))
	assert.Error(t, reg.Start(context.Background()))

	assert.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.RequestRefresh())
	assert.Eventually(t, func() bool { return src.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	err := reg.RequestRefresh()
	assert.True(t, types.IsCode(err, types.ErrRefreshThrottled))
	assert.True(t, types.IsRetryable(err))

	reg.Stop()
	reg.Stop()
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_ConcurrentUpsertAndSnapshot(t *testing.T) {
	reg := NewRegistry(&RegistryConfig{Stripes: 8}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("n%d", i%20)
				_ = reg.Upsert(ctx, id, node(id, float64(w*10)))
				_ = reg.All()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 20, reg.Len())
	seen := make(map[string]bool)
	for _, n := range reg.All() {
		assert.False(t, seen[n.NodeID], "duplicate entry %s", n.NodeID)
		seen[n.NodeID] = true
	}
}
