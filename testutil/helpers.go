// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 选择结果断言、事件记录与轮询等待
//
// 使用方法:
//
//	testutil.AssertNodeIDs(t, []string{"n1", "n2"}, selected)
//	rec := testutil.NewEventRecorder(bus)
//	testutil.AssertEventuallyTrue(t, func() bool { return rec.Count(types.EventNodesSelected) > 0 }, time.Second)
//
// =============================================================================
package testutil

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/internal/eventbus"
	"github.com/BaSui01/agentcoord/types"
)

// TestContext 返回 30 秒后过期的上下文，测试结束时取消
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// 🔍 选择结果断言
// =============================================================================

// NodeIDs 按顺序提取选中节点的 ID
func NodeIDs(nodes []capability.SelectedNode) []string {
	ids := make([]string, len(nodes))
	for i := range nodes {
		ids[i] = nodes[i].NodeID
	}
	return ids
}

// AssertNodeIDs 断言选中节点的 ID 及其顺序
func AssertNodeIDs(t *testing.T, expected []string, actual []capability.SelectedNode) bool {
	t.Helper()
	return assert.Equal(t, expected, NodeIDs(actual), "selected node order")
}

// AssertSortedByScore 断言总分降序，同分时 ID 升序
func AssertSortedByScore(t *testing.T, nodes []capability.SelectedNode) bool {
	t.Helper()
	return assert.True(t, slices.IsSortedFunc(nodes, func(a, b capability.SelectedNode) int {
		switch {
		case a.Score.TotalScore > b.Score.TotalScore:
			return -1
		case a.Score.TotalScore < b.Score.TotalScore:
			return 1
		}
		return cmp.Compare(a.NodeID, b.NodeID)
	}), "nodes out of score order: %v", NodeIDs(nodes))
}

// AssertEventuallyTrue 每 10ms 检查一次 condition，直到为真或超时
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) bool {
	t.Helper()
	return assert.Eventually(t, condition, timeout, 10*time.Millisecond)
}

// =============================================================================
// 📡 事件记录
// =============================================================================

// EventRecorder 记录事件总线上的事件
type EventRecorder struct {
	mu     sync.Mutex
	events []types.Event
}

// NewEventRecorder 创建记录器并订阅 bus
func NewEventRecorder(bus *eventbus.Bus) *EventRecorder {
	r := &EventRecorder{}
	bus.Subscribe(r.Handle)
	return r
}

// Handle 实现 types.EventHandler
func (r *EventRecorder) Handle(e *types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
}

// Events 返回已记录事件的副本
func (r *EventRecorder) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Count 统计某类事件的数量
func (r *EventRecorder) Count(eventType types.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.events {
		if r.events[i].Type == eventType {
			n++
		}
	}
	return n
}

// MustJSON 序列化 v，失败时 panic
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
