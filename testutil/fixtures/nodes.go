// =============================================================================
// 📦 测试数据工厂 - 节点与需求
// =============================================================================
// 提供预定义的节点能力档案和能力需求，用于测试
// =============================================================================
package fixtures

import (
	"fmt"
	"time"

	"github.com/BaSui01/agentcoord/capability"
)

// =============================================================================
// 🖥️ 节点工厂
// =============================================================================

// NodeBuilder 以链式调用构造 NodeCapabilities
type NodeBuilder struct {
	node *capability.NodeCapabilities
}

// Node 创建一个默认 worker 节点（信任 0.5，负载 0）
func Node(id string) *NodeBuilder {
	return &NodeBuilder{node: &capability.NodeCapabilities{
		NodeID:       id,
		Capabilities: make(map[string]capability.NodeCapability),
		Metadata: capability.NodeMetadata{
			NodeType:   "worker",
			TrustScore: 0.5,
		},
	}}
}

// WithCapability 添加一项能力
func (b *NodeBuilder) WithCapability(name string, level float64) *NodeBuilder {
	b.node.Capabilities[name] = capability.NodeCapability{Level: level}
	return b
}

// WithVerified 添加一项已验证能力
func (b *NodeBuilder) WithVerified(name string, level float64) *NodeBuilder {
	b.node.Capabilities[name] = capability.NodeCapability{Level: level, Verified: true}
	return b
}

// WithHistory 为已存在的能力附加历史表现
func (b *NodeBuilder) WithHistory(name string, rt time.Duration, successRate, reliability float64) *NodeBuilder {
	c := b.node.Capabilities[name]
	c.Performance = &capability.HistoricalPerformance{
		AvgResponseTime: rt,
		SuccessRate:     successRate,
		Reliability:     reliability,
	}
	b.node.Capabilities[name] = c
	return b
}

// WithTrust 设置信任分
func (b *NodeBuilder) WithTrust(trust float64) *NodeBuilder {
	b.node.Metadata.TrustScore = trust
	return b
}

// WithLoad 设置负载因子
func (b *NodeBuilder) WithLoad(load float64) *NodeBuilder {
	b.node.Metadata.LoadFactor = load
	return b
}

// WithLocation 设置位置
func (b *NodeBuilder) WithLocation(location string) *NodeBuilder {
	b.node.Metadata.Location = location
	return b
}

// WithType 设置节点类型
func (b *NodeBuilder) WithType(nodeType string) *NodeBuilder {
	b.node.Metadata.NodeType = nodeType
	return b
}

// WithLabel 设置标签
func (b *NodeBuilder) WithLabel(key, value string) *NodeBuilder {
	if b.node.Metadata.Labels == nil {
		b.node.Metadata.Labels = make(map[string]string)
	}
	b.node.Metadata.Labels[key] = value
	return b
}

// Build 返回构造结果
func (b *NodeBuilder) Build() *capability.NodeCapabilities {
	return b.node.Clone()
}

// ScoredNode 返回一个对 ComputeRequirement 恰好得 score 分的节点（0 < score <= 100）
func ScoredNode(id string, score float64) *capability.NodeCapabilities {
	// compute 能力的 MinLevel 为 100，level 即为原始分
	return Node(id).WithCapability("compute", score).Build()
}

// =============================================================================
// 📋 需求工厂
// =============================================================================

// ComputeRequirement 返回只需要 compute 能力（权重 1，MinLevel 100）的需求
func ComputeRequirement(id string, minNodes, maxNodes int) *capability.CapabilityRequirement {
	return &capability.CapabilityRequirement{
		ID:   id,
		Type: capability.RequirementCompute,
		Capabilities: map[string]capability.CapabilitySpec{
			"compute": {Required: true, Weight: 1.0, MinLevel: 100},
		},
		Constraints: capability.RequirementConstraints{MinNodes: minNodes, MaxNodes: maxNodes},
		Urgency:     capability.UrgencyMedium,
	}
}

// =============================================================================
// 🔀 选择结果工厂
// =============================================================================

// Selected 构造一个给定分数的 SelectedNode
func Selected(id string, score float64) capability.SelectedNode {
	return capability.SelectedNode{
		NodeID: id,
		Score:  capability.CapabilityScore{NodeID: id, TotalScore: score},
		Role:   "member",
		Topology: capability.NodeTopology{
			NodeType: "worker",
		},
	}
}

// SelectedAt 构造一个带位置信息的 SelectedNode
func SelectedAt(id string, score float64, location string) capability.SelectedNode {
	n := Selected(id, score)
	n.Topology.Location = location
	return n
}

// Cluster 生成 n 个分数递减的节点，ID 为 prefix-0..prefix-(n-1)
func Cluster(prefix string, n int) []*capability.NodeCapabilities {
	nodes := make([]*capability.NodeCapabilities, n)
	for i := 0; i < n; i++ {
		nodes[i] = ScoredNode(fmt.Sprintf("%s-%d", prefix, i), float64(100-i%100))
	}
	return nodes
}
