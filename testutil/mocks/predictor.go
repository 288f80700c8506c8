// =============================================================================
// 🔮 StaticPredictor - 性能预测模拟实现
// =============================================================================
// 满足 consensus.Predictor，未配置的节点返回中性预测
// =============================================================================
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agentcoord/learning"
)

// StaticPredictor 按节点返回预置预测
type StaticPredictor struct {
	mu          sync.Mutex
	predictions map[string]learning.PerformancePrediction
	calls       int
}

// NewStaticPredictor 创建预测器
func NewStaticPredictor() *StaticPredictor {
	return &StaticPredictor{predictions: make(map[string]learning.PerformancePrediction)}
}

// Set 设置节点预测
func (p *StaticPredictor) Set(nodeID string, responseTime time.Duration, reliability, successRate float64) *StaticPredictor {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.predictions[nodeID] = learning.PerformancePrediction{
		NodeID:       nodeID,
		ResponseTime: responseTime,
		Reliability:  reliability,
		SuccessRate:  successRate,
		Confidence:   0.9,
	}
	return p
}

// PredictPerformance 实现 consensus.Predictor
func (p *StaticPredictor) PredictPerformance(_ context.Context, nodeID string, _ learning.PredictionContext) learning.PerformancePrediction {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if pred, ok := p.predictions[nodeID]; ok {
		return pred
	}
	return learning.PerformancePrediction{
		NodeID:       nodeID,
		ResponseTime: time.Second,
		Reliability:  0.5,
		SuccessRate:  0.5,
		Confidence:   0.5,
		Neutral:      true,
	}
}

// Calls 返回调用次数
func (p *StaticPredictor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
