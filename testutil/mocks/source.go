// =============================================================================
// 📚 StaticSource - 目录源模拟实现
// =============================================================================
// 用于测试的能力目录源，同时满足 capability.DirectorySource 与
// selection.CandidateSource
//
// 使用方法:
//
//	src := mocks.NewStaticSource(fixtures.ScoredNode("n1", 90))
//	reg := capability.NewRegistry(nil, logger, capability.WithSource(src))
//	src.WithError(errors.New("directory down"))
//
// =============================================================================
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/agentcoord/capability"
)

// StaticSource 返回预置的节点列表
type StaticSource struct {
	mu      sync.RWMutex
	nodes   []*capability.NodeCapabilities
	err     error
	fetches int
}

// NewStaticSource 创建目录源
func NewStaticSource(nodes ...*capability.NodeCapabilities) *StaticSource {
	return &StaticSource{nodes: nodes}
}

// WithError 注入 FetchAll 错误
func (s *StaticSource) WithError(err error) *StaticSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// SetNodes 替换节点列表
func (s *StaticSource) SetNodes(nodes ...*capability.NodeCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nodes
}

// FetchAll 实现 capability.DirectorySource
func (s *StaticSource) FetchAll(ctx context.Context) ([]*capability.NodeCapabilities, error) {
	s.mu.Lock()
	s.fetches++
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	err := s.err
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return s.All(), nil
}

// All 实现 selection.CandidateSource，返回深拷贝
func (s *StaticSource) All() []*capability.NodeCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*capability.NodeCapabilities, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = n.Clone()
	}
	return out
}

// Fetches 返回 FetchAll 调用次数
func (s *StaticSource) Fetches() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetches
}
