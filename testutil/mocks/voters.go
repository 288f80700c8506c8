// =============================================================================
// 🗳️ ScriptedVoters - 投票通道模拟实现
// =============================================================================
// 按投票者预置选择、延迟与错误，满足 consensus.VoterChannel
//
// 使用方法:
//
//	voters := mocks.NewScriptedVoters().
//		Vote("v1", "sel-a").
//		Vote("v2", "sel-b").
//		Slow("v3", "sel-a", time.Second)
//	engine := consensus.NewEngine(nil, logger, consensus.WithVoterChannel(voters))
//
// =============================================================================
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/agentcoord/consensus"
)

// VoterScript 单个投票者的行为
type VoterScript struct {
	Choice string
	Delay  time.Duration
	Err    error
}

// ScriptedVoters 按脚本返回投票
type ScriptedVoters struct {
	mu      sync.Mutex
	scripts map[string]VoterScript
	calls   map[string]int
	last    *consensus.Proposal
}

// NewScriptedVoters 创建投票通道
func NewScriptedVoters() *ScriptedVoters {
	return &ScriptedVoters{
		scripts: make(map[string]VoterScript),
		calls:   make(map[string]int),
	}
}

// Vote 设置投票者立即选择 selectionID
func (v *ScriptedVoters) Vote(voterID, selectionID string) *ScriptedVoters {
	return v.Script(voterID, VoterScript{Choice: selectionID})
}

// Slow 设置投票者延迟后选择 selectionID
func (v *ScriptedVoters) Slow(voterID, selectionID string, delay time.Duration) *ScriptedVoters {
	return v.Script(voterID, VoterScript{Choice: selectionID, Delay: delay})
}

// Fail 设置投票者返回错误
func (v *ScriptedVoters) Fail(voterID string, err error) *ScriptedVoters {
	return v.Script(voterID, VoterScript{Err: err})
}

// Script 设置任意脚本
func (v *ScriptedVoters) Script(voterID string, s VoterScript) *ScriptedVoters {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scripts[voterID] = s
	return v
}

// RequestVote 实现 consensus.VoterChannel
func (v *ScriptedVoters) RequestVote(ctx context.Context, voterID string, proposal *consensus.Proposal) (consensus.Vote, error) {
	v.mu.Lock()
	v.calls[voterID]++
	v.last = proposal
	s, ok := v.scripts[voterID]
	v.mu.Unlock()

	if !ok {
		return consensus.Vote{}, fmt.Errorf("voter %s unreachable", voterID)
	}
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return consensus.Vote{}, ctx.Err()
		}
	}
	if s.Err != nil {
		return consensus.Vote{}, s.Err
	}
	return consensus.Vote{VoterID: voterID, SelectionID: s.Choice}, nil
}

// Calls 返回投票者被请求的次数
func (v *ScriptedVoters) Calls(voterID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[voterID]
}

// TotalCalls 返回全部请求次数
func (v *ScriptedVoters) TotalCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, c := range v.calls {
		n += c
	}
	return n
}

// LastProposal 返回最近一次收到的提案
func (v *ScriptedVoters) LastProposal() *consensus.Proposal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}
