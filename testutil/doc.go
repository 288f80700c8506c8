// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 agentcoord 测试的共享工具和辅助函数。

# 概述

testutil 包为 capability、selection、consensus、learning 与 api 等包的
单元测试提供统一的辅助能力，避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 选择断言: NodeIDs / AssertNodeIDs / AssertSortedByScore
  - 异步断言: AssertEventuallyTrue / WaitFor / WaitForChannel
  - 事件记录: EventRecorder 订阅 eventbus 并按类型计数
  - 数据工具: MustJSON / AssertJSONEqual

# 子包

  - testutil/mocks: StaticSource（目录源与候选源）、ScriptedVoters
    （可编排延迟与失败的投票通道）、StaticPredictor（固定预测）
  - testutil/fixtures: 节点构建器 Node、ScoredNode、Cluster、
    ComputeRequirement、Selected / SelectedAt 等样例

# 使用示例

	ctx := testutil.TestContext(t)
	src := mocks.NewStaticSource(fixtures.Cluster("n", 5)...)
	nodes, err := selector.SelectOptimalNodes(ctx, fixtures.ComputeRequirement("r1", 1, 3), nil)
	testutil.AssertSortedByScore(t, nodes)
*/
package testutil
