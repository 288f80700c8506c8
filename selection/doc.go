// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package selection 根据能力需求从注册表快照中挑选最优节点。

# 概述

Selector 先剔除排除列表中的节点，再检查必选节点是否全部在场，随后按调用方的
SelectionConstraints 过滤（负载上限、信任下限、是否要求已验证），最后调用
capability.Score 打分、丢弃非正分、按分数降序排序（同分按节点 ID 升序）。

返回数量为 max(MinNodes, MaxNodes)；若正分候选不足 MinNodes，或必选节点被过滤，
返回空列表表示不可满足（INFEASIBLE_REQUEST 仅记录日志，不作为错误返回）。

# 副作用

  - 有界的选择历史与 Stats 统计
  - nodes_selected 事件（需求 ID、节点 ID、耗时、平均分）
  - MetricsSink 指标与 OpenTelemetry span
*/
package selection
