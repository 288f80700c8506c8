// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 agentcoord 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 capability、selection、
consensus、learning 等上层模块提供统一的错误与事件契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，区分 MALFORMED_INPUT（唯一的硬失败）、
    INFEASIBLE_REQUEST、STRATEGY_TIMEOUT、REGISTRY_SOURCE_FAILURE 等
  - Event / EventType — 选择、冲突、学习等里程碑通知
  - EventHandler      — 观察者回调，由 internal/eventbus 分发

# 主要能力

  - 错误链：WithCause / errors.As 兼容的 GetErrorCode、IsCode、IsMalformed
  - 重试标记：WithRetryable / IsRetryable
*/
package types
