// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的协调服务指标采集能力。

# 概述

Collector 同时实现 capability、selection、consensus 与 learning
四个包声明的 MetricsSink 接口，组件只依赖各自的窄接口，由
cmd/agentcoord 注入同一个 Collector。指标注册到 Collector 自有的
prometheus.Registry，Handler 通过 promhttp 暴露。

# 主要能力

  - 注册表：刷新次数（success/failure）、刷新耗时、已加载节点数。
  - 选择：可行/不可行次数、耗时、返回节点数、平均得分。
  - 共识：按终态统计处理次数与耗时、冲突检测/解决数、
    按策略统计尝试次数与耗时、引擎队列深度。
  - 学习：结果记录数、预测准确度、预测来源（cache/computed）与
    置信度、权重建议的增量个数；预测缓存命中计入 cache_hits_total。
  - HTTP 与数据库：请求计数与耗时、连接池打开/空闲连接数。
*/
package metrics
