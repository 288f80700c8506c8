// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理协调服务的 HTTP 端点（API、指标、投票者）的生命周期。

# 核心类型

  - Manager：一个端点，状态单向推进 idle → listening → stopped；
    Listen 绑定，Serve 阻塞服务，Shutdown 排空。
  - Config：监听地址、读写与空闲超时、请求头上限、排空时限与最大并发连接数。

# 主要能力

  - 连接上限：MaxConnections > 0 时用 netutil.LimitListener 包装监听器，
    超出上限的连接在 Accept 处排队。
  - 排空：Shutdown 在 ShutdownTimeout 内等待在途请求，重复调用返回 nil；
    已停止的端点不能再次 Listen（ErrStopped）。
  - 编排：Run 先绑定全部端点再用 errgroup 并发服务，ctx 结束
    （通常来自 signal.NotifyContext）或任一端点出错时全部排空。
*/
package server
