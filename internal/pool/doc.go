// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 pool 提供有界 goroutine 工作池，用于控制扇出并发。

共识引擎的投票策略通过 Pool 向各投票者并发发送提案，
工作协程按需创建、空闲超时后回收，队列满时 Submit
立即返回 ErrPoolFull，由调用方将该投票者计为未响应。
任务 panic 会被捕获并以 ERROR 级别记录，不会影响其他任务。
*/
package pool
