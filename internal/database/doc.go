// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 管理节点目录与执行结果所用的 GORM 连接池，
是 directory 包中 GormSource 与 GormOutcomeStore 的底座。

# 核心类型

  - PoolManager：持有 GORM 句柄与底层 sql.DB，提供 DB、Ping、Stats、
    Transact 与 Close；Close 先停止后台探活再关闭连接。
  - PoolConfig：连接数上限、连接生命周期、空闲超时与探活间隔，
    Validate 一次报告全部不一致项。
  - PoolStats：上报到指标的连接池统计。

# 主要能力

  - 打开连接：Dialector/Open 支持 postgres、mysql、sqlite。
  - 写事务：Transact 对死锁、序列化失败、锁超时与断连按
    cenkalti/backoff 指数退避整体重试，其余错误立即返回。
  - 探活：只在可达性变化时记录告警与恢复日志。
*/
package database
