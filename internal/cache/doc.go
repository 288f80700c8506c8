// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的缓存管理能力，供协调器的多个副本共享
节点性能预测。

# 核心类型

  - Manager：持有 go-redis 客户端，提供键值、JSON 与集合操作，
    负责健康检查与关闭。
  - Config：地址、密码、连接池、默认 TTL 与健康检查间隔。
  - Stats：连接池命中、超时与连接数统计。

# 主要能力

  - 键值读写：Get/Set/GetJSON/SetJSON/Delete/Exists。
  - 集合索引：AddToSet/RemoveFromSet/SetMembers，预测缓存用它按节点
    记录键，失效时无需 SCAN。
  - 健康检查：后台定时 Ping，失败时通过 zap 告警。
  - 错误语义：ErrCacheMiss 与 IsCacheMiss；关闭后操作返回 ErrManagerClosed。
*/
package cache
