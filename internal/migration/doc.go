// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理节点目录与性能结果表的 Schema，支持 PostgreSQL、
MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在 migrations/<dialect>/ 下：

  - 000001_create_directory：nodes 与 node_capabilities，供
    directory.GormSource 读取节点能力。
  - 000002_create_performance_outcomes：供 directory.GormOutcomeStore
    持久化学习子系统的执行结果。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close，长操作在 ctx 取消时通过 GracefulStop
    在两次迁移之间停止。
  - Config：数据库类型、连接 URL、迁移表名与锁超时。
  - CLI：面向终端的格式化输出，供 agentcoord migrate 子命令使用。
  - NewMigratorFromConfig / NewMigratorFromURL：从应用配置或 URL 创建迁移器。
*/
package migration
