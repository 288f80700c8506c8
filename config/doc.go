// Package config 提供 agentcoord 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → AGENTCOORD_* 环境变量 的顺序叠加，
// 加载后由 Validate 统一校验。各段与 capability、selection、consensus、
// learning 等组件的配置一一对应，由 cmd/agentcoord 负责转换。
package config
