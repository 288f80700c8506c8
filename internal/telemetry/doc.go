// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 agentcoord 提供集中式的 TracerProvider 和 MeterProvider 配置。
// 禁用时返回空 Providers，不连接任何外部服务；测试可通过
// WithSpanExporter / WithMetricReader 注入内存导出器。
// TracedVoterChannel 为每次投票请求记录 span 与往返耗时。
package telemetry
