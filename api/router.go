package api

import (
	"net/http"

	"go.uber.org/zap"
)

// RouterConfig 路由配置
type RouterConfig struct {
	BuildTime string
	GitCommit string
	// Recorder 为 nil 时不记录 HTTP 指标
	Recorder HTTPRecorder
}

// NewRouter 组装健康检查与协调 API 路由并套上中间件
func NewRouter(cfg RouterConfig, health *HealthHandler, coordinator *Coordinator, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", health.HandleHealthz)
	mux.HandleFunc("GET /healthz", health.HandleHealthz)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(cfg.BuildTime, cfg.GitCommit))

	if coordinator != nil {
		coordinator.Register(mux)
	}

	return instrument(mux, logger, cfg.Recorder)
}
