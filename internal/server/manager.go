package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned when a stopped manager is asked to listen again.
var ErrStopped = errors.New("server stopped")

// Config 单个监听端点的配置
type Config struct {
	// ":0" 绑定随机端口
	Addr string `yaml:"addr" json:"addr"`

	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 排空在途请求的时限，0 表示只受调用方 ctx 约束
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// 同时保持的最大连接数，0 表示不限制
	MaxConnections int `yaml:"max_connections" json:"max_connections"`
}

// DefaultConfig 返回协调 API 的默认配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

type state int

const (
	stateIdle state = iota
	stateListening
	stateStopped
)

// Manager 管理一个 HTTP 端点：绑定、服务、排空。
// 状态只能 idle → listening → stopped 单向推进。
type Manager struct {
	name   string
	cfg    Config
	srv    *http.Server
	logger *zap.Logger

	mu    sync.Mutex
	state state
	ln    net.Listener
}

// NewManager 创建端点，name 出现在日志与错误中（"api"、"metrics"、"voter"）
func NewManager(name string, handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		name: name,
		cfg:  cfg,
		srv: &http.Server{
			Addr:           cfg.Addr,
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
		logger: logger.With(zap.String("component", "http_server"), zap.String("server", name)),
	}
}

// Listen 绑定监听地址但不开始服务
func (m *Manager) Listen() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateStopped:
		return fmt.Errorf("%s: %w", m.name, ErrStopped)
	case stateListening:
		return fmt.Errorf("%s: already listening on %s", m.name, m.ln.Addr())
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%s: listen %s: %w", m.name, m.cfg.Addr, err)
	}
	if m.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, m.cfg.MaxConnections)
	}
	m.ln = ln
	m.state = stateListening
	m.logger.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("max_connections", m.cfg.MaxConnections))
	return nil
}

// Serve 阻塞服务直到 ctx 结束（随后排空并返回 nil）或服务器出错。
// 未调用 Listen 时先绑定。
func (m *Manager) Serve(ctx context.Context) error {
	m.mu.Lock()
	idle := m.state == stateIdle
	m.mu.Unlock()
	if idle {
		if err := m.Listen(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if m.state != stateListening {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", m.name, ErrStopped)
	}
	ln := m.ln
	m.mu.Unlock()

	served := make(chan error, 1)
	go func() { served <- m.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		return m.Shutdown(context.Background())
	case err := <-served:
		m.mu.Lock()
		m.state = stateStopped
		m.mu.Unlock()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		m.logger.Error("serve failed", zap.Error(err))
		return fmt.Errorf("%s: %w", m.name, err)
	}
}

// Shutdown 停止接收新连接并在 ShutdownTimeout 内排空在途请求，重复调用返回 nil
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	prev, ln := m.state, m.ln
	m.state = stateStopped
	m.mu.Unlock()
	if prev != stateListening {
		return nil
	}

	if m.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
		defer cancel()
	}
	m.logger.Info("draining")
	err := m.srv.Shutdown(ctx)
	// Listen 之后未进入 Serve 的监听器不归 http.Server 管
	_ = ln.Close()
	if err != nil {
		m.logger.Warn("drain incomplete", zap.Error(err))
		return fmt.Errorf("%s: shutdown: %w", m.name, err)
	}
	m.logger.Info("stopped")
	return nil
}

// Addr 返回配置的地址
func (m *Manager) Addr() string { return m.cfg.Addr }

// ListenAddr 返回实际绑定的地址，未绑定时为空
func (m *Manager) ListenAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

// Stopped 报告端点是否已停止
func (m *Manager) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateStopped
}

// Run 先绑定全部端点，任一绑定失败则关闭已绑定的并返回错误；
// 之后并发服务，ctx 结束或任一端点出错时全部排空。ctx 正常结束返回 nil。
func Run(ctx context.Context, managers ...*Manager) error {
	for i, m := range managers {
		if err := m.Listen(); err != nil {
			for _, bound := range managers[:i] {
				_ = bound.Shutdown(context.Background())
			}
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range managers {
		g.Go(func() error { return m.Serve(gctx) })
	}
	return g.Wait()
}
