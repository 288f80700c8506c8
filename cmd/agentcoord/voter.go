package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/config"
	"github.com/BaSui01/agentcoord/internal/server"
	"github.com/BaSui01/agentcoord/transport/wsvote"
)

// =============================================================================
// 🗳️ voter 命令
// =============================================================================

// runVoter 启动一个按最高聚合分投票的 websocket 投票者
func runVoter(args []string) error {
	fs := flag.NewFlagSet("voter", flag.ExitOnError)
	id := fs.String("id", "", "Voter identifier")
	addr := fs.String("addr", ":9300", "Listen address")
	path := fs.String("path", "/vote", "WebSocket path")
	_ = fs.Parse(args)

	if *id == "" {
		return errors.New("--id is required")
	}

	logger := initLogger(config.DefaultLogConfig()).With(zap.String("voter_id", *id))
	defer func() { _ = logger.Sync() }()

	handler, err := newVoterHandler(*id, *path, logger)
	if err != nil {
		return err
	}

	cfg := server.DefaultConfig()
	cfg.Addr = *addr
	// 投票连接是长连接，不设置读写超时
	cfg.ReadTimeout = 0
	cfg.WriteTimeout = 0

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx, server.NewManager("voter", handler, cfg, logger))
}

func newVoterHandler(id, path string, logger *zap.Logger) (*http.ServeMux, error) {
	h, err := wsvote.NewHandler(&wsvote.HandlerConfig{VoterID: id}, wsvote.HighestAggregate, logger)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("GET "+path, h)
	return mux, nil
}
