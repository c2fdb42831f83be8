package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/tenantq/internal/api"
	"github.com/SirClappington/tenantq/internal/config"
	"github.com/SirClappington/tenantq/internal/platform"
)

func main() {
	cfg := config.Load()
	logger, err := platform.NewLogger(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := platform.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open platform", zap.Error(err))
	}
	defer p.Close()

	drain, err := platform.RequestRunner(cfg.Runner, logger)
	if err != nil {
		logger.Fatal("runner", zap.Error(err))
	}
	s := api.New(p.Factory(platform.Handlers(logger)), drain, logger)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("api listening", zap.String("addr", cfg.APIAddr), zap.String("driver", cfg.Queue.Driver))
	if err := s.Serve(ctx, srv); err != nil {
		logger.Error("api stopped", zap.Error(err))
	}
}
