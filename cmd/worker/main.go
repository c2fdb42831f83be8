package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/tenantq/internal/config"
	"github.com/SirClappington/tenantq/internal/platform"
	"github.com/SirClappington/tenantq/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, err := platform.NewLogger(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	opts := worker.Defaults()
	if cfg.WorkerOptionsFile != "" {
		if opts, err = worker.LoadOptionsFile(cfg.WorkerOptionsFile); err != nil {
			logger.Fatal("worker options", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := platform.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open platform", zap.Error(err))
	}
	defer p.Close()

	q, err := p.Factory(platform.Handlers(logger)).For("")
	if err != nil {
		logger.Fatal("connect", zap.Error(err))
	}

	logger.Info("worker starting", zap.Any("options", opts.ToMap()))
	reason, err := worker.New(opts, worker.WithLogger(logger)).Run(ctx, q)
	if err != nil {
		logger.Error("worker stopped", zap.Error(err))
		return
	}
	logger.Info("worker stopped", zap.String("reason", string(reason)))
}
