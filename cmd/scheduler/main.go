package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

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

	drain, err := platform.ScheduledRunner(cfg.Runner, logger)
	if err != nil {
		logger.Fatal("runner", zap.Error(err))
	}
	factory := p.Factory(platform.Handlers(logger))

	tick := time.NewTicker(cfg.SchedulerInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		ok, err := p.Leader(ctx)
		if err != nil {
			logger.Error("leader lock", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		tenants, err := p.Tenants(ctx)
		if err != nil {
			logger.Error("list tenants", zap.Error(err))
			continue
		}
		platform.DrainTenants(ctx, logger, drain, factory, tenants)
	}
}
