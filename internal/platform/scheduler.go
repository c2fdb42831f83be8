package platform

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/tenantq/internal/queue"
	"github.com/SirClappington/tenantq/internal/runner"
)

// maxParallelTenants bounds how many tenant drains one tick runs at once.
const maxParallelTenants = 4

// DrainTenants drains every tenant's queue, then the global records left over
// when no tenant had work to pick them up with. Drain errors are logged per
// tenant and never stop the others.
func DrainTenants(ctx context.Context, logger *zap.Logger, drain *runner.Runner, factory queue.Factory, tenants []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelTenants)
	for _, t := range tenants {
		g.Go(func() error {
			drainTenant(gctx, logger, drain, factory, t)
			return nil
		})
	}
	_ = g.Wait()
	drainTenant(ctx, logger, drain, factory, "")
}

func drainTenant(ctx context.Context, logger *zap.Logger, drain *runner.Runner, factory queue.Factory, tenant string) {
	tlog := logger.With(zap.String("tenant_id", tenant))
	connect := factory.For
	if tenant == "" {
		connect = func(string) (*queue.Queue, error) { return factory.Global() }
	}
	q, err := connect(tenant)
	if err != nil {
		tlog.Error("connect", zap.Error(err))
		return
	}
	if err := drain.Drain(ctx, q); err != nil {
		tlog.Error("drain failed", zap.Error(err))
	}
}
