package queue

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/SirClappington/tenantq/internal/domain"
	"github.com/SirClappington/tenantq/internal/storage"
)

type Driver string

const (
	DriverDatabase Driver = "database"
	DriverSQLite   Driver = "sqlite"
	DriverRedis    Driver = "redis"
)

// ConnectionParams describe one queue connection. Only the handle matching
// Driver is used.
type ConnectionParams struct {
	Driver Driver
	Pool   *pgxpool.Pool
	DB     *bun.DB
	Redis  *r.Client

	Table string
	Queue string
	// RetryAfter is also the store's reservation timeout.
	RetryAfter  time.Duration
	AfterCommit bool
}

// Connector builds tenant-aware queues. One Connector serves one tenancy.
type Connector struct {
	Tenancy  domain.Tenancy
	Registry *Registry
	Logger   *zap.Logger
	Policy   *RetryPolicy
}

func (c Connector) Connect(p ConnectionParams) (*Queue, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := storage.Options{
		Table:      p.Table,
		RetryAfter: p.RetryAfter,
		Tenancy:    c.Tenancy,
		Logger:     logger,
	}

	var store storage.Store
	switch p.Driver {
	case DriverDatabase:
		if p.Pool == nil {
			return nil, fmt.Errorf("tenantq/queue: %s driver needs a pgx pool", p.Driver)
		}
		store = storage.NewPostgres(p.Pool, opts)
	case DriverSQLite:
		if p.DB == nil {
			return nil, fmt.Errorf("tenantq/queue: %s driver needs a bun db", p.Driver)
		}
		store = storage.NewSQLite(p.DB, opts)
	case DriverRedis:
		if p.Redis == nil {
			return nil, fmt.Errorf("tenantq/queue: %s driver needs a redis client", p.Driver)
		}
		store = storage.NewRedis(p.Redis, opts)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownDriver, p.Driver)
	}

	qopts := []Option{
		WithAfterCommit(p.AfterCommit),
		WithLogger(logger.With(zap.String("picker_tenant", c.Tenancy.TenantID))),
	}
	if p.Queue != "" {
		qopts = append(qopts, WithName(p.Queue))
	}
	if c.Policy != nil {
		qopts = append(qopts, WithRetryPolicy(*c.Policy))
	}
	return New(store, c.Registry, qopts...), nil
}

// Factory connects one queue per tenant over shared connection parameters.
type Factory struct {
	Params   ConnectionParams
	Registry *Registry
	Logger   *zap.Logger
	Policy   *RetryPolicy
}

// For returns a queue that claims jobs of tenantID and global jobs. An empty
// tenantID gives a tenant-agnostic queue.
func (f Factory) For(tenantID string) (*Queue, error) {
	tenancy := domain.Agnostic()
	if tenantID != "" {
		tenancy = domain.For(tenantID)
	}
	return Connector{
		Tenancy:  tenancy,
		Registry: f.Registry,
		Logger:   f.Logger,
		Policy:   f.Policy,
	}.Connect(f.Params)
}

// Global returns a tenant-aware queue bound to no tenant, which sees only
// global records.
func (f Factory) Global() (*Queue, error) {
	return Connector{
		Tenancy:  domain.For(""),
		Registry: f.Registry,
		Logger:   f.Logger,
		Policy:   f.Policy,
	}.Connect(f.Params)
}
