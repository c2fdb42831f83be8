// Package platform opens the backing services named by config and turns them
// into queue connection parameters shared by the binaries.
package platform

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"go.uber.org/zap"

	"github.com/SirClappington/tenantq/internal/config"
	"github.com/SirClappington/tenantq/internal/queue"
	"github.com/SirClappington/tenantq/internal/runner"
	"github.com/SirClappington/tenantq/internal/storage"
)

// leaderLockID is the advisory lock key the scheduler instances compete for.
const leaderLockID = 42

func NewLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Platform owns the connection handles for one process.
type Platform struct {
	Params queue.ConnectionParams

	logger  *zap.Logger
	tenants storage.TenantLister
	leader  *pgxpool.Conn
}

// Open connects to the configured queue driver and applies migrations.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Platform, error) {
	p := &Platform{
		logger: logger,
		Params: queue.ConnectionParams{
			Driver:      queue.Driver(cfg.Queue.Driver),
			Table:       cfg.Queue.Table,
			Queue:       cfg.Queue.Name,
			RetryAfter:  cfg.Queue.RetryAfter,
			AfterCommit: cfg.Queue.AfterCommit,
		},
	}
	opts := storage.Options{Table: cfg.Queue.Table, RetryAfter: cfg.Queue.RetryAfter, Logger: logger}

	switch p.Params.Driver {
	case queue.DriverDatabase:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("platform: postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("platform: postgres: %w", err)
		}
		store := storage.NewPostgres(pool, opts)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		p.Params.Pool, p.tenants = pool, store

	case queue.DriverSQLite:
		sqldb, err := sql.Open(sqliteshim.ShimName, cfg.SQLiteDSN)
		if err != nil {
			return nil, fmt.Errorf("platform: sqlite: %w", err)
		}
		sqldb.SetMaxOpenConns(1)
		db := bun.NewDB(sqldb, sqlitedialect.New())
		store := storage.NewSQLite(db, opts)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		p.Params.DB, p.tenants = db, store

	case queue.DriverRedis:
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("platform: redis: %w", err)
		}
		p.Params.Redis, p.tenants = rdb, storage.NewRedis(rdb, opts)

	default:
		return nil, fmt.Errorf("platform: queue driver %q: unsupported", cfg.Queue.Driver)
	}
	return p, nil
}

func (p *Platform) Close() {
	if p.leader != nil {
		p.leader.Release()
	}
	if p.Params.Pool != nil {
		p.Params.Pool.Close()
	}
	if p.Params.DB != nil {
		_ = p.Params.DB.Close()
	}
	if p.Params.Redis != nil {
		_ = p.Params.Redis.Close()
	}
}

// Factory builds per-tenant queues over the platform's connection.
func (p *Platform) Factory(reg *queue.Registry) queue.Factory {
	return queue.Factory{Params: p.Params, Registry: reg, Logger: p.logger}
}

func (p *Platform) Tenants(ctx context.Context) ([]string, error) {
	return p.tenants.Tenants(ctx)
}

// Leader reports whether this process holds the scheduler lock. With
// postgres the lock is a session advisory lock on a connection kept for the
// life of the process; other drivers always lead.
func (p *Platform) Leader(ctx context.Context) (bool, error) {
	if p.Params.Pool == nil {
		return true, nil
	}
	if p.leader != nil {
		return true, nil
	}
	conn, err := p.Params.Pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, leaderLockID).Scan(&ok); err != nil {
		conn.Release()
		return false, err
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	p.leader = conn
	return true, nil
}

// Handlers registers the jobs every binary understands.
func Handlers(logger *zap.Logger) *queue.Registry {
	reg := queue.NewRegistry()
	reg.RegisterFunc("log", func(ctx context.Context, data json.RawMessage) error {
		logger.Info("job", zap.String("tenant_id", queue.TenantFrom(ctx)), zap.ByteString("data", data))
		return nil
	})
	reg.RegisterFunc("fail", func(context.Context, json.RawMessage) error {
		return errors.New("failed on purpose")
	})
	return reg
}

// RequestRunner drains after a response with the count and time budgets.
func RequestRunner(cfg config.Runner, logger *zap.Logger) (*runner.Runner, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return runner.New(logger,
		runner.WithMaxJobs(cfg.MaxJobs),
		runner.WithMaxTime(0),
		runner.WithCeilings(runner.Ceilings{MaxTime: cfg.MaxExecutionTime, MaxMemory: cfg.MaxMemory}),
	)
}

// ScheduledRunner enables every budget.
func ScheduledRunner(cfg config.Runner, logger *zap.Logger) (*runner.Runner, error) {
	return runner.New(logger,
		runner.WithMaxJobs(cfg.MaxJobs),
		runner.WithMaxTime(0),
		runner.WithMaxMemory(0),
		runner.WithEstimatedNextJob(),
		runner.WithCeilings(runner.Ceilings{MaxTime: cfg.MaxExecutionTime, MaxMemory: cfg.MaxMemory}),
	)
}
