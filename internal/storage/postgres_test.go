//go:build integration

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/tenantq/internal/domain"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("tenantq_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, NewPostgres(pool, Options{Logger: zaptest.NewLogger(t)}).Migrate(ctx))
	return pool
}

func TestPostgresStore(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()

	runStoreSuite(t, func(t *testing.T) harness {
		_, err := pool.Exec(ctx, `truncate jobs, failed_jobs restart identity`)
		require.NoError(t, err)
		logger := zaptest.NewLogger(t)

		return harness{
			open: func(tenancy domain.Tenancy) Store {
				return NewPostgres(pool, Options{Tenancy: tenancy, Logger: logger})
			},
			// the database owns the clock, so age the rows instead
			advance: func(d time.Duration) {
				_, err := pool.Exec(ctx, fmt.Sprintf(`update jobs
   set reserved_at = reserved_at - interval '%d milliseconds',
       available_at = available_at - interval '%d milliseconds'`, d.Milliseconds(), d.Milliseconds()))
				require.NoError(t, err)
			},
		}
	})
}

func TestPostgresFailedJobs(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	s := NewPostgres(pool, Options{Tenancy: domain.For("acme")})

	push(t, s, "default", "acme")
	rec, err := s.Pop(ctx, "default")
	require.NoError(t, err)
	require.NoError(t, s.Bury(ctx, rec, fmt.Errorf("boom")))

	var exception, tenant string
	err = pool.QueryRow(ctx, `select exception, tenant_id from failed_jobs where job_id = $1`, rec.ID).Scan(&exception, &tenant)
	require.NoError(t, err)
	require.Equal(t, "boom", exception)
	require.Equal(t, "acme", tenant)
}
