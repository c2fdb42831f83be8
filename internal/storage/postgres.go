package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/SirClappington/tenantq/internal/domain"
)

var (
	_ Store        = (*Postgres)(nil)
	_ TenantLister = (*Postgres)(nil)
)

// Postgres claims records with SELECT ... FOR UPDATE SKIP LOCKED, so racing
// pickers on other connections or hosts never take the same row.
type Postgres struct {
	db     *pgxpool.Pool
	opts   Options
	table  string
	failed string
}

func NewPostgres(db *pgxpool.Pool, opts Options) *Postgres {
	opts = opts.withDefaults()
	return &Postgres{
		db:     db,
		opts:   opts,
		table:  pgx.Identifier{opts.Table}.Sanitize(),
		failed: pgx.Identifier{opts.FailedTable}.Sanitize(),
	}
}

// Migrate creates the default jobs and failed_jobs tables.
func (s *Postgres) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.db)
	defer db.Close()
	return migrate(ctx, db, "postgres", "migrations/postgres", s.opts.Logger)
}

func (s *Postgres) Push(ctx context.Context, rec *domain.Record) (int64, error) {
	var availableAt *time.Time
	if !rec.AvailableAt.IsZero() {
		availableAt = &rec.AvailableAt
	}
	var id int64
	err := s.db.QueryRow(ctx, fmt.Sprintf(`insert into %s (queue, payload, tenant_id, attempts, available_at, created_at)
values ($1, $2, $3, 0, coalesce($4::timestamptz, now()), now())
returning id`, s.table),
		rec.Queue, rec.Payload, nullString(rec.TenantID), availableAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("tenantq/postgres: push: %w", err)
	}
	return id, nil
}

// available builds the claim predicate. The expired-reservation branch is
// OR'd with the never-reserved branch.
func (s *Postgres) available(queue string) (string, []any) {
	where := `queue = $1
  and available_at <= now()
  and (reserved_at is null or reserved_at < now() - make_interval(secs => $2))`
	args := []any{queue, s.opts.RetryAfter.Seconds()}
	if s.opts.Tenancy.Aware {
		where += `
  and (tenant_id = $3 or tenant_id is null)`
		args = append(args, s.opts.Tenancy.TenantID)
	}
	return where, args
}

func (s *Postgres) Pop(ctx context.Context, queue string) (*domain.Record, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("tenantq/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	where, args := s.available(queue)
	var (
		rec    domain.Record
		tenant *string
	)
	err = tx.QueryRow(ctx, fmt.Sprintf(`select id, queue, payload, tenant_id, attempts, available_at, created_at
from %s
where %s
order by id
for update skip locked
limit 1`, s.table, where), args...).Scan(
		&rec.ID, &rec.Queue, &rec.Payload, &tenant, &rec.Attempts, &rec.AvailableAt, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tenantq/postgres: select next: %w", err)
	}
	if tenant != nil {
		rec.TenantID = *tenant
	}

	var reservedAt time.Time
	err = tx.QueryRow(ctx, fmt.Sprintf(`update %s set reserved_at = now() where id = $1 returning reserved_at`, s.table),
		rec.ID).Scan(&reservedAt)
	if err != nil {
		return nil, fmt.Errorf("tenantq/postgres: reserve %d: %w", rec.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tenantq/postgres: commit: %w", err)
	}
	rec.ReservedAt = &reservedAt

	s.opts.Logger.Debug("job reserved",
		zap.Int64("job_id", rec.ID),
		zap.String("queue", rec.Queue),
		zap.String("tenant_id", rec.TenantID))
	return &rec, nil
}

func (s *Postgres) Size(ctx context.Context, queue string) (int64, error) {
	where, args := s.available(queue)
	var n int64
	if err := s.db.QueryRow(ctx, fmt.Sprintf(`select count(*) from %s where %s`, s.table, where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("tenantq/postgres: size: %w", err)
	}
	return n, nil
}

// Tenants lists the distinct non-global tenants with records in the table.
func (s *Postgres) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`select distinct tenant_id from %s where tenant_id is not null order by tenant_id`, s.table))
	if err != nil {
		return nil, fmt.Errorf("tenantq/postgres: tenants: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("tenantq/postgres: tenants: %w", err)
	}
	return out, nil
}

func (s *Postgres) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf(`delete from %s where id = $1`, s.table), id); err != nil {
		return fmt.Errorf("tenantq/postgres: delete %d: %w", id, err)
	}
	return nil
}

func (s *Postgres) Release(ctx context.Context, rec *domain.Record, delay time.Duration) error {
	tag, err := s.db.Exec(ctx, fmt.Sprintf(`update %s
   set reserved_at = null,
       attempts = attempts + 1,
       available_at = now() + make_interval(secs => $2)
 where id = $1`, s.table), rec.ID, delay.Seconds())
	if err != nil {
		return fmt.Errorf("tenantq/postgres: release %d: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *Postgres) Bury(ctx context.Context, rec *domain.Record, reason error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tenantq/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`insert into %s (job_id, queue, payload, tenant_id, exception)
values ($1, $2, $3, $4, $5)`, s.failed),
		rec.ID, rec.Queue, rec.Payload, nullString(rec.TenantID), reasonText(reason)); err != nil {
		return fmt.Errorf("tenantq/postgres: bury %d: %w", rec.ID, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`delete from %s where id = $1`, s.table), rec.ID); err != nil {
		return fmt.Errorf("tenantq/postgres: bury %d: %w", rec.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tenantq/postgres: commit: %w", err)
	}
	return nil
}

func reasonText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
