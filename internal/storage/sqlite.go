package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/SirClappington/tenantq/internal/domain"
)

var (
	_ Store        = (*SQLite)(nil)
	_ TenantLister = (*SQLite)(nil)
)

// SQLite has no row locks. A claim is a compare-and-swap on reserved_at:
// the update only lands if reserved_at still holds the value that was read.
type SQLite struct {
	db   *bun.DB
	opts Options
}

func NewSQLite(db *bun.DB, opts Options) *SQLite {
	return &SQLite{db: db, opts: opts.withDefaults()}
}

// Migrate creates the default jobs and failed_jobs tables.
func (s *SQLite) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db.DB, "sqlite3", "migrations/sqlite", s.opts.Logger)
}

// sqliteRow mirrors the sqlite schema, which stores times as unix nanoseconds.
type sqliteRow struct {
	ID          int64
	Queue       string
	Payload     []byte
	TenantID    sql.NullString
	Attempts    int
	AvailableAt int64
	ReservedAt  sql.NullInt64
	CreatedAt   int64
}

func (r *sqliteRow) record() *domain.Record {
	rec := &domain.Record{
		ID:          r.ID,
		Queue:       r.Queue,
		Payload:     r.Payload,
		TenantID:    r.TenantID.String,
		Attempts:    r.Attempts,
		AvailableAt: time.Unix(0, r.AvailableAt).UTC(),
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
	}
	if r.ReservedAt.Valid {
		ts := time.Unix(0, r.ReservedAt.Int64).UTC()
		rec.ReservedAt = &ts
	}
	return rec
}

func (s *SQLite) Push(ctx context.Context, rec *domain.Record) (int64, error) {
	now := s.opts.Now()
	availableAt := rec.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ? (queue, payload, tenant_id, attempts, available_at, created_at) VALUES (?, ?, ?, 0, ?, ?)`,
		bun.Ident(s.opts.Table), rec.Queue, rec.Payload, nullString(rec.TenantID), availableAt.UnixNano(), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("tenantq/sqlite: push: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("tenantq/sqlite: push: %w", err)
	}
	return id, nil
}

func (s *SQLite) available(queue string, now time.Time) (string, []any) {
	where := `queue = ? AND available_at <= ? AND (reserved_at IS NULL OR reserved_at < ?)`
	args := []any{queue, now.UnixNano(), now.Add(-s.opts.RetryAfter).UnixNano()}
	if s.opts.Tenancy.Aware {
		where += ` AND (tenant_id = ? OR tenant_id IS NULL)`
		args = append(args, s.opts.Tenancy.TenantID)
	}
	return where, args
}

func (s *SQLite) next(ctx context.Context, queue string, now time.Time) (*sqliteRow, error) {
	where, args := s.available(queue, now)
	var row sqliteRow
	err := s.db.QueryRowContext(ctx,
		`SELECT id, queue, payload, tenant_id, attempts, available_at, reserved_at, created_at FROM ? WHERE `+where+` ORDER BY id LIMIT 1`,
		append([]any{bun.Ident(s.opts.Table)}, args...)...,
	).Scan(&row.ID, &row.Queue, &row.Payload, &row.TenantID, &row.Attempts, &row.AvailableAt, &row.ReservedAt, &row.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *SQLite) Pop(ctx context.Context, queue string) (*domain.Record, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		now := s.opts.Now()
		row, err := s.next(ctx, queue, now)
		if err != nil {
			return nil, fmt.Errorf("tenantq/sqlite: select next: %w", err)
		}
		if row == nil {
			return nil, nil
		}

		ok, err := s.claim(ctx, row, now)
		if err != nil {
			return nil, fmt.Errorf("tenantq/sqlite: reserve %d: %w", row.ID, err)
		}
		if ok {
			rec := row.record()
			rec.ReservedAt = &now
			return rec, nil
		}
		s.opts.Logger.Debug("claim conflict", zap.Int64("job_id", row.ID), zap.Int("attempt", attempt+1))
	}
	return nil, domain.ErrClaimConflict
}

// claim reserves row if it is still the record next selected: same
// reservation, same attempts and still available at now. A record another
// picker claimed and released in between fails the check.
func (s *SQLite) claim(ctx context.Context, row *sqliteRow, now time.Time) (bool, error) {
	var seen any
	if row.ReservedAt.Valid {
		seen = row.ReservedAt.Int64
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ? SET reserved_at = ? WHERE id = ? AND reserved_at IS ? AND available_at <= ? AND attempts = ?`,
		bun.Ident(s.opts.Table), now.UnixNano(), row.ID, seen, now.UnixNano(), row.Attempts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) Size(ctx context.Context, queue string) (int64, error) {
	where, args := s.available(queue, s.opts.Now())
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM ? WHERE `+where,
		append([]any{bun.Ident(s.opts.Table)}, args...)...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("tenantq/sqlite: size: %w", err)
	}
	return n, nil
}

func (s *SQLite) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT tenant_id FROM ? WHERE tenant_id IS NOT NULL ORDER BY tenant_id`, bun.Ident(s.opts.Table))
	if err != nil {
		return nil, fmt.Errorf("tenantq/sqlite: tenants: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("tenantq/sqlite: tenants: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ? WHERE id = ?`, bun.Ident(s.opts.Table), id); err != nil {
		return fmt.Errorf("tenantq/sqlite: delete %d: %w", id, err)
	}
	return nil
}

func (s *SQLite) Release(ctx context.Context, rec *domain.Record, delay time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ? SET reserved_at = NULL, attempts = attempts + 1, available_at = ? WHERE id = ?`,
		bun.Ident(s.opts.Table), s.opts.Now().Add(delay).UnixNano(), rec.ID)
	if err != nil {
		return fmt.Errorf("tenantq/sqlite: release %d: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *SQLite) Bury(ctx context.Context, rec *domain.Record, reason error) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ? (job_id, queue, payload, tenant_id, exception, failed_at) VALUES (?, ?, ?, ?, ?, ?)`,
			bun.Ident(s.opts.FailedTable), rec.ID, rec.Queue, rec.Payload, nullString(rec.TenantID),
			reasonText(reason), s.opts.Now().UnixNano()); err != nil {
			return fmt.Errorf("tenantq/sqlite: bury %d: %w", rec.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM ? WHERE id = ?`, bun.Ident(s.opts.Table), rec.ID); err != nil {
			return fmt.Errorf("tenantq/sqlite: bury %d: %w", rec.ID, err)
		}
		return nil
	})
}
