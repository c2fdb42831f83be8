package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/tenantq/internal/domain"
)

const (
	DefaultTable       = "jobs"
	DefaultFailedTable = "failed_jobs"
	DefaultRetryAfter  = 90 * time.Second

	// claimAttempts bounds compare-and-swap retries before ErrClaimConflict.
	claimAttempts = 5
)

// Store persists job records and hands them out one claim at a time.
type Store interface {
	// Push inserts rec and returns its store-assigned id.
	Push(ctx context.Context, rec *domain.Record) (int64, error)

	// Pop claims the lowest-id available record of queue that passes the
	// store's tenancy filter. It returns nil, nil when nothing is available.
	Pop(ctx context.Context, queue string) (*domain.Record, error)

	// Size counts the records of queue that Pop could claim right now.
	Size(ctx context.Context, queue string) (int64, error)

	Delete(ctx context.Context, id int64) error

	// Release clears the reservation, bumps attempts and delays the record.
	Release(ctx context.Context, rec *domain.Record, delay time.Duration) error

	// Bury moves the record into the failed jobs table.
	Bury(ctx context.Context, rec *domain.Record, reason error) error
}

// TenantLister reports the tenants that have records in a store.
type TenantLister interface {
	Tenants(ctx context.Context) ([]string, error)
}

// Options are fixed for the lifetime of a store.
type Options struct {
	Table       string
	FailedTable string
	// RetryAfter is the reservation timeout: a claim older than this is
	// treated as abandoned.
	RetryAfter time.Duration
	Tenancy    domain.Tenancy
	Logger     *zap.Logger
	// Now is used by stores that keep time themselves (sqlite, redis).
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Table == "" {
		o.Table = DefaultTable
	}
	if o.FailedTable == "" {
		o.FailedTable = DefaultFailedTable
	}
	if o.RetryAfter <= 0 {
		o.RetryAfter = DefaultRetryAfter
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
