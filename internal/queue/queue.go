package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/tenantq/internal/domain"
	"github.com/SirClappington/tenantq/internal/storage"
)

// RetryPolicy decides what happens to a failed job. MaxTries of zero retries
// forever.
type RetryPolicy struct {
	MaxTries int
	Backoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy { return RetryPolicy{MaxTries: 3} }

// Queue is the producer and consumer face of one store.
type Queue struct {
	store       storage.Store
	registry    *Registry
	name        string
	afterCommit bool
	policy      RetryPolicy
	logger      *zap.Logger
}

type Option func(*Queue)

// WithName sets the queue used when a call does not name one.
func WithName(name string) Option { return func(q *Queue) { q.name = name } }

// WithAfterCommit defers pushes made under a Deferred context until it commits.
func WithAfterCommit(on bool) Option { return func(q *Queue) { q.afterCommit = on } }

func WithLogger(l *zap.Logger) Option { return func(q *Queue) { q.logger = l } }

func WithRetryPolicy(p RetryPolicy) Option { return func(q *Queue) { q.policy = p } }

func New(store storage.Store, registry *Registry, opts ...Option) *Queue {
	q := &Queue{
		store:    store,
		registry: registry,
		name:     domain.DefaultQueue,
		policy:   DefaultRetryPolicy(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.registry == nil {
		q.registry = NewRegistry()
	}
	return q
}

// Name returns the default queue name.
func (q *Queue) Name() string { return q.name }

// WithPolicy returns a copy of q that fails jobs according to p.
func (q *Queue) WithPolicy(p RetryPolicy) *Queue {
	cp := *q
	cp.policy = p
	return &cp
}

func (q *Queue) queueName(name string) string {
	if name == "" {
		return q.name
	}
	return name
}

type pushParams struct {
	queue       string
	tenantID    string
	availableAt time.Time
	maxTries    *int
	backoff     *int
}

type PushOption func(*pushParams)

func OnQueue(name string) PushOption { return func(p *pushParams) { p.queue = name } }

// ForTenant tags the job with a tenant unless its data declares one itself.
func ForTenant(id string) PushOption { return func(p *pushParams) { p.tenantID = id } }

func Delay(d time.Duration) PushOption {
	return func(p *pushParams) { p.availableAt = time.Now().UTC().Add(d) }
}

func At(t time.Time) PushOption { return func(p *pushParams) { p.availableAt = t.UTC() } }

// Tries overrides the queue's MaxTries for this job.
func Tries(n int) PushOption { return func(p *pushParams) { p.maxTries = &n } }

// Backoff overrides the queue's retry backoff for this job.
func Backoff(d time.Duration) PushOption {
	return func(p *pushParams) {
		secs := int(d / time.Second)
		p.backoff = &secs
	}
}

// Push enqueues data for the handler registered as job and returns the new
// record id. When the push is deferred until commit the id is zero.
func (q *Queue) Push(ctx context.Context, job string, data any, opts ...PushOption) (int64, error) {
	p := pushParams{queue: q.name}
	for _, opt := range opts {
		opt(&p)
	}
	if ta, ok := data.(domain.TenantAware); ok {
		p.tenantID = ta.TenantID()
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("tenantq/queue: encode %s: %w", job, err)
	}
	payload, err := json.Marshal(domain.Payload{
		UUID:     uuid.NewString(),
		Job:      job,
		TenantID: p.tenantID,
		MaxTries: p.maxTries,
		Backoff:  p.backoff,
		Data:     raw,
	})
	if err != nil {
		return 0, fmt.Errorf("tenantq/queue: encode %s: %w", job, err)
	}
	rec := &domain.Record{
		Queue:       q.queueName(p.queue),
		Payload:     payload,
		TenantID:    p.tenantID,
		AvailableAt: p.availableAt,
	}

	if q.afterCommit {
		if d := deferredFrom(ctx); d != nil {
			d.add(func(ctx context.Context) error {
				_, err := q.push(ctx, job, rec)
				return err
			})
			return 0, nil
		}
	}
	return q.push(ctx, job, rec)
}

func (q *Queue) push(ctx context.Context, job string, rec *domain.Record) (int64, error) {
	id, err := q.store.Push(ctx, rec)
	if err != nil {
		return 0, err
	}
	q.logger.Debug("job pushed",
		zap.Int64("job_id", id),
		zap.String("job", job),
		zap.String("queue", rec.Queue),
		zap.String("tenant_id", rec.TenantID))
	return id, nil
}

// Size counts the jobs of queue this Queue could claim now. An empty name
// means the default queue.
func (q *Queue) Size(ctx context.Context, name string) (int64, error) {
	return q.store.Size(ctx, q.queueName(name))
}

// Pop claims the next job or returns nil when none is available.
func (q *Queue) Pop(ctx context.Context, name string) (*Job, error) {
	rec, err := q.store.Pop(ctx, q.queueName(name))
	if err != nil || rec == nil {
		return nil, err
	}
	return &Job{rec: rec, q: q}, nil
}
