package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/tenantq/internal/domain"
)

// Job is a claimed record bound to the queue that claimed it.
type Job struct {
	rec     *domain.Record
	q       *Queue
	payload *domain.Payload
}

func (j *Job) ID() int64 { return j.rec.ID }
func (j *Job) Queue() string { return j.rec.Queue }
func (j *Job) TenantID() string { return j.rec.TenantID }
func (j *Job) Attempts() int { return j.rec.Attempts }

// Name is the handler name from the payload, or empty if it cannot be decoded.
func (j *Job) Name() string {
	p, err := j.decode()
	if err != nil {
		return ""
	}
	return p.Job
}

func (j *Job) decode() (*domain.Payload, error) {
	if j.payload != nil {
		return j.payload, nil
	}
	var p domain.Payload
	if err := json.Unmarshal(j.rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	j.payload = &p
	return j.payload, nil
}

// Fire runs the job's handler. On success the record is deleted. On failure
// the record is released for another try or buried once its tries are used
// up, and the handler error is returned as *domain.ExecutionError.
//
// ctx bounds the handler only. The record is settled on a context that keeps
// ctx's values but not its deadline, so a handler stopped by a timeout is
// still released or buried.
func (j *Job) Fire(ctx context.Context) error {
	settle := context.WithoutCancel(ctx)
	p, err := j.decode()
	if err != nil {
		return j.fail(settle, "", err)
	}
	h, ok := j.q.registry.lookup(p.Job)
	if !ok {
		return j.fail(settle, p.Job, fmt.Errorf("%w: %s", domain.ErrUnknownJob, p.Job))
	}

	if err := h.Handle(WithTenant(ctx, j.rec.TenantID), p.Data); err != nil {
		return j.fail(settle, p.Job, err)
	}
	return j.q.store.Delete(settle, j.rec.ID)
}

func (j *Job) policy() RetryPolicy {
	pol := j.q.policy
	if j.payload != nil {
		if j.payload.MaxTries != nil {
			pol.MaxTries = *j.payload.MaxTries
		}
		if j.payload.Backoff != nil {
			pol.Backoff = time.Duration(*j.payload.Backoff) * time.Second
		}
	}
	return pol
}

func (j *Job) fail(ctx context.Context, name string, cause error) error {
	execErr := &domain.ExecutionError{JobID: j.rec.ID, Job: name, Err: cause}
	pol := j.policy()

	var err error
	if pol.MaxTries > 0 && j.rec.Attempts+1 >= pol.MaxTries {
		j.q.logger.Debug("job buried", zap.Int64("job_id", j.rec.ID), zap.Int("attempts", j.rec.Attempts+1))
		err = j.q.store.Bury(ctx, j.rec, cause)
	} else {
		err = j.q.store.Release(ctx, j.rec, pol.Backoff)
	}
	if err != nil {
		return errors.Join(execErr, err)
	}
	return execErr
}

type tenantKey struct{}

// WithTenant attaches the tenant a job runs for. Empty ids leave ctx as is.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFrom returns the tenant a handler runs for, or "" for global jobs.
func TenantFrom(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey{}).(string)
	return id
}
