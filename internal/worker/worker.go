// Package worker holds the long-running consumer: its option model and the
// polling loop that a process supervisor keeps alive.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/tenantq/internal/queue"
	"github.com/SirClappington/tenantq/internal/runner"
)

// Stop says why Run returned.
type Stop string

const (
	StopEmpty    Stop = "empty"
	StopMaxJobs  Stop = "max jobs"
	StopMaxTime  Stop = "max time"
	StopMemory   Stop = "memory"
	StopCanceled Stop = "canceled"
)

type Worker struct {
	opts        WorkerOptions
	logger      *zap.Logger
	now         func() time.Time
	sleep       func(context.Context, time.Duration)
	probe       runner.Probe
	maintenance func() bool
}

type Option func(*Worker)

func WithLogger(l *zap.Logger) Option { return func(w *Worker) { w.logger = l } }

func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

// WithSleep replaces the pause used between polls and after jobs.
func WithSleep(fn func(context.Context, time.Duration)) Option {
	return func(w *Worker) { w.sleep = fn }
}

func WithProbe(p runner.Probe) Option { return func(w *Worker) { w.probe = p } }

// WithMaintenance reports whether the application is down for maintenance.
// While it is, the worker claims nothing unless Force is set.
func WithMaintenance(fn func() bool) Option { return func(w *Worker) { w.maintenance = fn } }

func New(opts WorkerOptions, options ...Option) *Worker {
	w := &Worker{
		opts:        opts,
		logger:      zap.NewNop(),
		now:         time.Now,
		sleep:       sleep,
		probe:       runner.RuntimeProbe(),
		maintenance: func() bool { return false },
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run polls the worker's queue until a stop condition is met or ctx is done.
// Job failures are logged; the store has already released or buried the job.
func (w *Worker) Run(ctx context.Context, q *queue.Queue) (Stop, error) {
	q = q.WithPolicy(queue.RetryPolicy{MaxTries: w.opts.MaxTries(), Backoff: w.opts.Backoff()})
	log := w.logger.With(zap.String("queue", w.opts.Name()))
	start := w.now()
	processed := 0

	for {
		if ctx.Err() != nil {
			return StopCanceled, nil
		}
		if stop := w.limit(start, processed); stop != "" {
			log.Info("worker stopping", zap.String("reason", string(stop)), zap.Int("processed", processed))
			return stop, nil
		}
		if !w.opts.Force() && w.maintenance() {
			w.sleep(ctx, w.opts.Sleep())
			continue
		}

		job, err := q.Pop(ctx, w.opts.Name())
		if err != nil {
			if ctx.Err() != nil {
				return StopCanceled, nil
			}
			log.Error("pop failed", zap.Error(err))
			w.sleep(ctx, w.opts.Sleep())
			continue
		}
		if job == nil {
			if w.opts.StopWhenEmpty() {
				log.Info("worker stopping", zap.String("reason", string(StopEmpty)), zap.Int("processed", processed))
				return StopEmpty, nil
			}
			w.sleep(ctx, w.opts.Sleep())
			continue
		}

		w.process(ctx, log, job)
		processed++
		if rest := w.opts.Rest(); rest > 0 {
			w.sleep(ctx, rest)
		}
	}
}

func (w *Worker) limit(start time.Time, processed int) Stop {
	if n := w.opts.MaxJobs(); n > 0 && processed >= n {
		return StopMaxJobs
	}
	if d := w.opts.MaxTime(); d > 0 && w.now().Sub(start) >= d {
		return StopMaxTime
	}
	if mb := w.opts.Memory(); mb > 0 && w.probe.MemoryUsage() >= uint64(mb)<<20 {
		return StopMemory
	}
	return ""
}

func (w *Worker) process(ctx context.Context, log *zap.Logger, job *queue.Job) {
	if d := w.opts.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	started := w.now()
	if err := job.Fire(ctx); err != nil {
		log.Error("job failed",
			zap.Int64("job_id", job.ID()),
			zap.String("job", job.Name()),
			zap.String("tenant_id", job.TenantID()),
			zap.Error(err))
		return
	}
	log.Debug("job processed",
		zap.Int64("job_id", job.ID()),
		zap.String("job", job.Name()),
		zap.Duration("took", w.now().Sub(started)))
}
