// Package runner drains a queue synchronously under a set of budgets. A drain
// only ever decides whether to claim the next job; it never interrupts one.
package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/tenantq/internal/queue"
)

type Runner struct {
	queue    string
	ceilings Ceilings
	now      func() time.Time
	probe    Probe
	logger   *zap.Logger

	limitJobs   bool
	maxJobs     int
	limitTime   bool
	maxTime     time.Duration
	limitMemory bool
	maxBytes    uint64
	estimate    bool

	memorySetting memorySetting
}

type Option func(*Runner)

// WithMaxJobs enables the count budget. n <= 0 means DefaultMaxJobs.
func WithMaxJobs(n int) Option {
	return func(r *Runner) { r.limitJobs, r.maxJobs = true, n }
}

// WithMaxTime enables the wall-clock budget. d <= 0 means the default
// derived from the context deadline and the ceilings.
func WithMaxTime(d time.Duration) Option {
	return func(r *Runner) { r.limitTime, r.maxTime = true, d }
}

// WithMaxMemory enables the memory budget. Zero means the default share of
// the runtime ceiling.
func WithMaxMemory(bytes uint64) Option {
	return func(r *Runner) { r.limitMemory, r.maxBytes = true, bytes }
}

// WithEstimatedNextJob stops a drain when three more jobs of the average
// duration so far would overrun the wall-clock budget. It does nothing unless
// the wall-clock budget is enabled too.
func WithEstimatedNextJob() Option {
	return func(r *Runner) { r.estimate = true }
}

func WithCeilings(c Ceilings) Option { return func(r *Runner) { r.ceilings = c } }

// WithQueue drains name instead of the queue's default.
func WithQueue(name string) Option { return func(r *Runner) { r.queue = name } }

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

func WithProbe(p Probe) Option { return func(r *Runner) { r.probe = p } }

// New builds a Runner with no budgets enabled unless opts enable them.
func New(logger *zap.Logger, opts ...Option) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		now:    time.Now,
		probe:  RuntimeProbe(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	setting, err := parseMemory(r.ceilings.MaxMemory)
	if err != nil {
		return nil, err
	}
	r.memorySetting = setting
	return r, nil
}

// budget is the state of one drain.
type budget struct {
	start     time.Time
	processed int

	maxJobs   int
	maxTime   time.Duration
	maxMemory uint64
	estimate  bool
}

// begin resolves the enabled limits for one drain.
func (r *Runner) begin(ctx context.Context) *budget {
	b := &budget{start: r.now()}
	if r.limitJobs {
		b.maxJobs = r.maxJobs
		if b.maxJobs <= 0 {
			b.maxJobs = DefaultMaxJobs
		}
	}
	if r.limitTime {
		b.maxTime = r.maxTime
		if b.maxTime <= 0 {
			b.maxTime = defaultMaxTime(ctx, r.ceilings.MaxTime)
		}
		b.estimate = r.estimate
	}
	if r.limitMemory {
		b.maxMemory = r.maxBytes
		if b.maxMemory == 0 {
			b.maxMemory = r.memorySetting.resolve(r.probe)
		}
	}
	return b
}

// exhausted names the first budget that trips, or returns "".
func (r *Runner) exhausted(b *budget) string {
	if b.maxJobs > 0 && b.processed >= b.maxJobs {
		return "max jobs"
	}
	elapsed := r.now().Sub(b.start)
	if b.maxTime > 0 && elapsed >= b.maxTime {
		return "max time"
	}
	if b.maxMemory > 0 && r.probe.MemoryUsage() >= b.maxMemory {
		return "max memory"
	}
	if b.estimate && b.processed > 0 {
		avg := elapsed / time.Duration(b.processed)
		if elapsed+avg*estimateMargin > b.maxTime {
			return "estimated next job"
		}
	}
	return ""
}

// Drain claims and fires jobs from q until the queue has nothing available
// or a budget trips. A job's error is returned as is and ends the drain.
func (r *Runner) Drain(ctx context.Context, q *queue.Queue) error {
	b := r.begin(ctx)
	log := r.logger.With(zap.String("queue", q.Name()))
	if r.queue != "" {
		log = r.logger.With(zap.String("queue", r.queue))
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := q.Size(ctx, r.queue)
		if err != nil {
			return err
		}
		if n == 0 {
			log.Debug("drain finished", zap.String("reason", "empty"), zap.Int("processed", b.processed))
			return nil
		}
		if reason := r.exhausted(b); reason != "" {
			log.Debug("drain finished",
				zap.String("reason", reason),
				zap.Int("processed", b.processed),
				zap.Duration("elapsed", r.now().Sub(b.start)))
			return nil
		}

		job, err := q.Pop(ctx, r.queue)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		if err := job.Fire(ctx); err != nil {
			return err
		}
		b.processed++
	}
}
