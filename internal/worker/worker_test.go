package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/tenantq/internal/domain"
	"github.com/SirClappington/tenantq/internal/queue"
	"github.com/SirClappington/tenantq/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type usage uint64

func (u usage) MemoryUsage() uint64 { return uint64(u) }

func (usage) MemoryLimit() (uint64, bool) { return 0, false }

type harness struct {
	db     *bun.DB
	q      *queue.Queue
	clock  *fakeClock
	sleeps []time.Duration
	ran    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.NewSQLite(db, storage.Options{}).Migrate(context.Background()))

	h := &harness{db: db, clock: &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}}
	reg := queue.NewRegistry()
	reg.RegisterFunc("tick", func(ctx context.Context, _ json.RawMessage) error {
		h.ran++
		h.clock.Advance(time.Second)
		return nil
	})
	reg.RegisterFunc("deadline", func(ctx context.Context, _ json.RawMessage) error {
		h.ran++
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	})
	reg.RegisterFunc("broken", func(context.Context, json.RawMessage) error {
		h.ran++
		return errors.New("broken")
	})
	reg.RegisterFunc("hang", func(ctx context.Context, _ json.RawMessage) error {
		h.ran++
		<-ctx.Done()
		return ctx.Err()
	})

	h.q, err = queue.Connector{Registry: reg, Logger: zaptest.NewLogger(t)}.Connect(queue.ConnectionParams{
		Driver: queue.DriverSQLite,
		DB:     db,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) push(t *testing.T, job string, n int) {
	t.Helper()
	for range n {
		_, err := h.q.Push(context.Background(), job, nil)
		require.NoError(t, err)
	}
}

func (h *harness) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRowContext(context.Background(), `SELECT count(*) FROM ?`, bun.Ident(table)).Scan(&n))
	return n
}

// worker builds a Worker whose sleeps are recorded and whose memory usage is
// zero. A non-nil cancel is called at the first pause.
func (h *harness) worker(t *testing.T, opts map[string]any, cancel context.CancelFunc, extra ...Option) *Worker {
	t.Helper()
	o, err := FromOptions(opts)
	require.NoError(t, err)
	base := []Option{
		WithLogger(zaptest.NewLogger(t)),
		WithClock(h.clock.Now),
		WithProbe(usage(0)),
		WithSleep(func(_ context.Context, d time.Duration) {
			h.sleeps = append(h.sleeps, d)
			if cancel != nil {
				cancel()
			}
		}),
	}
	return New(o, append(base, extra...)...)
}

func TestRunStopWhenEmpty(t *testing.T) {
	h := newHarness(t)
	h.push(t, "tick", 3)

	stop, err := h.worker(t, map[string]any{"stopWhenEmpty": true}, nil).Run(context.Background(), h.q)
	require.NoError(t, err)

	assert.Equal(t, StopEmpty, stop)
	assert.Equal(t, 3, h.ran)
	assert.Zero(t, h.count(t, "jobs"))
}

func TestRunMaxJobs(t *testing.T) {
	h := newHarness(t)
	h.push(t, "tick", 5)

	stop, err := h.worker(t, map[string]any{"maxJobs": 2}, nil).Run(context.Background(), h.q)
	require.NoError(t, err)

	assert.Equal(t, StopMaxJobs, stop)
	assert.Equal(t, 2, h.ran)
	assert.Equal(t, 3, h.count(t, "jobs"))
}

func TestRunMaxTime(t *testing.T) {
	h := newHarness(t)
	h.push(t, "tick", 10)

	stop, err := h.worker(t, map[string]any{"maxTime": 3}, nil).Run(context.Background(), h.q)
	require.NoError(t, err)

	assert.Equal(t, StopMaxTime, stop)
	assert.Equal(t, 3, h.ran)
}

func TestRunMemoryLimit(t *testing.T) {
	h := newHarness(t)
	h.push(t, "tick", 1)

	w := h.worker(t, map[string]any{"memory": 64}, nil, WithProbe(usage(65<<20)))
	stop, err := w.Run(context.Background(), h.q)
	require.NoError(t, err)

	assert.Equal(t, StopMemory, stop)
	assert.Zero(t, h.ran)
}

func TestRunSleepsWhenEmpty(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop, err := h.worker(t, map[string]any{"sleep": 7}, cancel).Run(ctx, h.q)
	require.NoError(t, err)

	assert.Equal(t, StopCanceled, stop)
	assert.Equal(t, []time.Duration{7 * time.Second}, h.sleeps)
}

func TestRunRestsBetweenJobs(t *testing.T) {
	h := newHarness(t)
	h.push(t, "tick", 2)

	w := h.worker(t, map[string]any{"rest": 2, "stopWhenEmpty": true}, nil)
	_, err := w.Run(context.Background(), h.q)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.sleeps)
}

func TestRunBoundsEachJob(t *testing.T) {
	h := newHarness(t)
	h.push(t, "deadline", 1)

	_, err := h.worker(t, map[string]any{"stopWhenEmpty": true, "timeout": 5}, nil).Run(context.Background(), h.q)
	require.NoError(t, err)

	assert.Equal(t, 1, h.ran)
	assert.Zero(t, h.count(t, "jobs"), "handler saw a deadline and succeeded")
}

func TestRunBuriesAfterMaxTries(t *testing.T) {
	h := newHarness(t)
	h.push(t, "broken", 1)
	h.push(t, "tick", 1)

	w := h.worker(t, map[string]any{"maxTries": 1, "stopWhenEmpty": true}, nil)
	stop, err := w.Run(context.Background(), h.q)
	require.NoError(t, err)

	assert.Equal(t, StopEmpty, stop)
	assert.Equal(t, 2, h.ran)
	assert.Zero(t, h.count(t, "jobs"))
	assert.Equal(t, 1, h.count(t, "failed_jobs"))
}

func TestRunBuriesTimedOutJob(t *testing.T) {
	h := newHarness(t)
	h.push(t, "hang", 1)

	w := h.worker(t, map[string]any{"timeout": 1, "maxJobs": 1, "maxTries": 1}, nil)
	stop, err := w.Run(context.Background(), h.q)
	require.NoError(t, err)

	assert.Equal(t, StopMaxJobs, stop)
	assert.Equal(t, 1, h.ran)
	assert.Zero(t, h.count(t, "jobs"))
	assert.Equal(t, 1, h.count(t, "failed_jobs"))
}

func TestRunReleasesTimedOutJob(t *testing.T) {
	h := newHarness(t)
	h.push(t, "hang", 1)

	w := h.worker(t, map[string]any{"timeout": 1, "maxJobs": 1, "maxTries": 3}, nil)
	_, err := w.Run(context.Background(), h.q)
	require.NoError(t, err)

	var attempts int
	var reserved sql.NullInt64
	require.NoError(t, h.db.QueryRowContext(context.Background(),
		`SELECT attempts, reserved_at FROM jobs`).Scan(&attempts, &reserved))
	assert.Equal(t, 1, attempts)
	assert.False(t, reserved.Valid, "released record is no longer reserved")
}

func TestRunMaintenance(t *testing.T) {
	down := func() bool { return true }

	t.Run("paused", func(t *testing.T) {
		h := newHarness(t)
		h.push(t, "tick", 1)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		stop, err := h.worker(t, nil, cancel, WithMaintenance(down)).Run(ctx, h.q)
		require.NoError(t, err)
		assert.Equal(t, StopCanceled, stop)
		assert.Zero(t, h.ran)
	})

	t.Run("forced", func(t *testing.T) {
		h := newHarness(t)
		h.push(t, "tick", 1)

		w := h.worker(t, map[string]any{"force": true, "stopWhenEmpty": true}, nil, WithMaintenance(down))
		stop, err := w.Run(context.Background(), h.q)
		require.NoError(t, err)
		assert.Equal(t, StopEmpty, stop)
		assert.Equal(t, 1, h.ran)
	})
}

func TestRunHonoursTenancy(t *testing.T) {
	h := newHarness(t)
	_, err := h.q.Push(context.Background(), "tick", nil, queue.ForTenant("acme"))
	require.NoError(t, err)
	_, err = h.q.Push(context.Background(), "tick", nil, queue.ForTenant("globex"))
	require.NoError(t, err)

	reg := queue.NewRegistry()
	var ran int
	reg.RegisterFunc("tick", func(ctx context.Context, _ json.RawMessage) error {
		ran++
		assert.Equal(t, "acme", queue.TenantFrom(ctx))
		return nil
	})
	acme, err := queue.Connector{Tenancy: domain.For("acme"), Registry: reg}.Connect(queue.ConnectionParams{
		Driver: queue.DriverSQLite,
		DB:     h.db,
	})
	require.NoError(t, err)

	_, err = h.worker(t, map[string]any{"stopWhenEmpty": true}, nil).Run(context.Background(), acme)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, h.count(t, "jobs"))
}
