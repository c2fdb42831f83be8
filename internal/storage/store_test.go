package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/tenantq/internal/domain"
)

// harness opens stores over one shared backend and can age every record.
type harness struct {
	open    func(tenancy domain.Tenancy) Store
	advance func(d time.Duration)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
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

func push(t *testing.T, s Store, queue, tenant string) int64 {
	t.Helper()
	id, err := s.Push(context.Background(), &domain.Record{
		Queue:    queue,
		Payload:  []byte(`{"job":"noop"}`),
		TenantID: tenant,
	})
	require.NoError(t, err)
	return id
}

func runStoreSuite(t *testing.T, newHarness func(t *testing.T) harness) {
	ctx := context.Background()

	t.Run("pop returns lowest id first", func(t *testing.T) {
		h := newHarness(t)
		s := h.open(domain.Agnostic())
		first := push(t, s, "default", "")
		second := push(t, s, "default", "")
		require.Less(t, first, second)

		rec, err := s.Pop(ctx, "default")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, first, rec.ID)
		assert.NotNil(t, rec.ReservedAt)

		rec, err = s.Pop(ctx, "default")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, second, rec.ID)
	})

	t.Run("pop on empty queue returns nil", func(t *testing.T) {
		h := newHarness(t)
		s := h.open(domain.Agnostic())
		push(t, s, "other", "")
		rec, err := s.Pop(ctx, "default")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("tenant aware picker never sees another tenant", func(t *testing.T) {
		h := newHarness(t)
		producer := h.open(domain.Agnostic())
		push(t, producer, "default", "globex")
		push(t, producer, "default", "globex")
		own := push(t, producer, "default", "acme")

		acme := h.open(domain.For("acme"))
		n, err := acme.Size(ctx, "default")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		rec, err := acme.Pop(ctx, "default")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, own, rec.ID)
		assert.Equal(t, "acme", rec.TenantID)

		rec, err = acme.Pop(ctx, "default")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("tenant aware picker sees global records", func(t *testing.T) {
		h := newHarness(t)
		producer := h.open(domain.Agnostic())
		global := push(t, producer, "default", "")

		rec, err := h.open(domain.For("acme")).Pop(ctx, "default")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, global, rec.ID)
		assert.Empty(t, rec.TenantID)
	})

	t.Run("reserved record is not available", func(t *testing.T) {
		h := newHarness(t)
		s := h.open(domain.Agnostic())
		push(t, s, "default", "")

		rec, err := s.Pop(ctx, "default")
		require.NoError(t, err)
		require.NotNil(t, rec)

		n, err := s.Size(ctx, "default")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("expired reservation is claimable again", func(t *testing.T) {
		h := newHarness(t)
		s := h.open(domain.Agnostic())
		id := push(t, s, "default", "")

		rec, err := s.Pop(ctx, "default")
		require.NoError(t, err)
		require.NotNil(t, rec)

		h.advance(DefaultRetryAfter+time.Second)

		again, err := s.Pop(ctx, "default")
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, id, again.ID)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		h := newHarness(t)
		producer := h.open(domain.Agnostic())
		id := push(t, producer, "default", "")

		var (
			mu   sync.Mutex
			won  []int64
			lost int
		)
		var g errgroup.Group
		for range 2 {
			picker := h.open(domain.Agnostic())
			g.Go(func() error {
				rec, err := picker.Pop(ctx, "default")
				if err != nil && !errors.Is(err, domain.ErrClaimConflict) {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if rec != nil {
					won = append(won, rec.ID)
				} else {
					lost++
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, []int64{id}, won)
		assert.Equal(t, 1, lost)

		n, err := producer.Size(ctx, "default")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("release clears reservation and bumps attempts", func(t *testing.T) {
		h := newHarness(t)
		s := h.open(domain.Agnostic())
		push(t, s, "default", "")

		rec, err := s.Pop(ctx, "default")
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, rec, 0))

		h.advance(time.Second)
		again, err := s.Pop(ctx, "default")
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 1, again.Attempts)
	})

	t.Run("release with delay hides the record", func(t *testing.T) {
		h := newHarness(t)
		s := h.open(domain.Agnostic())
		push(t, s, "default", "")

		rec, err := s.Pop(ctx, "default")
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, rec, time.Hour))

		n, err := s.Size(ctx, "default")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("delete and bury remove the record", func(t *testing.T) {
		h := newHarness(t)
		s := h.open(domain.Agnostic())
		push(t, s, "default", "")
		push(t, s, "default", "acme")

		a, err := s.Pop(ctx, "default")
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, a.ID))

		b, err := s.Pop(ctx, "default")
		require.NoError(t, err)
		require.NoError(t, s.Bury(ctx, b, errors.New("boom")))

		h.advance(DefaultRetryAfter+time.Second)
		n, err := s.Size(ctx, "default")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("tenants lists tenants with records", func(t *testing.T) {
		h := newHarness(t)
		s := h.open(domain.Agnostic())
		push(t, s, "default", "globex")
		push(t, s, "mail", "acme")
		push(t, s, "default", "acme")
		push(t, s, "default", "")

		lister, ok := s.(TenantLister)
		require.True(t, ok)
		tenants, err := lister.Tenants(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"acme", "globex"}, tenants)
	})
}
