package queue

import (
	"context"
	"errors"
	"sync"
)

// Deferred collects pushes made while the caller's own transaction is open.
// Queues built with WithAfterCommit(true) park their pushes here.
type Deferred struct {
	mu     sync.Mutex
	pushes []func(context.Context) error
}

type deferredKey struct{}

// WithDeferred returns a context under which after-commit pushes are held
// until Commit.
func WithDeferred(ctx context.Context) (context.Context, *Deferred) {
	d := &Deferred{}
	return context.WithValue(ctx, deferredKey{}, d), d
}

func deferredFrom(ctx context.Context) *Deferred {
	d, _ := ctx.Value(deferredKey{}).(*Deferred)
	return d
}

func (d *Deferred) add(fn func(context.Context) error) {
	d.mu.Lock()
	d.pushes = append(d.pushes, fn)
	d.mu.Unlock()
}

// Commit performs the held pushes in order. Call it after the surrounding
// transaction has committed.
func (d *Deferred) Commit(ctx context.Context) error {
	d.mu.Lock()
	pushes := d.pushes
	d.pushes = nil
	d.mu.Unlock()

	var errs []error
	for _, push := range pushes {
		if err := push(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops the held pushes, for a rolled back transaction.
func (d *Deferred) Discard() {
	d.mu.Lock()
	d.pushes = nil
	d.mu.Unlock()
}
