package flight

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Group coalesces concurrent calls that share a key.
type Group[T any] struct {
	sf      singleflight.Group
	timeout time.Duration
}

// NewGroup returns a Group whose shared executions are bounded by timeout. A zero
// timeout leaves executions unbounded.
func NewGroup[T any](timeout time.Duration) *Group[T] {
	return &Group[T]{timeout: timeout}
}

// Do runs fn once for all concurrent callers with the same key. shared reports whether
// the result was delivered to more than one caller. A caller whose ctx ends before the
// execution finishes returns ctx.Err(); the execution itself keeps running.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	flightCtx := context.WithoutCancel(ctx)
	ch := g.sf.DoChan(key, func() (any, error) {
		runCtx := flightCtx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(flightCtx, g.timeout)
			defer cancel()
		}
		return fn(runCtx)
	})

	select {
	case res := <-ch:
		if res.Val != nil {
			v = res.Val.(T)
		}
		return v, res.Shared, res.Err
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}
