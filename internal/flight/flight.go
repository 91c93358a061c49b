// Package flight coalesces concurrent requests for the same key into a single
// execution. Unlike golang.org/x/sync/singleflight it is generic over key and
// value, and in-flight work can be canceled cooperatively per key.
package flight

import (
	"context"
	"fmt"
	"sync"
)

// call is one in-flight execution. It is removed from the group the moment
// fn settles, before waiters are released.
type call[V any] struct {
	done   chan struct{}
	val    V
	err    error
	cancel context.CancelFunc
	dups   int
}

// Group deduplicates work by key. The zero value is ready to use.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

// Do runs fn for key unless a call for key is already in flight, in which
// case it waits for that call's result. shared reports whether the result
// was delivered to more than one caller.
//
// fn runs with a context detached from any single caller: one caller giving
// up (ctx done) stops that caller's wait but not the shared work. Use Cancel
// or CancelAll to signal the work itself. A caller whose ctx is already
// done never starts or joins work.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func(ctx context.Context) (V, error)) (v V, shared bool, err error) {
	if err := ctx.Err(); err != nil {
		return v, false, err
	}

	g.mu.Lock()

	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}

	if c, ok := g.calls[key]; ok {
		c.dups++
		g.mu.Unlock()

		return g.wait(ctx, c, true)
	}

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call[V]{done: make(chan struct{}), cancel: cancel}
	g.calls[key] = c
	g.mu.Unlock()

	go g.run(workCtx, key, c, fn)

	return g.wait(ctx, c, false)
}

func (g *Group[K, V]) run(ctx context.Context, key K, c *call[V], fn func(ctx context.Context) (V, error)) {
	defer c.cancel()

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.err = &PanicError{Value: r}
			}
		}()

		c.val, c.err = fn(ctx)
	}()

	g.mu.Lock()
	if g.calls[key] == c {
		delete(g.calls, key)
	}
	g.mu.Unlock()

	close(c.done)
}

func (g *Group[K, V]) wait(ctx context.Context, c *call[V], dup bool) (V, bool, error) {
	select {
	case <-c.done:
		g.mu.Lock()
		shared := dup || c.dups > 0
		g.mu.Unlock()

		return c.val, shared, c.err
	case <-ctx.Done():
		var zero V
		return zero, dup, ctx.Err()
	}
}

// Cancel signals cancellation to the in-flight call for key, if any. The
// call's fn observes it through its context; Cancel does not wait.
func (g *Group[K, V]) Cancel(key K) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.calls[key]; ok {
		c.cancel()
	}
}

// CancelAll signals cancellation to every in-flight call.
func (g *Group[K, V]) CancelAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, c := range g.calls {
		c.cancel()
	}
}

// InFlight reports whether a call for key is currently executing.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.calls[key]

	return ok
}

// PanicError is returned to every waiter when fn panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("flight: operation panicked: %v", e.Value)
}
