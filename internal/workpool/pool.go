// Package workpool provides the shared, bounded pool that runs pipeline
// module stages.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Slot counts used by the live runner.
const (
	SingleSlots = 8
	MultiSlots  = 128
)

// ErrTooManyTasks is returned by GoAll for a batch that could never fit the
// pool.
var ErrTooManyTasks = errors.New("more tasks than pool slots")

// Pool bounds the number of concurrently running tasks across every group
// created from it.
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	active atomic.Int64
}

// New returns a pool with size slots. Sizes below one are raised to one.
func New(size int) *Pool {
	size = max(size, 1)
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the slot count.
func (p *Pool) Size() int { return p.size }

// Active returns the number of tasks currently holding a slot.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Group is a set of tasks scheduled on a pool and joined together. The
// group context is cancelled when a task fails.
type Group struct {
	pool *Pool
	g    *errgroup.Group
	ctx  context.Context
}

// Group starts a task group bound to ctx.
func (p *Pool) Group(ctx context.Context) *Group {
	g, gctx := errgroup.WithContext(ctx)
	return &Group{pool: p, g: g, ctx: gctx}
}

// Context returns the group context.
func (g *Group) Context() context.Context { return g.ctx }

// Go blocks until a slot is free, then runs fn on its own goroutine. It
// returns the context error if the group is cancelled while waiting.
func (g *Group) Go(fn func(ctx context.Context) error) error {
	if err := g.pool.sem.Acquire(g.ctx, 1); err != nil {
		return err
	}
	g.launch(fn)
	return nil
}

// GoAll waits until one slot per fn is free at the same time, then runs
// every fn. Either all of them run or none do; a cancelled group context
// ends the wait.
func (g *Group) GoAll(fns ...func(ctx context.Context) error) error {
	n := len(fns)
	if n == 0 {
		return nil
	}
	if n > g.pool.size {
		return fmt.Errorf("%d tasks on %d slots: %w", n, g.pool.size, ErrTooManyTasks)
	}
	if err := g.pool.sem.Acquire(g.ctx, int64(n)); err != nil {
		return err
	}
	for _, fn := range fns {
		g.launch(fn)
	}
	return nil
}

func (g *Group) launch(fn func(ctx context.Context) error) {
	g.pool.active.Add(1)
	g.g.Go(func() error {
		defer func() {
			g.pool.active.Add(-1)
			g.pool.sem.Release(1)
		}()
		return fn(g.ctx)
	})
}

// Wait joins every task and returns the first error.
func (g *Group) Wait() error { return g.g.Wait() }
