// Package workerpool implements the Worker Pool: a fixed-size set of
// executors that run Parse Tasks. Capacity is set by the caller to
// thread_count+1 so one slot is always free for the Scheduler's
// reserved NORMAL-or-better-priority admission; the Pool itself has no
// notion of priority, it just bounds concurrency and runs whatever it
// is handed.
package workerpool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/lci/internal/debug"
	"github.com/standardbeagle/lci/internal/parsetask"
)

// Pool runs parsetask.Task values with bounded concurrency.
type Pool struct {
	group    errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc
	size     int
	accept   atomic.Bool
	inFlight atomic.Int32
}

// New creates a Pool with the given capacity. Capacity should be
// thread_count+1 per spec.md §4.E.6.
func New(size int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{ctx: ctx, cancel: cancel, size: size}
	p.group.SetLimit(size)
	p.accept.Store(true)
	return p
}

// Submit enqueues task for execution and returns true if it was
// accepted. It is non-blocking: returns false immediately if the pool
// is suspended or momentarily at capacity, so the caller (the
// Scheduler's dispatch loop) can fall back to its own admission
// bookkeeping rather than stall.
func (p *Pool) Submit(task parsetask.Task) bool {
	if !p.accept.Load() {
		return false
	}
	return p.group.TryGo(func() error {
		p.inFlight.Add(1)
		defer p.inFlight.Add(-1)
		err := task.Run(p.ctx)
		if err != nil {
			debug.LogScheduler("worker pool: task for handle %d failed: %v", task.URL(), err)
		}
		// A failed task is not a pool failure; its error reaches the
		// task's own failed listener, not the group.
		return nil
	})
}

// Suspend stops the pool from accepting new work. Tasks already
// running continue to completion.
func (p *Pool) Suspend() { p.accept.Store(false) }

// Resume allows the pool to accept new work again.
func (p *Pool) Resume() { p.accept.Store(true) }

// AbortAll cancels the context passed to every running task's Run.
// Cancellation is cooperative: a task that doesn't check ctx.Done()
// keeps running to completion. The pool itself never force-kills a
// worker goroutine.
func (p *Pool) AbortAll() { p.cancel() }

// Wait blocks until every submitted task has returned. Task errors are
// not collected by the pool (a failed task is not itself a pool
// failure), so Wait returns nil once every task is done.
func (p *Pool) Wait() error { return p.group.Wait() }

// InFlight returns the number of tasks currently running.
func (p *Pool) InFlight() int32 { return p.inFlight.Load() }

// Capacity returns the pool's configured size.
func (p *Pool) Capacity() int { return p.size }

// Accepting reports whether the pool currently accepts new work.
func (p *Pool) Accepting() bool { return p.accept.Load() }
