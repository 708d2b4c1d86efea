// Package worker runs delivery jobs on a fixed set of goroutines. A pool of
// size one serializes the jobs submitted to it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrClosed = errors.New("worker: pool closed")
	// ErrPanic wraps the value recovered from a job run through Do.
	ErrPanic = errors.New("worker: job panicked")
)

type Pool struct {
	jobs    chan job
	pending atomic.Int64
	wg      sync.WaitGroup

	// mu guards closed and is read-held across sends so jobs is never
	// closed under a sender.
	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx context.Context
	fn  func(context.Context)
}

// New starts size workers reading from a queue of the given depth.
func New(size, queue int) *Pool {
	size = max(size, 1)
	if queue <= 0 {
		queue = size
	}
	p := &Pool{jobs: make(chan job, queue)}
	p.wg.Add(size)
	for range size {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for j := range p.jobs {
		j.fn(j.ctx)
		p.pending.Add(-1)
	}
}

// Submit queues fn, blocking while the queue is full. fn receives ctx.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.pending.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	case <-ctx.Done():
		p.pending.Add(-1)
		return ctx.Err()
	}
}

// Do runs fn on the pool and waits for it. It returns fn's error, the
// reason fn never ran, or ErrPanic if fn panicked.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	err := p.Submit(ctx, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		done <- fn(ctx)
	})
	if err != nil {
		return err
	}
	return <-done
}

// Pending reports jobs queued or running.
func (p *Pool) Pending() int {
	return int(p.pending.Load())
}

// Close stops accepting jobs. Queued jobs still run; Wait blocks until they have.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

func (p *Pool) Wait() {
	p.wg.Wait()
}
