package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolShutdown is returned for dispatches after Shutdown.
	ErrPoolShutdown = errors.New("dispatch pool is shut down")
	// ErrPoolFull is returned when every dispatch slot is taken.
	ErrPoolFull = errors.New("dispatch pool is full")
)

// PoolMetrics counts dispatches by outcome.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many step dispatches run at once. It never blocks
// the caller: the scheduler loop asks for a slot and moves on when none is
// free.
type WorkerPool struct {
	slots chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	active, completed, failed, panics atomic.Int64
}

// NewWorkerPool creates a pool with size slots (at least one).
func NewWorkerPool(size int) *WorkerPool {
	return &WorkerPool{slots: make(chan struct{}, max(size, 1))}
}

// TrySubmit runs fn on a free slot, or returns ErrPoolFull.
func (p *WorkerPool) TrySubmit(ctx context.Context, fn func(ctx context.Context) error) error {
	// wg.Add happens under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolShutdown
	}
	select {
	case p.slots <- struct{}{}:
	default:
		return ErrPoolFull
	}
	p.wg.Add(1)
	p.active.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
			}
			p.active.Add(-1)
			<-p.slots
			p.wg.Done()
		}()
		if err := fn(ctx); err != nil {
			p.failed.Add(1)
			return
		}
		p.completed.Add(1)
	}()
	return nil
}

// Available returns the number of free slots.
func (p *WorkerPool) Available() int {
	return cap(p.slots) - len(p.slots)
}

// Wait blocks until all running dispatches return.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown refuses new work and waits for running dispatches. Safe to call
// more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Metrics returns a snapshot of the counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
