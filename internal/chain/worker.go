package chain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a point-in-time view of worker pool usage.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Waiting   int64 `json:"waiting"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds how many parallel-mode steps run at once across all chains.
// Slots are shared, so one wide chain can make another chain's steps wait.
type WorkerPool struct {
	slots chan struct{}
	stop  chan struct{}

	mu       sync.Mutex
	inflight sync.WaitGroup
	stopped  bool

	active, waiting, completed, rejected, panics atomic.Int64
}

// NewWorkerPool creates a pool running at most size steps at once.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		stop:  make(chan struct{}),
	}
}

// Size returns the pool's concurrency limit.
func (p *WorkerPool) Size() int {
	return cap(p.slots)
}

// Submit runs fn on a pool goroutine. It blocks while the pool is at capacity and
// gives up when ctx is done or the pool shuts down; fn is not run in that case.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	if err := p.acquire(ctx); err != nil {
		p.rejected.Add(1)
		return err
	}

	go func() {
		defer p.release()
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				return
			}
			p.completed.Add(1)
		}()
		fn(ctx)
	}()
	return nil
}

// acquire takes a slot and registers the work with Shutdown's wait group.
func (p *WorkerPool) acquire(ctx context.Context) error {
	if p.isStopped() {
		return ErrPoolShutdown
	}

	p.waiting.Add(1)
	select {
	case p.slots <- struct{}{}:
		p.waiting.Add(-1)
	case <-ctx.Done():
		p.waiting.Add(-1)
		return ctx.Err()
	case <-p.stop:
		p.waiting.Add(-1)
		return ErrPoolShutdown
	}

	// Add under the lock so a concurrent Shutdown cannot Wait before it.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		<-p.slots
		return ErrPoolShutdown
	}
	p.inflight.Add(1)
	p.active.Add(1)
	return nil
}

func (p *WorkerPool) release() {
	p.active.Add(-1)
	<-p.slots
	p.inflight.Done()
}

func (p *WorkerPool) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Shutdown stops accepting work and waits for running steps to return.
// Calling it more than once is safe.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stop)
	p.mu.Unlock()

	p.inflight.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      p.Size(),
		Active:    p.active.Load(),
		Waiting:   p.waiting.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panics:    p.panics.Load(),
	}
}
