package task

import (
	"context"
	"sync"
	"taskvisor/internal/domain"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize bounds concurrent background work.
const DefaultPoolSize = 4

// Pool runs tasks concurrently, at most size at a time.
type Pool struct {
	size int
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{size: size, sem: semaphore.NewWeighted(int64(size))}
}

func (p *Pool) Size() int { return p.size }

// Submit runs t as soon as a slot is free and hands the result to done on the
// worker goroutine. If ctx ends while waiting for a slot the task is
// cancelled without running.
func (p *Pool) Submit(ctx context.Context, t *Task, done func(domain.Result)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			_ = t.Cancel()
			finish(done, t.Run(ctx))
			return
		}
		defer p.sem.Release(1)
		finish(done, t.Run(ctx))
	}()
}

// Wait blocks until every submitted task returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Lane runs tasks one at a time in submission order.
type Lane struct {
	mu      sync.Mutex
	pending []laneJob
	busy    bool
	wg      sync.WaitGroup
}

type laneJob struct {
	ctx  context.Context
	t    *Task
	done func(domain.Result)
}

func NewLane() *Lane { return &Lane{} }

func (l *Lane) Submit(ctx context.Context, t *Task, done func(domain.Result)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, laneJob{ctx: ctx, t: t, done: done})
	if !l.busy {
		l.busy = true
		l.wg.Add(1)
		go l.drain()
	}
}

func (l *Lane) drain() {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.busy = false
			l.mu.Unlock()
			return
		}
		job := l.pending[0]
		l.pending = l.pending[1:]
		l.mu.Unlock()

		if job.ctx.Err() != nil {
			_ = job.t.Cancel()
		}
		finish(job.done, job.t.Run(job.ctx))
	}
}

// Wait blocks until the lane is idle.
func (l *Lane) Wait() { l.wg.Wait() }

func finish(done func(domain.Result), r domain.Result) {
	if done != nil {
		done(r)
	}
}
