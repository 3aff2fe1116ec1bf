// Package taskpool runs tasks on a bounded number of goroutines and returns
// futures that can be awaited with a timeout.
package taskpool

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"

	errspkg "github.com/drblury/eventmediator/internal/runtime/errors"
)

// Pool bounds the number of concurrently running tasks. One pool is shared by
// every topic of a mediator.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

// New returns a pool running at most size tasks at once. A non-positive size
// uses GOMAXPROCS.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int {
	return int(p.size)
}

type result[T any] struct {
	value T
	err   error
}

// Future is the pending result of a submitted task.
type Future[T any] struct {
	done   chan result[T]
	cancel context.CancelFunc
}

// Submit schedules task. The task receives a context that is cancelled when
// ctx is done or when an Await on the future times out. Panics are recovered
// and reported as fatal errors.
func Submit[T any](ctx context.Context, p *Pool, task func(ctx context.Context) (T, error)) *Future[T] {
	taskCtx, cancel := context.WithCancel(ctx)
	f := &Future[T]{done: make(chan result[T], 1), cancel: cancel}

	go func() {
		defer cancel()
		if err := p.sem.Acquire(taskCtx, 1); err != nil {
			var zero T
			f.done <- result[T]{value: zero, err: err}
			return
		}
		defer p.sem.Release(1)
		f.done <- run(taskCtx, task)
	}()
	return f
}

func run[T any](ctx context.Context, task func(ctx context.Context) (T, error)) (res result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res.err = errspkg.Fatal(fmt.Errorf("task panicked: %v", r))
		}
	}()
	v, err := task(ctx)
	return result[T]{value: v, err: err}
}

// Await waits up to timeout for the result. On timeout the task context is
// cancelled and ErrTimeout is returned; the task itself is abandoned and its
// eventual result discarded. A non-positive timeout waits indefinitely.
func (f *Future[T]) Await(timeout time.Duration) (T, error) {
	if timeout <= 0 {
		r := <-f.done
		return r.value, r.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-f.done:
		return r.value, r.err
	case <-timer.C:
		f.cancel()
		var zero T
		return zero, errspkg.ErrTimeout
	}
}
