package actor

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// promiseImpl is the concrete implementation of Promise/Future backing
// Actor.Ask. It is a cancel-free, complete-once future: the first Complete
// call wins, subsequent calls are no-ops, and any number of goroutines may
// Await or register OnComplete callbacks concurrently.
type promiseImpl[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
	result   fn.Result[T]
}

// NewPromise returns a new, uncompleted promise.
func NewPromise[T any]() Promise[T] {
	return &promiseImpl[T]{
		done: make(chan struct{}),
	}
}

// Complete implements Promise.
func (p *promiseImpl[T]) Complete(result fn.Result[T]) bool {
	completed := false

	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.result = result
		p.mu.Unlock()

		close(p.done)
		completed = true
	})

	return completed
}

// Future implements Promise.
func (p *promiseImpl[T]) Future() Future[T] {
	return &futureImpl[T]{promise: p}
}

// futureImpl is the consumer-facing view of a promiseImpl.
type futureImpl[T any] struct {
	promise *promiseImpl[T]
}

// Await implements Future.
func (f *futureImpl[T]) Await(ctx context.Context) fn.Result[T] {
	select {
	case <-f.promise.done:
		f.promise.mu.Lock()
		defer f.promise.mu.Unlock()
		return f.promise.result

	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

// ThenApply implements Future. The returned future completes with fn(v) once
// the original future resolves successfully, or passes through the original
// error. If ctx is cancelled first, the new future completes with the
// context's error.
func (f *futureImpl[T]) ThenApply(
	ctx context.Context, fn2 func(T) T,
) Future[T] {

	next := NewPromise[T]()

	go func() {
		result := f.Await(ctx)
		val, err := result.Unpack()
		if err != nil {
			next.Complete(fn.Err[T](err))
			return
		}
		next.Complete(fn.Ok(fn2(val)))
	}()

	return next.Future()
}

// OnComplete implements Future.
func (f *futureImpl[T]) OnComplete(ctx context.Context, cb func(fn.Result[T])) {
	go func() {
		cb(f.Await(ctx))
	}()
}
