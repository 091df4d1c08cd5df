// Package future provides a single-assignment completion value for
// asynchronous registry operations.
//
// A Future is completed exactly once, either with a value or with an error.
// Later attempts to complete it are ignored. Callers can block on Wait,
// select on Done, or chain callbacks with OnComplete.
package future

import (
	"context"
	"sync"
)

// Future holds the eventual result of an asynchronous operation.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	value     T
	err       error
	callbacks []func(T, error)
}

// New creates an incomplete future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already completed with v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already failed with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Go runs fn on a new goroutine and returns a future for its result.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		v, err := fn()
		if err != nil {
			f.Fail(err)
			return
		}
		f.Complete(v)
	}()
	return f
}

// Complete sets the value. Returns false if the future was already done.
func (f *Future[T]) Complete(v T) bool {
	return f.settle(v, nil)
}

// Fail sets the error. Returns false if the future was already done.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return false
	default:
	}
	f.value = v
	f.err = err
	close(f.done)
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

// Done returns a channel closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Succeeded reports whether the future completed without error.
func (f *Future[T]) Succeeded() bool {
	if !f.IsDone() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err == nil
}

// Result returns the value and error. It must only be called after Done.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Wait blocks until the future completes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers cb to run when the future completes. If the future is
// already done, cb runs immediately on the calling goroutine; otherwise it
// runs on the goroutine that completes the future.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		v, err := f.value, f.err
		f.mu.Unlock()
		cb(v, err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// Forward completes dst with the outcome of f once f is done.
func Forward[T any](f, dst *Future[T]) {
	f.OnComplete(func(v T, err error) {
		if err != nil {
			dst.Fail(err)
			return
		}
		dst.Complete(v)
	})
}
