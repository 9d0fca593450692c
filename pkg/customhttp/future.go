package customhttp

import (
	"context"
	"sync"
)

// Future is the pending result of an asynchronous send.
type Future[T any] struct {
	done   chan struct{}
	once   sync.Once
	res    Result[T]
	cancel context.CancelCauseFunc
	exec   Executor
	// discard releases a value that arrived after the future was settled.
	discard func(T)

	mu        sync.Mutex
	callbacks []func(Result[T])
}

func newFuture[T any](exec Executor, cancel context.CancelCauseFunc, discard func(T)) *Future[T] {
	if exec == nil {
		exec = GoroutineExecutor()
	}
	return &Future[T]{done: make(chan struct{}), cancel: cancel, exec: exec, discard: discard}
}

// Done is closed once the future has a result.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Get waits for the result or for ctx to end.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.res.Value, f.res.Err
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	}
}

// Result returns the result without blocking; ok is false while pending.
func (f *Future[T]) Result() (res Result[T], ok bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return Result[T]{}, false
	}
}

// Cancel aborts the operation and settles the future with ErrCancelled.
// It reports whether this call settled the future. Calls after the
// future completed have no effect.
func (f *Future[T]) Cancel() bool {
	var zero T
	settled := f.settle(Result[T]{Value: zero, Err: ErrCancelled})
	if settled && f.cancel != nil {
		f.cancel(ErrCancelled)
	}
	return settled
}

// OnComplete registers fn to run on the executor once a result is
// available. A rejected callback runs inline with a RejectedError.
func (f *Future[T]) OnComplete(fn func(Result[T])) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		f.dispatch(fn)
		return
	default:
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

func (f *Future[T]) dispatch(fn func(Result[T])) {
	res := f.res
	if err := f.exec.Execute(func() { fn(res) }); err != nil {
		fn(Result[T]{Err: &RejectedError{Err: err}})
	}
}

func (f *Future[T]) settle(res Result[T]) bool {
	settled := false
	f.once.Do(func() {
		f.mu.Lock()
		f.res = res
		close(f.done)
		cbs := f.callbacks
		f.callbacks = nil
		f.mu.Unlock()
		for _, fn := range cbs {
			f.dispatch(fn)
		}
		settled = true
	})
	return settled
}

// goAsync runs fn on a new goroutine and settles the future through the
// client's executor. A rejected completion releases the value and fails
// the future with RejectedError. A successful value keeps ctx alive, since
// a response body may still be streaming under it.
func goAsync[T any](ctx context.Context, c *client, fn func(context.Context) (T, error), discard func(T)) *Future[T] {
	ctx, cancel := context.WithCancelCause(ctx)
	f := newFuture(c.executor, cancel, discard)
	go func() {
		v, err := fn(ctx)
		if err != nil {
			cancel(nil)
		}
		res := Result[T]{Value: v, Err: err}
		execErr := f.exec.Execute(func() {
			if !f.settle(res) && err == nil {
				f.discard(v)
			}
		})
		if execErr != nil {
			if err == nil {
				f.discard(v)
			}
			f.settle(Result[T]{Err: &RejectedError{Err: execErr}})
		}
	}()
	return f
}
