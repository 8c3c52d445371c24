package batch

import (
	"context"
	"sync"
)

// Result is the outcome of a single batch entry.
type Result[R any] struct {
	Value R
	Err   error
}

// Future is the pending result of an entry added to a [Buffer]. It resolves
// exactly once, when the batch containing the entry has been sent.
type Future[R any] struct {
	done   chan struct{}
	once   sync.Once
	result Result[R]
}

func newFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

func failedFuture[R any](err error) *Future[R] {
	f := newFuture[R]()
	f.resolve(Result[R]{Err: err})

	return f
}

// resolve stores the result and wakes all waiters. Later calls are ignored.
func (f *Future[R]) resolve(r Result[R]) bool {
	resolved := false

	f.once.Do(func() {
		f.result = r
		close(f.done)
		resolved = true
	})

	return resolved
}

// Done returns a channel that is closed once the future has resolved.
func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the future resolves or ctx is done. Cancelling ctx does
// not withdraw the entry from its batch.
func (f *Future[R]) Get(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.result.Value, f.result.Err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
