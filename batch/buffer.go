package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/slackmgr/types"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrClosed is returned for entries added after [Buffer.Close].
	ErrClosed = errors.New("batch buffer is closed")

	// ErrMissingResult is returned for entries that the send function did
	// not report a result for.
	ErrMissingResult = errors.New("batch response did not include a result for the entry")
)

// SendFunc issues one batch call for entries that share a key. On success it
// returns one result per entry, in the same order as entries. A non-nil error
// fails every entry of the batch.
type SendFunc[K comparable, E, R any] func(ctx context.Context, key K, entries []E) ([]Result[R], error)

// Buffer coalesces individual entries into batch calls, grouped by key.
// A key's pending batch is flushed when it reaches the configured maximum
// size or when its oldest entry has waited the configured maximum wait,
// whichever comes first.
//
// Buffer is safe for concurrent use. Adds for different keys never contend
// on the same lock.
type Buffer[K comparable, E, R any] struct {
	send   SendFunc[K, E, R]
	opts   *Options
	logger types.Logger
	sem    *semaphore.Weighted

	// closeMu is held for reading by every path that may start a send, and
	// for writing by Close, so no send is started after Close has waited.
	closeMu sync.RWMutex
	closed  bool
	keys    sync.Map // K -> *keyState[E, R]
	sending sync.WaitGroup
}

type keyState[E, R any] struct {
	mu      sync.Mutex
	pending *pendingBatch[E, R]
}

type pendingBatch[E, R any] struct {
	entries []E
	futures []*Future[R]
	timer   *time.Timer
}

// New creates a Buffer that issues batch calls through send.
func New[K comparable, E, R any](send SendFunc[K, E, R], logger types.Logger, opts ...Option) (*Buffer[K, E, R], error) {
	if send == nil {
		return nil, errors.New("send function cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	if err := options.validate(); err != nil {
		return nil, fmt.Errorf("invalid batch options: %w", err)
	}

	return &Buffer[K, E, R]{
		send:   send,
		opts:   options,
		logger: logger.WithField("component", "batch-buffer"),
		sem:    semaphore.NewWeighted(int64(options.maxConcurrentSends)),
	}, nil
}

// Add appends entry to the pending batch for key and returns a future that
// resolves once that batch has been sent.
func (b *Buffer[K, E, R]) Add(key K, entry E) *Future[R] {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()

	if b.closed {
		return failedFuture[R](ErrClosed)
	}

	ks := b.keyState(key)
	future := newFuture[R]()

	ks.mu.Lock()

	if ks.pending == nil {
		pb := &pendingBatch[E, R]{
			entries: make([]E, 0, b.opts.maxBatchSize),
			futures: make([]*Future[R], 0, b.opts.maxBatchSize),
		}
		pb.timer = time.AfterFunc(b.opts.maxWait, func() { b.flushExpired(key, ks, pb) })
		ks.pending = pb
	}

	pb := ks.pending
	pb.entries = append(pb.entries, entry)
	pb.futures = append(pb.futures, future)

	if len(pb.entries) < b.opts.maxBatchSize {
		ks.mu.Unlock()
		return future
	}

	ks.pending = nil
	pb.timer.Stop()
	ks.mu.Unlock()

	b.dispatch(key, pb)

	return future
}

// Flush sends every pending batch now, without waiting for the sends to
// complete.
func (b *Buffer[K, E, R]) Flush() {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()

	b.flushAll()
}

// Close flushes all pending batches, rejects further entries and waits for
// every in-progress batch call to complete or ctx to be done.
func (b *Buffer[K, E, R]) Close(ctx context.Context) error {
	b.closeMu.Lock()

	if !b.closed {
		b.closed = true
		b.flushAll()
	}

	b.closeMu.Unlock()

	done := make(chan struct{})

	go func() {
		b.sending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for batch sends to complete: %w", ctx.Err())
	}
}

func (b *Buffer[K, E, R]) keyState(key K) *keyState[E, R] {
	if ks, ok := b.keys.Load(key); ok {
		return ks.(*keyState[E, R]) //nolint:forcetypeassert // only keyState values are stored
	}

	ks, _ := b.keys.LoadOrStore(key, &keyState[E, R]{})

	return ks.(*keyState[E, R]) //nolint:forcetypeassert // only keyState values are stored
}

// flushAll must be called with closeMu held.
func (b *Buffer[K, E, R]) flushAll() {
	b.keys.Range(func(k, v any) bool {
		ks := v.(*keyState[E, R]) //nolint:forcetypeassert // only keyState values are stored

		ks.mu.Lock()
		pb := ks.pending
		ks.pending = nil
		ks.mu.Unlock()

		if pb != nil {
			pb.timer.Stop()
			b.dispatch(k.(K), pb) //nolint:forcetypeassert // keys are always K
		}

		return true
	})
}

func (b *Buffer[K, E, R]) flushExpired(key K, ks *keyState[E, R], pb *pendingBatch[E, R]) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()

	ks.mu.Lock()

	// The batch may already have been flushed because it filled up.
	if ks.pending != pb {
		ks.mu.Unlock()
		return
	}

	ks.pending = nil
	ks.mu.Unlock()

	b.dispatch(key, pb)
}

// dispatch must be called with closeMu held.
func (b *Buffer[K, E, R]) dispatch(key K, pb *pendingBatch[E, R]) {
	b.sending.Add(1)

	go func() {
		defer b.sending.Done()

		// Acquire cannot fail with a background context.
		_ = b.sem.Acquire(context.Background(), 1)
		defer b.sem.Release(1)

		b.sendBatch(key, pb)
	}()
}

func (b *Buffer[K, E, R]) sendBatch(key K, pb *pendingBatch[E, R]) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.sendTimeout)
	defer cancel()

	results, err := b.callSend(ctx, key, pb.entries)
	if err != nil {
		b.logger.WithField("key", key).WithField("entries", len(pb.entries)).Errorf("Batch call failed: %v", err)

		for _, f := range pb.futures {
			f.resolve(Result[R]{Err: err})
		}

		return
	}

	for i, f := range pb.futures {
		if i < len(results) {
			f.resolve(results[i])
		} else {
			f.resolve(Result[R]{Err: ErrMissingResult})
		}
	}

	b.logger.WithField("key", key).WithField("entries", len(pb.entries)).Debug("Batch sent")
}

// callSend turns a panicking send function into a batch-level error so that
// no future is left unresolved.
func (b *Buffer[K, E, R]) callSend(ctx context.Context, key K, entries []E) (results []Result[R], err error) {
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = fmt.Errorf("batch send panicked: %v", r)
		}
	}()

	return b.send(ctx, key, entries)
}
