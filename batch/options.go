package batch

import (
	"errors"
	"time"
)

// Option is a functional option for configuring a [Buffer].
type Option func(*Options)

// Options holds the resolved configuration for a [Buffer].
type Options struct {
	maxBatchSize       int
	maxWait            time.Duration
	maxConcurrentSends int
	sendTimeout        time.Duration
}

func newOptions() *Options {
	return &Options{
		maxBatchSize:       10,
		maxWait:            200 * time.Millisecond,
		maxConcurrentSends: 50,
		sendTimeout:        10 * time.Second,
	}
}

func (o *Options) validate() error {
	if o.maxBatchSize < 1 {
		return errors.New("max batch size must be greater than or equal to 1")
	}

	if o.maxWait < 0 || o.maxWait > 10*time.Second {
		return errors.New("max batch wait must be between 0 and 10 seconds")
	}

	if o.maxConcurrentSends < 1 {
		return errors.New("max concurrent sends must be greater than or equal to 1")
	}

	if o.sendTimeout < 100*time.Millisecond {
		return errors.New("send timeout must be at least 100 milliseconds")
	}

	return nil
}

// WithMaxBatchSize sets the number of entries that triggers an immediate
// flush of a key's pending batch. Must be at least 1. Default: 10, which is
// the SQS batch API limit.
func WithMaxBatchSize(n int) Option {
	return func(o *Options) {
		o.maxBatchSize = n
	}
}

// WithMaxWait sets how long the oldest entry of a pending batch may wait
// before the batch is flushed regardless of its size. Zero flushes on the
// next timer tick. Must be between 0 and 10 seconds. Default: 200ms.
func WithMaxWait(d time.Duration) Option {
	return func(o *Options) {
		o.maxWait = d
	}
}

// WithMaxConcurrentSends bounds the number of batch calls that may be in
// progress at the same time, across all keys. Default: 50.
func WithMaxConcurrentSends(n int) Option {
	return func(o *Options) {
		o.maxConcurrentSends = n
	}
}

// WithSendTimeout sets the timeout of the context passed to each batch
// call. Must be at least 100ms. Default: 10 seconds.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.sendTimeout = d
	}
}
