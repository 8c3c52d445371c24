package consumer

import (
	"errors"
	"time"

	"github.com/slackmgr/plugins/metrics"
)

// Option is a functional option for configuring a [Consumer].
// Options are passed to [New] and validated by [Consumer.Init].
type Option func(*Options)

// Options holds the resolved configuration for a [Consumer].
type Options struct {
	numPermits          int
	bufferSize          int
	backoff             BackoffStrategy
	expiration          ExpirationStrategy
	autoExpire          bool
	loadBalance         LoadBalanceStrategy
	shutdownTimeout     time.Duration
	maxMessageExtension time.Duration
	metrics             *metrics.Collector
	clock               func() time.Time
}

func newOptions() *Options {
	return &Options{
		numPermits:  10,
		bufferSize:  20,
		backoff:     LinearBackoff{MaxDelay: 10 * time.Second, Window: 10 * time.Second},
		expiration:  VisibilityTimeoutExpiration{},
		autoExpire:  true,
		loadBalance: ThresholdLoadBalance{IncreaseAt: 5},
		clock:       time.Now,
	}
}

func (o *Options) validate() error {
	if o.numPermits < 0 {
		return errors.New("number of permits cannot be negative")
	}

	if o.bufferSize < 1 {
		return errors.New("buffer size must be greater than or equal to 1")
	}

	if o.backoff == nil {
		return errors.New("backoff strategy cannot be nil")
	}

	if o.backoff.WindowSize() <= 0 {
		return errors.New("backoff strategy window size must be positive")
	}

	if o.expiration == nil {
		return errors.New("expiration strategy cannot be nil")
	}

	if o.loadBalance == nil {
		return errors.New("load balance strategy cannot be nil")
	}

	if o.shutdownTimeout < 0 {
		return errors.New("shutdown timeout cannot be negative")
	}

	if o.maxMessageExtension < 0 || o.maxMessageExtension > 12*time.Hour {
		return errors.New("max message extension must be between 0 and 12 hours")
	}

	return nil
}

// WithNumPermits sets how many messages may be in the handler at the same
// time. It can be changed later with [Consumer.SetNumPermits]. Default: 10.
func WithNumPermits(n int) Option {
	return func(o *Options) {
		o.numPermits = n
	}
}

// WithBufferSize sets how many received messages may wait for a permit.
// No receive request is issued while the buffer is full. Default: 20.
func WithBufferSize(n int) Option {
	return func(o *Options) {
		o.bufferSize = n
	}
}

// WithBackoffStrategy replaces the default [LinearBackoff].
func WithBackoffStrategy(s BackoffStrategy) Option {
	return func(o *Options) {
		o.backoff = s
	}
}

// WithExpirationStrategy replaces the default [VisibilityTimeoutExpiration].
func WithExpirationStrategy(s ExpirationStrategy) Option {
	return func(o *Options) {
		o.expiration = s
	}
}

// WithAutoExpire controls whether buffered messages are checked for
// expiration before dispatch. Default: true.
func WithAutoExpire(enabled bool) Option {
	return func(o *Options) {
		o.autoExpire = enabled
	}
}

// WithLoadBalanceStrategy replaces the default [ThresholdLoadBalance].
func WithLoadBalanceStrategy(s LoadBalanceStrategy) Option {
	return func(o *Options) {
		o.loadBalance = s
	}
}

// WithShutdownTimeout sets the timeout used by [Consumer.ShutdownDefault].
// Zero uses [DefaultShutdownTimeout].
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.shutdownTimeout = d
	}
}

// WithMaxMessageExtension enables visibility extension for messages that
// stay in the handler longer than half the queue's visibility timeout.
// Extension stops once d has passed since the message was received.
// Must be between 0 and 12 hours. Default: 0 (disabled).
func WithMaxMessageExtension(d time.Duration) Option {
	return func(o *Options) {
		o.maxMessageExtension = d
	}
}

// WithMetrics records consumer metrics to the given collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Options) {
		o.metrics = c
	}
}

// WithClock replaces the clock used for message expiration and visibility
// extension. Backoff delays always run on real timers.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.clock = clock
	}
}
