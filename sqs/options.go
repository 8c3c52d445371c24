package sqs

import (
	"errors"
	"time"

	"github.com/slackmgr/plugins/batch"
	"github.com/slackmgr/plugins/metrics"
)

// Option is a functional option for configuring a [Client].
// Options are passed to [New] and applied before [Client.Init] is called.
type Option func(*Options)

// Options holds the resolved configuration for a [Client].
// All fields are set to sensible defaults by [New]; use With* functions to
// override individual values.
type Options struct {
	sqsVisibilityTimeoutSeconds int32
	sqsAPIMaxRetryAttempts      int
	sqsAPIMaxRetryBackoffDelay  time.Duration
	messageGroupID              string
	batchOptions                []batch.Option
	batchers                    *Batchers
	metrics                     *metrics.Collector
	clock                       func() time.Time
	sqsClient                   API // Optional: injected SQS client for testing
}

func newOptions() *Options {
	return &Options{
		sqsVisibilityTimeoutSeconds: 0,
		sqsAPIMaxRetryAttempts:      3,
		sqsAPIMaxRetryBackoffDelay:  10 * time.Second,
		messageGroupID:              "default",
		clock:                       time.Now,
	}
}

func (o *Options) validate() error {
	if o.sqsVisibilityTimeoutSeconds != 0 && (o.sqsVisibilityTimeoutSeconds < 10 || o.sqsVisibilityTimeoutSeconds > 43200) {
		return errors.New("SQS message visibility timeout must be 0 (queue default) or between 10 seconds and 12 hours")
	}

	if o.sqsAPIMaxRetryAttempts < 0 || o.sqsAPIMaxRetryAttempts > 10 {
		return errors.New("max SQS API retry attempts must be between 0 and 10")
	}

	if o.sqsAPIMaxRetryBackoffDelay < 1*time.Second || o.sqsAPIMaxRetryBackoffDelay > 30*time.Second {
		return errors.New("max SQS API retry backoff delay must be between 1 and 30 seconds")
	}

	if o.messageGroupID == "" {
		return errors.New("message group ID cannot be empty")
	}

	return nil
}

// WithSqsVisibilityTimeout overrides the queue's visibility timeout for
// messages received by this client. Zero keeps the queue's own setting.
// Must be 0 or between 10 and 43200 seconds. Default: 0.
func WithSqsVisibilityTimeout(seconds int32) Option {
	return func(o *Options) {
		o.sqsVisibilityTimeoutSeconds = seconds
	}
}

// WithSqsAPIMaxRetryAttempts sets the maximum number of retry attempts for
// failed SQS API calls. Must be between 0 and 10. Default: 3.
func WithSqsAPIMaxRetryAttempts(n int) Option {
	return func(o *Options) {
		o.sqsAPIMaxRetryAttempts = n
	}
}

// WithSqsAPIMaxRetryBackoffDelay sets the maximum backoff delay between
// consecutive SQS API retry attempts. Must be between 1 second and 30 seconds.
// Default: 10 seconds.
func WithSqsAPIMaxRetryBackoffDelay(d time.Duration) Option {
	return func(o *Options) {
		o.sqsAPIMaxRetryBackoffDelay = d
	}
}

// WithMessageGroupID sets the MessageGroupId used when publishing to a FIFO
// queue. Default: "default".
func WithMessageGroupID(groupID string) Option {
	return func(o *Options) {
		o.messageGroupID = groupID
	}
}

// WithBatchOptions configures the batch buffers the client creates when no
// shared [Batchers] is supplied.
func WithBatchOptions(opts ...batch.Option) Option {
	return func(o *Options) {
		o.batchOptions = append(o.batchOptions, opts...)
	}
}

// WithBatchers makes the client use a shared [Batchers] instead of creating
// its own. The client does not close a shared Batchers.
func WithBatchers(b *Batchers) Option {
	return func(o *Options) {
		o.batchers = b
	}
}

// WithMetrics records batch call metrics to the given collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Options) {
		o.metrics = c
	}
}

// WithClock replaces the clock used to stamp received messages.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.clock = clock
	}
}

// WithSQSClient replaces the default AWS SQS client with a custom
// implementation of [API]. This option is intended for testing with mock
// or stub clients.
func WithSQSClient(client API) Option {
	return func(o *Options) {
		o.sqsClient = client
	}
}
