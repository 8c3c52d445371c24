package sqs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/slackmgr/types"
)

const (
	// MaxReceiveMessages is the largest number of messages a single
	// ReceiveMessage call may return.
	MaxReceiveMessages = 10

	// MaxReceiveWaitTime is the longest long-poll wait SQS supports.
	MaxReceiveWaitTime = 20 * time.Second
)

// Client is the queue facade for a single SQS queue. Receives go straight to
// SQS; publishes, deletes and visibility changes are coalesced by a
// [Batchers] keyed by the queue URL.
//
// Create a Client with [New], then call [Client.Init] once before any other
// method. Init is not thread-safe; all other methods are safe for concurrent
// use after Init returns.
type Client struct {
	client       API
	queueName    string
	queueURL     string
	awsCfg       *aws.Config
	opts         *Options
	batchers     *Batchers
	ownsBatchers bool
	logger       types.Logger
	initialized  bool
}

// New creates a Client for the named SQS queue.
//
// Functional options may be passed to override defaults (see With* functions).
// The logger is automatically enriched with "plugin" and "queue_name" fields.
//
// New does not connect to AWS. Call [Client.Init] to resolve the queue URL.
func New(awsCfg *aws.Config, queueName string, logger types.Logger, opts ...Option) *Client {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	logger = logger.
		WithField("plugin", "sqs").
		WithField("queue_name", queueName)

	return &Client{
		awsCfg:    awsCfg,
		queueName: queueName,
		opts:      options,
		logger:    logger,
	}
}

// Init validates options, builds the SQS client, resolves the queue URL via
// GetQueueUrl and sets up batching. It returns the receiver so that
// initialization can be chained with [New]:
//
//	client, err := sqs.New(&awsCfg, "events", logger).Init(ctx)
//
// Init is idempotent. It is not thread-safe and must be called once during
// application startup before any concurrent access.
func (c *Client) Init(ctx context.Context) (*Client, error) {
	if c.initialized {
		return c, nil
	}

	if c.queueName == "" {
		return nil, errors.New("SQS queue name cannot be empty")
	}

	if err := c.opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid SQS options: %w", err)
	}

	// Use injected client if provided (for testing), otherwise create real client
	if c.opts.sqsClient != nil {
		c.client = c.opts.sqsClient
	} else {
		c.client = sqs.NewFromConfig(*c.awsCfg, func(o *sqs.Options) {
			o.Retryer = retry.AddWithMaxBackoffDelay(o.Retryer, c.opts.sqsAPIMaxRetryBackoffDelay)
			o.Retryer = retry.AddWithMaxAttempts(o.Retryer, c.opts.sqsAPIMaxRetryAttempts)
		})
	}

	resp, err := c.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(c.queueName)})
	if err != nil {
		return nil, fmt.Errorf("failed to get SQS queue URL for %s: %w", c.queueName, err)
	}

	c.queueURL = aws.ToString(resp.QueueUrl)

	if c.opts.batchers != nil {
		c.batchers = c.opts.batchers
	} else {
		batchers, err := NewBatchers(c.client, c.logger, c.opts.metrics, c.opts.batchOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS batchers: %w", err)
		}

		c.batchers = batchers
		c.ownsBatchers = true
	}

	c.initialized = true

	return c, nil
}

// Name returns the SQS queue name supplied to [New].
func (c *Client) Name() string {
	return c.queueName
}

// URL returns the queue URL resolved by [Client.Init].
func (c *Client) URL() string {
	return c.queueURL
}

// ReceiveMessages issues a single ReceiveMessage call. maxMessages is clamped
// to 1..10 and waitTime to 0..20 seconds. Receives are never batched.
func (c *Client) ReceiveMessages(ctx context.Context, maxMessages int, waitTime time.Duration) ([]Message, error) {
	if !c.initialized {
		return nil, errors.New("SQS client not initialized")
	}

	maxMessages = min(max(maxMessages, 1), MaxReceiveMessages)
	waitTime = min(max(waitTime, 0), MaxReceiveWaitTime)

	input := &sqs.ReceiveMessageInput{
		QueueUrl:                    &c.queueURL,
		MaxNumberOfMessages:         int32(maxMessages), //nolint:gosec // clamped above
		WaitTimeSeconds:             int32(waitTime / time.Second),
		VisibilityTimeout:           c.opts.sqsVisibilityTimeoutSeconds,
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameAll},
	}

	output, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to receive SQS messages: %w", err)
	}

	messages := parseMessages(output.Messages, c.opts.clock())

	if len(messages) > 0 {
		c.logger.WithField("count", len(messages)).Debug("SQS messages received")
	}

	return messages, nil
}

// DeleteMessage deletes the message with the given receipt handle. The call
// is batched with other deletes for this queue and blocks until the batch
// has completed or ctx is done.
func (c *Client) DeleteMessage(ctx context.Context, receiptHandle string) error {
	if !c.initialized {
		return errors.New("SQS client not initialized")
	}

	if _, err := c.batchers.Delete(c.queueURL, receiptHandle).Get(ctx); err != nil {
		return fmt.Errorf("failed to delete SQS message: %w", err)
	}

	return nil
}

// ChangeMessageVisibility sets the visibility timeout of the message with the
// given receipt handle. The call is batched like [Client.DeleteMessage].
func (c *Client) ChangeMessageVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	if !c.initialized {
		return errors.New("SQS client not initialized")
	}

	if timeout < 0 || timeout > 12*time.Hour {
		return errors.New("visibility timeout must be between 0 and 12 hours")
	}

	if _, err := c.batchers.ChangeVisibility(c.queueURL, receiptHandle, timeout).Get(ctx); err != nil {
		return fmt.Errorf("failed to change SQS message visibility: %w", err)
	}

	return nil
}

// PublishMessage publishes body with the queue's default delay and returns
// the SQS message ID.
func (c *Client) PublishMessage(ctx context.Context, body string) (string, error) {
	return c.publish(ctx, body, nil)
}

// PublishMessageWithDelay publishes body so that it becomes visible only
// after delay, which must be between 0 and 15 minutes.
func (c *Client) PublishMessageWithDelay(ctx context.Context, body string, delay time.Duration) (string, error) {
	return c.publish(ctx, body, &delay)
}

func (c *Client) publish(ctx context.Context, body string, delay *time.Duration) (string, error) {
	if !c.initialized {
		return "", errors.New("SQS client not initialized")
	}

	if body == "" {
		return "", errors.New("body cannot be empty")
	}

	if delay != nil && (*delay < 0 || *delay > maxDelay) {
		return "", errors.New("delay must be between 0 and 15 minutes")
	}

	dedupID := hash(c.queueURL, body, c.opts.clock().UTC().Format(time.RFC3339Nano))

	id, err := c.batchers.Publish(c.queueURL, body, delay, c.opts.messageGroupID, dedupID).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish SQS message: %w", err)
	}

	return id, nil
}

// Attributes fetches the queue attributes. Every call queries SQS; wrap the
// client with [NewCachedAttributes] to cache them. When the visibility timeout
// is overridden with [WithSqsVisibilityTimeout], the override is reported
// instead of the queue's setting.
func (c *Client) Attributes(ctx context.Context) (Attributes, error) {
	if !c.initialized {
		return Attributes{}, errors.New("SQS client not initialized")
	}

	out, err := c.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &c.queueURL,
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameAll},
	})
	if err != nil {
		return Attributes{}, fmt.Errorf("failed to get SQS queue attributes: %w", err)
	}

	attrs, err := parseAttributes(out.Attributes)
	if err != nil {
		return Attributes{}, err
	}

	// Receives use the overridden timeout, so it is what a received message gets.
	if c.opts.sqsVisibilityTimeoutSeconds != 0 {
		attrs.VisibilityTimeout = time.Duration(c.opts.sqsVisibilityTimeoutSeconds) * time.Second
	}

	return attrs, nil
}

// Close flushes pending batched operations and waits for them. A shared
// [Batchers] supplied with [WithBatchers] is left open.
func (c *Client) Close(ctx context.Context) error {
	if !c.initialized || !c.ownsBatchers {
		return nil
	}

	return c.batchers.Close(ctx)
}
