package sqs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/slackmgr/types"
)

// Publisher publishes typed message bodies to arbitrary SQS queues through a
// shared [Batchers], so that publishes to the same queue from anywhere in the
// process share SendMessageBatch calls.
//
// For FIFO queues (URL ending in ".fifo") the message group ID is taken from
// the configured group function and the deduplication ID is derived from a
// SHA-256 hash of the queue URL, the serialized body and the publish time.
type Publisher[T any] struct {
	batchers  *Batchers
	serialize func(T) (string, error)
	groupID   func(T) string
	clock     func() time.Time
	logger    types.Logger
}

// PublisherOption configures a [Publisher].
type PublisherOption[T any] func(*Publisher[T])

// WithSerializer replaces the default JSON serialization of message bodies.
func WithSerializer[T any](f func(T) (string, error)) PublisherOption[T] {
	return func(p *Publisher[T]) {
		p.serialize = f
	}
}

// WithGroupIDFunc sets the function that derives a FIFO message group ID
// from a body. Default: every message uses the group "default".
func WithGroupIDFunc[T any](f func(T) string) PublisherOption[T] {
	return func(p *Publisher[T]) {
		p.groupID = f
	}
}

// NewPublisher creates a Publisher on top of batchers.
func NewPublisher[T any](batchers *Batchers, logger types.Logger, opts ...PublisherOption[T]) (*Publisher[T], error) {
	if batchers == nil {
		return nil, errors.New("batchers cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	p := &Publisher[T]{
		batchers:  batchers,
		serialize: jsonSerialize[T],
		groupID:   func(T) string { return "default" },
		clock:     time.Now,
		logger:    logger.WithField("component", "sqs-publisher"),
	}

	for _, o := range opts {
		o(p)
	}

	return p, nil
}

// Publish sends body to the queue at queueURL with the queue's default
// delay and returns the SQS message ID.
func (p *Publisher[T]) Publish(ctx context.Context, queueURL string, body T) (string, error) {
	return p.publish(ctx, queueURL, body, nil)
}

// PublishWithDelay sends body so that it becomes visible after delay, which
// must be between 0 and 15 minutes. FIFO queues reject per-message delays.
func (p *Publisher[T]) PublishWithDelay(ctx context.Context, queueURL string, body T, delay time.Duration) (string, error) {
	if delay < 0 || delay > maxDelay {
		return "", errors.New("delay must be between 0 and 15 minutes")
	}

	return p.publish(ctx, queueURL, body, &delay)
}

func (p *Publisher[T]) publish(ctx context.Context, queueURL string, body T, delay *time.Duration) (string, error) {
	if queueURL == "" {
		return "", errors.New("queue URL cannot be empty")
	}

	data, err := p.serialize(body)
	if err != nil {
		return "", fmt.Errorf("failed to serialize message body: %w", err)
	}

	var groupID, dedupID string

	if isFifoURL(queueURL) {
		groupID = p.groupID(body)
		dedupID = hash(queueURL, groupID, data, p.clock().UTC().Format(time.RFC3339Nano))
	}

	id, err := p.batchers.Publish(queueURL, data, delay, groupID, dedupID).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish SQS message: %w", err)
	}

	p.logger.WithField("message_id", id).Debugf("Message published to SQS queue %s", queueURL)

	return id, nil
}

func jsonSerialize[T any](body T) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func hash(input ...string) string {
	h := sha256.New()

	for _, s := range input {
		h.Write([]byte(s))
		h.Write([]byte{0}) // null byte delimiter to prevent hash collisions
	}

	bs := h.Sum(nil)

	return base64.URLEncoding.EncodeToString(bs)
}
