package sqs

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Message is a message received from an SQS queue. The same logical message
// may be delivered again with a different receipt handle, so a delivery is
// identified by the (ID, ReceiptHandle) pair.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	ReceivedTime  time.Time
	// Attributes holds the SQS system attributes returned with the message,
	// such as ApproximateReceiveCount and SentTimestamp.
	Attributes map[string]string
}

// Attributes describes the queue settings that affect consumption.
type Attributes struct {
	VisibilityTimeout           time.Duration
	DefaultDelay                time.Duration
	MessageRetentionPeriod      time.Duration
	ReceiveMessageWaitTime      time.Duration
	MaximumMessageSize          int
	ApproximateNumberOfMessages int
	FIFO                        bool
}

// parseMessages converts a ReceiveMessage response into Messages. Entries
// without an ID, receipt handle or body are skipped.
func parseMessages(msgs []sqstypes.Message, receivedAt time.Time) []Message {
	result := make([]Message, 0, len(msgs))

	for _, m := range msgs {
		if m.MessageId == nil || m.ReceiptHandle == nil || m.Body == nil {
			continue
		}

		result = append(result, Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
			ReceivedTime:  receivedAt,
			Attributes:    m.Attributes,
		})
	}

	return result
}

func parseAttributes(raw map[string]string) (Attributes, error) {
	var attrs Attributes

	seconds := []struct {
		name string
		dst  *time.Duration
	}{
		{string(sqstypes.QueueAttributeNameVisibilityTimeout), &attrs.VisibilityTimeout},
		{string(sqstypes.QueueAttributeNameDelaySeconds), &attrs.DefaultDelay},
		{string(sqstypes.QueueAttributeNameMessageRetentionPeriod), &attrs.MessageRetentionPeriod},
		{string(sqstypes.QueueAttributeNameReceiveMessageWaitTimeSeconds), &attrs.ReceiveMessageWaitTime},
	}

	for _, s := range seconds {
		v, ok := raw[s.name]
		if !ok {
			continue
		}

		n, err := strconv.Atoi(v)
		if err != nil {
			return Attributes{}, fmt.Errorf("invalid queue attribute %s=%q: %w", s.name, v, err)
		}

		*s.dst = time.Duration(n) * time.Second
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{string(sqstypes.QueueAttributeNameMaximumMessageSize), &attrs.MaximumMessageSize},
		{string(sqstypes.QueueAttributeNameApproximateNumberOfMessages), &attrs.ApproximateNumberOfMessages},
	}

	for _, i := range ints {
		v, ok := raw[i.name]
		if !ok {
			continue
		}

		n, err := strconv.Atoi(v)
		if err != nil {
			return Attributes{}, fmt.Errorf("invalid queue attribute %s=%q: %w", i.name, v, err)
		}

		*i.dst = n
	}

	if v, ok := raw[string(sqstypes.QueueAttributeNameFifoQueue)]; ok {
		fifo, err := strconv.ParseBool(v)
		if err != nil {
			return Attributes{}, fmt.Errorf("invalid queue attribute %s=%q: %w", sqstypes.QueueAttributeNameFifoQueue, v, err)
		}

		attrs.FIFO = fifo
	}

	return attrs, nil
}
