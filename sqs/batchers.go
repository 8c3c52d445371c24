package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/slackmgr/plugins/batch"
	"github.com/slackmgr/plugins/metrics"
	"github.com/slackmgr/types"
)

// maxDelay is the largest per-message delay SQS accepts.
const maxDelay = 15 * time.Minute

// EntryError is the failure SQS reported for a single entry of a batch call.
type EntryError struct {
	Code    string
	Message string
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("SQS batch entry failed: %s: %s", e.Code, e.Message)
}

// Batchers routes send, delete and change-visibility operations through
// keyed batch buffers, one per operation, keyed by queue URL. A single
// Batchers may be shared by every [Client] and [Publisher] in a process so
// that operations for the same queue are coalesced regardless of origin.
type Batchers struct {
	client     API
	logger     types.Logger
	metrics    *metrics.Collector
	send       *batch.Buffer[string, sqstypes.SendMessageBatchRequestEntry, string]
	delete     *batch.Buffer[string, sqstypes.DeleteMessageBatchRequestEntry, struct{}]
	visibility *batch.Buffer[string, sqstypes.ChangeMessageVisibilityBatchRequestEntry, struct{}]
}

// NewBatchers creates the three batch buffers on top of client. The collector
// may be nil.
func NewBatchers(client API, logger types.Logger, collector *metrics.Collector, opts ...batch.Option) (*Batchers, error) {
	if client == nil {
		return nil, errors.New("SQS client cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	b := &Batchers{
		client:  client,
		logger:  logger,
		metrics: collector,
	}

	var err error

	if b.send, err = batch.New(b.sendMessages, logger.WithField("operation", "send"), opts...); err != nil {
		return nil, err
	}

	if b.delete, err = batch.New(b.deleteMessages, logger.WithField("operation", "delete"), opts...); err != nil {
		return nil, err
	}

	if b.visibility, err = batch.New(b.changeVisibilities, logger.WithField("operation", "change_visibility"), opts...); err != nil {
		return nil, err
	}

	return b, nil
}

// Publish queues a message for the next SendMessageBatch call to queueURL
// and returns the future SQS message ID. A nil delay uses the queue's
// default delay. groupID and dedupID are only sent to FIFO queues.
func (b *Batchers) Publish(queueURL, body string, delay *time.Duration, groupID, dedupID string) *batch.Future[string] {
	entry := sqstypes.SendMessageBatchRequestEntry{
		MessageBody: aws.String(body),
	}

	if delay != nil {
		entry.DelaySeconds = int32(delay.Seconds())
	}

	if isFifoURL(queueURL) {
		entry.MessageGroupId = aws.String(groupID)
		entry.MessageDeduplicationId = aws.String(dedupID)
	}

	return b.send.Add(queueURL, entry)
}

// Delete queues a receipt handle for the next DeleteMessageBatch call.
func (b *Batchers) Delete(queueURL, receiptHandle string) *batch.Future[struct{}] {
	return b.delete.Add(queueURL, sqstypes.DeleteMessageBatchRequestEntry{
		ReceiptHandle: aws.String(receiptHandle),
	})
}

// ChangeVisibility queues a visibility timeout change for the next
// ChangeMessageVisibilityBatch call.
func (b *Batchers) ChangeVisibility(queueURL, receiptHandle string, timeout time.Duration) *batch.Future[struct{}] {
	return b.visibility.Add(queueURL, sqstypes.ChangeMessageVisibilityBatchRequestEntry{
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(timeout.Seconds()),
	})
}

// Close flushes all pending operations and waits for them to complete.
func (b *Batchers) Close(ctx context.Context) error {
	return errors.Join(
		b.send.Close(ctx),
		b.delete.Close(ctx),
		b.visibility.Close(ctx),
	)
}

func (b *Batchers) sendMessages(ctx context.Context, queueURL string, entries []sqstypes.SendMessageBatchRequestEntry) ([]batch.Result[string], error) {
	for i := range entries {
		entries[i].Id = aws.String(strconv.Itoa(i))
	}

	out, err := b.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(queueURL),
		Entries:  entries,
	})

	b.metrics.ObserveBatch("send", len(entries), err)

	if err != nil {
		return nil, fmt.Errorf("failed to send SQS message batch: %w", err)
	}

	successes := make(map[string]string, len(out.Successful))
	for _, s := range out.Successful {
		successes[aws.ToString(s.Id)] = aws.ToString(s.MessageId)
	}

	return batchResults(len(entries), successes, out.Failed), nil
}

func (b *Batchers) deleteMessages(ctx context.Context, queueURL string, entries []sqstypes.DeleteMessageBatchRequestEntry) ([]batch.Result[struct{}], error) {
	for i := range entries {
		entries[i].Id = aws.String(strconv.Itoa(i))
	}

	out, err := b.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(queueURL),
		Entries:  entries,
	})

	b.metrics.ObserveBatch("delete", len(entries), err)

	if err != nil {
		return nil, fmt.Errorf("failed to delete SQS message batch: %w", err)
	}

	successes := make(map[string]struct{}, len(out.Successful))
	for _, s := range out.Successful {
		successes[aws.ToString(s.Id)] = struct{}{}
	}

	return batchResults(len(entries), successes, out.Failed), nil
}

func (b *Batchers) changeVisibilities(ctx context.Context, queueURL string, entries []sqstypes.ChangeMessageVisibilityBatchRequestEntry) ([]batch.Result[struct{}], error) {
	for i := range entries {
		entries[i].Id = aws.String(strconv.Itoa(i))
	}

	out, err := b.client.ChangeMessageVisibilityBatch(ctx, &sqs.ChangeMessageVisibilityBatchInput{
		QueueUrl: aws.String(queueURL),
		Entries:  entries,
	})

	b.metrics.ObserveBatch("change_visibility", len(entries), err)

	if err != nil {
		return nil, fmt.Errorf("failed to change SQS message visibility batch: %w", err)
	}

	successes := make(map[string]struct{}, len(out.Successful))
	for _, s := range out.Successful {
		successes[aws.ToString(s.Id)] = struct{}{}
	}

	return batchResults(len(entries), successes, out.Failed), nil
}

// batchResults maps a batch response back onto entry positions. Entry IDs
// are the decimal index of the entry within the batch.
func batchResults[R any](n int, successes map[string]R, failed []sqstypes.BatchResultErrorEntry) []batch.Result[R] {
	results := make([]batch.Result[R], n)

	for i := range results {
		id := strconv.Itoa(i)

		if v, ok := successes[id]; ok {
			results[i] = batch.Result[R]{Value: v}
			continue
		}

		results[i] = batch.Result[R]{Err: batch.ErrMissingResult}
	}

	for _, f := range failed {
		i, err := strconv.Atoi(aws.ToString(f.Id))
		if err != nil || i < 0 || i >= n {
			continue
		}

		results[i] = batch.Result[R]{Err: &EntryError{
			Code:    aws.ToString(f.Code),
			Message: aws.ToString(f.Message),
		}}
	}

	return results
}

func isFifoURL(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}
