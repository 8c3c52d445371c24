//nolint:paralleltest,testpackage // Tests use shared resources and need access to unexported functions
package sqs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/slackmgr/plugins/batch"
	"github.com/slackmgr/plugins/metrics"
)

func TestNewBatchers_Validation(t *testing.T) {
	if _, err := NewBatchers(nil, newMockLogger(), nil); err == nil {
		t.Error("expected error for nil client")
	}

	if _, err := NewBatchers(&mockSQSClient{}, nil, nil); err == nil {
		t.Error("expected error for nil logger")
	}

	if _, err := NewBatchers(&mockSQSClient{}, newMockLogger(), nil, batch.WithSendTimeout(time.Millisecond)); err == nil {
		t.Error("expected error for invalid batch options")
	}
}

func TestBatchers_DeletesAreCoalescedPerQueue(t *testing.T) {
	var (
		mu    sync.Mutex
		calls = map[string][]string{}
	)

	mock := &mockSQSClient{
		deleteMessageBatchFunc: func(_ context.Context, in *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
			mu.Lock()
			defer mu.Unlock()

			out := &sqs.DeleteMessageBatchOutput{}
			url := aws.ToString(in.QueueUrl)
			for _, e := range in.Entries {
				calls[url] = append(calls[url], aws.ToString(e.ReceiptHandle))
				out.Successful = append(out.Successful, sqstypes.DeleteMessageBatchResultEntry{Id: e.Id})
			}
			return out, nil
		},
	}

	b, err := NewBatchers(mock, newMockLogger(), nil, batch.WithMaxWait(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	futures := []*batch.Future[struct{}]{
		b.Delete("queue-a", "a1"),
		b.Delete("queue-a", "a2"),
		b.Delete("queue-b", "b1"),
	}

	for _, f := range futures {
		if _, err := f.Get(t.Context()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if err := b.Close(t.Context()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(calls["queue-a"]) != 2 || len(calls["queue-b"]) != 1 {
		t.Errorf("expected deletes grouped by queue, got %v", calls)
	}
}

func TestBatchers_PublishIDsMappedByEntry(t *testing.T) {
	mock := &mockSQSClient{
		sendMessageBatchFunc: func(_ context.Context, in *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
			out := &sqs.SendMessageBatchOutput{}
			// Report results in reverse order to check they are matched by ID.
			for i := len(in.Entries) - 1; i >= 0; i-- {
				e := in.Entries[i]
				out.Successful = append(out.Successful, sqstypes.SendMessageBatchResultEntry{
					Id:        e.Id,
					MessageId: aws.String("id-for-" + aws.ToString(e.MessageBody)),
				})
			}
			return out, nil
		},
	}

	b, err := NewBatchers(mock, newMockLogger(), nil, batch.WithMaxBatchSize(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close(context.Background()) //nolint:errcheck

	first := b.Publish("queue", "x", nil, "", "")
	second := b.Publish("queue", "y", nil, "", "")
	third := b.Publish("queue", "z", nil, "", "")

	for body, f := range map[string]*batch.Future[string]{"x": first, "y": second, "z": third} {
		id, err := f.Get(t.Context())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if id != "id-for-"+body {
			t.Errorf("expected id-for-%s, got %q", body, id)
		}
	}
}

func TestBatchResults(t *testing.T) {
	successes := map[string]string{"0": "first", "2": "third"}
	failed := []sqstypes.BatchResultErrorEntry{
		{Id: aws.String("1"), Code: aws.String("InvalidParameterValue"), Message: aws.String("too big")},
		{Id: aws.String("not-a-number"), Code: aws.String("Ignored")},
		{Id: aws.String("99"), Code: aws.String("Ignored")},
	}

	results := batchResults(4, successes, failed)

	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}

	if results[0].Value != "first" || results[0].Err != nil {
		t.Errorf("unexpected result 0: %+v", results[0])
	}

	var entryErr *EntryError
	if !errors.As(results[1].Err, &entryErr) || entryErr.Code != "InvalidParameterValue" {
		t.Errorf("expected EntryError for result 1, got %v", results[1].Err)
	}

	if results[2].Value != "third" {
		t.Errorf("unexpected result 2: %+v", results[2])
	}

	if !errors.Is(results[3].Err, batch.ErrMissingResult) {
		t.Errorf("expected ErrMissingResult for result 3, got %v", results[3].Err)
	}
}

func TestBatchers_FifoFields(t *testing.T) {
	var (
		mu      sync.Mutex
		entries []sqstypes.SendMessageBatchRequestEntry
	)

	mock := &mockSQSClient{
		sendMessageBatchFunc: func(_ context.Context, in *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
			mu.Lock()
			entries = append(entries, in.Entries...)
			mu.Unlock()

			out := &sqs.SendMessageBatchOutput{}
			for _, e := range in.Entries {
				out.Successful = append(out.Successful, sqstypes.SendMessageBatchResultEntry{Id: e.Id, MessageId: aws.String("id")})
			}
			return out, nil
		},
	}

	b, err := NewBatchers(mock, newMockLogger(), nil, batch.WithMaxBatchSize(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close(context.Background()) //nolint:errcheck

	delay := 30 * time.Second

	if _, err := b.Publish("https://sqs/queue.fifo", "body", nil, "group", "dedup").Get(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := b.Publish("https://sqs/queue", "body", &delay, "group", "dedup").Get(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	var fifo, standard sqstypes.SendMessageBatchRequestEntry
	for _, e := range entries {
		if e.MessageGroupId != nil {
			fifo = e
		} else {
			standard = e
		}
	}

	if aws.ToString(fifo.MessageGroupId) != "group" || aws.ToString(fifo.MessageDeduplicationId) != "dedup" {
		t.Errorf("expected FIFO fields on FIFO queue entry, got %+v", fifo)
	}

	if standard.MessageDeduplicationId != nil {
		t.Error("expected no deduplication ID on standard queue entry")
	}

	if standard.DelaySeconds != 30 {
		t.Errorf("expected delay 30s, got %d", standard.DelaySeconds)
	}
}

func TestBatchers_RecordsMetrics(t *testing.T) {
	collector := metrics.NewCollector(prometheus.NewRegistry())

	b, err := NewBatchers(&mockSQSClient{}, newMockLogger(), collector, batch.WithMaxBatchSize(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close(context.Background()) //nolint:errcheck

	if _, err := b.Delete("queue", "rh").Get(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := testutil.ToFloat64(collector.BatchCalls.WithLabelValues("delete", "success"))
	if got != 1 {
		t.Errorf("expected 1 successful delete batch call, got %v", got)
	}
}

func TestIsFifoURL(t *testing.T) {
	if !isFifoURL("https://sqs.eu-west-1.amazonaws.com/1/orders.fifo") {
		t.Error("expected .fifo URL to be FIFO")
	}

	if isFifoURL("https://sqs.eu-west-1.amazonaws.com/1/orders") {
		t.Error("expected standard URL not to be FIFO")
	}
}
