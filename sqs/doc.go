// Package sqs provides the AWS SQS queue facade used by the consumer
// runtime, together with the batching of outbound operations.
//
// # Client
//
// [Client] exposes receive, publish, delete, change-visibility and
// attribute operations for a single queue. Receives are issued directly as
// long-poll ReceiveMessage calls; publishes, deletes and visibility changes
// are routed through [Batchers], which coalesces them per queue URL into
// SendMessageBatch, DeleteMessageBatch and ChangeMessageVisibilityBatch
// calls of up to ten entries.
//
// Create a client with [New] and initialise it with [Client.Init]:
//
//	client, err := sqs.New(&awsCfg, "events", logger,
//	    sqs.WithBatchOptions(batch.WithMaxWait(100*time.Millisecond)),
//	).Init(ctx)
//	defer client.Close(ctx)
//
//	msgs, err := client.ReceiveMessages(ctx, 10, 20*time.Second)
//	for _, m := range msgs {
//	    process(m)
//	    _ = client.DeleteMessage(ctx, m.ReceiptHandle)
//	}
//
// # Sharing batchers
//
// A process that talks to many queues can create one [Batchers] with
// [NewBatchers] and hand it to every client with [WithBatchers] and to every
// [Publisher]. Operations are still grouped by queue URL, so sharing only
// pools the send concurrency limit.
//
// # Attributes
//
// [Client.Attributes] queries SQS on every call. Use [NewCachedAttributes]
// to layer a time-based cache on top.
//
// # Configuration
//
// [Client] accepts functional options that are passed to [New] and take
// effect when [Client.Init] is called. See the With* functions for
// available settings and their defaults.
package sqs
