// Package batch provides a keyed batching engine that coalesces individual
// operations into bounded batch calls.
//
// Entries are grouped by key (for SQS, the queue URL) into a pending batch
// per key. A pending batch is flushed through the caller-supplied
// [SendFunc] when it holds [WithMaxBatchSize] entries or when its oldest
// entry has waited [WithMaxWait], whichever comes first:
//
//	buf, err := batch.New(sendDeletes, logger, batch.WithMaxWait(100*time.Millisecond))
//	future := buf.Add(queueURL, entry)
//	_, err = future.Get(ctx)
//
// Every [Future] resolves exactly once: with its own entry's result, with
// the batch-level error if the call failed as a whole, or with
// [ErrMissingResult] if the response did not mention the entry.
package batch
