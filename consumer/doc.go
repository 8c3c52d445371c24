// Package consumer implements a permit-bounded SQS consumer.
//
// # Consumer
//
// A [Consumer] keeps one long-poll receive request outstanding against its
// queue and, when the [Manager] allocates them, additional short-wait
// "elastic" requests. Received messages land in a bounded buffer and are
// dispatched to the [Handler] only while a permit is free, so no more than
// the configured number of messages are ever processed at once.
//
//	manager, err := consumer.NewManager(logger)
//	c, err := consumer.New(manager, queue, handler, logger,
//	    consumer.WithNumPermits(20),
//	    consumer.WithBufferSize(40),
//	).Init(ctx)
//	_ = c.Start()
//	...
//	ok := c.ShutdownDefault()
//
// The handler settles each message through its [Acknowledger]: Delete
// removes it from the queue, Retry puts it back at the head of the buffer,
// and Ignore leaves it to the queue's visibility timeout. A handler that
// panics is treated as having called Ignore.
//
// # Flow control
//
// Receive failures feed a [BackoffStrategy] that can pause new work for a
// while. An [ExpirationStrategy] drops buffered messages whose visibility
// timeout has passed before they got a permit. After every elastic receive a
// [LoadBalanceStrategy] proposes growing or shrinking the consumer's share of
// the manager's request budget; a nearly full buffer always shrinks it.
//
// # Shutdown
//
// Shutdown never cancels outstanding receives or in-flight handlers. The
// consumer stops issuing receives, keeps dispatching what is buffered and
// terminates once nothing is left.
package consumer
