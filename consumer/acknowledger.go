package consumer

import (
	"errors"
	"sync/atomic"

	"github.com/slackmgr/plugins/sqs"
)

// ErrAlreadySettled is returned when a message is settled more than once.
var ErrAlreadySettled = errors.New("message has already been settled")

const (
	actionDelete = "delete"
	actionRetry  = "retry"
	actionIgnore = "ignore"
)

// Acknowledger settles a single dispatched message. Exactly one of Delete,
// Retry or Ignore takes effect; later calls return [ErrAlreadySettled] and
// never release the message's permit twice.
//
// An Acknowledger is safe for concurrent use.
type Acknowledger struct {
	consumer *Consumer
	msg      sqs.Message
	settled  atomic.Bool
}

func newAcknowledger(c *Consumer, msg sqs.Message) *Acknowledger {
	return &Acknowledger{
		consumer: c,
		msg:      msg,
	}
}

// Message returns the message being settled.
func (a *Acknowledger) Message() sqs.Message {
	return a.msg
}

// Settled reports whether the message has been settled.
func (a *Acknowledger) Settled() bool {
	return a.settled.Load()
}

// Delete removes the message from the queue. The delete is batched with
// other deletes for the queue and the permit is released once its result is
// known, whether it succeeded or not. Delete does not wait for the result.
func (a *Acknowledger) Delete() error {
	if !a.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}

	c := a.consumer

	go func() {
		if err := c.queue.DeleteMessage(c.ctx, a.msg.ReceiptHandle); err != nil {
			c.logger.WithField("message_id", a.msg.ID).Errorf("Failed to delete SQS message, it will be redelivered: %v", err)
		}

		c.releasePermit(actionDelete)
	}()

	return nil
}

// Retry releases the permit and puts the message back at the head of the
// buffer, so it is handled again without a new receive.
func (a *Acknowledger) Retry() error {
	if !a.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}

	a.consumer.requeue(a.msg)

	return nil
}

// Ignore releases the permit without touching the queue. The message becomes
// visible again once its visibility timeout expires.
func (a *Acknowledger) Ignore() error {
	if !a.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}

	a.consumer.releasePermit(actionIgnore)

	return nil
}
