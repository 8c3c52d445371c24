package consumer

import "github.com/slackmgr/plugins/sqs"

// Test helpers that reach into the consumer's internals.
// This file is only compiled during testing.

// nextMessage pops the head of the buffer.
func (c *Consumer) nextMessage() (sqs.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.nextMessageLocked()
}

// processNextMessage hands msg to the handler unless it has expired. Unlike
// runQueuedTask it does not check permit availability.
func (c *Consumer) processNextMessage(msg sqs.Message) {
	c.mu.Lock()
	dispatch := c.reserveLocked(msg)
	c.mu.Unlock()

	if dispatch {
		c.handle(msg)
	}
}

func (c *Consumer) loadBalanceRequestUpdater(count int) RequestUpdater {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.loadBalanceRequestUpdaterLocked(count)
}

func (c *Consumer) backoffActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.backoffActiveLocked()
}

func (e *visibilityExtender) tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.inFlight)
}
