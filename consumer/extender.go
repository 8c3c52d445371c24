package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/slackmgr/types"
	"golang.org/x/sync/semaphore"
)

// visibilityExtender extends the visibility timeout of messages that stay in
// the handler for a long time, so they are not redelivered while still being
// processed.
//
// Extension is best-effort: if an extension fails (e.g., due to network
// errors or SQS throttling), the message is removed from tracking and will not
// be extended again. The message may then be redelivered, so handlers should
// be idempotent.
type visibilityExtender struct {
	queue             Queue
	visibilityTimeout time.Duration
	maxExtension      time.Duration
	clock             func() time.Time
	logger            types.Logger

	mu       sync.Mutex
	inFlight map[*Acknowledger]time.Time // last extended at
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newVisibilityExtender(queue Queue, visibilityTimeout, maxExtension time.Duration, clock func() time.Time, logger types.Logger) *visibilityExtender {
	return &visibilityExtender{
		queue:             queue,
		visibilityTimeout: visibilityTimeout,
		maxExtension:      maxExtension,
		clock:             clock,
		logger:            logger.WithField("component", "sqs-visibility-extender"),
		inFlight:          make(map[*Acknowledger]time.Time),
		stopCh:            make(chan struct{}),
	}
}

func (e *visibilityExtender) start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done != nil {
		return
	}

	e.done = make(chan struct{})

	go e.run(ctx)
}

// stop ends the extension loop and waits for it to exit. It is safe to call
// on an extender that was never started.
func (e *visibilityExtender) stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })

	e.mu.Lock()
	done := e.done
	e.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (e *visibilityExtender) track(ack *Acknowledger) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.inFlight[ack] = ack.Message().ReceivedTime
}

func (e *visibilityExtender) run(ctx context.Context) {
	e.logger.Info("SQS visibility extender started")
	defer e.logger.Info("SQS visibility extender exited")
	defer close(e.done)

	ticker := time.NewTicker(max(e.visibilityTimeout/3, 5*time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.processInFlightMessages(ctx)
		}
	}
}

func (e *visibilityExtender) processInFlightMessages(ctx context.Context) {
	now := e.clock()
	inNeedOfExtension := []*Acknowledger{}

	e.mu.Lock()

	for ack, lastExtendedAt := range e.inFlight {
		if ack.Settled() {
			delete(e.inFlight, ack)
			continue
		}

		if now.Sub(ack.Message().ReceivedTime)+e.visibilityTimeout >= e.maxExtension {
			e.logger.WithField("message_id", ack.Message().ID).Error("SQS message has reached maximum visibility timeout extension limit, removing from list of in-flight messages")
			delete(e.inFlight, ack)
			continue
		}

		if now.Sub(lastExtendedAt) > e.visibilityTimeout/2 {
			inNeedOfExtension = append(inNeedOfExtension, ack)
		}
	}

	e.mu.Unlock()

	if len(inNeedOfExtension) == 0 {
		return
	}

	// If 1-2 messages need to be extended, do it sequentially. Otherwise, do it concurrently.
	if len(inNeedOfExtension) < 3 {
		for _, ack := range inNeedOfExtension {
			if ctx.Err() != nil {
				return
			}

			e.extend(ctx, ack)
		}

		return
	}

	wg := sync.WaitGroup{}
	sem := semaphore.NewWeighted(3)

	for _, ack := range inNeedOfExtension {
		wg.Go(func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			e.extend(ctx, ack)
		})
	}

	wg.Wait()
}

func (e *visibilityExtender) extend(ctx context.Context, ack *Acknowledger) {
	// The message may have been settled since the snapshot was taken.
	if ack.Settled() {
		return
	}

	msg := ack.Message()

	err := e.queue.ChangeMessageVisibility(ctx, msg.ReceiptHandle, e.visibilityTimeout)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.inFlight[ack]; !ok {
		return
	}

	if err != nil {
		if ctx.Err() != nil {
			return // Context was cancelled or timed out; skip further processing.
		}

		e.logger.WithField("message_id", msg.ID).Errorf("Failed to extend message visibility, removing from in-flight tracking: %v", err)
		delete(e.inFlight, ack)

		return
	}

	e.inFlight[ack] = e.clock()
}
