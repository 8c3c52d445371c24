package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/slackmgr/plugins/sqs"
	"github.com/slackmgr/types"
)

const (
	// MaxWaitTime is the long-poll wait of the steady receive request.
	MaxWaitTime = sqs.MaxReceiveWaitTime

	// LoadBalancedWaitTime is the wait of elastic receive requests.
	LoadBalancedWaitTime = 1 * time.Second

	// DefaultShutdownTimeout is used by [Consumer.ShutdownDefault] when no
	// timeout was configured.
	DefaultShutdownTimeout = 60 * time.Second
)

// ErrNotInitialized is returned when a consumer is used before Init.
var ErrNotInitialized = errors.New("SQS consumer not initialized")

// Queue is the queue facade a consumer reads from. [*sqs.Client] implements it.
type Queue interface {
	Name() string
	ReceiveMessages(ctx context.Context, maxMessages int, waitTime time.Duration) ([]sqs.Message, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
	ChangeMessageVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
	Attributes(ctx context.Context) (sqs.Attributes, error)
}

var _ Queue = (*sqs.Client)(nil)

// State is the lifecycle state of a [Consumer].
type State int

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type requestKind int

const (
	steadyRequest requestKind = iota
	elasticRequest
)

func (k requestKind) String() string {
	if k == elasticRequest {
		return "elastic"
	}

	return "steady"
}

func (k requestKind) waitTime() time.Duration {
	if k == elasticRequest {
		return LoadBalancedWaitTime
	}

	return MaxWaitTime
}

type receiveRequest struct {
	kind        requestKind
	maxMessages int
}

// Consumer receives messages from one queue and hands them to a [Handler],
// never running more handlers at once than it has permits.
//
// A Consumer keeps one steady long-poll receive request outstanding and, as
// the [Manager] allows, additional elastic requests with a short wait. All
// mutable state is guarded by a single mutex; handlers and queue calls never
// run while it is held.
//
// Create a Consumer with [New], call [Consumer.Init] and then
// [Consumer.Start]. Stop it with one of the Shutdown methods.
type Consumer struct {
	manager Manager
	queue   Queue
	handler Handler
	opts    *Options
	logger  types.Logger
	name    string

	// ctx is detached from the Init context and is never cancelled, since
	// outstanding receives and deletes are always awaited.
	ctx         context.Context
	extender    *visibilityExtender
	initialized bool

	mu                 sync.Mutex
	state              State
	attrs              sqs.Attributes
	numPermits         int
	permitsInUse       int
	queuedTasks        int
	buffer             []sqs.Message
	steadyOutstanding  bool
	elasticOutstanding int
	backingOff         bool
	backoffGen         int
	backoffTimer       *time.Timer
	windowSuccesses    int
	windowFailures     int
	stopTimer          chan struct{}

	terminated chan struct{}
}

// New creates a Consumer for queue. The logger is enriched with "component"
// and "queue_name" fields.
func New(manager Manager, queue Queue, handler Handler, logger types.Logger, opts ...Option) *Consumer {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	name := queue.Name()

	return &Consumer{
		manager:    manager,
		queue:      queue,
		handler:    handler,
		opts:       options,
		name:       name,
		logger:     logger.WithField("component", "sqs-consumer").WithField("queue_name", name),
		numPermits: options.numPermits,
		terminated: make(chan struct{}),
	}
}

// Init validates options and fetches the queue attributes used for
// expiration. If the handler implements [PermitChangeSource], the consumer
// follows its permit changes until it terminates.
//
// Init is idempotent. It is not thread-safe and must be called before any
// other method.
func (c *Consumer) Init(ctx context.Context) (*Consumer, error) {
	if c.initialized {
		return c, nil
	}

	if c.manager == nil {
		return nil, errors.New("consumer manager cannot be nil")
	}

	if c.handler == nil {
		return nil, errors.New("message handler cannot be nil")
	}

	if err := c.opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer options: %w", err)
	}

	attrs, err := c.queue.Attributes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get attributes for queue %s: %w", c.name, err)
	}

	c.attrs = attrs
	c.ctx = context.WithoutCancel(ctx)

	if c.opts.maxMessageExtension > 0 && attrs.VisibilityTimeout > 0 {
		c.extender = newVisibilityExtender(c.queue, attrs.VisibilityTimeout, c.opts.maxMessageExtension, c.opts.clock, c.logger)
	}

	if source, ok := c.handler.(PermitChangeSource); ok {
		go c.followPermitChanges(source.PermitChanges())
	}

	c.initialized = true

	return c, nil
}

// Name returns the queue name.
func (c *Consumer) Name() string {
	return c.name
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Start moves an idle consumer to running and issues the first receive
// requests. Calling Start on a consumer that is not idle has no effect.
func (c *Consumer) Start() error {
	if !c.initialized {
		return ErrNotInitialized
	}

	c.mu.Lock()

	if c.state != StateIdle {
		c.mu.Unlock()
		return nil
	}

	c.state = StateRunning
	c.stopTimer = make(chan struct{})
	go c.runTimer(c.stopTimer, c.opts.backoff.WindowSize())

	c.mu.Unlock()

	if c.extender != nil {
		c.extender.start(c.ctx)
	}

	c.logger.Info("SQS consumer started")

	c.Update()

	return nil
}

// NumPermits returns the current permit capacity.
func (c *Consumer) NumPermits() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.numPermits
}

// SetNumPermits changes the permit capacity. Messages already in the handler
// keep their permits; the new capacity applies to later dispatch decisions.
func (c *Consumer) SetNumPermits(n int) {
	n = max(n, 0)

	c.mu.Lock()
	c.numPermits = n
	c.mu.Unlock()

	c.logger.WithField("permits", n).Info("SQS consumer permits changed")

	c.Update()
}

// Update re-evaluates the consumer: it queues dispatch work for buffered
// messages that have a permit, issues receive requests for free slots and
// detects termination. It is idempotent and safe for concurrent use.
func (c *Consumer) Update() {
	allocated := 0
	if c.isRunning() {
		allocated = c.manager.AllocatedInFlightRequests(c)
	}

	c.mu.Lock()

	tasks, requests := c.evaluateLocked(allocated)
	numPermits := c.numPermits
	terminated := c.terminateIfDoneLocked()
	c.recordStateLocked()

	c.mu.Unlock()

	for range tasks {
		c.manager.QueueTask(c, numPermits, c.runQueuedTask)
	}

	for _, r := range requests {
		go c.receive(r)
	}

	if terminated {
		c.onTerminated()
	}
}

func (c *Consumer) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state == StateRunning
}

func (c *Consumer) evaluateLocked(allocated int) (int, []receiveRequest) {
	if c.state != StateRunning && c.state != StateDraining {
		return 0, nil
	}

	if c.backoffActiveLocked() {
		return 0, nil
	}

	// Tasks already queued will each take a buffered message and a permit.
	tasks := min(len(c.buffer)-c.queuedTasks, c.numPermits-c.permitsInUse-c.queuedTasks)
	tasks = max(tasks, 0)
	c.queuedTasks += tasks

	if c.state != StateRunning || len(c.buffer) >= c.opts.bufferSize {
		return tasks, nil
	}

	maxMessages := min(max(c.opts.bufferSize-len(c.buffer), 1), sqs.MaxReceiveMessages)

	var requests []receiveRequest

	if !c.steadyOutstanding {
		c.steadyOutstanding = true
		requests = append(requests, receiveRequest{kind: steadyRequest, maxMessages: maxMessages})
	}

	if c.elasticOutstanding < allocated {
		c.elasticOutstanding++
		requests = append(requests, receiveRequest{kind: elasticRequest, maxMessages: maxMessages})
	}

	return tasks, requests
}

func (c *Consumer) backoffActiveLocked() bool {
	return c.backingOff
}

// runQueuedTask is the unit of work handed to the manager. Taking the message
// and its permit happen under one lock so Update never over-commits permits.
func (c *Consumer) runQueuedTask() {
	c.mu.Lock()

	c.queuedTasks--

	msg, ok := c.nextMessageLocked()
	dispatch := ok && c.reserveLocked(msg)

	c.mu.Unlock()

	if dispatch {
		c.handle(msg)
	}

	c.Update()
}

func (c *Consumer) nextMessageLocked() (sqs.Message, bool) {
	if len(c.buffer) == 0 {
		return sqs.Message{}, false
	}

	msg := c.buffer[0]
	c.buffer[0] = sqs.Message{}
	c.buffer = c.buffer[1:]

	return msg, true
}

// reserveLocked takes a permit for msg, or drops it if it has expired.
func (c *Consumer) reserveLocked(msg sqs.Message) bool {
	if c.opts.autoExpire && c.opts.expiration.IsExpired(msg, c.attrs, c.opts.clock()) {
		c.logger.WithField("message_id", msg.ID).Error("Dropping expired SQS message")
		c.opts.metrics.ObserveExpired(c.name)

		return false
	}

	c.permitsInUse++

	return true
}

func (c *Consumer) handle(msg sqs.Message) {
	ack := newAcknowledger(c, msg)

	if c.extender != nil {
		c.extender.track(ack)
	}

	c.opts.metrics.ObserveDispatch(c.name)

	defer func() {
		if r := recover(); r != nil {
			c.opts.metrics.ObserveHandlerPanic(c.name)
			c.logger.WithField("message_id", msg.ID).Errorf("SQS message handler panicked: %v", r)

			// An unsettled message is left to its visibility timeout.
			_ = ack.Ignore()
		}
	}()

	c.handler.HandleMessage(c.ctx, msg, ack)
}

func (c *Consumer) releasePermit(action string) {
	c.mu.Lock()
	c.permitsInUse--
	c.mu.Unlock()

	c.opts.metrics.ObserveAck(c.name, action)

	c.Update()
}

func (c *Consumer) requeue(msg sqs.Message) {
	c.mu.Lock()
	c.permitsInUse--
	c.buffer = append([]sqs.Message{msg}, c.buffer...)
	c.mu.Unlock()

	c.opts.metrics.ObserveAck(c.name, actionRetry)

	c.Update()
}

func (c *Consumer) receive(r receiveRequest) {
	// Runs on success and on error, after the completion has been recorded.
	defer c.Update()
	defer c.releaseRequestSlot(r.kind)

	msgs, err := c.queue.ReceiveMessages(c.ctx, r.maxMessages, r.kind.waitTime())
	if err != nil {
		c.onReceiveError(r.kind, err)
		return
	}

	c.onReceiveSuccess(r.kind, msgs)
}

func (c *Consumer) onReceiveSuccess(kind requestKind, msgs []sqs.Message) {
	c.mu.Lock()

	// Messages are kept even past capacity; the queue considers them delivered.
	c.buffer = append(c.buffer, msgs...)
	c.windowSuccesses++
	updater := c.loadBalanceRequestUpdaterLocked(len(msgs))

	c.mu.Unlock()

	c.opts.metrics.ObserveReceive(c.name, kind.String(), len(msgs))

	if kind == elasticRequest {
		c.manager.UpdateAllocatedInFlightRequests(c, updater)
	}

	c.Update()
}

func (c *Consumer) onReceiveError(kind requestKind, err error) {
	c.mu.Lock()
	c.windowFailures++
	c.mu.Unlock()

	c.opts.metrics.ObserveReceiveError(c.name)
	c.logger.WithField("request", kind.String()).Errorf("Failed to receive SQS messages: %v", err)

	c.applyBackoffDelayIfNeeded()
}

func (c *Consumer) releaseRequestSlot(kind requestKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kind == elasticRequest {
		c.elasticOutstanding = max(c.elasticOutstanding-1, 0)
	} else {
		c.steadyOutstanding = false
	}
}

// loadBalanceRequestUpdaterLocked returns the updater for an elastic receive
// that returned count messages. The buffer state is captured now so the
// updater can run under the manager's lock without taking the consumer's.
func (c *Consumer) loadBalanceRequestUpdaterLocked(count int) RequestUpdater {
	free := c.opts.bufferSize - len(c.buffer)
	nearCapacity := free < min(sqs.MaxReceiveMessages, c.opts.bufferSize)
	strategy := c.opts.loadBalance

	return func(int) Action {
		if nearCapacity {
			return Decrease
		}

		return strategy.OnReceiveSuccess(count)
	}
}

// applyBackoffDelayIfNeeded asks the backoff strategy for a delay based on
// the failure rate of the current window. A positive delay stops new work
// until it has elapsed; outstanding requests are never abandoned.
func (c *Consumer) applyBackoffDelayIfNeeded() {
	c.mu.Lock()
	defer c.mu.Unlock()

	rate := 0.0
	if total := c.windowSuccesses + c.windowFailures; total > 0 {
		rate = float64(c.windowFailures) / float64(total)
	}

	delay := c.opts.backoff.DelayTime(rate)

	if c.backoffTimer != nil {
		c.backoffTimer.Stop()
		c.backoffTimer = nil
	}

	c.backoffGen++

	if delay <= 0 || c.state == StateTerminated {
		c.backingOff = false
		return
	}

	gen := c.backoffGen
	c.backingOff = true
	c.backoffTimer = time.AfterFunc(delay, func() { c.endBackoff(gen) })

	c.logger.WithField("delay", delay).WithField("failure_rate", rate).Info("SQS consumer backing off")
}

// endBackoff lifts the gate armed by generation gen, unless a later call to
// applyBackoffDelayIfNeeded has replaced or cleared it.
func (c *Consumer) endBackoff(gen int) {
	c.mu.Lock()

	if c.backoffGen == gen {
		c.backingOff = false
		c.backoffTimer = nil
	}

	c.mu.Unlock()

	c.Update()
}

func (c *Consumer) runTimer(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.onTimerTick()
		}
	}
}

func (c *Consumer) onTimerTick() {
	c.applyBackoffDelayIfNeeded()

	c.mu.Lock()
	c.windowSuccesses = 0
	c.windowFailures = 0
	c.mu.Unlock()

	c.Update()
}

func (c *Consumer) followPermitChanges(changes <-chan int) {
	for {
		select {
		case <-c.terminated:
			return
		case n, ok := <-changes:
			if !ok {
				return
			}

			c.SetNumPermits(n)
		}
	}
}

// Shutdown stops issuing receive requests and waits up to timeout for the
// consumer to terminate. It returns false if the timeout passed first; the
// drain then continues in the background.
func (c *Consumer) Shutdown(timeout time.Duration) bool {
	done := c.ShutdownAsync()

	select {
	case <-done:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// ShutdownDefault calls [Consumer.Shutdown] with the configured shutdown
// timeout, or [DefaultShutdownTimeout] if none was configured.
func (c *Consumer) ShutdownDefault() bool {
	timeout := c.opts.shutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	return c.Shutdown(timeout)
}

// ShutdownAsync starts draining and returns a channel that is closed once
// the consumer has terminated: its buffer is empty, no receive request is
// outstanding and every dispatched message has been settled.
func (c *Consumer) ShutdownAsync() <-chan struct{} {
	c.mu.Lock()

	if c.state == StateIdle || c.state == StateRunning {
		c.state = StateDraining
		c.logger.Info("SQS consumer draining")
	}

	c.mu.Unlock()

	c.Update()

	return c.terminated
}

func (c *Consumer) terminateIfDoneLocked() bool {
	if c.state != StateDraining {
		return false
	}

	if len(c.buffer) > 0 || c.steadyOutstanding || c.elasticOutstanding > 0 || c.permitsInUse > 0 || c.queuedTasks > 0 {
		return false
	}

	c.state = StateTerminated

	if c.stopTimer != nil {
		close(c.stopTimer)
		c.stopTimer = nil
	}

	if c.backoffTimer != nil {
		c.backoffTimer.Stop()
		c.backoffTimer = nil
	}

	return true
}

func (c *Consumer) onTerminated() {
	close(c.terminated)

	if c.extender != nil {
		c.extender.stop()
	}

	if d, ok := c.manager.(Deregisterer); ok {
		d.Deregister(c)
	}

	c.logger.Info("SQS consumer terminated")
}

func (c *Consumer) recordStateLocked() {
	c.opts.metrics.SetConsumerState(c.name, c.permitsInUse, len(c.buffer))
}
