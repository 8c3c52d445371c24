//nolint:testpackage // Mocks must be in consumer package to access unexported types
package consumer

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slackmgr/plugins/sqs"
	"github.com/slackmgr/types"
)

type receiveCall struct {
	maxMessages int
	waitTime    time.Duration
}

// mockQueue records every call. Receives without a receiveFunc block until
// the test ends, like a long poll that never returns.
type mockQueue struct {
	name        string
	attrs       sqs.Attributes
	attrsErr    error
	receiveFunc func(ctx context.Context, maxMessages int, waitTime time.Duration) ([]sqs.Message, error)
	deleteErr   error
	changeErr   error
	release     chan struct{}

	mu              sync.Mutex
	attrsCalls      int
	receiveCalls    []receiveCall
	deleteCalls     []string
	visibilityCalls []string
}

func newMockQueue(t *testing.T) *mockQueue {
	t.Helper()

	q := &mockQueue{
		name:    "test-queue",
		attrs:   sqs.Attributes{VisibilityTimeout: 30 * time.Second},
		release: make(chan struct{}),
	}

	t.Cleanup(func() { close(q.release) })

	return q
}

func (q *mockQueue) Name() string {
	return q.name
}

func (q *mockQueue) ReceiveMessages(ctx context.Context, maxMessages int, waitTime time.Duration) ([]sqs.Message, error) {
	q.mu.Lock()
	q.receiveCalls = append(q.receiveCalls, receiveCall{maxMessages: maxMessages, waitTime: waitTime})
	q.mu.Unlock()

	if q.receiveFunc != nil {
		return q.receiveFunc(ctx, maxMessages, waitTime)
	}

	<-q.release

	return nil, nil
}

func (q *mockQueue) DeleteMessage(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.deleteCalls = append(q.deleteCalls, receiptHandle)

	return q.deleteErr
}

func (q *mockQueue) ChangeMessageVisibility(_ context.Context, receiptHandle string, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.visibilityCalls = append(q.visibilityCalls, receiptHandle)

	return q.changeErr
}

func (q *mockQueue) Attributes(_ context.Context) (sqs.Attributes, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.attrsCalls++

	return q.attrs, q.attrsErr
}

func (q *mockQueue) receives() []receiveCall {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]receiveCall(nil), q.receiveCalls...)
}

func (q *mockQueue) deletes() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]string(nil), q.deleteCalls...)
}

func (q *mockQueue) visibilityChanges() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]string(nil), q.visibilityCalls...)
}

// mockManager records queued tasks without running them unless runTasks is
// set, in which case each task runs on its own goroutine.
type mockManager struct {
	mu           sync.Mutex
	allocated    int
	runTasks     bool
	tasks        []func()
	updates      []Action
	deregistered int
}

func (m *mockManager) QueueTask(_ *Consumer, _ int, task func()) {
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	run := m.runTasks
	m.mu.Unlock()

	if run {
		go task()
	}
}

func (m *mockManager) AllocatedInFlightRequests(_ *Consumer) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.allocated
}

func (m *mockManager) UpdateAllocatedInFlightRequests(_ *Consumer, updater RequestUpdater) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updates = append(m.updates, updater(m.allocated))
}

func (m *mockManager) Deregister(_ *Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deregistered++
}

func (m *mockManager) queuedTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.tasks)
}

func (m *mockManager) actions() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Action(nil), m.updates...)
}

// recordingHandler records every message it is given and then calls settle,
// if set.
type recordingHandler struct {
	settle func(ack *Acknowledger)

	mu       sync.Mutex
	messages []sqs.Message
	acks     []*Acknowledger
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg sqs.Message, ack *Acknowledger) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.acks = append(h.acks, ack)
	h.mu.Unlock()

	if h.settle != nil {
		h.settle(ack)
	}
}

func (h *recordingHandler) handled() []sqs.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]sqs.Message(nil), h.messages...)
}

func (h *recordingHandler) lastAck() *Acknowledger {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.acks) == 0 {
		return nil
	}

	return h.acks[len(h.acks)-1]
}

type stubBackoff struct {
	delay  time.Duration
	window time.Duration
}

func (b stubBackoff) DelayTime(float64) time.Duration {
	return b.delay
}

func (b stubBackoff) WindowSize() time.Duration {
	if b.window <= 0 {
		return 10 * time.Second
	}

	return b.window
}

// switchableBackoff returns whatever delay the test last stored.
type switchableBackoff struct {
	delay atomic.Int64
}

func (b *switchableBackoff) DelayTime(float64) time.Duration {
	return time.Duration(b.delay.Load())
}

func (b *switchableBackoff) WindowSize() time.Duration {
	return 10 * time.Second
}

// zeroWindowBackoff reports a window that cannot drive a ticker.
type zeroWindowBackoff struct{}

func (zeroWindowBackoff) DelayTime(float64) time.Duration {
	return 0
}

func (zeroWindowBackoff) WindowSize() time.Duration {
	return 0
}

type stubExpiration struct {
	expired bool
}

func (s stubExpiration) IsExpired(sqs.Message, sqs.Attributes, time.Time) bool {
	return s.expired
}

type countingLoadBalance struct {
	mu     sync.Mutex
	counts []int
	action Action
}

func (s *countingLoadBalance) OnReceiveSuccess(count int) Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts = append(s.counts, count)

	return s.action
}

func testMessage(i int) sqs.Message {
	return sqs.Message{
		ID:            "message-" + strconv.Itoa(i),
		ReceiptHandle: "receipt-" + strconv.Itoa(i),
		Body:          "body",
		ReceivedTime:  time.Now(),
	}
}

func testMessages(n int) []sqs.Message {
	msgs := make([]sqs.Message, n)
	for i := range msgs {
		msgs[i] = testMessage(i)
	}

	return msgs
}

// mockLogger is a no-op logger for testing.
type mockLogger struct{}

//nolint:ireturn // Must return interface to implement types.Logger
func (m *mockLogger) WithField(_ string, _ any) types.Logger { return m }

//nolint:ireturn // Must return interface to implement types.Logger
func (m *mockLogger) WithFields(_ map[string]any) types.Logger { return m }
func (m *mockLogger) Debug(_ string)                           {}
func (m *mockLogger) Debugf(_ string, _ ...any)                {}
func (m *mockLogger) Info(_ string)                            {}
func (m *mockLogger) Infof(_ string, _ ...any)                 {}
func (m *mockLogger) Warn(_ string)                            {}
func (m *mockLogger) Warnf(_ string, _ ...any)                 {}
func (m *mockLogger) Error(_ string)                           {}
func (m *mockLogger) Errorf(_ string, _ ...any)                {}
func (m *mockLogger) Fatal(_ string)                           {}
func (m *mockLogger) Fatalf(_ string, _ ...any)                {}

//nolint:ireturn // Returns interface for convenience in tests
func newMockLogger() types.Logger {
	return &mockLogger{}
}
