package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/slackmgr/types"
	"golang.org/x/sync/semaphore"
)

// Manager schedules dispatch work for consumers and owns the elastic receive
// request budget shared between them.
type Manager interface {
	// QueueTask runs task off the caller's goroutine. permits is the
	// consumer's current permit capacity.
	QueueTask(c *Consumer, permits int, task func())

	// AllocatedInFlightRequests returns how many elastic receive requests c
	// may have outstanding.
	AllocatedInFlightRequests(c *Consumer) int

	// UpdateAllocatedInFlightRequests asks updater for a proposed change to
	// c's allocation and applies it. The manager may clamp or reject it.
	UpdateAllocatedInFlightRequests(c *Consumer, updater RequestUpdater)
}

// Deregisterer may be implemented by a [Manager] that wants to know when a
// consumer has terminated.
type Deregisterer interface {
	Deregister(c *Consumer)
}

// ManagerOption is a functional option for configuring a [DefaultManager].
type ManagerOption func(*ManagerOptions)

// ManagerOptions holds the resolved configuration for a [DefaultManager].
type ManagerOptions struct {
	maxInFlightRequests            int
	maxInFlightRequestsPerConsumer int
	minInFlightRequestsPerConsumer int
	maxConcurrentTasks             int
}

func newManagerOptions() *ManagerOptions {
	return &ManagerOptions{
		maxInFlightRequests:            50,
		maxInFlightRequestsPerConsumer: 10,
		minInFlightRequestsPerConsumer: 1,
		maxConcurrentTasks:             100,
	}
}

func (o *ManagerOptions) validate() error {
	if o.maxInFlightRequests < 0 {
		return errors.New("max in-flight requests cannot be negative")
	}

	if o.maxInFlightRequestsPerConsumer < 0 {
		return errors.New("max in-flight requests per consumer cannot be negative")
	}

	if o.minInFlightRequestsPerConsumer < 0 || o.minInFlightRequestsPerConsumer > o.maxInFlightRequestsPerConsumer {
		return errors.New("min in-flight requests per consumer must be between 0 and the per-consumer maximum")
	}

	if o.maxConcurrentTasks < 1 {
		return errors.New("max concurrent tasks must be greater than or equal to 1")
	}

	return nil
}

// WithMaxInFlightRequests sets the elastic request budget shared by all
// consumers. Default: 50.
func WithMaxInFlightRequests(n int) ManagerOption {
	return func(o *ManagerOptions) {
		o.maxInFlightRequests = n
	}
}

// WithMaxInFlightRequestsPerConsumer caps the allocation of a single
// consumer. Default: 10.
func WithMaxInFlightRequestsPerConsumer(n int) ManagerOption {
	return func(o *ManagerOptions) {
		o.maxInFlightRequestsPerConsumer = n
	}
}

// WithMinInFlightRequestsPerConsumer sets the allocation a consumer starts
// with and never drops below while the shared budget allows it. Default: 1.
func WithMinInFlightRequestsPerConsumer(n int) ManagerOption {
	return func(o *ManagerOptions) {
		o.minInFlightRequestsPerConsumer = n
	}
}

// WithMaxConcurrentTasks bounds the number of dispatch tasks running at the
// same time across all consumers. Default: 100.
func WithMaxConcurrentTasks(n int) ManagerOption {
	return func(o *ManagerOptions) {
		o.maxConcurrentTasks = n
	}
}

// DefaultManager runs dispatch tasks on goroutines bounded by a weighted
// semaphore and splits a fixed elastic request budget between consumers.
// Consumers are registered on first use.
type DefaultManager struct {
	opts   *ManagerOptions
	logger types.Logger
	sem    *semaphore.Weighted

	mu          sync.Mutex
	allocations map[*Consumer]int
	total       int
	tasks       sync.WaitGroup
}

// NewManager creates a DefaultManager.
func NewManager(logger types.Logger, opts ...ManagerOption) (*DefaultManager, error) {
	options := newManagerOptions()

	for _, o := range opts {
		o(options)
	}

	if err := options.validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer manager options: %w", err)
	}

	return &DefaultManager{
		opts:        options,
		logger:      logger.WithField("component", "sqs-consumer-manager"),
		sem:         semaphore.NewWeighted(int64(options.maxConcurrentTasks)),
		allocations: make(map[*Consumer]int),
	}, nil
}

// QueueTask runs task on a new goroutine once a worker slot is free. The
// default manager does not prioritise by permit count.
func (m *DefaultManager) QueueTask(_ *Consumer, _ int, task func()) {
	m.tasks.Go(func() {
		// Acquire cannot fail with a background context.
		_ = m.sem.Acquire(context.Background(), 1)
		defer m.sem.Release(1)

		task()
	})
}

func (m *DefaultManager) AllocatedInFlightRequests(c *Consumer) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.registerLocked(c)
}

func (m *DefaultManager) UpdateAllocatedInFlightRequests(c *Consumer, updater RequestUpdater) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.registerLocked(c)

	action := updater(current)

	switch action {
	case Increase:
		if current < m.opts.maxInFlightRequestsPerConsumer && m.total < m.opts.maxInFlightRequests {
			m.allocations[c] = current + 1
			m.total++
		}
	case Decrease:
		if current > m.opts.minInFlightRequestsPerConsumer {
			m.allocations[c] = current - 1
			m.total--
		}
	case Stay:
	}

	if m.allocations[c] != current {
		m.logger.WithField("queue_name", c.Name()).WithField("allocated", m.allocations[c]).Debugf("Elastic request allocation changed (%s)", action)
	}
}

// Deregister returns c's allocation to the shared budget.
func (m *DefaultManager) Deregister(c *Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.allocations[c]; ok {
		m.total -= n
		delete(m.allocations, c)
	}
}

// Wait blocks until every queued task has completed or ctx is done.
func (m *DefaultManager) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		m.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for consumer tasks: %w", ctx.Err())
	}
}

func (m *DefaultManager) registerLocked(c *Consumer) int {
	if n, ok := m.allocations[c]; ok {
		return n
	}

	n := min(m.opts.minInFlightRequestsPerConsumer, max(m.opts.maxInFlightRequests-m.total, 0))
	m.allocations[c] = n
	m.total += n

	return n
}
