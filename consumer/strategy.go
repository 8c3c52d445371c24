package consumer

import (
	"context"
	"time"

	"github.com/slackmgr/plugins/sqs"
)

// Action is a proposed change to a consumer's elastic request allocation.
type Action int

const (
	Stay Action = iota
	Increase
	Decrease
)

func (a Action) String() string {
	switch a {
	case Increase:
		return "increase"
	case Decrease:
		return "decrease"
	default:
		return "stay"
	}
}

// RequestUpdater decides how a consumer's elastic request allocation should
// change, given the current allocation.
type RequestUpdater func(allocated int) Action

// BackoffStrategy turns the receive failure rate of the current window into
// a delay during which no new work is issued.
type BackoffStrategy interface {
	// DelayTime returns the delay for a failure rate between 0 and 1.
	// A non-positive delay clears any active backoff.
	DelayTime(failureRate float64) time.Duration

	// WindowSize is the length of the failure rate window and the interval
	// of the consumer's recurring timer.
	WindowSize() time.Duration
}

// ExpirationStrategy decides whether a buffered message is too old to be
// handled.
type ExpirationStrategy interface {
	IsExpired(msg sqs.Message, attrs sqs.Attributes, now time.Time) bool
}

// LoadBalanceStrategy proposes allocation changes after a successful elastic
// receive.
type LoadBalanceStrategy interface {
	OnReceiveSuccess(count int) Action
}

// Handler processes messages. It must settle every message by calling
// exactly one of Delete, Retry or Ignore on the acknowledger, either before
// returning or later from another goroutine.
type Handler interface {
	HandleMessage(ctx context.Context, msg sqs.Message, ack *Acknowledger)
}

// HandlerFunc adapts a function to the [Handler] interface.
type HandlerFunc func(ctx context.Context, msg sqs.Message, ack *Acknowledger)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg sqs.Message, ack *Acknowledger) {
	f(ctx, msg, ack)
}

// PermitChangeSource may be implemented by a [Handler] to change the
// consumer's permit count at runtime. Each value received is passed to
// [Consumer.SetNumPermits].
type PermitChangeSource interface {
	PermitChanges() <-chan int
}

const defaultWindowSize = 10 * time.Second

// LinearBackoff delays new work by failureRate * MaxDelay.
type LinearBackoff struct {
	MaxDelay time.Duration
	Window   time.Duration
}

func (b LinearBackoff) DelayTime(failureRate float64) time.Duration {
	failureRate = min(max(failureRate, 0), 1)
	return time.Duration(failureRate * float64(b.MaxDelay))
}

func (b LinearBackoff) WindowSize() time.Duration {
	if b.Window <= 0 {
		return defaultWindowSize
	}

	return b.Window
}

// NoBackoff never delays new work.
type NoBackoff struct {
	Window time.Duration
}

func (NoBackoff) DelayTime(float64) time.Duration {
	return 0
}

func (b NoBackoff) WindowSize() time.Duration {
	if b.Window <= 0 {
		return defaultWindowSize
	}

	return b.Window
}

// VisibilityTimeoutExpiration expires a message once the queue's visibility
// timeout has passed since it was received, since another consumer may
// already have received it again. A zero visibility timeout never expires.
type VisibilityTimeoutExpiration struct{}

func (VisibilityTimeoutExpiration) IsExpired(msg sqs.Message, attrs sqs.Attributes, now time.Time) bool {
	if attrs.VisibilityTimeout <= 0 {
		return false
	}

	return msg.ReceivedTime.Add(attrs.VisibilityTimeout).Before(now)
}

// NeverExpire never expires messages.
type NeverExpire struct{}

func (NeverExpire) IsExpired(sqs.Message, sqs.Attributes, time.Time) bool {
	return false
}

// ThresholdLoadBalance asks for one more elastic request after a receive of
// at least IncreaseAt messages, and one fewer after an empty receive.
type ThresholdLoadBalance struct {
	IncreaseAt int
}

func (s ThresholdLoadBalance) OnReceiveSuccess(count int) Action {
	switch {
	case count == 0:
		return Decrease
	case count >= max(s.IncreaseAt, 1):
		return Increase
	default:
		return Stay
	}
}
