// Package metrics exposes Prometheus instrumentation for the SQS consumer
// runtime. A nil *Collector is valid and records nothing, so components can
// call it unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sqs_consumer"

// Collector holds the runtime's metric vectors.
type Collector struct {
	MessagesReceived   *prometheus.CounterVec
	MessagesDispatched *prometheus.CounterVec
	MessagesExpired    *prometheus.CounterVec
	Acknowledgements   *prometheus.CounterVec
	ReceiveErrors      *prometheus.CounterVec
	HandlerPanics      *prometheus.CounterVec
	PermitsInUse       *prometheus.GaugeVec
	BufferedMessages   *prometheus.GaugeVec
	BatchCalls         *prometheus.CounterVec
	BatchEntries       *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers its metrics with reg.
// Passing prometheus.DefaultRegisterer exposes them on the default
// /metrics handler.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of messages received from the queue",
			},
			[]string{"queue", "request"},
		),
		MessagesDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dispatched_total",
				Help:      "Total number of messages handed to the message handler",
			},
			[]string{"queue"},
		),
		MessagesExpired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_expired_total",
				Help:      "Total number of buffered messages dropped because their visibility timeout had passed",
			},
			[]string{"queue"},
		),
		Acknowledgements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acknowledgements_total",
				Help:      "Total number of message settlements by action",
			},
			[]string{"queue", "action"},
		),
		ReceiveErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "receive_errors_total",
				Help:      "Total number of failed receive requests",
			},
			[]string{"queue"},
		),
		HandlerPanics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_panics_total",
				Help:      "Total number of recovered message handler panics",
			},
			[]string{"queue"},
		),
		PermitsInUse: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "permits_in_use",
				Help:      "Number of messages currently being processed",
			},
			[]string{"queue"},
		),
		BufferedMessages: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffered_messages",
				Help:      "Number of received messages waiting for a permit",
			},
			[]string{"queue"},
		),
		BatchCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_calls_total",
				Help:      "Total number of SQS batch API calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		BatchEntries: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_entries",
				Help:      "Number of entries per SQS batch API call",
				Buckets:   []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			},
			[]string{"operation"},
		),
	}
}

func (c *Collector) ObserveReceive(queue, request string, count int) {
	if c == nil {
		return
	}

	c.MessagesReceived.WithLabelValues(queue, request).Add(float64(count))
}

func (c *Collector) ObserveReceiveError(queue string) {
	if c == nil {
		return
	}

	c.ReceiveErrors.WithLabelValues(queue).Inc()
}

func (c *Collector) ObserveDispatch(queue string) {
	if c == nil {
		return
	}

	c.MessagesDispatched.WithLabelValues(queue).Inc()
}

func (c *Collector) ObserveExpired(queue string) {
	if c == nil {
		return
	}

	c.MessagesExpired.WithLabelValues(queue).Inc()
}

func (c *Collector) ObserveAck(queue, action string) {
	if c == nil {
		return
	}

	c.Acknowledgements.WithLabelValues(queue, action).Inc()
}

func (c *Collector) ObserveHandlerPanic(queue string) {
	if c == nil {
		return
	}

	c.HandlerPanics.WithLabelValues(queue).Inc()
}

// SetConsumerState records the consumer's current permit and buffer usage.
func (c *Collector) SetConsumerState(queue string, permitsInUse, buffered int) {
	if c == nil {
		return
	}

	c.PermitsInUse.WithLabelValues(queue).Set(float64(permitsInUse))
	c.BufferedMessages.WithLabelValues(queue).Set(float64(buffered))
}

// ObserveBatch records one batch API call. A nil err counts as success even
// when individual entries failed.
func (c *Collector) ObserveBatch(operation string, entries int, err error) {
	if c == nil {
		return
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}

	c.BatchCalls.WithLabelValues(operation, outcome).Inc()
	c.BatchEntries.WithLabelValues(operation).Observe(float64(entries))
}
