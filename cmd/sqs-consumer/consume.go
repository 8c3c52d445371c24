package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slackmgr/plugins/consumer"
	"github.com/slackmgr/plugins/metrics"
	"github.com/slackmgr/plugins/sqs"
	"github.com/slackmgr/types"
	"github.com/spf13/cobra"
)

type consumeFlags struct {
	queues              []string
	permits             int
	bufferSize          int
	maxInFlight         int
	maxWorkers          int
	maxMessageExtension time.Duration
	shutdownTimeout     time.Duration
	metricsAddr         string
	noDelete            bool
}

func newConsumeCommand(g *globalFlags) *cobra.Command {
	f := &consumeFlags{}

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Receive messages from one or more queues and log them",
		Long: "Receive messages from one or more queues, log each message and delete it.\n" +
			"Stops on SIGINT or SIGTERM after draining in-flight messages.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(f.queues) == 0 {
				return errors.New("at least one --queue is required")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return runConsume(ctx, g, f)
		},
	}

	cmd.Flags().StringSliceVar(&f.queues, "queue", nil, "Queue name to consume from (repeatable)")
	cmd.Flags().IntVar(&f.permits, "permits", envInt("SQS_CONSUMER_PERMITS", 10), "Messages handled concurrently per queue")
	cmd.Flags().IntVar(&f.bufferSize, "buffer-size", envInt("SQS_CONSUMER_BUFFER_SIZE", 20), "Received messages buffered per queue")
	cmd.Flags().IntVar(&f.maxInFlight, "max-in-flight-requests", envInt("SQS_CONSUMER_MAX_IN_FLIGHT_REQUESTS", 50), "Elastic receive requests shared by all queues")
	cmd.Flags().IntVar(&f.maxWorkers, "max-workers", envInt("SQS_CONSUMER_MAX_WORKERS", 100), "Dispatch tasks running at the same time")
	cmd.Flags().DurationVar(&f.maxMessageExtension, "max-message-extension", envDuration("SQS_CONSUMER_MAX_MESSAGE_EXTENSION", 0), "Extend visibility of slow messages up to this age (0 disables)")
	cmd.Flags().DurationVar(&f.shutdownTimeout, "shutdown-timeout", envDuration("SQS_CONSUMER_SHUTDOWN_TIMEOUT", consumer.DefaultShutdownTimeout), "Time allowed for draining on shutdown")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", envOr("METRICS_ADDR", ":9090"), "Listen address for /metrics (empty disables)")
	cmd.Flags().BoolVar(&f.noDelete, "no-delete", false, "Leave messages on the queue instead of deleting them")

	return cmd
}

func runConsume(ctx context.Context, g *globalFlags, f *consumeFlags) error {
	logger := g.logger

	awsCfg, err := loadAWSConfig(ctx, g.region)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	var server *http.Server
	if f.metricsAddr != "" {
		server = startMetricsServer(f.metricsAddr, registry, logger)
	}

	manager, err := consumer.NewManager(logger,
		consumer.WithMaxInFlightRequests(f.maxInFlight),
		consumer.WithMaxConcurrentTasks(f.maxWorkers),
	)
	if err != nil {
		return err
	}

	handler := &logHandler{logger: logger, noDelete: f.noDelete}

	var (
		clients   []*sqs.Client
		consumers []*consumer.Consumer
	)

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		for _, client := range clients {
			if err := client.Close(closeCtx); err != nil {
				logger.Errorf("Failed to close SQS client: %v", err)
			}
		}

		if server != nil {
			_ = server.Shutdown(closeCtx)
		}
	}()

	for _, name := range f.queues {
		client, err := sqs.New(&awsCfg, name, logger, sqs.WithMetrics(collector)).Init(ctx)
		if err != nil {
			return err
		}

		clients = append(clients, client)

		c, err := consumer.New(manager, client, handler, logger,
			consumer.WithNumPermits(f.permits),
			consumer.WithBufferSize(f.bufferSize),
			consumer.WithMaxMessageExtension(f.maxMessageExtension),
			consumer.WithShutdownTimeout(f.shutdownTimeout),
			consumer.WithMetrics(collector),
		).Init(ctx)
		if err != nil {
			return err
		}

		consumers = append(consumers, c)
	}

	for _, c := range consumers {
		if err := c.Start(); err != nil {
			return fmt.Errorf("failed to start consumer for %s: %w", c.Name(), err)
		}
	}

	logger.WithField("queues", f.queues).Info("Consuming SQS messages")

	<-ctx.Done()

	logger.Info("Shutting down SQS consumers")

	var (
		wg       sync.WaitGroup
		timedOut []string
		mu       sync.Mutex
	)

	for _, c := range consumers {
		wg.Go(func() {
			if !c.ShutdownDefault() {
				mu.Lock()
				timedOut = append(timedOut, c.Name())
				mu.Unlock()
			}
		})
	}

	wg.Wait()

	if len(timedOut) > 0 {
		return fmt.Errorf("consumers did not drain before the shutdown timeout: %v", timedOut)
	}

	return nil
}

func startMetricsServer(addr string, registry *prometheus.Registry, logger types.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server failed: %v", err)
		}
	}()

	return server
}
