// Command sqs-consumer consumes and publishes SQS messages using the consumer
// runtime in this module.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/slackmgr/plugins/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	region    string
	logLevel  string
	logFormat string
	logger    *logging.Logger
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "sqs-consumer",
		Short:         "Consume and publish SQS messages",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			level := logging.ParseLevel(g.logLevel, slog.LevelInfo)
			g.logger = logging.New(os.Stderr, g.logFormat, level)
		},
	}

	root.PersistentFlags().StringVar(&g.region, "region", os.Getenv("AWS_REGION"), "AWS region (defaults to the SDK's resolution chain)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", os.Getenv("LOG_LEVEL"), "Log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", envOr("LOG_FORMAT", "text"), "Log format: text|json")

	root.AddCommand(newConsumeCommand(g))
	root.AddCommand(newPublishCommand(g))

	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}

	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}

	return v
}
