package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/slackmgr/plugins/sqs"
	"github.com/spf13/cobra"
)

type publishFlags struct {
	queue   string
	delay   time.Duration
	groupID string
}

func newPublishCommand(g *globalFlags) *cobra.Command {
	f := &publishFlags{}

	cmd := &cobra.Command{
		Use:   "publish [body...]",
		Short: "Publish messages to a queue",
		Long:  "Publish each argument as a message body. With no arguments, each line of stdin is published.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.queue == "" {
				return errors.New("--queue is required")
			}

			return runPublish(cmd.Context(), g, f, args, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&f.queue, "queue", os.Getenv("SQS_QUEUE"), "Queue name to publish to")
	cmd.Flags().DurationVar(&f.delay, "delay", 0, "Delivery delay for each message (standard queues only)")
	cmd.Flags().StringVar(&f.groupID, "group-id", "", "Message group ID (FIFO queues only)")

	return cmd
}

func runPublish(ctx context.Context, g *globalFlags, f *publishFlags, args []string, in io.Reader, out io.Writer) error {
	awsCfg, err := loadAWSConfig(ctx, g.region)
	if err != nil {
		return err
	}

	opts := []sqs.Option{}
	if f.groupID != "" {
		opts = append(opts, sqs.WithMessageGroupID(f.groupID))
	}

	client, err := sqs.New(&awsCfg, f.queue, g.logger, opts...).Init(ctx)
	if err != nil {
		return err
	}

	defer func() {
		_ = client.Close(context.WithoutCancel(ctx))
	}()

	publish := func(body string) error {
		var (
			id  string
			err error
		)

		if f.delay > 0 {
			id, err = client.PublishMessageWithDelay(ctx, body, f.delay)
		} else {
			id, err = client.PublishMessage(ctx, body)
		}

		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(out, id)

		return err
	}

	if len(args) > 0 {
		for _, body := range args {
			if err := publish(body); err != nil {
				return err
			}
		}

		return nil
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if scanner.Text() == "" {
			continue
		}

		if err := publish(scanner.Text()); err != nil {
			return err
		}
	}

	return scanner.Err()
}
