package main

import (
	"context"
	"unicode/utf8"

	"github.com/slackmgr/plugins/consumer"
	"github.com/slackmgr/plugins/sqs"
	"github.com/slackmgr/types"
)

const maxLoggedBody = 256

// logHandler logs every message and then deletes it, or ignores it when
// noDelete is set so that it becomes visible again after the visibility
// timeout.
type logHandler struct {
	logger   types.Logger
	noDelete bool
}

func (h *logHandler) HandleMessage(_ context.Context, msg sqs.Message, ack *consumer.Acknowledger) {
	body := truncate(msg.Body, maxLoggedBody)

	h.logger.
		WithField("message_id", msg.ID).
		WithField("receive_count", msg.Attributes["ApproximateReceiveCount"]).
		Infof("Received message: %s", body)

	var err error
	if h.noDelete {
		err = ack.Ignore()
	} else {
		err = ack.Delete()
	}

	if err != nil {
		h.logger.WithField("message_id", msg.ID).Errorf("Failed to settle message: %v", err)
	}
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}

	return s[:n] + "..."
}
