//nolint:testpackage // Tests need access to unexported functions
package main

import (
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "value")
	t.Setenv("TEST_INT", "7")
	t.Setenv("TEST_BAD_INT", "seven")
	t.Setenv("TEST_DURATION", "1m30s")

	assert.Equal(t, "value", envOr("TEST_STRING", "fallback"))
	assert.Equal(t, "fallback", envOr("TEST_UNSET", "fallback"))
	assert.Equal(t, 7, envInt("TEST_INT", 1))
	assert.Equal(t, 1, envInt("TEST_BAD_INT", 1))
	assert.Equal(t, 90*time.Second, envDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, envDuration("TEST_UNSET", time.Second))
}

func TestConsumeRequiresQueue(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"consume"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--queue")
}

func TestPublishRequiresQueue(t *testing.T) {
	t.Setenv("SQS_QUEUE", "")

	root := newRootCommand()
	root.SetArgs([]string{"publish", "hello"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--queue")
}

func TestConsumeFlagDefaultsFromEnv(t *testing.T) {
	t.Setenv("SQS_CONSUMER_PERMITS", "3")
	t.Setenv("SQS_CONSUMER_SHUTDOWN_TIMEOUT", "5s")

	cmd := newConsumeCommand(&globalFlags{})

	permits, err := cmd.Flags().GetInt("permits")
	require.NoError(t, err)
	assert.Equal(t, 3, permits)

	timeout, err := cmd.Flags().GetDuration("shutdown-timeout")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, timeout)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcde...", truncate("abcdefgh", 5))

	// "é" is two bytes; cutting after the first byte must back off to the rune start.
	got := truncate("aé", 2)
	assert.Equal(t, "a...", got)
	assert.True(t, utf8.ValidString(got))

	got = truncate("日本語", 4)
	assert.Equal(t, "日...", got)
	assert.True(t, utf8.ValidString(got))
}
