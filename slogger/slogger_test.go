package slogger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"DEBUG", LevelDebug},
		{"WaRn", LevelWarn},
		{"bogus", DefaultLogLevel},
		{"", DefaultLogLevel},
	}
	for _, tc := range tests {
		require.Equal(t, tc.expected, LevelFromString(tc.input), "input %q", tc.input)
	}
}

func TestDevNullLogger(t *testing.T) {
	logger := NewDevNullLogger()
	logger.Debug("debug message", "key", "value")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")
	require.Equal(t, logger, logger.With("key", "value"))
}

func TestContextLogger(t *testing.T) {
	logger := NewDevNullLogger()
	ctx := WithLogger(context.Background(), logger)
	require.Equal(t, Logger(logger), Ctx(ctx))

	// A context without a logger yields a usable default.
	require.NotNil(t, Ctx(context.Background()))
	require.NotNil(t, Ctx(nil))
}

func TestSloggerWith(t *testing.T) {
	logger := New(LevelError)
	child := logger.With("session", "s1")
	require.NotNil(t, child)

	// Levels below the handler's threshold are dropped without panicking.
	child.Debug("suppressed")
	child.Error("visible", "key", "value")
}
