package logger_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/relay-api/internal/config"
	"github.com/phrazzld/relay-api/internal/platform/logger"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
	}{
		{"debug level", "debug"},
		{"info level", "info"},
		{"warn level", "warn"},
		{"error level", "error"},
		{"mixed case", "DeBuG"},
		{"empty defaults to info", ""},
		{"invalid defaults to info", "verbose"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := logger.Setup(config.ServerConfig{LogLevel: tt.logLevel})
			require.NoError(t, err)
			require.NotNil(t, log)
		})
	}
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	t.Run("returns stored logger", func(t *testing.T) {
		t.Parallel()

		stored := slog.New(slog.NewTextHandler(io.Discard, nil))
		ctx := logger.WithLogger(context.Background(), stored)

		assert.Same(t, stored, logger.FromContext(ctx))
	})

	t.Run("falls back to default when absent", func(t *testing.T) {
		t.Parallel()

		got := logger.FromContext(context.Background())
		require.NotNil(t, got)
	})

	t.Run("FromContextOrDefault uses the given fallback", func(t *testing.T) {
		t.Parallel()

		fallback := slog.New(slog.NewTextHandler(io.Discard, nil))
		assert.Same(t, fallback, logger.FromContextOrDefault(context.Background(), fallback))
	})
}

func TestWithRequestID(t *testing.T) {
	t.Parallel()

	ctx := logger.WithRequestID(context.Background(), "req-123")

	id, ok := logger.RequestIDFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "req-123", id)

	// The context logger carries the correlation ID too.
	require.NotNil(t, logger.FromContext(ctx))

	_, ok = logger.RequestIDFromContext(context.Background())
	assert.False(t, ok)
}
