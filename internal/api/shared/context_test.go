package shared

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceID(t *testing.T) {
	t.Parallel()

	t.Run("absent from a bare context", func(t *testing.T) {
		t.Parallel()

		assert.Empty(t, GetTraceID(context.Background()))
	})

	t.Run("set and retrieved", func(t *testing.T) {
		t.Parallel()

		ctx := SetTraceID(context.Background())
		traceID := GetTraceID(ctx)
		require.NotEmpty(t, traceID)

		assert.Len(t, traceID, TraceIDLength*2)
		_, err := hex.DecodeString(traceID)
		assert.NoError(t, err, "trace ID should be hex")
	})

	t.Run("each request gets its own ID", func(t *testing.T) {
		t.Parallel()

		seen := map[string]bool{}
		for i := 0; i < 50; i++ {
			id := GetTraceID(SetTraceID(context.Background()))
			assert.False(t, seen[id], "trace ID repeated: %s", id)
			seen[id] = true
		}
	})

	t.Run("non-string value under the key yields empty", func(t *testing.T) {
		t.Parallel()

		ctx := context.WithValue(context.Background(), TraceIDKey, 42)
		assert.Empty(t, GetTraceID(ctx))
	})
}
