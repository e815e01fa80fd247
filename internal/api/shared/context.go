package shared

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"time"
)

// ContextKey types request-scoped context values.
type ContextKey string

const (
	// TraceIDKey carries the per-request trace ID.
	TraceIDKey ContextKey = "traceID"

	// TraceIDLength is the trace ID size in bytes (32 hex characters).
	TraceIDLength = 16
)

// SetTraceID attaches a fresh trace ID to ctx so logs and error responses
// for the same request can be correlated.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey, generateTraceID())
}

// GetTraceID returns the trace ID from ctx, or "" when none is set.
func GetTraceID(ctx context.Context) string {
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok {
		return ""
	}
	return traceID
}

func generateTraceID() string {
	b := make([]byte, TraceIDLength)
	if n, err := rand.Read(b); err != nil || n != TraceIDLength {
		slog.Error("failed to generate random trace ID", "error", err, "bytes_read", n)
		// Timestamp-derived fallback; weaker, but never a fixed value.
		binary.BigEndian.PutUint64(b[:8], uint64(time.Now().UnixNano()))
		binary.BigEndian.PutUint32(b[8:12], uint32(time.Now().Nanosecond()))
		binary.BigEndian.PutUint32(b[12:16], uint32(time.Now().Unix()))
	}
	return hex.EncodeToString(b)
}
