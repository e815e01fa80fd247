// Package middleware provides HTTP middleware shared by the API routes.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/relay-api/internal/api/shared"
)

// NewTraceMiddleware returns middleware that attaches a trace ID to the
// request context. It should be applied early in the middleware chain so
// that all subsequent handlers have access to the trace ID.
func NewTraceMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.SetTraceID(r.Context())
			traceID := shared.GetTraceID(ctx)

			logger.Debug("request started",
				slog.String("trace_id", traceID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
