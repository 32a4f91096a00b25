package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/parsedispatch/internal/api/shared"
	"github.com/phrazzld/parsedispatch/internal/platform/logger"
)

// NewTraceMiddleware assigns each request a trace ID and stores a logger
// tagged with it in the request context, so handlers and services log with
// the same trace_id the error response carries.
func NewTraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.SetTraceID(r.Context())
			traceID := shared.GetTraceID(ctx)

			log := base.With(slog.String("trace_id", traceID))
			ctx = logger.WithLogger(ctx, log)

			log.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
