// Package middleware provides the per-request guards and context plumbing
// for the SSO bridge: request IDs, host-based tenant resolution, session
// loading, the upstream session validity monitor, and the tenant access
// guard.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/medbridge-io/medbridge/pkg/contextkeys"
	"github.com/medbridge-io/medbridge/pkg/observability"
)

// RequestIDHeader carries the request correlation id
const RequestIDHeader = "X-Request-ID"

// RequestID attaches a correlation id to the request context, the response,
// and the context logger. An inbound id is honored so upstream proxies can
// correlate.
func RequestID(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			ctx := contextkeys.WithRequestID(r.Context(), requestID)
			ctx = observability.WithLogger(ctx, logger.WithField("request_id", requestID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
