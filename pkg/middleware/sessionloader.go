package middleware

import (
	"errors"
	"net/http"

	"github.com/medbridge-io/medbridge/pkg/contextkeys"
	"github.com/medbridge-io/medbridge/pkg/observability"
	"github.com/medbridge-io/medbridge/pkg/session"
)

// SessionLoader loads the session referenced by the request cookie and
// attaches it to the context. A missing or unloadable session leaves the
// request anonymous; only guards decide what anonymity means.
func SessionLoader(sessions *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			sess, err := sessions.Get(ctx, r)
			if err != nil {
				if !errors.Is(err, session.ErrNotFound) {
					observability.GetLogger(ctx).WithError(err).Error("failed to load session")
				}
				next.ServeHTTP(w, r)
				return
			}

			ctx = contextkeys.WithSession(ctx, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
