package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/medbridge-io/medbridge/pkg/httputil"
	"github.com/medbridge-io/medbridge/pkg/observability"
	"github.com/medbridge-io/medbridge/pkg/session"
)

const msgSessionEnded = "Your session has ended. Please sign in again."

// UpstreamVerifier probes whether the IdP still honors an access token.
// (false, nil) means the IdP rejected it; a non-nil error means the IdP
// could not be reached at all.
type UpstreamVerifier interface {
	VerifyUpstream(ctx context.Context, accessToken string) (bool, error)
}

// SessionValidityMonitor re-validates the upstream IdP session on full-page
// requests. Only IdP-originated principals are checked, at most once per
// recheck interval. A session the IdP no longer honors is terminated; an
// unreachable IdP is logged and the request proceeds, the single fail-open
// point in the bridge.
type SessionValidityMonitor struct {
	sessions        *session.Manager
	verifier        UpstreamVerifier
	recheckInterval time.Duration
	centralLoginURL string
	skipPaths       map[string]struct{}
	metrics         *observability.Metrics
}

// NewSessionValidityMonitor creates a monitor. skipPaths should hold the
// login, callback, redemption, and logout routes: the flow's own endpoints
// never pay the probe.
func NewSessionValidityMonitor(
	sessions *session.Manager,
	verifier UpstreamVerifier,
	recheckInterval time.Duration,
	centralLoginURL string,
	skipPaths []string,
	metrics *observability.Metrics,
) *SessionValidityMonitor {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return &SessionValidityMonitor{
		sessions:        sessions,
		verifier:        verifier,
		recheckInterval: recheckInterval,
		centralLoginURL: centralLoginURL,
		skipPaths:       skip,
		metrics:         metrics,
	}
}

// Middleware returns the monitor as mux middleware
func (m *SessionValidityMonitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		// Cheap requests never pay remote-verification latency: the flow's
		// own routes and anything that is not a full-page navigation skip
		// the probe entirely.
		if _, skip := m.skipPaths[r.URL.Path]; skip || !httputil.FullPageRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		sess, ok := session.FromContext(ctx)
		if !ok || !sess.FromIdP() {
			next.ServeHTTP(w, r)
			return
		}

		if time.Since(sess.LastUpstreamCheck) < m.recheckInterval {
			next.ServeHTTP(w, r)
			return
		}

		log := observability.GetLogger(ctx)

		// No cached token means the provider session is gone from our side
		// already; treat it the same as an upstream rejection.
		if sess.Tokens == nil || sess.Tokens.AccessToken == "" {
			m.result("no_token")
			m.terminate(w, r, sess)
			return
		}

		valid, err := m.verifier.VerifyUpstream(ctx, sess.Tokens.AccessToken)
		if err != nil {
			// Provider outage. Users are not punished for it; log and move on.
			m.result("unreachable")
			log.WithError(err).Warn("upstream session probe failed, proceeding")
			next.ServeHTTP(w, r)
			return
		}
		if !valid {
			m.result("revoked")
			log.WithField("user_id", sess.UserID).Info("upstream session revoked, terminating local session")
			m.terminate(w, r, sess)
			return
		}

		m.result("ok")
		sess.LastUpstreamCheck = time.Now().UTC()
		if err := m.sessions.Save(ctx, sess); err != nil {
			log.WithError(err).Error("failed to record upstream check time")
		}
		next.ServeHTTP(w, r)
	})
}

// terminate tears the local session down: provider state cleared, the
// anti-forgery token rotated, the session destroyed, and the browser sent
// to the login page with an explanation.
func (m *SessionValidityMonitor) terminate(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	ctx := r.Context()
	log := observability.GetLogger(ctx)

	if err := m.sessions.ClearProviderState(ctx, sess); err != nil {
		log.WithError(err).Error("failed to clear provider state")
	}
	if err := m.sessions.RotateCSRF(ctx, sess); err != nil {
		log.WithError(err).Error("failed to rotate anti-forgery token")
	}
	if err := m.sessions.Destroy(ctx, w, sess); err != nil {
		log.WithError(err).Error("failed to destroy session")
	}

	target := m.centralLoginURL
	if tenant, ok := TenantFromContext(ctx); ok {
		target = tenant.LoginURL()
	}
	httputil.RedirectWithParams(w, r, target, map[string]string{
		"reason":  "session_expired",
		"message": msgSessionEnded,
	})
}

func (m *SessionValidityMonitor) result(result string) {
	if m.metrics != nil {
		m.metrics.SessionChecksTotal.WithLabelValues(result).Inc()
	}
}
