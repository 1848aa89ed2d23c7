package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/medbridge-io/medbridge/pkg/httputil"
	"github.com/medbridge-io/medbridge/pkg/identity"
	"github.com/medbridge-io/medbridge/pkg/observability"
	"github.com/medbridge-io/medbridge/pkg/session"
)

const msgNoAccess = "This account does not have access to this practice."

// UserByEmail resolves central accounts by email
type UserByEmail interface {
	ByEmail(ctx context.Context, email string) (*identity.User, error)
}

// MembershipChecker reports whether a user holds membership in a tenant
type MembershipChecker interface {
	Exists(ctx context.Context, tenantID string, userID int64) (bool, error)
}

// TenantAccessGuard enforces, on every request carrying a tenant context and
// a session, that the principal still holds membership in that tenant. A
// revoked membership turns into a 403 on the very next request even while
// the local session is otherwise valid. The denial covers this request
// only; composing it into a global logout is the outer pipeline's policy.
type TenantAccessGuard struct {
	users       UserByEmail
	memberships MembershipChecker
	metrics     *observability.Metrics
}

// NewTenantAccessGuard creates the guard
func NewTenantAccessGuard(users UserByEmail, memberships MembershipChecker, metrics *observability.Metrics) *TenantAccessGuard {
	return &TenantAccessGuard{users: users, memberships: memberships, metrics: metrics}
}

// Middleware returns the guard as mux middleware
func (g *TenantAccessGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		tenant, ok := TenantFromContext(ctx)
		if !ok {
			// Central-domain routing; nothing for this guard to protect.
			next.ServeHTTP(w, r)
			return
		}
		sess, ok := session.FromContext(ctx)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		log := observability.GetLogger(ctx)

		user, err := g.users.ByEmail(ctx, sess.Email)
		if err != nil {
			if !errors.Is(err, identity.ErrNotFound) {
				log.WithError(err).Error("failed to resolve user for access check")
			}
			g.deny(w, tenant.ID)
			return
		}

		member, err := g.memberships.Exists(ctx, tenant.ID, user.ID)
		if err != nil {
			log.WithError(err).Error("failed to check membership for access check")
			g.deny(w, tenant.ID)
			return
		}
		if !member {
			log.WithField("user_id", user.ID).Warn("membership revoked, denying request")
			g.deny(w, tenant.ID)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *TenantAccessGuard) deny(w http.ResponseWriter, tenantID string) {
	if g.metrics != nil {
		g.metrics.GuardDenialsTotal.WithLabelValues(tenantID).Inc()
	}
	httputil.WriteForbidden(w, msgNoAccess)
}
