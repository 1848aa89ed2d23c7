package sso

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/medbridge-io/medbridge/pkg/config"
	"github.com/medbridge-io/medbridge/pkg/httputil"
	"github.com/medbridge-io/medbridge/pkg/identity"
	"github.com/medbridge-io/medbridge/pkg/observability"
	"github.com/medbridge-io/medbridge/pkg/session"
	"github.com/medbridge-io/medbridge/pkg/tenants"
)

// HostTenantResolver resolves the tenant implied by a request host
type HostTenantResolver interface {
	FromHost(ctx context.Context, host string) (*tenants.Tenant, error)
}

// UserLookup resolves central accounts by primary key at redemption time
type UserLookup interface {
	ByID(ctx context.Context, id int64) (*identity.User, error)
}

// Handlers exposes the SSO flow over HTTP: login redirect, IdP callback,
// handoff redemption, and logout.
type Handlers struct {
	resolver   HostTenantResolver
	authorizer *Authorizer
	processor  *Processor
	handoff    *Handoff
	users      UserLookup
	sessions   *session.Manager

	cfg     config.SSOConfig
	central string
	metrics *observability.Metrics
}

// NewHandlers wires the SSO HTTP surface
func NewHandlers(
	resolver HostTenantResolver,
	authorizer *Authorizer,
	processor *Processor,
	handoff *Handoff,
	users UserLookup,
	sessions *session.Manager,
	cfg config.SSOConfig,
	centralLoginURL string,
	metrics *observability.Metrics,
) *Handlers {
	return &Handlers{
		resolver:   resolver,
		authorizer: authorizer,
		processor:  processor,
		handoff:    handoff,
		users:      users,
		sessions:   sessions,
		cfg:        cfg,
		central:    centralLoginURL,
		metrics:    metrics,
	}
}

// RegisterRoutes mounts the SSO endpoints on the router
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(h.cfg.LoginPath, h.Login).Methods(http.MethodGet)
	r.HandleFunc(h.cfg.CallbackPath, h.Callback).Methods(http.MethodGet)
	r.HandleFunc(h.cfg.RedeemPath, h.Redeem).Methods(http.MethodGet)
	r.HandleFunc(h.cfg.LogoutPath, h.Logout).Methods(http.MethodGet)
}

// Login starts the flow: the tenant is implied by the requesting host and
// pinned into the signed state before the browser leaves for the IdP.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observability.GetLogger(ctx)

	tenant, err := h.resolver.FromHost(ctx, r.Host)
	if err != nil || tenant == nil {
		if err != nil {
			log.WithError(err).WithField("host", r.Host).Error("failed to resolve tenant for login")
		}
		h.redirectCentral(w, r, CodeConfigurationError, msgMisconfigured)
		return
	}

	authURL, err := h.authorizer.AuthorizeURL(tenant)
	if err != nil {
		log.WithError(err).WithTenant(tenant.ID).Error("failed to build authorize URL")
		httputil.RedirectWithParams(w, r, tenant.LoginURL(), map[string]string{
			"error":   string(CodeConfigurationError),
			"message": msgTryAgain,
		})
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback receives the IdP's response and runs the pipeline
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, fe := h.processor.Process(r.Context(), CallbackRequest{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		ErrorParam:       q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if fe != nil {
		h.redirectFlowError(w, r, fe)
		return
	}
	if h.metrics != nil {
		h.metrics.CallbackTotal.WithLabelValues("ok").Inc()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// Redeem consumes a handoff code on the tenant's own domain. This is the
// only handler that creates a tenant session cookie.
func (h *Handlers) Redeem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observability.GetLogger(ctx)

	tenant, err := h.resolver.FromHost(ctx, r.Host)
	if err != nil || tenant == nil {
		h.redeemResult("no_tenant")
		h.redirectCentral(w, r, CodeConfigurationError, msgMisconfigured)
		return
	}
	log = log.WithTenant(tenant.ID)

	code := r.URL.Query().Get("code")
	if code == "" {
		h.redeemResult("missing_code")
		h.redirectLogin(w, r, tenant, CodeHandoffNotFound, msgLinkInvalid)
		return
	}

	grant, err := h.handoff.Redeem(ctx, code)
	if err != nil {
		errCode, msg, result := classifyRedeemError(err)
		h.redeemResult(result)
		log.WithField("code_hash", HashCode(code)).WithError(err).Warn("handoff redemption failed")
		h.redirectLogin(w, r, tenant, errCode, msg)
		return
	}

	// A grant is only redeemable on the domain of the tenant it was issued
	// for. A code carried to another tenant's domain dies here.
	if grant.TenantID != tenant.ID {
		h.redeemResult("tenant_mismatch")
		log.WithField("grant_tenant", grant.TenantID).Warn("handoff code presented on wrong tenant domain")
		h.redirectLogin(w, r, tenant, CodeHandoffNotFound, msgLinkInvalid)
		return
	}

	user, err := h.users.ByID(ctx, grant.UserID)
	if err != nil {
		h.redeemResult("user_lookup_failed")
		log.WithError(err).Error("failed to load user at redemption")
		h.redirectLogin(w, r, tenant, CodeUserNotFound, msgTryAgain)
		return
	}

	sess := &session.Session{
		UserID:            user.ID,
		TenantID:          tenant.ID,
		Email:             user.Email,
		Tokens:            grant.Tokens,
		LastUpstreamCheck: time.Now().UTC(),
	}
	if user.ExternalSubject != nil {
		sess.ExternalSubject = *user.ExternalSubject
	}
	if err := h.sessions.Create(ctx, w, sess); err != nil {
		h.redeemResult("session_create_failed")
		log.WithError(err).Error("failed to create session at redemption")
		h.redirectLogin(w, r, tenant, CodeHandoffNotFound, msgTryAgain)
		return
	}

	h.redeemResult("ok")
	log.WithField("user_id", user.ID).Info("handoff redeemed, session established")

	target := grant.TargetPath
	if target == "" {
		target = h.cfg.DefaultLandingPath
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// Logout destroys the local session and lands on the tenant login page
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if sess, err := h.sessions.Get(ctx, r); err == nil {
		if err := h.sessions.Destroy(ctx, w, sess); err != nil {
			observability.GetLogger(ctx).WithError(err).Error("failed to destroy session on logout")
		}
	}

	tenant, err := h.resolver.FromHost(ctx, r.Host)
	if err != nil || tenant == nil {
		http.Redirect(w, r, h.central, http.StatusFound)
		return
	}
	http.Redirect(w, r, tenant.LoginURL(), http.StatusFound)
}

// redirectFlowError lands a failed callback on the right login page: the
// bound tenant's own page when one is known, the central login otherwise.
func (h *Handlers) redirectFlowError(w http.ResponseWriter, r *http.Request, fe *FlowError) {
	if h.metrics != nil {
		h.metrics.CallbackTotal.WithLabelValues(string(fe.Code)).Inc()
	}
	observability.GetLogger(r.Context()).WithError(fe).WithField("code", string(fe.Code)).Warn("callback pipeline failed")

	if fe.Tenant != nil {
		h.redirectLogin(w, r, fe.Tenant, fe.Code, fe.UserMessage)
		return
	}
	h.redirectCentral(w, r, fe.Code, fe.UserMessage)
}

func (h *Handlers) redirectLogin(w http.ResponseWriter, r *http.Request, tenant *tenants.Tenant, code ErrorCode, msg string) {
	httputil.RedirectWithParams(w, r, tenant.LoginURL(), map[string]string{
		"error":   string(code),
		"message": msg,
	})
}

func (h *Handlers) redirectCentral(w http.ResponseWriter, r *http.Request, code ErrorCode, msg string) {
	httputil.RedirectWithParams(w, r, h.central, map[string]string{
		"error":   string(code),
		"message": msg,
	})
}

func (h *Handlers) redeemResult(result string) {
	if h.metrics != nil {
		h.metrics.HandoffRedeemedTotal.WithLabelValues(result).Inc()
	}
}

func classifyRedeemError(err error) (ErrorCode, string, string) {
	switch {
	case errors.Is(err, ErrCodeAlreadyUsed):
		return CodeHandoffAlreadyUsed, msgLinkUsed, "already_used"
	case errors.Is(err, ErrCodeExpired):
		return CodeHandoffExpired, msgLinkExpired, "expired"
	case errors.Is(err, ErrCodeNotFound):
		return CodeHandoffNotFound, msgLinkInvalid, "not_found"
	default:
		return CodeHandoffNotFound, msgTryAgain, "error"
	}
}
