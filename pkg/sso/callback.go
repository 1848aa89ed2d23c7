package sso

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"github.com/medbridge-io/medbridge/pkg/identity"
	"github.com/medbridge-io/medbridge/pkg/observability"
	"github.com/medbridge-io/medbridge/pkg/session"
	"github.com/medbridge-io/medbridge/pkg/tenants"
	"github.com/medbridge-io/medbridge/pkg/tenantusers"
)

// CallbackRequest carries the query parameters the IdP sent back
type CallbackRequest struct {
	Code             string
	State            string
	ErrorParam       string
	ErrorDescription string
}

// TenantResolver resolves tenants by slug
type TenantResolver interface {
	ByID(ctx context.Context, id string) (*tenants.Tenant, error)
}

// TokenExchanger swaps an authorization code for tokens
type TokenExchanger interface {
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// UserResolver resolves central accounts by external subject
type UserResolver interface {
	BySubject(ctx context.Context, subject string) (*identity.User, error)
}

// MembershipChecker reports whether a user holds membership in a tenant
type MembershipChecker interface {
	Exists(ctx context.Context, tenantID string, userID int64) (bool, error)
}

// StoreActivator opens a scoped tenant-store activation
type StoreActivator interface {
	Activate(ctx context.Context, tenant *tenants.Tenant) (context.Context, func(), error)
}

// Processor runs the callback pipeline: an ordered sequence of validations
// that turns an IdP callback into an issued handoff code, or a FlowError
// bound to the right tenant. Every check after tenant resolution fails
// toward that tenant's own login page.
type Processor struct {
	codec       *StateCodec
	tenants     TenantResolver
	exchanger   TokenExchanger
	source      IdentitySource
	users       UserResolver
	memberships MembershipChecker
	stores      StoreActivator
	handoff     *Handoff

	redeemPath  string
	landingPath string
	metrics     *observability.Metrics
}

// NewProcessor wires the callback pipeline
func NewProcessor(
	codec *StateCodec,
	tenantResolver TenantResolver,
	exchanger TokenExchanger,
	source IdentitySource,
	users UserResolver,
	memberships MembershipChecker,
	stores StoreActivator,
	handoff *Handoff,
	redeemPath, landingPath string,
	metrics *observability.Metrics,
) *Processor {
	return &Processor{
		codec:       codec,
		tenants:     tenantResolver,
		exchanger:   exchanger,
		source:      source,
		users:       users,
		memberships: memberships,
		stores:      stores,
		handoff:     handoff,
		redeemPath:  redeemPath,
		landingPath: landingPath,
		metrics:     metrics,
	}
}

// Process runs the pipeline and returns the tenant-domain redemption URL.
// On failure it returns a FlowError whose Tenant field tells the handler
// which login page to land on.
func (p *Processor) Process(ctx context.Context, req CallbackRequest) (string, *FlowError) {
	log := observability.GetLogger(ctx)

	// State first: until it decodes and its tenant resolves, no tenant is
	// known and errors can only land on the central login.
	payload, err := p.codec.Decode(req.State)
	if err != nil || payload.TenantID == "" {
		return "", flowError(CodeInvalidState, msgLinkInvalid, nil, err)
	}

	tenant, err := p.tenants.ByID(ctx, payload.TenantID)
	if err != nil {
		if errors.Is(err, tenants.ErrNotFound) {
			return "", flowError(CodeUnknownTenant, msgLinkInvalid, nil, err)
		}
		return "", flowError(CodeUnknownTenant, msgTryAgain, nil, err)
	}
	if tenant.Status != tenants.StatusActive {
		return "", flowError(CodeUnknownTenant, msgLinkInvalid, nil, nil)
	}
	log = log.WithTenant(tenant.ID)

	if req.ErrorParam != "" {
		log.WithFields(map[string]interface{}{
			"idp_error":       req.ErrorParam,
			"idp_description": req.ErrorDescription,
		}).Warn("identity provider reported an error")
		return "", flowError(CodeProviderError, msgAuthFailed, tenant, nil)
	}

	if req.Code == "" || req.State == "" {
		return "", flowError(CodeMissingParameters, msgAuthFailed, tenant, nil)
	}

	start := time.Now()
	token, err := p.exchanger.Exchange(ctx, req.Code)
	if p.metrics != nil {
		p.metrics.ExchangeDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		log.WithError(err).Error("authorization code exchange failed")
		return "", flowError(CodeExchangeFailed, msgAuthFailed, tenant, err)
	}

	ident, err := resolveIdentity(ctx, p.source, token)
	if err != nil {
		log.WithError(err).Error("no identity in ID token or userinfo")
		return "", flowError(CodeMissingIdentity, msgAuthFailed, tenant, err)
	}
	if ident.Subject == "" {
		return "", flowError(CodeMissingSubject, msgAuthFailed, tenant, nil)
	}

	user, err := p.users.BySubject(ctx, ident.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			log.Warn("no central account for external subject")
			return "", flowError(CodeUserNotFound, msgNoAccount, tenant, err)
		}
		return "", flowError(CodeUserNotFound, msgTryAgain, tenant, err)
	}

	// Membership is checked against the tenant from state and nothing else.
	// Holding membership in some other tenant changes nothing here.
	member, err := p.memberships.Exists(ctx, tenant.ID, user.ID)
	if err != nil {
		return "", flowError(CodeNotAMember, msgTryAgain, tenant, err)
	}
	if !member {
		log.WithField("user_id", user.ID).Warn("account is not a member of tenant")
		return "", flowError(CodeNotAMember, msgNoAccess, tenant, nil)
	}

	if fe := p.resolveTenantUser(ctx, tenant, user, ident, log); fe != nil {
		return "", fe
	}

	code, err := p.handoff.Issue(ctx, Grant{
		UserID:     user.ID,
		TenantID:   tenant.ID,
		TargetPath: p.landingPath,
		Tokens: &session.ProviderTokens{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			Expiry:       token.Expiry,
		},
	})
	if err != nil {
		log.WithError(err).Error("failed to issue handoff code")
		return "", flowError(CodeExchangeFailed, msgTryAgain, tenant, err)
	}
	if p.metrics != nil {
		p.metrics.HandoffIssuedTotal.Inc()
	}

	log.WithField("user_id", user.ID).Info("callback pipeline complete, handing off")
	return tenant.BaseURL() + p.redeemPath + "?code=" + code, nil
}

// resolveTenantUser runs the tenant-store steps under a scoped activation.
// The release is deferred so the store cannot stay active past this call on
// any exit path.
func (p *Processor) resolveTenantUser(ctx context.Context, tenant *tenants.Tenant, user *identity.User, ident *Identity, log *observability.Logger) *FlowError {
	ctx, release, err := p.stores.Activate(ctx, tenant)
	if p.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		p.metrics.TenantActivationsTotal.WithLabelValues(result).Inc()
	}
	if err != nil {
		log.WithError(err).Error("failed to activate tenant store")
		return flowError(CodeNoTenantAccount, msgTryAgain, tenant, err)
	}
	defer release()

	tu, err := tenantusers.ByEmail(ctx, user.Email)
	if err != nil {
		if errors.Is(err, tenantusers.ErrNotFound) {
			log.WithField("user_id", user.ID).Warn("no tenant-store record for account")
			return flowError(CodeNoTenantAccount, msgNoAccess, tenant, err)
		}
		return flowError(CodeNoTenantAccount, msgTryAgain, tenant, err)
	}

	// Display-name drift is cosmetic; a failed sync never blocks login.
	if err := tenantusers.SyncDisplayName(ctx, tu, ident.Name); err != nil {
		log.WithError(err).Warn("failed to sync display name")
	}
	return nil
}
