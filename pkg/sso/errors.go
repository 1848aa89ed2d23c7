package sso

import (
	"fmt"

	"github.com/medbridge-io/medbridge/pkg/tenants"
)

// ErrorCode identifies a terminal failure in the SSO flow. Codes travel as
// query parameters on error redirects and as metric labels; the text shown
// to users comes from UserMessage, never from the underlying error.
type ErrorCode string

const (
	// CodeConfigurationError - no tenant is resolvable for the requesting host
	CodeConfigurationError ErrorCode = "configuration_error"
	// CodeInvalidState - the state parameter is missing, unparseable, fails
	// its integrity check, or names no tenant
	CodeInvalidState ErrorCode = "invalid_state"
	// CodeUnknownTenant - state names a tenant that does not exist or is not active
	CodeUnknownTenant ErrorCode = "unknown_tenant"
	// CodeProviderError - the IdP reported an error on the callback
	CodeProviderError ErrorCode = "provider_error"
	// CodeMissingParameters - the callback lacks code or state
	CodeMissingParameters ErrorCode = "missing_parameters"
	// CodeExchangeFailed - the authorization code exchange failed
	CodeExchangeFailed ErrorCode = "exchange_failed"
	// CodeMissingIdentity - neither the ID token nor userinfo yielded an identity
	CodeMissingIdentity ErrorCode = "missing_identity"
	// CodeMissingSubject - the IdP identity carries no subject claim
	CodeMissingSubject ErrorCode = "missing_subject"
	// CodeUserNotFound - no central account matches the external subject
	CodeUserNotFound ErrorCode = "user_not_found"
	// CodeNotAMember - the account holds no membership in the tenant from state
	CodeNotAMember ErrorCode = "not_a_member"
	// CodeNoTenantAccount - the tenant's own store holds no record for the account
	CodeNoTenantAccount ErrorCode = "no_tenant_account"
	// CodeHandoffExpired - the handoff code's TTL elapsed before redemption
	CodeHandoffExpired ErrorCode = "code_expired"
	// CodeHandoffAlreadyUsed - the handoff code was already redeemed once
	CodeHandoffAlreadyUsed ErrorCode = "code_already_used"
	// CodeHandoffNotFound - no record matches the presented handoff code
	CodeHandoffNotFound ErrorCode = "code_not_found"
	// CodeUpstreamUnreachable - the IdP could not be reached. Transient; only
	// the session validity monitor may observe this, and it fails open.
	CodeUpstreamUnreachable ErrorCode = "upstream_unreachable"
)

// User-facing messages. Access-revoked/denied outcomes must read differently
// from transient failures: the first means "contact your administrator", the
// second means "try again". The two are never conflated.
const (
	msgTryAgain      = "Something went wrong signing you in. Please try again."
	msgAuthFailed    = "Authentication failed. Please try again."
	msgNoAccount     = "We could not find an account for you. Please contact your administrator."
	msgNoAccess      = "This account does not have access to this practice. Please contact your administrator."
	msgLinkExpired   = "Your sign-in link expired. Please sign in again."
	msgLinkUsed      = "That sign-in link was already used. Please sign in again."
	msgLinkInvalid   = "That sign-in link is not valid. Please sign in again."
	msgSessionEnded  = "Your session has ended. Please sign in again."
	msgMisconfigured = "Sign-in is not available for this address."
)

// FlowError is a terminal SSO failure. Tenant is the tenant the flow was
// bound to at the time of failure; when set, the error redirect lands on
// that tenant's login page and never anywhere else. A nil Tenant means the
// failure happened before a tenant was known, so the redirect targets the
// central login.
type FlowError struct {
	Code        ErrorCode
	UserMessage string
	Tenant      *tenants.Tenant
	Err         error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sso: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("sso: %s", e.Code)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

func flowError(code ErrorCode, msg string, tenant *tenants.Tenant, err error) *FlowError {
	return &FlowError{Code: code, UserMessage: msg, Tenant: tenant, Err: err}
}
