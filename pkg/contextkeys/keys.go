// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// TenantKey contains *tenants.Tenant resolved from the request host.
	// Set by: middleware.TenantContext (pkg/middleware/tenantcontext.go)
	// Required by: session validity monitor, tenant access guard, SSO handlers
	TenantKey Key = "tenant"

	// SessionKey contains *session.Session for the authenticated principal.
	// Set by: middleware.SessionLoader (pkg/middleware/sessionloader.go)
	// Required by: session validity monitor, tenant access guard
	SessionKey Key = "session"

	// TenantStoreKey contains the *tenants.Activation for the currently
	// activated tenant store.
	// Set by: tenants.StoreRegistry.Activate, released with the activation scope
	// Required by: tenantusers lookups inside the callback pipeline
	TenantStoreKey Key = "tenant_store"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: logger, distributed tracing
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: observability middleware
	LoggerKey Key = "logger"
)

// WithTenant adds the resolved tenant to the context
func WithTenant(ctx context.Context, tenant interface{}) context.Context {
	return context.WithValue(ctx, TenantKey, tenant)
}

// WithSession adds the browser session to the context
func WithSession(ctx context.Context, sess interface{}) context.Context {
	return context.WithValue(ctx, SessionKey, sess)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
