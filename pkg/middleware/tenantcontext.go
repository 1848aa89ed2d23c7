package middleware

import (
	"context"
	"net/http"

	"github.com/medbridge-io/medbridge/pkg/contextkeys"
	"github.com/medbridge-io/medbridge/pkg/observability"
	"github.com/medbridge-io/medbridge/pkg/tenants"
)

// HostTenantResolver resolves the tenant implied by a request host
type HostTenantResolver interface {
	FromHost(ctx context.Context, host string) (*tenants.Tenant, error)
}

// TenantContext resolves the tenant for the requesting host and attaches it
// to the context. Central-domain requests carry no tenant; a resolution
// failure is logged and the request proceeds tenantless, which downstream
// guards treat as central-domain traffic.
func TenantContext(resolver HostTenantResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			tenant, err := resolver.FromHost(ctx, r.Host)
			if err != nil {
				observability.GetLogger(ctx).WithError(err).WithField("host", r.Host).Error("failed to resolve tenant from host")
			}
			if tenant != nil {
				ctx = contextkeys.WithTenant(ctx, tenant)
				ctx = observability.WithLogger(ctx, observability.GetLogger(ctx).WithTenant(tenant.ID))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantFromContext returns the tenant resolved for the request, if any
func TenantFromContext(ctx context.Context) (*tenants.Tenant, bool) {
	tenant, ok := ctx.Value(contextkeys.TenantKey).(*tenants.Tenant)
	return tenant, ok && tenant != nil
}
