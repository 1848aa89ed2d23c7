package sso

import (
	"github.com/google/uuid"

	"github.com/medbridge-io/medbridge/pkg/tenants"
)

// AuthURLBuilder is the slice of the relying party the authorizer needs
type AuthURLBuilder interface {
	AuthCodeURL(state string) string
}

// Authorizer builds the outbound authorization redirect for a tenant. It is
// stateless: nothing is persisted for this phase, the tenant binding rides
// entirely in the signed state.
type Authorizer struct {
	rp    AuthURLBuilder
	codec *StateCodec
}

// NewAuthorizer creates an authorizer
func NewAuthorizer(rp AuthURLBuilder, codec *StateCodec) *Authorizer {
	return &Authorizer{rp: rp, codec: codec}
}

// AuthorizeURL builds the IdP authorize URL for a login starting on the
// given tenant's domain
func (a *Authorizer) AuthorizeURL(tenant *tenants.Tenant) (string, error) {
	state, err := a.codec.Encode(StatePayload{
		TenantID: tenant.ID,
		Nonce:    uuid.NewString(),
	})
	if err != nil {
		return "", err
	}
	return a.rp.AuthCodeURL(state), nil
}
