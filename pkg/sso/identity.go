package sso

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// Identity is the normalized shape every extraction strategy produces.
// Downstream steps never care whether it came from the ID token or from the
// userinfo endpoint.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

// ErrNoIdentity indicates a strategy could not produce an identity from the
// token it was given
var ErrNoIdentity = errors.New("no identity available")

// IdentitySource extracts a normalized identity from an exchanged token.
// FromIDToken reads the verified ID token's claims; FromUserInfo calls the
// IdP's userinfo endpoint with the access token.
type IdentitySource interface {
	FromIDToken(ctx context.Context, token *oauth2.Token) (*Identity, error)
	FromUserInfo(ctx context.Context, token *oauth2.Token) (*Identity, error)
}

// resolveIdentity tries the ID token first and falls back to userinfo. Both
// failing means the IdP gave us tokens but no usable identity.
func resolveIdentity(ctx context.Context, source IdentitySource, token *oauth2.Token) (*Identity, error) {
	id, err := source.FromIDToken(ctx, token)
	if err == nil {
		return id, nil
	}
	return source.FromUserInfo(ctx, token)
}
