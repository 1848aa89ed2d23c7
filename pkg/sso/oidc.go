package sso

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/medbridge-io/medbridge/pkg/config"
)

// RelyingParty wraps the OIDC provider client: authorize URLs, the code
// exchange, identity extraction, and the upstream session probe. All
// outbound calls go through an HTTP client with the configured timeout.
type RelyingParty struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config
	client   *http.Client
}

// NewRelyingParty discovers the provider's endpoints from the issuer URL
func NewRelyingParty(ctx context.Context, cfg config.IdPConfig) (*RelyingParty, error) {
	client := &http.Client{Timeout: cfg.Timeout.Std()}
	ctx = oidc.ClientContext(ctx, client)

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover identity provider: %w", err)
	}

	return &RelyingParty{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       cfg.Scopes,
		},
		client: client,
	}, nil
}

// AuthCodeURL builds the IdP authorize URL carrying the encoded state
func (rp *RelyingParty) AuthCodeURL(state string) string {
	return rp.oauth.AuthCodeURL(state)
}

// Exchange swaps the authorization code for tokens
func (rp *RelyingParty) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = oidc.ClientContext(ctx, rp.client)
	token, err := rp.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	return token, nil
}

type idpClaims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// FromIDToken extracts an identity from the verified ID token attached to
// the exchanged token. Returns ErrNoIdentity when no ID token is present.
func (rp *RelyingParty) FromIDToken(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, ErrNoIdentity
	}

	ctx = oidc.ClientContext(ctx, rp.client)
	idToken, err := rp.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims idpClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}
	return &Identity{Subject: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// FromUserInfo extracts an identity from the userinfo endpoint using the
// access token
func (rp *RelyingParty) FromUserInfo(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	ctx = oidc.ClientContext(ctx, rp.client)
	info, err := rp.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}

	var claims idpClaims
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo claims: %w", err)
	}
	if claims.Subject == "" {
		claims.Subject = info.Subject
	}
	if claims.Email == "" {
		claims.Email = info.Email
	}
	return &Identity{Subject: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// VerifyUpstream probes the userinfo endpoint to check whether the IdP still
// honors the access token. Returns (false, nil) when the IdP rejected the
// token, and a non-nil error only for transport failures, so callers can
// tell a revoked session from an unreachable provider.
func (rp *RelyingParty) VerifyUpstream(ctx context.Context, accessToken string) (bool, error) {
	ctx = oidc.ClientContext(ctx, rp.client)
	info, err := rp.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return false, fmt.Errorf("userinfo probe failed: %w", err)
		}
		return false, nil
	}
	return info.Subject != "", nil
}
