// Package session manages tenant-domain browser sessions. Session state,
// including cached provider tokens, lives server-side in Redis; the browser
// only ever holds the opaque session ID cookie.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/medbridge-io/medbridge/pkg/contextkeys"
)

// CookieName is the tenant-domain session cookie. Cookies are host-scoped,
// so a session minted on one tenant domain is invisible to every other.
const CookieName = "mb_session"

// ErrNotFound indicates no live session matches the cookie
var ErrNotFound = errors.New("session not found")

// ProviderTokens are the cached IdP tokens held against the local session.
// They are never exposed to the browser.
type ProviderTokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// Session is a tenant-scoped authenticated browser session
type Session struct {
	ID                string          `json:"id"`
	UserID            int64           `json:"user_id"`
	TenantID          string          `json:"tenant_id"`
	Email             string          `json:"email"`
	ExternalSubject   string          `json:"external_subject,omitempty"`
	CSRFToken         string          `json:"csrf_token"`
	Tokens            *ProviderTokens `json:"tokens,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	LastUpstreamCheck time.Time       `json:"last_upstream_check"`
}

// FromIdP reports whether the session principal originated from the IdP
func (s *Session) FromIdP() bool {
	return s.ExternalSubject != ""
}

// Manager creates, loads, and destroys sessions backed by Redis
type Manager struct {
	redis  *redis.Client
	ttl    time.Duration
	secure bool
}

// NewManager creates a session manager
func NewManager(client *redis.Client, ttl time.Duration) *Manager {
	return &Manager{
		redis:  client,
		ttl:    ttl,
		secure: true,
	}
}

// Create mints a new session and sets the cookie on the response. This is
// the only constructor for tenant sessions; callers outside handoff
// redemption have no business creating one.
func (m *Manager) Create(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	id, err := randomToken()
	if err != nil {
		return fmt.Errorf("failed to generate session id: %w", err)
	}
	sess.ID = id
	sess.CSRFToken = uuid.NewString()
	sess.CreatedAt = time.Now().UTC()

	if err := m.Save(ctx, sess); err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(m.ttl.Seconds()),
	})
	return nil
}

// Get loads the session referenced by the request's cookie
func (m *Manager) Get(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, ErrNotFound
	}

	data, err := m.redis.Get(ctx, key(cookie.Value)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess := &Session{}
	if err := json.Unmarshal([]byte(data), sess); err != nil {
		m.redis.Del(ctx, key(cookie.Value))
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return sess, nil
}

// Save persists the session with the manager's TTL
func (m *Manager) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.redis.Set(ctx, key(sess.ID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Destroy removes the session from Redis and expires the cookie
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if err := m.redis.Del(ctx, key(sess.ID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	return nil
}

// ClearProviderState drops the cached provider tokens and the external
// subject binding from the session
func (m *Manager) ClearProviderState(ctx context.Context, sess *Session) error {
	sess.Tokens = nil
	sess.ExternalSubject = ""
	return m.Save(ctx, sess)
}

// RotateCSRF replaces the session's anti-forgery token
func (m *Manager) RotateCSRF(ctx context.Context, sess *Session) error {
	sess.CSRFToken = uuid.NewString()
	return m.Save(ctx, sess)
}

// SetInsecureCookies disables the Secure cookie attribute, for local
// development over plain HTTP
func (m *Manager) SetInsecureCookies() {
	m.secure = false
}

// FromContext returns the session attached to the request context, if any
func FromContext(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(contextkeys.SessionKey).(*Session)
	return sess, ok
}

func key(id string) string {
	return "session:" + id
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
