package sso

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/medbridge-io/medbridge/pkg/session"
)

// Handoff code redemption outcomes. All three are terminal; a failed
// redemption never yields a session.
var (
	ErrCodeNotFound    = errors.New("handoff code not found")
	ErrCodeExpired     = errors.New("handoff code expired")
	ErrCodeAlreadyUsed = errors.New("handoff code already used")
)

// Grant is what a successful redemption hands back: who may get a session,
// on which tenant, where to land, and the provider tokens the new session
// should cache. Tokens stay server-side for the code's whole lifetime.
type Grant struct {
	UserID     int64                   `json:"user_id"`
	TenantID   string                  `json:"tenant_id"`
	TargetPath string                  `json:"target_path"`
	Tokens     *session.ProviderTokens `json:"tokens,omitempty"`
}

// CodeRecord is the stored form of an issued handoff code
type CodeRecord struct {
	Grant
	ExpiresAt time.Time `json:"expires_at"`
}

// CodeStore persists handoff codes keyed by the SHA-256 of the raw code.
// Consume must be atomic: under concurrent redemption of the same code,
// exactly one call returns the record and every other call returns
// ErrCodeAlreadyUsed.
type CodeStore interface {
	Save(ctx context.Context, codeHash string, rec CodeRecord) error
	Consume(ctx context.Context, codeHash string, now time.Time) (*CodeRecord, error)
}

// Handoff issues and redeems the one-time codes that bridge an
// authentication event from the callback domain to the tenant's domain.
type Handoff struct {
	store CodeStore
	ttl   time.Duration
	now   func() time.Time
}

// NewHandoff creates a handoff over the given store
func NewHandoff(store CodeStore, ttl time.Duration) *Handoff {
	return &Handoff{store: store, ttl: ttl, now: time.Now}
}

// Issue mints a single-use code for the grant. Only the code's hash is
// stored; the raw code exists in the redemption URL and nowhere else.
func (h *Handoff) Issue(ctx context.Context, grant Grant) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate handoff code: %w", err)
	}
	code := base64.RawURLEncoding.EncodeToString(buf)

	rec := CodeRecord{Grant: grant, ExpiresAt: h.now().UTC().Add(h.ttl)}
	if err := h.store.Save(ctx, HashCode(code), rec); err != nil {
		return "", fmt.Errorf("failed to store handoff code: %w", err)
	}
	return code, nil
}

// Redeem consumes the code exactly once and returns its grant. A second
// redemption fails with ErrCodeAlreadyUsed regardless of timing.
func (h *Handoff) Redeem(ctx context.Context, code string) (*Grant, error) {
	rec, err := h.store.Consume(ctx, HashCode(code), h.now().UTC())
	if err != nil {
		return nil, err
	}
	return &rec.Grant, nil
}

// HashCode returns the hex SHA-256 of a raw handoff code. Logs and storage
// only ever see this value.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
