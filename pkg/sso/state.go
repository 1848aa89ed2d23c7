package sso

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// StatePayload is the routing metadata round-tripped through the IdP as the
// OAuth state parameter. The tenant id pins the whole flow to one tenant.
type StatePayload struct {
	TenantID string `json:"tenant_id"`
	Nonce    string `json:"nonce"`
}

// ErrStateTampered indicates the state's integrity tag did not verify
var ErrStateTampered = errors.New("state integrity check failed")

// StateCodec encodes and decodes the OAuth state parameter. The payload is
// base64url JSON followed by an HMAC-SHA256 tag over the encoded payload, so
// a state altered between redirect and callback fails verification before
// any tenant lookup happens.
type StateCodec struct {
	key []byte
}

// NewStateCodec creates a codec signing with key
func NewStateCodec(key []byte) (*StateCodec, error) {
	if len(key) < 32 {
		return nil, errors.New("state key must be at least 32 bytes")
	}
	return &StateCodec{key: key}, nil
}

// Encode serializes and signs the payload
func (c *StateCodec) Encode(p StatePayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(data)
	return body + "." + c.sign(body), nil
}

// Decode verifies the integrity tag and deserializes the payload. The tag is
// checked before the payload is even parsed.
func (c *StateCodec) Decode(state string) (*StatePayload, error) {
	body, tag, ok := strings.Cut(state, ".")
	if !ok {
		return nil, ErrStateTampered
	}
	if !hmac.Equal([]byte(tag), []byte(c.sign(body))) {
		return nil, ErrStateTampered
	}

	data, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	p := &StatePayload{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	return p, nil
}

func (c *StateCodec) sign(body string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
