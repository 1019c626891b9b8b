// Package token implements the capability token codec.
//
// A token binds an agent to a set of "tool:action" scopes for a short
// lifetime.  The wire form is:
//
//	base64url(payload_json) "." hex(HMAC-SHA256(secret, base64url_payload))
//
// The signature covers the encoded payload bytes, so any tampering with the
// payload segment fails verification before the payload is ever decoded.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Validation failure reasons, stable across releases.
var (
	ErrMalformed    = errors.New("token: malformed")
	ErrBadSignature = errors.New("token: bad signature")
	ErrExpired      = errors.New("token: expired")
)

// RotationHorizon is how close to expiry a token must be before callers are
// advised to rotate it.
const RotationHorizon = 5 * time.Minute

// Payload is the decoded token body.
type Payload struct {
	AgentID   string   `json:"agentId"`
	Scopes    []string `json:"scopes"`
	IssuedAt  int64    `json:"issuedAt"`
	ExpiresAt int64    `json:"expiresAt"`
	Nonce     string   `json:"nonce"`
	// TokenID ties the token to a registry provenance row; empty when the
	// token was issued without registry backing.
	TokenID string `json:"tokenId,omitempty"`
}

// Expiry returns the expiry instant.
func (p Payload) Expiry() time.Time { return time.Unix(p.ExpiresAt, 0).UTC() }

// HasScope reports whether the payload grants the "tool:action" scope.
func (p Payload) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IssueParams are the inputs to Issue.
type IssueParams struct {
	AgentID    string
	Scopes     []string
	TTL        time.Duration
	// WithRegistryID controls whether a fresh token ID is embedded for
	// registry provenance.
	WithRegistryID bool
}

// Codec signs and verifies capability tokens with a process-wide secret.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec creates a Codec.  The signing secret is loaded once at start;
// rotation requires a restart.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: signing secret must not be empty")
	}
	return &Codec{secret: secret, now: time.Now}, nil
}

// WithClock overrides the time source (tests only).
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

// Issue produces a signed token and its payload.
func (c *Codec) Issue(p IssueParams) (string, Payload, error) {
	if p.AgentID == "" {
		return "", Payload{}, errors.New("token: agent ID required")
	}
	if len(p.Scopes) == 0 {
		return "", Payload{}, errors.New("token: at least one scope required")
	}
	if p.TTL <= 0 {
		return "", Payload{}, errors.New("token: TTL must be positive")
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", Payload{}, fmt.Errorf("token: generate nonce: %w", err)
	}

	now := c.now().UTC()
	payload := Payload{
		AgentID:   p.AgentID,
		Scopes:    p.Scopes,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(p.TTL).Unix(),
		Nonce:     hex.EncodeToString(nonce),
	}
	if p.WithRegistryID {
		payload.TokenID = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", Payload{}, fmt.Errorf("token: marshal payload: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(body)
	return encoded + "." + c.sign(encoded), payload, nil
}

// Validate checks structure, signature, and expiry, returning the decoded
// payload on success.  The signature comparison is constant-time.
func (c *Codec) Validate(tok string) (Payload, error) {
	encoded, sig, ok := strings.Cut(tok, ".")
	if !ok || encoded == "" || sig == "" {
		return Payload{}, ErrMalformed
	}

	want := c.sign(encoded)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return Payload{}, ErrBadSignature
	}

	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Payload{}, ErrMalformed
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Payload{}, ErrMalformed
	}

	if !c.now().UTC().Before(payload.Expiry()) {
		return payload, ErrExpired
	}
	return payload, nil
}

// ExpiringSoon reports whether the payload expires within the rotation
// horizon.  Callers set the rotation-recommended response header when true.
func (c *Codec) ExpiringSoon(p Payload) bool {
	return p.Expiry().Sub(c.now().UTC()) <= RotationHorizon
}

// EncodedPayload returns the payload segment of a token, used to compute the
// provenance proof hash.
func EncodedPayload(tok string) (string, error) {
	encoded, _, ok := strings.Cut(tok, ".")
	if !ok || encoded == "" {
		return "", ErrMalformed
	}
	return encoded, nil
}

// ProofHash is the SHA-256 hex digest binding a proof payload to its
// registry row.
func ProofHash(proofPayload string) string {
	sum := sha256.Sum256([]byte(proofPayload))
	return hex.EncodeToString(sum[:])
}

func (c *Codec) sign(encodedPayload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(encodedPayload))
	return hex.EncodeToString(mac.Sum(nil))
}
