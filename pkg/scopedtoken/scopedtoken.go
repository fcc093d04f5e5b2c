// Package scopedtoken implements the ScopedTokenMinter: short-lived,
// self-contained delegated credentials scoped to a subset of tools,
// signed rather than stored opaquely.
//
// The prefixed-token-shown-once pattern follows pkg/pat/pat.go's
// personal access tokens, generalized from an opaque database-backed
// token to a self-contained signed one so ScopedTokenMinter.validate
// needs no registry lookup on the hot path; only the revocation list
// (for early revoke) is checked. Signing key is derived with
// HKDF-SHA256 from a root secret, the same derivation shape a vendored
// session package uses for session secrets (golang.org/x/crypto/hkdf).
package scopedtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	tokenPrefix = "pgt_"
	maxTTL      = 24 * time.Hour
)

var (
	ErrMalformed   = errors.New("malformed")
	ErrSignature   = errors.New("invalid_signature")
	ErrBadPayload  = errors.New("malformed_payload")
	ErrMissing     = errors.New("missing_required_fields")
	ErrExpired     = errors.New("token_expired")
	ErrTTLExceeded = errors.New("token_ttl_exceeded")
	ErrRevoked     = errors.New("token_revoked")
)

// wirePayload is the canonical-JSON body signed by the minter. Field
// names are part of the signed form, so it is (de)coded with a fixed
// struct rather than a generic map.
type wirePayload struct {
	APIKey       string   `json:"apiKey"`
	ExpiresAt    int64    `json:"expiresAt"`
	IssuedAt     int64    `json:"issuedAt"`
	AllowedTools []string `json:"allowedTools,omitempty"`
	Label        string   `json:"label,omitempty"`
}

// Claims is the decoded, verified content of a scoped token.
type Claims struct {
	APIKey       string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	AllowedTools []string
	Label        string
}

func (c Claims) toWire() wirePayload {
	return wirePayload{
		APIKey:       c.APIKey,
		ExpiresAt:    c.ExpiresAt.Unix(),
		IssuedAt:     c.IssuedAt.Unix(),
		AllowedTools: c.AllowedTools,
		Label:        c.Label,
	}
}

// revocationEntry mirrors RevocationEntry: a fingerprinted token kept
// around only until its own embedded expiry has passed naturally.
type revocationEntry struct {
	expiresAt time.Time
	revokedAt time.Time
	reason    string
}

// Minter issues and validates scoped tokens signed with a key derived
// from rootSecret via HKDF-SHA256.
type Minter struct {
	signingKey []byte

	mu      sync.Mutex
	revoked map[string]revocationEntry // fingerprint -> entry
	now     func() time.Time
}

// New derives a 32-byte HMAC signing key from rootSecret via
// HKDF-SHA256 with a fixed info string, so the same root secret always
// yields the same signing key without storing it separately.
func New(rootSecret []byte) (*Minter, error) {
	kdf := hkdf.New(sha256.New, rootSecret, nil, []byte("paygate-scoped-token-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving scoped token signing key: %w", err)
	}
	return &Minter{
		signingKey: key,
		revoked:    make(map[string]revocationEntry),
		now:        time.Now,
	}, nil
}

func (m *Minter) sign(raw []byte) []byte {
	mac := hmac.New(sha256.New, m.signingKey)
	mac.Write(raw)
	return mac.Sum(nil)
}

func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Mint issues a new scoped token delegating from parentKey, restricted
// to allowedTools (nil/empty means no narrowing) and expiring after
// ttl, clamped to a 24h maximum so a caller cannot mint a long-lived
// token by requesting an oversized ttl.
func (m *Minter) Mint(parentKey string, allowedTools []string, label string, ttl time.Duration) (string, Claims, error) {
	if ttl <= 0 || ttl > maxTTL {
		ttl = maxTTL
	}
	issuedAt := m.now()
	exp := issuedAt.Add(ttl)

	claims := Claims{
		APIKey:       parentKey,
		IssuedAt:     issuedAt,
		ExpiresAt:    exp,
		AllowedTools: allowedTools,
		Label:        label,
	}

	raw, err := json.Marshal(claims.toWire())
	if err != nil {
		return "", Claims{}, fmt.Errorf("minting scoped token: %w", err)
	}
	sig := m.sign(raw)

	encoded := base64.RawURLEncoding.EncodeToString(raw)
	sigEncoded := base64.RawURLEncoding.EncodeToString(sig)
	token := tokenPrefix + encoded + "." + sigEncoded
	return token, claims, nil
}

// parse splits the wire form without verifying the signature.
func parse(token string) (raw []byte, sig []byte, err error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return nil, nil, ErrMalformed
	}
	rest := token[len(tokenPrefix):]
	parts := strings.Split(rest, ".")
	if len(parts) != 2 {
		return nil, nil, ErrMalformed
	}
	rawSig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, ErrMalformed
	}
	decoded, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, ErrMalformed
	}
	return decoded, rawSig, nil
}

func decodeClaims(raw []byte) (Claims, error) {
	var p wirePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Claims{}, ErrBadPayload
	}
	if p.APIKey == "" || p.ExpiresAt == 0 || p.IssuedAt == 0 {
		return Claims{}, ErrMissing
	}
	return Claims{
		APIKey:       p.APIKey,
		IssuedAt:     time.Unix(p.IssuedAt, 0).UTC(),
		ExpiresAt:    time.Unix(p.ExpiresAt, 0).UTC(),
		AllowedTools: p.AllowedTools,
		Label:        p.Label,
	}, nil
}

// checkSignatureAndTTL runs the structural/signature/expiry/TTL checks
// shared by Validate and Revoke, stopping short of the revocation-list
// check so Revoke can gate on everything but that.
func (m *Minter) checkSignatureAndTTL(token string) (Claims, error) {
	raw, sig, err := parse(token)
	if err != nil {
		return Claims{}, err
	}
	expected := m.sign(raw)
	if subtle.ConstantTimeCompare(expected, sig) != 1 {
		return Claims{}, ErrSignature
	}
	claims, err := decodeClaims(raw)
	if err != nil {
		return Claims{}, err
	}
	now := m.now()
	if !now.Before(claims.ExpiresAt) {
		return Claims{}, ErrExpired
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt) > maxTTL {
		return Claims{}, ErrTTLExceeded
	}
	return claims, nil
}

// Validate verifies signature, required fields, expiry, TTL bound, and
// revocation status, returning the decoded claims on success.
func (m *Minter) Validate(token string) (Claims, error) {
	claims, err := m.checkSignatureAndTTL(token)
	if err != nil {
		return Claims{}, err
	}

	fp := fingerprint(token)
	m.mu.Lock()
	_, revoked := m.revoked[fp]
	m.mu.Unlock()
	if revoked {
		return Claims{}, ErrRevoked
	}
	return claims, nil
}

// Revoke validates token's signature and TTL invariants first, so
// arbitrary strings cannot populate the revocation list, then adds an
// entry keyed by SHA-256(token) that lives until the token's own
// expiry.
func (m *Minter) Revoke(token string, reason string) error {
	claims, err := m.checkSignatureAndTTL(token)
	if err != nil {
		return err
	}

	fp := fingerprint(token)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[fp] = revocationEntry{
		expiresAt: claims.ExpiresAt,
		revokedAt: m.now(),
		reason:    reason,
	}
	return nil
}

// Purge drops revocation entries whose token has already expired on its
// own, intended to be called periodically so the revocation list does
// not grow without bound.
func (m *Minter) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for fp, entry := range m.revoked {
		if now.After(entry.expiresAt) {
			delete(m.revoked, fp)
			n++
		}
	}
	return n
}

// SetClock overrides the minter's time source; intended for tests only.
func (m *Minter) SetClock(now func() time.Time) {
	m.now = now
}
