// Package keyring verifies ed25519 request signatures against the verify
// keys of remote servers.
package keyring

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-federation/pkg/domain"
)

// Errors reported by verification.
var (
	ErrNoKey        = errors.New("no verify key")
	ErrKeyExpired   = errors.New("verify key expired")
	ErrBadSig       = errors.New("invalid signature")
	ErrBadKeyFormat = errors.New("malformed verify key")
)

// VerifyKey is a public key of a remote server.
type VerifyKey struct {
	ID  string
	Key ed25519.PublicKey
	// ValidUntilTS is the last millisecond timestamp the key may be used
	// for. Zero means no expiry.
	ValidUntilTS int64
}

// ParseVerifyKey decodes an "ed25519:<version>" key id and its base64
// public key.
func ParseVerifyKey(id, encoded string, validUntilTS int64) (VerifyKey, error) {
	algo, version, ok := strings.Cut(id, ":")
	if !ok || algo != "ed25519" || version == "" {
		return VerifyKey{}, fmt.Errorf("%w: unsupported key id %q", ErrBadKeyFormat, id)
	}
	raw, err := DecodeBase64(encoded)
	if err != nil {
		return VerifyKey{}, fmt.Errorf("%w: %s: %w", ErrBadKeyFormat, id, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return VerifyKey{}, fmt.Errorf("%w: %s: want %d bytes, got %d", ErrBadKeyFormat, id, ed25519.PublicKeySize, len(raw))
	}
	return VerifyKey{ID: id, Key: ed25519.PublicKey(raw), ValidUntilTS: validUntilTS}, nil
}

// StaticKeyring verifies signatures with a fixed set of keys.
type StaticKeyring struct {
	mu   sync.RWMutex
	keys map[domain.ServerName]map[string]VerifyKey
}

// NewStaticKeyring creates an empty keyring.
func NewStaticKeyring() *StaticKeyring {
	return &StaticKeyring{keys: make(map[domain.ServerName]map[string]VerifyKey)}
}

// AddKey trusts key for server.
func (k *StaticKeyring) AddKey(server domain.ServerName, key VerifyKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys, ok := k.keys[server]
	if !ok {
		keys = make(map[string]VerifyKey)
		k.keys[server] = keys
	}
	keys[key.ID] = key
}

// Servers returns the servers with at least one key, sorted.
func (k *StaticKeyring) Servers() []domain.ServerName {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]domain.ServerName, 0, len(k.keys))
	for s := range k.keys {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VerifySignedPayload checks payload's signatures by origin. Every signature
// made with a known key must be valid and at least one such signature is
// required.
func (k *StaticKeyring) VerifySignedPayload(_ context.Context, origin domain.ServerName, payload *domain.SigningPayload, nowMs int64) error {
	sigs := payload.Signatures[origin]
	if len(sigs) == 0 {
		return unauthorized(origin, fmt.Errorf("%w: no signatures by %s", ErrNoKey, origin))
	}

	msg, err := signingBytes(payload.JSON())
	if err != nil {
		return err
	}

	known := k.keysFor(origin, sigs)

	verified := 0
	for keyID, sig := range sigs {
		key, ok := known[keyID]
		if !ok {
			continue
		}
		if key.ValidUntilTS != 0 && key.ValidUntilTS < nowMs {
			return unauthorized(origin, fmt.Errorf("%w: %s of %s", ErrKeyExpired, keyID, origin))
		}
		raw, err := DecodeBase64(sig)
		if err != nil || !ed25519.Verify(key.Key, msg, raw) {
			return unauthorized(origin, fmt.Errorf("%w: %s of %s", ErrBadSig, keyID, origin))
		}
		verified++
	}
	if verified == 0 {
		return unauthorized(origin, fmt.Errorf("%w for %s with ids in %v", ErrNoKey, origin, keyIDs(sigs)))
	}
	return nil
}

// keysFor copies the known keys of origin named in sigs.
func (k *StaticKeyring) keysFor(origin domain.ServerName, sigs map[string]string) map[string]VerifyKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]VerifyKey, len(sigs))
	for keyID := range sigs {
		if key, ok := k.keys[origin][keyID]; ok {
			out[keyID] = key
		}
	}
	return out
}

// Sign signs obj with priv and returns the unpadded base64 signature.
func Sign(obj map[string]any, priv ed25519.PrivateKey) (string, error) {
	msg, err := signingBytes(obj)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(priv, msg)), nil
}

// DecodeBase64 accepts padded and unpadded standard or URL-safe base64.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func unauthorized(origin domain.ServerName, cause error) error {
	return &domain.FederationError{
		Status:  http.StatusUnauthorized,
		Code:    domain.CodeUnauthorized,
		Message: fmt.Sprintf("Invalid signature for server %s", origin),
		Err:     errors.Join(domain.ErrSignatureInvalid, cause),
	}
}

func keyIDs(sigs map[string]string) []string {
	ids := make([]string, 0, len(sigs))
	for id := range sigs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
