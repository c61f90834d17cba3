package keyring

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-federation/pkg/domain"
)

func TestCanonicalJSON(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{
		"b":    1,
		"a":    map[string]any{"z": "<&>", "y": []any{true, nil}},
		"日本": "語",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":[true,null],"z":"<&>"},"b":1,"日本":"語"}`, string(out))
}

func TestCanonicalJSONLineSeparators(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"a": "x\u2028y\u2029z", "b": `\u2028`})
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":\"x\u2028y\u2029z\",\"b\":\"\\\\u2028\"}", string(out))

	out, err = CanonicalJSON(map[string]any{"c": "tab\there\u0001"})
	require.NoError(t, err)
	assert.Equal(t, `{"c":"tab\there\u0001"}`, string(out))
}

func newSignedPayload(t *testing.T, priv ed25519.PrivateKey, keyID string) *domain.SigningPayload {
	t.Helper()
	p := &domain.SigningPayload{
		Method:      "PUT",
		URI:         "/_matrix/federation/v1/send/1",
		Origin:      "example.org",
		Destination: "my.server",
		Content:     map[string]any{"pdus": []any{}},
		Signatures:  domain.Signatures{},
	}
	sig, err := Sign(p.JSON(), priv)
	require.NoError(t, err)
	p.Signatures.Add("example.org", keyID, sig)
	return p
}

func TestStaticKeyringVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	kr := NewStaticKeyring()
	key, err := ParseVerifyKey("ed25519:1", base64.RawStdEncoding.EncodeToString(pub), 0)
	require.NoError(t, err)
	kr.AddKey("example.org", key)
	assert.Equal(t, []domain.ServerName{"example.org"}, kr.Servers())

	ctx := context.Background()
	payload := newSignedPayload(t, priv, "ed25519:1")
	require.NoError(t, kr.VerifySignedPayload(ctx, "example.org", payload, 1000))

	// Unknown extra key ids are ignored.
	payload.Signatures.Add("example.org", "ed25519:other", "AAAA")
	require.NoError(t, kr.VerifySignedPayload(ctx, "example.org", payload, 1000))

	tampered := newSignedPayload(t, priv, "ed25519:1")
	tampered.URI = "/_matrix/federation/v1/send/2"
	err = kr.VerifySignedPayload(ctx, "example.org", tampered, 1000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadSig))
	assert.True(t, errors.Is(err, domain.ErrSignatureInvalid))
	status, code, _ := domain.StatusOf(err)
	assert.Equal(t, 401, status)
	assert.Equal(t, domain.CodeUnauthorized, code)
}

func TestStaticKeyringUnknownKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	kr := NewStaticKeyring()
	err = kr.VerifySignedPayload(context.Background(), "example.org", newSignedPayload(t, priv, "ed25519:1"), 0)
	assert.True(t, errors.Is(err, ErrNoKey))

	err = kr.VerifySignedPayload(context.Background(), "other.org", newSignedPayload(t, priv, "ed25519:1"), 0)
	assert.True(t, errors.Is(err, ErrNoKey))
}

func TestStaticKeyringExpiredKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	kr := NewStaticKeyring()
	kr.AddKey("example.org", VerifyKey{ID: "ed25519:1", Key: pub, ValidUntilTS: 500})

	err = kr.VerifySignedPayload(context.Background(), "example.org", newSignedPayload(t, priv, "ed25519:1"), 1000)
	assert.True(t, errors.Is(err, ErrKeyExpired))
	require.NoError(t, kr.VerifySignedPayload(context.Background(), "example.org", newSignedPayload(t, priv, "ed25519:1"), 400))
}

func TestParseVerifyKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	_, err = ParseVerifyKey("ed25519:1", base64.StdEncoding.EncodeToString(pub), 0)
	require.NoError(t, err)

	for _, tc := range []struct{ id, key string }{
		{"rsa:1", base64.RawStdEncoding.EncodeToString(pub)},
		{"ed25519:", base64.RawStdEncoding.EncodeToString(pub)},
		{"ed25519:1", "!!!"},
		{"ed25519:1", base64.RawStdEncoding.EncodeToString(pub[:10])},
	} {
		_, err := ParseVerifyKey(tc.id, tc.key, 0)
		assert.ErrorIs(t, err, ErrBadKeyFormat, tc.id)
	}
}

func TestStaticKeyringConcurrentAddAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	kr := NewStaticKeyring()
	kr.AddKey("example.org", VerifyKey{ID: "ed25519:1", Key: pub})
	payload := newSignedPayload(t, priv, "ed25519:1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				kr.AddKey("example.org", VerifyKey{ID: "ed25519:1", Key: pub})
				kr.AddKey("example.org", VerifyKey{ID: "ed25519:rotated", Key: pub})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, kr.VerifySignedPayload(context.Background(), "example.org", payload, 0))
			}
		}()
	}
	wg.Wait()
}
