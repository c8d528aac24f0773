package attest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masterip/craftanchor/internal/models"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	s, err := NewSignerFromKey(priv)
	require.NoError(t, err)
	return s
}

func testPayload() models.AttestationPayload {
	return models.AttestationPayload{
		PublicID:   "CID-00001",
		PublicHash: "2dab47a53c7c8c1036c6c3e99e33f8a73cf177e42fd7b5cd53b0a27449c407c9",
		Timestamp:  "2025-01-01T00:00:00Z",
		Salt:       "00000000000000000000000000000000",
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := newTestSigner(t)
	att, err := s.Sign(testPayload())
	require.NoError(t, err)
	assert.NotEmpty(t, att.Signature)

	err = s.Verifier().Verify(att.Payload, att.Signature)
	assert.NoError(t, err)
}

func TestVerifyTamperedPayload(t *testing.T) {
	s := newTestSigner(t)
	att, err := s.Sign(testPayload())
	require.NoError(t, err)

	tampered := att.Payload
	tampered.PublicHash = "ffff47a53c7c8c1036c6c3e99e33f8a73cf177e42fd7b5cd53b0a27449c407c9"
	err = s.Verifier().Verify(tampered, att.Signature)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifySwappedSignature(t *testing.T) {
	s := newTestSigner(t)
	att1, err := s.Sign(testPayload())
	require.NoError(t, err)

	other := testPayload()
	other.PublicID = "CID-00002"
	att2, err := s.Sign(other)
	require.NoError(t, err)

	err = s.Verifier().Verify(att1.Payload, att2.Signature)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyMalformedHex(t *testing.T) {
	s := newTestSigner(t)
	err := s.Verifier().Verify(testPayload(), "not-hex!!")
	assert.ErrorIs(t, err, ErrMalformedHex)
}

func TestVerifyWrongKey(t *testing.T) {
	s1 := newTestSigner(t)
	s2 := newTestSigner(t)

	att, err := s1.Sign(testPayload())
	require.NoError(t, err)
	err = s2.Verifier().Verify(att.Payload, att.Signature)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestNewSignerFromPEMFiles(t *testing.T) {
	dir := t.TempDir()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "sign_priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{
		Type: "PRIVATE KEY", Bytes: privDER,
	}), 0o600))

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "sign_pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{
		Type: "PUBLIC KEY", Bytes: pubDER,
	}), 0o644))

	s, err := NewSigner(privPath, pubPath)
	require.NoError(t, err)

	att, err := s.Sign(testPayload())
	require.NoError(t, err)
	assert.NoError(t, s.Verifier().Verify(att.Payload, att.Signature))
}

func TestNewSignerMissingPaths(t *testing.T) {
	_, err := NewSigner("", "")
	assert.ErrorIs(t, err, ErrKeyUnavailable)

	_, err = NewSigner("/nonexistent/priv.pem", "/nonexistent/pub.pem")
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	// The error must not leak the path.
	assert.NotContains(t, err.Error(), "nonexistent")
}
