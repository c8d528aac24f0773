// Package attest signs and verifies the platform attestation issued at
// intake. Signatures are ECDSA over NIST P-256 with SHA-256 digests,
// DER-encoded and hex-serialized. The signed message is the RFC 8785
// canonical JSON of the attestation payload.
package attest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/masterip/craftanchor/internal/canonical"
	"github.com/masterip/craftanchor/internal/models"
)

// Error strings are deliberately generic: they must never carry key material
// or filesystem paths.
var (
	ErrKeyUnavailable   = errors.New("attest: signing key unavailable")
	ErrMalformedHex     = errors.New("attest: malformed signature hex")
	ErrInvalidSignature = errors.New("attest: invalid signature")
)

// Signer holds the platform signing key pair.
type Signer struct {
	priv *ecdsa.PrivateKey
	pub  *ecdsa.PublicKey
}

// NewSigner loads a PEM-encoded P-256 private key and the platform public
// key from the given paths. It fails fast on unset paths, unreadable files,
// or keys on the wrong curve.
func NewSigner(privPath, pubPath string) (*Signer, error) {
	if privPath == "" || pubPath == "" {
		return nil, ErrKeyUnavailable
	}

	priv, err := loadPrivateKey(privPath)
	if err != nil {
		return nil, err
	}
	pub, err := loadPublicKey(pubPath)
	if err != nil {
		return nil, err
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// NewSignerFromKey builds a signer from in-memory key material. Used by
// tests and by deployments that inject secrets instead of mounting files.
func NewSignerFromKey(priv *ecdsa.PrivateKey) (*Signer, error) {
	if priv == nil || priv.Curve != elliptic.P256() {
		return nil, ErrKeyUnavailable
	}
	return &Signer{priv: priv, pub: &priv.PublicKey}, nil
}

// Verifier returns a verify-only view backed by the platform public key.
func (s *Signer) Verifier() *Verifier {
	return &Verifier{pub: s.pub}
}

// Sign produces the attestation envelope for a payload.
func (s *Signer) Sign(payload models.AttestationPayload) (models.Attestation, error) {
	msg, err := canonical.Marshal(payload)
	if err != nil {
		return models.Attestation{}, err
	}
	digest := sha256.Sum256(msg)
	der, err := ecdsa.SignASN1(rand.Reader, s.priv, digest[:])
	if err != nil {
		return models.Attestation{}, fmt.Errorf("attest: sign: %w", err)
	}
	return models.Attestation{
		Payload:   payload,
		Signature: hex.EncodeToString(der),
	}, nil
}

// Verifier checks attestation signatures against the platform public key.
type Verifier struct {
	pub *ecdsa.PublicKey
}

// NewVerifier loads a PEM-encoded P-256 public key from the given path.
func NewVerifier(pubPath string) (*Verifier, error) {
	if pubPath == "" {
		return nil, ErrKeyUnavailable
	}
	pub, err := loadPublicKey(pubPath)
	if err != nil {
		return nil, err
	}
	return &Verifier{pub: pub}, nil
}

// Verify checks a signature over the canonical payload bytes. It reports
// malformed hex distinctly from a cryptographic mismatch.
func (v *Verifier) Verify(payload models.AttestationPayload, signatureHex string) error {
	der, err := hex.DecodeString(signatureHex)
	if err != nil {
		return ErrMalformedHex
	}
	msg, err := canonical.Marshal(payload)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(msg)
	if !ecdsa.VerifyASN1(v.pub, digest[:], der) {
		return ErrInvalidSignature
	}
	return nil
}

func loadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrKeyUnavailable
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, ErrKeyUnavailable
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		ec, ok := key.(*ecdsa.PrivateKey)
		if !ok || ec.Curve != elliptic.P256() {
			return nil, ErrKeyUnavailable
		}
		return ec, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		if key.Curve != elliptic.P256() {
			return nil, ErrKeyUnavailable
		}
		return key, nil
	}
	return nil, ErrKeyUnavailable
}

func loadPublicKey(path string) (*ecdsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrKeyUnavailable
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, ErrKeyUnavailable
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, ErrKeyUnavailable
	}
	ec, ok := key.(*ecdsa.PublicKey)
	if !ok || ec.Curve != elliptic.P256() {
		return nil, ErrKeyUnavailable
	}
	return ec, nil
}
