package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	apperrors "github.com/toole-brendan/handreceipt-custody/internal/errors"
)

// Keystore is the injected capability that guards the device signing key.
// Sign may block on platform key-store access (including biometric prompts),
// so it takes a context and must honor cancellation.
type Keystore interface {
	Sign(ctx context.Context, message []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// Service signs and verifies canonical scan payloads. When no asymmetric
// keystore is available it falls back to an HMAC-SHA256 keyed hash, which
// keeps offline devices functional at the cost of non-repudiation.
type Service struct {
	keystore Keystore
	hmacKey  []byte
}

// NewService creates a signature service backed by an asymmetric keystore.
func NewService(ks Keystore) *Service {
	return &Service{keystore: ks}
}

// NewKeyedService creates a signature service using an HMAC-SHA256 keyed hash.
func NewKeyedService(key []byte) *Service {
	return &Service{hmacKey: key}
}

// Sign canonicalizes the payload and signs it, returning a base64 signature.
// Structurally equal payloads always yield identical signatures.
func (s *Service) Sign(ctx context.Context, payload interface{}) (string, error) {
	msg, err := Canonicalize(payload)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrMalformedPayload, "payload cannot be canonicalized", err)
	}

	var sig []byte
	if s.keystore != nil {
		sig, err = s.keystore.Sign(ctx, msg)
		if err != nil {
			return "", apperrors.Wrap(apperrors.ErrCrypto, "keystore signing failed", err)
		}
	} else {
		mac := hmac.New(sha256.New, s.hmacKey)
		mac.Write(msg)
		sig = mac.Sum(nil)
	}

	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify recomputes the signature over the canonical payload and compares in
// constant time. It never panics on malformed input: failures come back as
// (false, code) with the code identifying the reason.
func (s *Service) Verify(payload interface{}, signature string) (bool, apperrors.ErrorCode) {
	msg, err := Canonicalize(payload)
	if err != nil {
		return false, apperrors.ErrMalformedPayload
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, apperrors.ErrMalformedPayload
	}

	if s.keystore != nil {
		pub := s.keystore.PublicKey()
		if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
			return false, apperrors.ErrInvalidSignature
		}
		if !ed25519.Verify(pub, msg, sig) {
			return false, apperrors.ErrInvalidSignature
		}
		return true, ""
	}

	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write(msg)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return false, apperrors.ErrInvalidSignature
	}
	return true, ""
}
