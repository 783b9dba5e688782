package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCryptoFailure indicates key generation, key parsing or cipher setup failed.
	ErrCryptoFailure = errors.New("crypto: operation failed")
	// ErrAuthentication indicates an AES-GCM tag did not verify.
	ErrAuthentication = errors.New("crypto: message authentication failed")
)

var p256 = ecdh.P256()

// KeyPair is a per-transfer P-256 ECDH key pair.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateKeyPair creates a fresh P-256 key pair.
func GenerateKeyPair() (KeyPair, error) {
	privateKey, err := p256.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: generate P-256 key pair: %w", ErrCryptoFailure, err)
	}
	return KeyPair{Private: privateKey, Public: privateKey.PublicKey()}, nil
}

// ParsePublicKey parses an uncompressed P-256 point.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: public key is empty", ErrCryptoFailure)
	}
	publicKey, err := p256.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse P-256 public key: %w", ErrCryptoFailure, err)
	}
	return publicKey, nil
}

// EncodePublicKey returns the base64 text form of the raw uncompressed point.
func EncodePublicKey(publicKey *ecdh.PublicKey) string {
	if publicKey == nil {
		return ""
	}
	return EncodeBase64(publicKey.Bytes())
}

// DecodePublicKey reverses EncodePublicKey.
func DecodePublicKey(text string) (*ecdh.PublicKey, error) {
	raw, err := DecodeBase64(text)
	if err != nil {
		return nil, fmt.Errorf("%w: decode public key: %w", ErrCryptoFailure, err)
	}
	return ParsePublicKey(raw)
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey *ecdh.PublicKey) string {
	if publicKey == nil {
		return ""
	}
	sum := sha256.Sum256(publicKey.Bytes())
	return hex.EncodeToString(sum[:8])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
