package crypto

import (
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SharedSecretSize is the AES-256 key length taken from the ECDH output.
	SharedSecretSize = 32

	verificationCodeInfo = "dragnshare verification code v1"
	verificationCodeSize = 6
)

// DeriveSharedSecret performs P-256 ECDH and returns the 32-byte shared secret.
//
// The raw x-coordinate is used as the AES-256-GCM key unchanged, which is what
// browser peers get from WebCrypto deriveKey with an AES-GCM 256 target.
func DeriveSharedSecret(localPrivate *ecdh.PrivateKey, remotePublic *ecdh.PublicKey) ([]byte, error) {
	if localPrivate == nil {
		return nil, fmt.Errorf("%w: local private key is required", ErrCryptoFailure)
	}
	if remotePublic == nil {
		return nil, fmt.Errorf("%w: remote public key is required", ErrCryptoFailure)
	}
	if localPrivate.Curve() != remotePublic.Curve() {
		return nil, fmt.Errorf("%w: key curve mismatch", ErrCryptoFailure)
	}

	secret, err := localPrivate.ECDH(remotePublic)
	if err != nil {
		return nil, fmt.Errorf("%w: compute P-256 shared secret: %w", ErrCryptoFailure, err)
	}
	if len(secret) != SharedSecretSize {
		Zero(secret)
		return nil, fmt.Errorf("%w: unexpected shared secret size %d", ErrCryptoFailure, len(secret))
	}
	return secret, nil
}

// VerificationCode derives a short human-comparable code from a shared secret.
// Both peers of one transfer compute the same code.
func VerificationCode(secret []byte) (string, error) {
	if len(secret) != SharedSecretSize {
		return "", fmt.Errorf("%w: invalid shared secret length %d", ErrCryptoFailure, len(secret))
	}

	reader := hkdf.New(sha256.New, secret, nil, []byte(verificationCodeInfo))
	code := make([]byte, verificationCodeSize)
	if _, err := io.ReadFull(reader, code); err != nil {
		return "", fmt.Errorf("%w: derive verification code: %w", ErrCryptoFailure, err)
	}
	return FormatFingerprint(hex.EncodeToString(code)), nil
}
