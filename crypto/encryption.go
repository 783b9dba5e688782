package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	aes256KeySize = 32
	// IVSize is the AES-GCM nonce length used on the wire.
	IVSize = 12
)

// NewIV draws a fresh random 12-byte IV.
func NewIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: generate IV: %w", ErrCryptoFailure, err)
	}
	return iv, nil
}

// Encrypt seals plaintext with AES-256-GCM under secret and iv.
func Encrypt(secret, iv, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid IV length: got %d want %d", ErrCryptoFailure, len(iv), aead.NonceSize())
	}
	return aead.Seal(nil, iv, plaintext, nil), nil
}

// Decrypt opens AES-256-GCM ciphertext. A failed tag check returns ErrAuthentication.
func Decrypt(secret, iv, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid IV length: got %d want %d", ErrAuthentication, len(iv), aead.NonceSize())
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrAuthentication)
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	return plaintext, nil
}

func newGCM(secret []byte) (cipher.AEAD, error) {
	if len(secret) != aes256KeySize {
		return nil, fmt.Errorf("%w: invalid secret length: got %d want %d", ErrCryptoFailure, len(secret), aes256KeySize)
	}

	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: create AES cipher: %w", ErrCryptoFailure, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: create GCM: %w", ErrCryptoFailure, err)
	}
	return aead, nil
}
