package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func testSecret(t *testing.T) []byte {
	t.Helper()

	secret := make([]byte, SharedSecretSize)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	return secret
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	secret := testSecret(t)

	for _, size := range []int{0, 1, 15, 16, 17, 1024, 32768} {
		plaintext := make([]byte, size)
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatalf("generate plaintext: %v", err)
		}
		iv, err := NewIV()
		if err != nil {
			t.Fatalf("NewIV failed: %v", err)
		}
		if len(iv) != IVSize {
			t.Fatalf("expected %d-byte IV, got %d", IVSize, len(iv))
		}

		ciphertext, err := Encrypt(secret, iv, plaintext)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		decrypted, err := Decrypt(secret, iv, ciphertext)
		if err != nil {
			t.Fatalf("Decrypt failed for size %d: %v", size, err)
		}
		if !bytes.Equal(plaintext, decrypted) {
			t.Fatalf("decrypted plaintext does not match original for size %d", size)
		}
	}
}

func TestDecryptRejectsEveryFlippedBit(t *testing.T) {
	secret := testSecret(t)
	iv, err := NewIV()
	if err != nil {
		t.Fatalf("NewIV failed: %v", err)
	}
	plaintext := []byte("hello world")

	ciphertext, err := Encrypt(secret, iv, plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	for bit := 0; bit < len(ciphertext)*8; bit++ {
		tampered := append([]byte(nil), ciphertext...)
		tampered[bit/8] ^= 1 << (bit % 8)

		got, err := Decrypt(secret, iv, tampered)
		if !errors.Is(err, ErrAuthentication) {
			t.Fatalf("ciphertext bit %d: expected ErrAuthentication, got %v", bit, err)
		}
		if got != nil {
			t.Fatalf("ciphertext bit %d: expected no plaintext", bit)
		}
	}

	for bit := 0; bit < len(iv)*8; bit++ {
		tamperedIV := append([]byte(nil), iv...)
		tamperedIV[bit/8] ^= 1 << (bit % 8)

		if _, err := Decrypt(secret, tamperedIV, ciphertext); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("iv bit %d: expected ErrAuthentication, got %v", bit, err)
		}
	}
}

func TestDecryptWithWrongSecretFailsAuthentication(t *testing.T) {
	iv, err := NewIV()
	if err != nil {
		t.Fatalf("NewIV failed: %v", err)
	}
	ciphertext, err := Encrypt(testSecret(t), iv, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	_, err = Decrypt(testSecret(t), iv, ciphertext)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if errors.Is(err, ErrCryptoFailure) {
		t.Fatalf("authentication failure must be distinguishable from crypto failure")
	}
}

func TestEncryptRejectsBadKeyMaterial(t *testing.T) {
	iv, _ := NewIV()
	if _, err := Encrypt(make([]byte, 16), iv, []byte("x")); !errors.Is(err, ErrCryptoFailure) {
		t.Fatalf("expected ErrCryptoFailure for short key, got %v", err)
	}
	if _, err := Encrypt(testSecret(t), iv[:8], []byte("x")); !errors.Is(err, ErrCryptoFailure) {
		t.Fatalf("expected ErrCryptoFailure for short IV, got %v", err)
	}
}

func TestZeroWipesBuffer(t *testing.T) {
	secret := testSecret(t)
	Zero(secret)
	if !bytes.Equal(secret, make([]byte, SharedSecretSize)) {
		t.Fatalf("expected zeroed buffer")
	}
}
