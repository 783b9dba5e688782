package crypto

import "crypto/ecdh"

// Suite is the set of primitives the transfer layer depends on.
type Suite interface {
	GenerateKeyPair() (KeyPair, error)
	DeriveSharedSecret(localPrivate *ecdh.PrivateKey, remotePublic *ecdh.PublicKey) ([]byte, error)
	NewIV() ([]byte, error)
	Encrypt(secret, iv, plaintext []byte) ([]byte, error)
	Decrypt(secret, iv, ciphertext []byte) ([]byte, error)
}

// Standard is the Suite backed by crypto/ecdh, crypto/aes and crypto/rand.
var Standard Suite = standardSuite{}

type standardSuite struct{}

func (standardSuite) GenerateKeyPair() (KeyPair, error) { return GenerateKeyPair() }

func (standardSuite) DeriveSharedSecret(localPrivate *ecdh.PrivateKey, remotePublic *ecdh.PublicKey) ([]byte, error) {
	return DeriveSharedSecret(localPrivate, remotePublic)
}

func (standardSuite) NewIV() ([]byte, error) { return NewIV() }

func (standardSuite) Encrypt(secret, iv, plaintext []byte) ([]byte, error) {
	return Encrypt(secret, iv, plaintext)
}

func (standardSuite) Decrypt(secret, iv, ciphertext []byte) ([]byte, error) {
	return Decrypt(secret, iv, ciphertext)
}
