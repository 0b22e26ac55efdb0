// Package encryption seals job configurations at rest with XChaCha20-Poly1305.
package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrDecrypt = errors.New("cannot decrypt job configuration")

// Service encrypts and decrypts job configuration payloads. The returned
// initial vector must be stored next to the cipher text.
type Service interface {
	Encrypt(plain []byte) (cipherText, iv []byte, err error)
	Decrypt(cipherText, iv []byte) ([]byte, error)
}

type AEADService struct {
	aead cipher.AEAD
}

// New creates an AEADService from a 32 byte secret.
func New(secret []byte) (*AEADService, error) {
	aead, err := chacha20poly1305.NewX(secret)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &AEADService{aead: aead}, nil
}

// Encrypt seals plain with a fresh random nonce, returned as the initial vector.
func (s *AEADService) Encrypt(plain []byte) ([]byte, []byte, error) {
	iv := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate initial vector: %w", err)
	}
	return s.aead.Seal(nil, iv, plain, nil), iv, nil
}

func (s *AEADService) Decrypt(cipherText, iv []byte) ([]byte, error) {
	if len(iv) != s.aead.NonceSize() {
		return nil, fmt.Errorf("%w: initial vector has %d bytes", ErrDecrypt, len(iv))
	}
	plain, err := s.aead.Open(nil, iv, cipherText, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}
