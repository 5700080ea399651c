package domain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const deriveInfoPrefix = "payment-token-v1:"

// DeriveDeviceKey derives a per-device AES-256 key from a versioned base
// key. Binding the derivation to the device token means a leaked ciphertext
// cannot be opened without both the base key and the originating device's
// token.
func DeriveDeviceKey(baseKey []byte, deviceToken string) ([]byte, error) {
	if len(baseKey) != 32 {
		return nil, errors.New("base key must be 32 bytes")
	}
	reader := hkdf.New(sha256.New, baseKey, nil, []byte(deriveInfoPrefix+deviceToken))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce.
func Encrypt(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens an AES-256-GCM ciphertext. Tampered data fails the GCM tag
// check and surfaces as an error, never as garbage plaintext.
func Decrypt(key, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
