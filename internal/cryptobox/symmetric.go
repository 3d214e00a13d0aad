package cryptobox

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Symmetric key and nonce sizes for ChaCha20-Poly1305.
const (
	SymmetricKeySize = chacha20poly1305.KeySize
	NonceSize        = chacha20poly1305.NonceSize
)

// NewSymmetricKey returns a random 32-byte key. Group keys and per-file keys
// both come from here.
func NewSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext under key with a fresh random nonce and returns the
// nonce alongside the ciphertext.
func Seal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts ciphertext with the nonce it was sealed with.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(nonce) != NonceSize {
		return nil, ErrDecrypt
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// WrapKey seals fileKey under groupKey. The result is
// base64(nonce[12] || ciphertext).
func WrapKey(groupKey, fileKey []byte) (string, error) {
	ct, nonce, err := Seal(groupKey, fileKey)
	if err != nil {
		return "", err
	}
	raw := make([]byte, 0, len(nonce)+len(ct))
	raw = append(raw, nonce...)
	raw = append(raw, ct...)
	return base64.StdEncoding.EncodeToString(raw), nil
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(groupKey []byte, wrapped string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWrappedKey, err)
	}
	if len(raw) < NonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedWrappedKey, len(raw))
	}
	return Open(groupKey, raw[:NonceSize], raw[NonceSize:])
}
