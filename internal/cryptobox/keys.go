// Package cryptobox holds the cryptographic primitives: X25519 key pairs with
// NaCl box for direct messages, ChaCha20-Poly1305 for symmetric payloads and
// group key wrapping, and safety-number derivation.
package cryptobox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

var (
	ErrDecrypt             = errors.New("cryptobox: decryption failed")
	ErrMalformedWrappedKey = errors.New("cryptobox: malformed wrapped key")
	ErrNoKeyPair           = errors.New("cryptobox: no local key pair")
	ErrNoPublicKey         = errors.New("cryptobox: no public key for user")
	ErrInvalidKey          = errors.New("cryptobox: invalid key")
)

// PublicKeySize is the length of an X25519 public key.
const PublicKeySize = 32

// PublicKey is an X25519 public key.
type PublicKey [PublicKeySize]byte

// String returns the standard base64 encoding.
func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// IsZero reports whether k is unset.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// ParsePublicKey decodes a base64 public key.
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return PublicKeyFromBytes(b)
}

// PublicKeyFromBytes copies b into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != PublicKeySize {
		return k, fmt.Errorf("%w: length %d", ErrInvalidKey, len(b))
	}
	copy(k[:], b)
	if k.IsZero() {
		return k, fmt.Errorf("%w: all zeros", ErrInvalidKey)
	}
	return k, nil
}

// KeyPair is a NaCl box key pair.
type KeyPair struct {
	Public  PublicKey
	Private [32]byte
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// Marshal returns public||private.
func (kp *KeyPair) Marshal() []byte {
	out := make([]byte, 0, 64)
	out = append(out, kp.Public[:]...)
	return append(out, kp.Private[:]...)
}

// UnmarshalKeyPair reverses Marshal.
func UnmarshalKeyPair(b []byte) (*KeyPair, error) {
	if len(b) != 64 {
		return nil, fmt.Errorf("%w: key pair length %d", ErrInvalidKey, len(b))
	}
	kp := &KeyPair{}
	copy(kp.Public[:], b[:32])
	copy(kp.Private[:], b[32:])
	return kp, nil
}
