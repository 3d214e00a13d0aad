package cryptobox

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// BoxNonceSize is the nonce length for direct-message and file-key boxes.
// It is always carried as a separate field.
const BoxNonceSize = 24

// Sealed is a direct-message ciphertext with the nonce and sender key needed
// to open it.
type Sealed struct {
	Ciphertext      []byte
	Nonce           [BoxNonceSize]byte
	SenderPublicKey PublicKey
}

// SealTo encrypts plaintext from sender to recipient with a fresh nonce.
func SealTo(plaintext []byte, recipient PublicKey, sender *KeyPair) (*Sealed, error) {
	var nonce [BoxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	rk := [32]byte(recipient)
	ct := box.Seal(nil, plaintext, &nonce, &rk, &sender.Private)
	return &Sealed{Ciphertext: ct, Nonce: nonce, SenderPublicKey: sender.Public}, nil
}

// OpenFrom decrypts a box sealed by sender for recipient.
func OpenFrom(ciphertext []byte, nonce [BoxNonceSize]byte, sender PublicKey, recipient *KeyPair) ([]byte, error) {
	sk := [32]byte(sender)
	plain, ok := box.Open(nil, ciphertext, &nonce, &sk, &recipient.Private)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// EncryptedFile is a file sealed for one recipient. Data carries its
// 12-byte nonce as a prefix; the wrapped key carries its 24-byte nonce
// separately in KeyNonce.
type EncryptedFile struct {
	Data            []byte
	WrappedKey      []byte
	KeyNonce        [BoxNonceSize]byte
	SenderPublicKey PublicKey
}

// EncryptFile encrypts data under a fresh file key and boxes the key to
// recipient.
func EncryptFile(data []byte, recipient PublicKey, sender *KeyPair) (*EncryptedFile, error) {
	fileKey, err := NewSymmetricKey()
	if err != nil {
		return nil, err
	}
	ct, nonce, err := Seal(fileKey, data)
	if err != nil {
		return nil, err
	}
	wrapped, err := SealTo(fileKey, recipient, sender)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, len(nonce)+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, ct...)
	return &EncryptedFile{
		Data:            blob,
		WrappedKey:      wrapped.Ciphertext,
		KeyNonce:        wrapped.Nonce,
		SenderPublicKey: sender.Public,
	}, nil
}

// DecryptFile reverses EncryptFile on the recipient side.
func DecryptFile(data, wrappedKey []byte, sender PublicKey, keyNonce [BoxNonceSize]byte, recipient *KeyPair) ([]byte, error) {
	fileKey, err := OpenFrom(wrappedKey, keyNonce, sender, recipient)
	if err != nil {
		return nil, fmt.Errorf("unwrap file key: %w", err)
	}
	if len(data) < chacha20poly1305.NonceSize {
		return nil, ErrDecrypt
	}
	return Open(fileKey, data[:chacha20poly1305.NonceSize], data[chacha20poly1305.NonceSize:])
}
