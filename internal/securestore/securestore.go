// Package securestore is an encrypted key-value area on top of the local
// database. Values are sealed with AES-256-GCM under a key derived from the
// profile passphrase with argon2id.
package securestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	saltKey   = "securestore.salt"
	checkKey  = "securestore.check"
	keyPrefix = "secure:"
	saltSize  = 16
	nonceSize = 12
)

var (
	// ErrWrongPassphrase is returned by Open when the passphrase does not
	// match the one the store was created with.
	ErrWrongPassphrase = errors.New("securestore: wrong passphrase")
	// ErrCorrupt is returned when a stored value fails authentication.
	ErrCorrupt = errors.New("securestore: value corrupt")
)

var checkPlaintext = []byte("parley-securestore-v1")

// Backend is the raw key-value table.
type Backend interface {
	GetKV(ctx context.Context, key string) ([]byte, error)
	SetKV(ctx context.Context, key string, value []byte) error
	DeleteKV(ctx context.Context, key string) error
}

// Store seals values before handing them to the backend.
type Store struct {
	kv   Backend
	aead cipher.AEAD
}

// DeriveKey stretches passphrase into a 32-byte key.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// Open derives the store key, creating the salt on first use.
func Open(ctx context.Context, kv Backend, passphrase []byte) (*Store, error) {
	salt, err := kv.GetKV(ctx, saltKey)
	if err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	fresh := salt == nil
	if fresh {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		if err := kv.SetKV(ctx, saltKey, salt); err != nil {
			return nil, fmt.Errorf("write salt: %w", err)
		}
	}

	block, err := aes.NewCipher(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	s := &Store{kv: kv, aead: aead}

	if fresh {
		if err := s.put(ctx, checkKey, checkPlaintext); err != nil {
			return nil, err
		}
		return s, nil
	}
	if _, err := s.get(ctx, checkKey); err != nil {
		if errors.Is(err, ErrCorrupt) {
			return nil, ErrWrongPassphrase
		}
		return nil, err
	}
	return s, nil
}

// Get returns the plaintext for key, or nil if it is not set.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, keyPrefix+key)
}

// Put seals and stores value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.put(ctx, keyPrefix+key, value)
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.DeleteKV(ctx, keyPrefix+key)
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.kv.GetKV(ctx, key)
	if err != nil || raw == nil {
		return nil, err
	}
	if len(raw) < nonceSize+s.aead.Overhead() {
		return nil, ErrCorrupt
	}
	plain, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(key))
	if err != nil {
		return nil, ErrCorrupt
	}
	return plain, nil
}

func (s *Store) put(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, nonceSize, nonceSize+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := s.aead.Seal(nonce, nonce, value, []byte(key))
	return s.kv.SetKV(ctx, key, sealed)
}
