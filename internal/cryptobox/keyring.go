package cryptobox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/remote"
)

const (
	keyPairSecret = "identity.keypair"
	// PublicKeysTable holds every user's current public key.
	PublicKeysTable = "user_public_keys"
)

// SecretStore persists key material. securestore.Store satisfies it.
type SecretStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Keyring owns this device's key pair.
type Keyring struct {
	secrets SecretStore

	mu sync.Mutex
	kp *KeyPair
}

// NewKeyring returns a keyring that loads lazily from secrets.
func NewKeyring(secrets SecretStore) *Keyring {
	return &Keyring{secrets: secrets}
}

// KeyPair returns the local key pair or ErrNoKeyPair.
func (k *Keyring) KeyPair(ctx context.Context) (*KeyPair, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.kp != nil {
		return k.kp, nil
	}
	raw, err := k.secrets.Get(ctx, keyPairSecret)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	if raw == nil {
		return nil, ErrNoKeyPair
	}
	kp, err := UnmarshalKeyPair(raw)
	if err != nil {
		return nil, err
	}
	k.kp = kp
	return kp, nil
}

// HasKeyPair reports whether a usable key pair is available.
func (k *Keyring) HasKeyPair(ctx context.Context) bool {
	_, err := k.KeyPair(ctx)
	return err == nil
}

// PublicKey returns the local public key.
func (k *Keyring) PublicKey(ctx context.Context) (PublicKey, error) {
	kp, err := k.KeyPair(ctx)
	if err != nil {
		return PublicKey{}, err
	}
	return kp.Public, nil
}

// Generate creates and stores a fresh key pair, replacing any existing one.
func (k *Keyring) Generate(ctx context.Context) (*KeyPair, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := k.secrets.Put(ctx, keyPairSecret, kp.Marshal()); err != nil {
		return nil, fmt.Errorf("store key pair: %w", err)
	}
	k.mu.Lock()
	k.kp = kp
	k.mu.Unlock()
	return kp, nil
}

// Publish uploads the local public key as userID's directory entry.
func (k *Keyring) Publish(ctx context.Context, rows remote.Rows, userID string) error {
	pub, err := k.PublicKey(ctx)
	if err != nil {
		return err
	}
	return rows.Upsert(ctx, PublicKeysTable, remote.Row{
		"user_id":    userID,
		"public_key": pub.String(),
		"updated_at": time.Now().UnixMilli(),
	}, "user_id")
}

// Directory looks up other users' public keys on the remote.
type Directory struct {
	rows remote.Rows
}

// NewDirectory returns a directory reading from rows.
func NewDirectory(rows remote.Rows) *Directory {
	return &Directory{rows: rows}
}

// FetchUserPublicKey returns userID's published key or ErrNoPublicKey.
func (d *Directory) FetchUserPublicKey(ctx context.Context, userID string) (PublicKey, error) {
	rows, err := d.rows.Select(ctx, remote.Query{
		Table:   PublicKeysTable,
		Filters: []remote.Filter{remote.Eq("user_id", userID)},
		Limit:   1,
	})
	if errors.Is(err, remote.ErrNotFound) || (err == nil && len(rows) == 0) {
		return PublicKey{}, ErrNoPublicKey
	}
	if err != nil {
		return PublicKey{}, fmt.Errorf("fetch public key: %w", err)
	}
	return ParsePublicKey(rows[0].Text("public_key"))
}
