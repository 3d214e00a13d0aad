package e2ee

import (
	"context"
	"fmt"

	"github.com/matheus3301/parley/internal/cryptobox"
	"go.uber.org/zap"
)

// Crypto is the key material and primitives the pipeline needs.
// cryptobox.Service satisfies it.
type Crypto interface {
	HasKeyPair(ctx context.Context) bool
	PublicKey(ctx context.Context) (cryptobox.PublicKey, error)
	EncryptMessage(ctx context.Context, plaintext []byte, recipientID string) (*cryptobox.Sealed, error)
	DecryptMessage(ctx context.Context, ciphertext []byte, nonce [cryptobox.BoxNonceSize]byte, sender cryptobox.PublicKey) ([]byte, error)
	EncryptFile(ctx context.Context, data []byte, recipientID string) (*cryptobox.EncryptedFile, error)
	DecryptFile(ctx context.Context, data, wrappedKey []byte, sender cryptobox.PublicKey, keyNonce [cryptobox.BoxNonceSize]byte) ([]byte, error)
}

// Pipeline encrypts message bodies. File operations live in files.go.
type Pipeline struct {
	crypto Crypto
	files  *FileStore
	log    *zap.Logger
}

// New creates a pipeline. files may be nil if attachments are unused.
func New(crypto Crypto, files *FileStore, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{crypto: crypto, files: files, log: log}
}

// Files returns the attachment store.
func (p *Pipeline) Files() *FileStore { return p.files }

// EncryptDirect seals plaintext for recipientID.
func (p *Pipeline) EncryptDirect(ctx context.Context, plaintext, recipientID string) Result {
	if p.crypto == nil || !p.crypto.HasKeyPair(ctx) {
		return noKey(cryptobox.ErrNoKeyPair)
	}
	sealed, err := p.crypto.EncryptMessage(ctx, []byte(plaintext), recipientID)
	if err != nil {
		r := classify(err)
		p.log.Debug("direct encryption unavailable", zap.String("recipient", recipientID), zap.Stringer("status", r.Status), zap.Error(err))
		return r
	}
	return encrypted(&Payload{
		Mode:            ModeDirect,
		Ciphertext:      sealed.Ciphertext,
		Nonce:           sealed.Nonce[:],
		SenderPublicKey: sealed.SenderPublicKey,
	})
}

// DecryptDirect opens a direct payload addressed to this device.
func (p *Pipeline) DecryptDirect(ctx context.Context, pl *Payload) (string, error) {
	if pl.Mode != ModeDirect {
		return "", fmt.Errorf("%w: mode %q is not direct", ErrCrypto, pl.Mode)
	}
	if len(pl.Nonce) != cryptobox.BoxNonceSize {
		return "", fmt.Errorf("%w: nonce length %d", ErrCrypto, len(pl.Nonce))
	}
	plain, err := p.crypto.DecryptMessage(ctx, pl.Ciphertext, [cryptobox.BoxNonceSize]byte(pl.Nonce), pl.SenderPublicKey)
	if err != nil {
		return "", classify(err).Err
	}
	return string(plain), nil
}

// EncryptGroup seals plaintext under a fresh message key and wraps that key
// with groupKey.
func EncryptGroup(plaintext string, groupKey []byte, keyID string) Result {
	if len(groupKey) != cryptobox.SymmetricKeySize {
		return noKey(fmt.Errorf("group key %q unavailable", keyID))
	}
	msgKey, err := cryptobox.NewSymmetricKey()
	if err != nil {
		return cryptoFailure(err)
	}
	ct, nonce, err := cryptobox.Seal(msgKey, []byte(plaintext))
	if err != nil {
		return cryptoFailure(err)
	}
	wrapped, err := cryptobox.WrapKey(groupKey, msgKey)
	if err != nil {
		return cryptoFailure(err)
	}
	return encrypted(&Payload{Mode: ModeGroup, Ciphertext: ct, Nonce: nonce, WrappedKey: wrapped, KeyID: keyID})
}

// DecryptGroup reverses EncryptGroup.
func DecryptGroup(pl *Payload, groupKey []byte) (string, error) {
	if pl.Mode != ModeGroup {
		return "", fmt.Errorf("%w: mode %q is not group", ErrCrypto, pl.Mode)
	}
	msgKey, err := cryptobox.UnwrapKey(groupKey, pl.WrappedKey)
	if err != nil {
		return "", fmt.Errorf("%w: unwrap: %v", ErrCrypto, err)
	}
	plain, err := cryptobox.Open(msgKey, pl.Nonce, pl.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return string(plain), nil
}
