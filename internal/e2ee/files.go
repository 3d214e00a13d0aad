package e2ee

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/matheus3301/parley/internal/cryptobox"
	"github.com/matheus3301/parley/internal/remote"
)

const encryptedContentType = "application/octet-stream"

// FileBundle describes an uploaded encrypted attachment.
type FileBundle struct {
	Mode            Mode
	Locator         string // public URL of the ciphertext blob
	WrappedKey      string // base64; direct: box ciphertext, group: nonce||ct
	KeyNonce        string // base64 24-byte box nonce, direct only
	SenderPublicKey string // base64, direct only
	Name            string
	Size            int
	MimeType        string
}

// FileStore uploads and downloads encrypted attachments.
type FileStore struct {
	crypto Crypto
	blobs  remote.Blobs
	bucket string
	now    func() time.Time
}

// NewFileStore returns a store writing to bucket.
func NewFileStore(crypto Crypto, blobs remote.Blobs, bucket string) *FileStore {
	return &FileStore{crypto: crypto, blobs: blobs, bucket: bucket, now: time.Now}
}

// UploadEncryptedFile seals data for recipientID and uploads it under
// <sender>/<recipient>/<unix_ms>_<name>.enc.
func (f *FileStore) UploadEncryptedFile(ctx context.Context, data []byte, name, mimeType, senderID, recipientID string) (*FileBundle, error) {
	ef, err := f.crypto.EncryptFile(ctx, data, recipientID)
	if err != nil {
		return nil, classify(err).Err
	}
	locator, err := f.upload(ctx, senderID, recipientID, name, ef.Data)
	if err != nil {
		return nil, err
	}
	return &FileBundle{
		Mode:            ModeDirect,
		Locator:         locator,
		WrappedKey:      base64.StdEncoding.EncodeToString(ef.WrappedKey),
		KeyNonce:        base64.StdEncoding.EncodeToString(ef.KeyNonce[:]),
		SenderPublicKey: ef.SenderPublicKey.String(),
		Name:            name,
		Size:            len(data),
		MimeType:        mimeType,
	}, nil
}

// DownloadAndDecryptFile fetches and opens a direct attachment.
func (f *FileStore) DownloadAndDecryptFile(ctx context.Context, b *FileBundle) ([]byte, error) {
	if b.Mode != ModeDirect {
		return nil, fmt.Errorf("%w: bundle mode %q is not direct", ErrCrypto, b.Mode)
	}
	wrapped, err := base64.StdEncoding.DecodeString(b.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapped key: %v", ErrCrypto, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(b.KeyNonce)
	if err != nil || len(nonce) != cryptobox.BoxNonceSize {
		return nil, fmt.Errorf("%w: key nonce", ErrCrypto)
	}
	sender, err := cryptobox.ParsePublicKey(b.SenderPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	data, err := f.download(ctx, b.Locator)
	if err != nil {
		return nil, err
	}
	plain, err := f.crypto.DecryptFile(ctx, data, wrapped, sender, [cryptobox.BoxNonceSize]byte(nonce))
	if err != nil {
		return nil, classify(err).Err
	}
	return plain, nil
}

// UploadEncryptedGroupFile encrypts data under a fresh file key, wraps the
// file key with groupKey and uploads the ciphertext.
func (f *FileStore) UploadEncryptedGroupFile(ctx context.Context, data []byte, name, mimeType, senderID, groupID string, groupKey []byte) (*FileBundle, error) {
	if len(groupKey) != cryptobox.SymmetricKeySize {
		return nil, fmt.Errorf("%w: group key for %s", ErrNoKeyMaterial, groupID)
	}
	fileKey, err := cryptobox.NewSymmetricKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	ct, nonce, err := cryptobox.Seal(fileKey, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	wrapped, err := cryptobox.WrapKey(groupKey, fileKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	blob := make([]byte, 0, len(nonce)+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, ct...)
	locator, err := f.upload(ctx, senderID, groupID, name, blob)
	if err != nil {
		return nil, err
	}
	return &FileBundle{
		Mode:       ModeGroup,
		Locator:    locator,
		WrappedKey: wrapped,
		Name:       name,
		Size:       len(data),
		MimeType:   mimeType,
	}, nil
}

// DownloadAndDecryptGroupFile fetches and opens a group attachment.
func (f *FileStore) DownloadAndDecryptGroupFile(ctx context.Context, b *FileBundle, groupKey []byte) ([]byte, error) {
	if b.Mode != ModeGroup {
		return nil, fmt.Errorf("%w: bundle mode %q is not group", ErrCrypto, b.Mode)
	}
	fileKey, err := cryptobox.UnwrapKey(groupKey, b.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap file key: %v", ErrCrypto, err)
	}
	data, err := f.download(ctx, b.Locator)
	if err != nil {
		return nil, err
	}
	if len(data) < cryptobox.NonceSize {
		return nil, fmt.Errorf("%w: blob too short", ErrCrypto)
	}
	plain, err := cryptobox.Open(fileKey, data[:cryptobox.NonceSize], data[cryptobox.NonceSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return plain, nil
}

// ObjectPath resolves a locator to its storage path, or ErrLocatorNotFound.
func (f *FileStore) ObjectPath(locator string) (string, error) {
	p, ok := remote.ObjectPath(remote.BucketPrefix(f.blobs, f.bucket), locator)
	if !ok {
		return "", ErrLocatorNotFound
	}
	return p, nil
}

func (f *FileStore) upload(ctx context.Context, senderID, target, name string, blob []byte) (string, error) {
	p := fmt.Sprintf("%s/%s/%d_%s.enc", senderID, target, f.now().UnixMilli(), sanitizeName(name))
	if err := f.blobs.Upload(ctx, f.bucket, p, blob, encryptedContentType); err != nil {
		return "", fmt.Errorf("upload %s: %w", p, err)
	}
	return f.blobs.PublicURL(f.bucket, p), nil
}

func (f *FileStore) download(ctx context.Context, locator string) ([]byte, error) {
	p, err := f.ObjectPath(locator)
	if err != nil {
		return nil, err
	}
	data, err := f.blobs.Download(ctx, f.bucket, p)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", p, err)
	}
	return data, nil
}

func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "file"
	}
	return name
}
