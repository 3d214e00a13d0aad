package cryptobox

import "context"

// Service combines the local keyring with the remote directory so callers
// can encrypt by user id.
type Service struct {
	Keys *Keyring
	Dir  *Directory
}

// NewService returns a Service.
func NewService(keys *Keyring, dir *Directory) *Service {
	return &Service{Keys: keys, Dir: dir}
}

// HasKeyPair reports whether this device can encrypt.
func (s *Service) HasKeyPair(ctx context.Context) bool {
	return s.Keys.HasKeyPair(ctx)
}

// PublicKey returns this device's public key.
func (s *Service) PublicKey(ctx context.Context) (PublicKey, error) {
	return s.Keys.PublicKey(ctx)
}

// FetchUserPublicKey returns userID's directory key.
func (s *Service) FetchUserPublicKey(ctx context.Context, userID string) (PublicKey, error) {
	return s.Dir.FetchUserPublicKey(ctx, userID)
}

// EncryptMessage seals plaintext for recipientID.
func (s *Service) EncryptMessage(ctx context.Context, plaintext []byte, recipientID string) (*Sealed, error) {
	kp, err := s.Keys.KeyPair(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := s.Dir.FetchUserPublicKey(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	return SealTo(plaintext, pub, kp)
}

// DecryptMessage opens a direct message sent to this device.
func (s *Service) DecryptMessage(ctx context.Context, ciphertext []byte, nonce [BoxNonceSize]byte, sender PublicKey) ([]byte, error) {
	kp, err := s.Keys.KeyPair(ctx)
	if err != nil {
		return nil, err
	}
	return OpenFrom(ciphertext, nonce, sender, kp)
}

// EncryptFile seals data for recipientID.
func (s *Service) EncryptFile(ctx context.Context, data []byte, recipientID string) (*EncryptedFile, error) {
	kp, err := s.Keys.KeyPair(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := s.Dir.FetchUserPublicKey(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	return EncryptFile(data, pub, kp)
}

// DecryptFile opens a file sealed for this device.
func (s *Service) DecryptFile(ctx context.Context, data, wrappedKey []byte, sender PublicKey, keyNonce [BoxNonceSize]byte) ([]byte, error) {
	kp, err := s.Keys.KeyPair(ctx)
	if err != nil {
		return nil, err
	}
	return DecryptFile(data, wrappedKey, sender, keyNonce, kp)
}
