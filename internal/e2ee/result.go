// Package e2ee turns plaintext message bodies and attachments into ciphertext
// bundles for a single recipient or a group, and reverses the transform.
package e2ee

import (
	"errors"
	"fmt"

	"github.com/matheus3301/parley/internal/cryptobox"
)

var (
	// ErrNoKeyMaterial means a key needed for the operation is missing.
	ErrNoKeyMaterial = errors.New("e2ee: no key material")
	// ErrCrypto means a cryptographic operation failed.
	ErrCrypto = errors.New("e2ee: cryptographic failure")
	// ErrLocatorNotFound means a blob locator does not point into the
	// attachment bucket.
	ErrLocatorNotFound = errors.New("e2ee: locator not found")
)

// Status discriminates an encryption Result.
type Status int

const (
	Encrypted Status = iota
	NoKeyMaterial
	CryptoFailure
)

func (s Status) String() string {
	switch s {
	case Encrypted:
		return "encrypted"
	case NoKeyMaterial:
		return "no_key_material"
	case CryptoFailure:
		return "crypto_failure"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Mode selects how a payload was encrypted. It is always carried with the
// payload.
type Mode string

const (
	// ModeDirect is a NaCl box to one recipient; Nonce is 24 bytes.
	ModeDirect Mode = "direct"
	// ModeGroup is ChaCha20-Poly1305 under a per-message key wrapped with
	// the group key; Nonce is 12 bytes.
	ModeGroup Mode = "group"
)

// Payload is an encrypted message body.
type Payload struct {
	Mode            Mode
	Ciphertext      []byte
	Nonce           []byte
	SenderPublicKey cryptobox.PublicKey // direct only
	WrappedKey      string              // group only: base64(nonce || ct)
	KeyID           string              // group only: wrapping key identity
}

// Result is the outcome of an encryption attempt. Payload is set only when
// Status is Encrypted; Err explains the other cases.
type Result struct {
	Status  Status
	Payload *Payload
	Err     error
}

// OK reports whether the payload is usable.
func (r Result) OK() bool { return r.Status == Encrypted && r.Payload != nil }

func encrypted(p *Payload) Result { return Result{Status: Encrypted, Payload: p} }

func noKey(err error) Result {
	return Result{Status: NoKeyMaterial, Err: fmt.Errorf("%w: %v", ErrNoKeyMaterial, err)}
}

func cryptoFailure(err error) Result {
	return Result{Status: CryptoFailure, Err: fmt.Errorf("%w: %v", ErrCrypto, err)}
}

// classify sorts a cryptobox error into a Result status.
func classify(err error) Result {
	if errors.Is(err, cryptobox.ErrNoKeyPair) || errors.Is(err, cryptobox.ErrNoPublicKey) {
		return noKey(err)
	}
	return cryptoFailure(err)
}
