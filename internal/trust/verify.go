package trust

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/parley/internal/cryptobox"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// Protocol identifies a verification payload.
const (
	Protocol = "parley-verify"
	Version  = 1
)

// Reason is the outcome code of a verification attempt.
type Reason string

const (
	ReasonOK                   Reason = "ok"
	ReasonInvalidFormat        Reason = "invalid_format"
	ReasonVersionMismatch      Reason = "version_mismatch"
	ReasonKeyMismatch          Reason = "key_mismatch"
	ReasonSafetyNumberMismatch Reason = "safety_number_mismatch"
)

// Outcome is the result of VerifyQRCode.
type Outcome struct {
	Reason Reason
	UserID string
	Err    error
}

// OK reports whether verification succeeded.
func (o Outcome) OK() bool { return o.Reason == ReasonOK }

// Keys supplies this device's key and the directory keys to compare
// against. cryptobox.Service satisfies it.
type Keys interface {
	PublicKey(ctx context.Context) (cryptobox.PublicKey, error)
	FetchUserPublicKey(ctx context.Context, userID string) (cryptobox.PublicKey, error)
}

// Payload is the content of a verification QR code.
type Payload struct {
	Protocol     string `json:"protocol"`
	Version      int    `json:"version"`
	UserID       string `json:"userId"`
	PublicKey    string `json:"publicKey"`
	SafetyNumber string `json:"safetyNumber"`
}

// VerifyQRCode checks a scanned payload against the directory and records
// the correspondent as verified only if every check passes.
func (s *Store) VerifyQRCode(ctx context.Context, data string) Outcome {
	var p Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Outcome{Reason: ReasonInvalidFormat, Err: err}
	}
	if p.Protocol != Protocol {
		return Outcome{Reason: ReasonInvalidFormat, Err: fmt.Errorf("unknown protocol %q", p.Protocol)}
	}
	if p.Version != Version {
		return Outcome{Reason: ReasonVersionMismatch, Err: fmt.Errorf("version %d, want %d", p.Version, Version)}
	}
	if p.UserID == "" || p.PublicKey == "" || p.SafetyNumber == "" {
		return Outcome{Reason: ReasonInvalidFormat, Err: errors.New("missing field")}
	}

	out := Outcome{UserID: p.UserID}
	claimed, err := cryptobox.ParsePublicKey(p.PublicKey)
	if err != nil {
		out.Reason, out.Err = ReasonInvalidFormat, err
		return out
	}

	stored, err := s.keys.FetchUserPublicKey(ctx, p.UserID)
	if err != nil {
		// No key to compare against is a mismatch, never a pass.
		out.Reason, out.Err = ReasonKeyMismatch, err
		return out
	}
	if subtle.ConstantTimeCompare(claimed[:], stored[:]) != 1 {
		out.Reason, out.Err = ReasonKeyMismatch, errors.New("public key differs from directory")
		return out
	}

	own, err := s.keys.PublicKey(ctx)
	if err != nil {
		out.Reason, out.Err = ReasonKeyMismatch, fmt.Errorf("local key: %w", err)
		return out
	}
	expected := cryptobox.SafetyNumber(own, stored)
	got := cryptobox.NormalizeSafetyNumber(p.SafetyNumber)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		out.Reason, out.Err = ReasonSafetyNumberMismatch, errors.New("safety number differs")
		return out
	}

	if err := s.markVerified(ctx, p.UserID, stored.String()); err != nil {
		out.Reason, out.Err = ReasonKeyMismatch, err
		return out
	}
	out.Reason = ReasonOK
	return out
}

// Code is this device's verification payload for one correspondent.
type Code struct {
	Payload      string
	SafetyNumber string // grouped for display
	PNG          []byte
	Text         string // terminal rendering
}

// MyVerificationCode builds the payload correspondentID scans to verify us.
func (s *Store) MyVerificationCode(ctx context.Context, selfID, correspondentID string) (*Code, error) {
	own, err := s.keys.PublicKey(ctx)
	if err != nil {
		return nil, err
	}
	theirs, err := s.keys.FetchUserPublicKey(ctx, correspondentID)
	if err != nil {
		return nil, err
	}
	number := cryptobox.SafetyNumber(own, theirs)

	raw, err := json.Marshal(Payload{
		Protocol:     Protocol,
		Version:      Version,
		UserID:       selfID,
		PublicKey:    own.String(),
		SafetyNumber: number,
	})
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(string(raw), qrcode.Medium, 256)
	if err != nil {
		s.log.Warn("render verification QR", zap.Error(err))
		return nil, fmt.Errorf("render qr: %w", err)
	}
	text, err := renderQR(string(raw))
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return &Code{Payload: string(raw), SafetyNumber: cryptobox.FormatSafetyNumber(number), PNG: png, Text: text}, nil
}
