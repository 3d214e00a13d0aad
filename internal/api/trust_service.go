package api

import (
	"context"
	"encoding/base64"

	"github.com/matheus3301/parley/internal/trust"
	"google.golang.org/protobuf/types/known/structpb"
)

// TrustService exposes key verification.
type TrustService struct {
	trust *trust.Store
	auth  Auth
}

// NewTrustService creates a new trust service.
func NewTrustService(t *trust.Store, a Auth) *TrustService {
	return &TrustService{trust: t, auth: a}
}

// VerifyQRCode never fails at the transport level; the outcome reason says
// what went wrong.
func (s *TrustService) VerifyQRCode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := args(req)
	if err := in.require("data"); err != nil {
		return nil, err
	}
	out := s.trust.VerifyQRCode(ctx, in.str("data"))
	resp := map[string]any{
		"verified": out.OK(),
		"reason":   string(out.Reason),
		"user_id":  out.UserID,
	}
	if out.Err != nil {
		resp["error"] = out.Err.Error()
	}
	return object(resp)
}

func (s *TrustService) MyVerificationCode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := args(req)
	if err := in.require("user_id"); err != nil {
		return nil, err
	}
	sess, err := s.auth.Current()
	if err != nil {
		return nil, errorStatus("verification code", err)
	}
	code, err := s.trust.MyVerificationCode(ctx, sess.UserID, in.str("user_id"))
	if err != nil {
		return nil, errorStatus("verification code", err)
	}
	return object(map[string]any{
		"payload":       code.Payload,
		"safety_number": code.SafetyNumber,
		"png":           base64.StdEncoding.EncodeToString(code.PNG),
		"text":          code.Text,
	})
}

func (s *TrustService) ListVerified(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	records := s.trust.Verified(ctx)
	list := make([]any, len(records))
	for i, r := range records {
		list[i] = map[string]any{"user_id": r.UserID, "verified_at": millis(r.VerifiedAt)}
	}
	return object(map[string]any{"verified": list})
}
