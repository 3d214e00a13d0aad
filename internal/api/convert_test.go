package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/parley/internal/auth"
	"github.com/matheus3301/parley/internal/channel"
	"github.com/matheus3301/parley/internal/e2ee"
	"github.com/matheus3301/parley/internal/netstate"
	"github.com/matheus3301/parley/internal/queue"
	"github.com/matheus3301/parley/internal/send"
	intsync "github.com/matheus3301/parley/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("parse: %w", channel.ErrInvalid), codes.InvalidArgument},
		{send.ErrUnknownMessage, codes.NotFound},
		{fmt.Errorf("send: %w", auth.ErrNotAuthenticated), codes.Unauthenticated},
		{queue.ErrInFlight, codes.FailedPrecondition},
		{e2ee.ErrCrypto, codes.DataLoss},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tt := range tests {
		got := grpcstatus.Code(errorStatus("op", tt.err))
		if got != tt.want {
			t.Errorf("errorStatus(%v) code = %v, want %v", tt.err, got, tt.want)
		}
	}

	if errorStatus("op", nil) != nil {
		t.Error("nil error should stay nil")
	}
	already := grpcstatus.Error(codes.Unavailable, "no blob store")
	if errorStatus("op", already) != already {
		t.Error("status errors should pass through unchanged")
	}
}

func TestRequire(t *testing.T) {
	req, err := structpb.NewStruct(map[string]any{"channel_id": "dm:1:2", "content": ""})
	if err != nil {
		t.Fatal(err)
	}
	if err := args(req).require("channel_id"); err != nil {
		t.Errorf("require(channel_id) = %v", err)
	}
	err = args(req).require("channel_id", "content")
	if grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("empty content: code = %v, want InvalidArgument", grpcstatus.Code(err))
	}
}

func TestAttachmentsRoundTrip(t *testing.T) {
	in := queue.Attachment{URL: "blob://b/x", Name: "a.txt", MimeType: "text/plain", Size: 12, Mode: "direct", WrappedKey: "wk", KeyNonce: "kn", SenderPublicKey: "pk"}
	req, err := structpb.NewStruct(map[string]any{"attachments": []any{attachmentFields(in)}})
	if err != nil {
		t.Fatal(err)
	}
	got := args(req).attachments()
	if len(got) != 1 || got[0] != in {
		t.Errorf("attachments = %+v, want %+v", got, in)
	}
}

func TestEventPayloadEncodes(t *testing.T) {
	payloads := []any{
		send.Change{Message: send.PendingMessage{ID: "p1", ChannelID: "dm:1:2", CreatedAt: time.UnixMilli(1000)}},
		queue.Failed{ID: "a1", Error: "boom", Attempts: 3, Permanent: true},
		netstate.Transition{Online: true},
		intsync.Report{Channels: 2, Err: errors.New("partial")},
		"unknown",
	}
	for _, p := range payloads {
		if _, err := structpb.NewStruct(eventPayload(p)); err != nil {
			t.Errorf("eventPayload(%T) does not encode: %v", p, err)
		}
	}

	m := eventPayload(intsync.Report{Channels: 2, Err: errors.New("partial")})
	if m["complete"] != false || m["error"] != "partial" {
		t.Errorf("report payload = %v", m)
	}
}
