package api

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/parley/internal/auth"
	"github.com/matheus3301/parley/internal/netstate"
	"github.com/matheus3301/parley/internal/queue"
	"github.com/matheus3301/parley/internal/send"
	"github.com/matheus3301/parley/internal/status"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Auth is the signed-in session. auth.Provider satisfies it.
type Auth interface {
	Current() (auth.Session, error)
	SignIn(token string) (auth.Session, error)
	SignOut() error
}

// Runtime reacts to session changes. The daemon implements it.
type Runtime interface {
	SignedIn(ctx context.Context)
	SignedOut(ctx context.Context) error
}

// SessionService reports daemon state and manages the session.
type SessionService struct {
	profile   string
	startedAt time.Time
	machine   *status.Machine
	net       *netstate.Monitor
	auth      Auth
	runtime   Runtime
	pipeline  *send.Pipeline
	queue     *queue.Queue
}

// NewSessionService creates a new session service.
func NewSessionService(profile string, machine *status.Machine, net *netstate.Monitor, a Auth, rt Runtime, p *send.Pipeline, q *queue.Queue) *SessionService {
	return &SessionService{
		profile:   profile,
		startedAt: time.Now(),
		machine:   machine,
		net:       net,
		auth:      a,
		runtime:   rt,
		pipeline:  p,
		queue:     q,
	}
}

func (s *SessionService) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"profile":   s.profile,
		"state":     string(s.machine.Current()),
		"detail":    s.machine.Detail(),
		"online":    s.net.Online(),
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
		"pending":   len(s.pipeline.GetPendingMessages("")),
	}
	if sess, err := s.auth.Current(); err == nil {
		resp["user_id"] = sess.UserID
		resp["user_name"] = sess.Name
	}
	if actions, err := s.queue.List(ctx); err == nil {
		var failed int
		for _, a := range actions {
			if a.Status == queue.StatusFailed {
				failed++
			}
		}
		resp["queued"] = len(actions)
		resp["failed"] = failed
	}
	return object(resp)
}

func (s *SessionService) SignIn(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := args(req)
	if err := in.require("token"); err != nil {
		return nil, err
	}
	sess, err := s.auth.SignIn(in.str("token"))
	if err != nil {
		if errors.Is(err, auth.ErrNotAuthenticated) {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "sign in: %v", err)
		}
		return nil, errorStatus("sign in", err)
	}
	s.runtime.SignedIn(ctx)
	return object(map[string]any{"user_id": sess.UserID, "user_name": sess.Name})
}

func (s *SessionService) SignOut(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.auth.SignOut(); err != nil {
		return nil, errorStatus("sign out", err)
	}
	if err := s.runtime.SignedOut(ctx); err != nil {
		return nil, errorStatus("clear caches", err)
	}
	return object(map[string]any{"signed_out": true})
}

// SetOnline forces the connectivity signal. auto resumes probing.
func (s *SessionService) SetOnline(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := args(req)
	if in.flag("auto") {
		s.net.Auto()
	} else {
		s.net.SetOnline(in.flag("online"))
	}
	return object(map[string]any{"online": s.net.Online()})
}
