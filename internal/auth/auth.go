// Package auth exposes the signed-in user for a profile. The session token is
// issued by the remote; locally it is only decoded, never verified, since the
// remote checks it on every request.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotAuthenticated is returned when no user is signed in.
var ErrNotAuthenticated = errors.New("not authenticated")

// Claims are the token fields parley reads.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Session identifies the current user.
type Session struct {
	UserID string
	Name   string
	Token  string
}

// Provider loads the session token from a file and caches the decoded
// session.
type Provider struct {
	path string

	mu      sync.Mutex
	session *Session
}

// NewProvider returns a provider backed by the token file at path.
func NewProvider(path string) *Provider {
	return &Provider{path: path}
}

// Current returns the signed-in user or ErrNotAuthenticated.
func (p *Provider) Current() (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != nil {
		return *p.session, nil
	}
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, ErrNotAuthenticated
	}
	if err != nil {
		return Session{}, fmt.Errorf("read token: %w", err)
	}
	s, err := Decode(strings.TrimSpace(string(data)))
	if err != nil {
		return Session{}, err
	}
	p.session = &s
	return s, nil
}

// SignIn stores token and makes it the current session.
func (p *Provider) SignIn(token string) (Session, error) {
	s, err := Decode(token)
	if err != nil {
		return Session{}, err
	}
	if err := os.WriteFile(p.path, []byte(token+"\n"), 0600); err != nil {
		return Session{}, fmt.Errorf("write token: %w", err)
	}
	p.mu.Lock()
	p.session = &s
	p.mu.Unlock()
	return s, nil
}

// SignOut forgets the session.
func (p *Provider) SignOut() error {
	p.mu.Lock()
	p.session = nil
	p.mu.Unlock()
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}

// Decode extracts the session from a token without verifying its signature.
func Decode(token string) (Session, error) {
	if token == "" {
		return Session{}, ErrNotAuthenticated
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	if claims.Subject == "" {
		return Session{}, fmt.Errorf("%w: token has no subject", ErrNotAuthenticated)
	}
	return Session{UserID: claims.Subject, Name: claims.Name, Token: token}, nil
}

// Static is a fixed identity, used when the daemon runs against the
// in-memory remote and by tests.
type Static Session

// Current returns the fixed session, or ErrNotAuthenticated if it is empty.
func (s Static) Current() (Session, error) {
	if s.UserID == "" {
		return Session{}, ErrNotAuthenticated
	}
	return Session(s), nil
}
