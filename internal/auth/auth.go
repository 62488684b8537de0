// Package auth is the client side of the session contract: obtain a
// credential, hand it to the channel and REST client, and drop the session
// when the server reports the credential invalid.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNoCredential is returned when no token is held and none can be
// obtained.
var ErrNoCredential = errors.New("no credential available")

// Provider supplies the session credential and is told when it has been
// invalidated.
type Provider interface {
	Credential(ctx context.Context) (string, error)
	Invalidated(err error)
}

// Authenticator exchanges username and password for a token.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, error)
}

// Static is a Provider for a fixed token.
type Static struct {
	token         string
	onInvalidated func(error)
}

// NewStatic creates a Provider for token. onInvalidated may be nil.
func NewStatic(token string, onInvalidated func(error)) *Static {
	return &Static{token: token, onInvalidated: onInvalidated}
}

// Credential returns the token.
func (s *Static) Credential(ctx context.Context) (string, error) {
	if s.token == "" {
		return "", ErrNoCredential
	}
	return s.token, nil
}

// Invalidated reports the invalidation. The token itself cannot be renewed.
func (s *Static) Invalidated(err error) {
	if s.onInvalidated != nil {
		s.onInvalidated(err)
	}
}

// Session logs in on demand and forgets its token on invalidation or
// logout.
type Session struct {
	auth     Authenticator
	username string
	password string
	logger   *slog.Logger

	mu            sync.Mutex
	token         string
	onInvalidated func(error)
	invalidations int
}

// NewSession creates a Session that logs in through a with the given
// username and password.
func NewSession(a Authenticator, username, password string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		auth:     a,
		username: username,
		password: password,
		logger:   logger,
	}
}

// OnInvalidated sets the callback run after the server invalidates the
// session.
func (s *Session) OnInvalidated(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInvalidated = fn
}

// Credential returns the current token, logging in first if none is held.
func (s *Session) Credential(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" {
		return s.token, nil
	}
	if s.username == "" {
		return "", ErrNoCredential
	}

	token, err := s.auth.Login(ctx, s.username, s.password)
	if err != nil {
		return "", fmt.Errorf("login as %s: %w", s.username, err)
	}
	s.token = token
	s.logger.Info("logged in", "username", s.username)
	return token, nil
}

// Invalidated drops the token and runs the invalidation callback.
func (s *Session) Invalidated(err error) {
	s.mu.Lock()
	s.token = ""
	s.invalidations++
	fn := s.onInvalidated
	s.mu.Unlock()

	s.logger.Warn("session invalidated", "username", s.username, "error", err)
	if fn != nil {
		fn(err)
	}
}

// Logout drops the token without running the invalidation callback.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// Invalidations returns how many times the session was invalidated.
func (s *Session) Invalidations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidations
}
