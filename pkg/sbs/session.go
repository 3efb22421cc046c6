// Copyright 2024-2026 Aiku AI

package sbs

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// Credentials are the SBS account the bridge posts as. The token expires
// periodically, so long running processes keep the password around to log
// in again.
type Credentials struct {
	Username string
	Password string
}

// ContentKind selects the Content-Type carried by Session.Headers.
type ContentKind int

const (
	ContentJSON ContentKind = iota
	ContentMultipart
)

func (k ContentKind) mimeType() string {
	if k == ContentMultipart {
		return "multipart/form-data"
	}
	return "application/json"
}

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	default:
		return "unauthenticated"
	}
}

// loginFunc exchanges credentials for a token.
type loginFunc func(ctx context.Context, creds Credentials) (string, error)

// Session is the single owner of the SBS auth token. Everything that talks
// to the API reads the token through it on every request.
type Session struct {
	creds Credentials
	login loginFunc
	log   zerolog.Logger

	mu      sync.RWMutex
	token   string
	expired bool
	logins  int
}

func newSession(creds Credentials, login loginFunc, log zerolog.Logger) *Session {
	return &Session{
		creds: creds,
		login: login,
		log:   log,
	}
}

// SetToken seeds the session with a pre-issued token.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.expired = false
}

// Token returns the current token, which may be empty or expired.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// State reports where the session is in its lifecycle.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.token == "":
		return StateUnauthenticated
	case s.expired:
		return StateExpired
	default:
		return StateAuthenticated
	}
}

// Login exchanges the stored credentials for a fresh token. Failures are
// returned to the caller since no remote operation can proceed without one.
func (s *Session) Login(ctx context.Context) (string, error) {
	if s.creds.Username == "" || s.creds.Password == "" {
		return "", ErrNoCredentials
	}
	token, err := s.login(ctx, s.creds)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.token = token
	s.expired = false
	s.logins++
	s.mu.Unlock()
	s.log.Info().Str("username", s.creds.Username).Msg("Logged in to SmileBASIC Source")
	return token, nil
}

// IsExpired reports whether a request observed an authorization failure
// since the last login.
func (s *Session) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expired
}

// MarkExpired flags the token as rejected by the server.
func (s *Session) MarkExpired() {
	s.mu.Lock()
	wasExpired := s.expired
	s.expired = true
	s.mu.Unlock()
	if !wasExpired {
		s.log.Warn().Msg("SmileBASIC Source auth token has expired")
	}
}

// EnsureValid logs in when the session was never authenticated or has
// expired, and returns the usable token.
func (s *Session) EnsureValid(ctx context.Context) (string, error) {
	s.mu.RLock()
	token, expired := s.token, s.expired
	s.mu.RUnlock()
	if token != "" && !expired {
		return token, nil
	}
	return s.Login(ctx)
}

// Headers builds authenticated request headers. For multipart requests the
// caller replaces Content-Type with the writer's boundary-carrying value.
func (s *Session) Headers(kind ContentKind) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", kind.mimeType())
	if token := s.Token(); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
