// Copyright 2024-2026 Aiku AI

package sbs

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired is returned when SmileBASIC Source rejects the current
	// token. The session is marked expired before this is returned, so the
	// caller only needs to call Session.EnsureValid before retrying.
	ErrAuthExpired = errors.New("sbs auth token has expired")
	// ErrRateLimited is returned when the API answers with 429.
	ErrRateLimited = errors.New("sbs rate limited")
	// ErrNoCredentials is returned by Login when neither a password nor a
	// pre-issued token is available.
	ErrNoCredentials = errors.New("sbs credentials are empty")
)

// APIError is any other non-2xx response from the API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sbs %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("sbs %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}
