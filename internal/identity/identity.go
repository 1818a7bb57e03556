// Package identity resolves bearer credentials to user ids for both the HTTP
// API and the websocket handshake.
package identity

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnauthorized means the credential is missing, malformed or rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnavailable means the credential could not be checked at all.
	ErrUnavailable = errors.New("identity service unavailable")
)

// Resolver turns a bearer token into the authenticated user id.
type Resolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", ErrUnauthorized
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrUnauthorized
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrUnauthorized
	}
	return token, nil
}
