// Package auth validates the bearer credential clients present to the proxy.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Failure kinds. Each maps to a distinct client-visible message; all are 401s.
var (
	ErrMissingCredential = errors.New("missing authorization header")
	ErrUnsupportedScheme = errors.New("unsupported authorization scheme")
	ErrInvalidCredential = errors.New("invalid api key")
)

// Authenticator checks credentials against a single configured proxy API key.
type Authenticator struct {
	apiKey []byte
}

// NewAuthenticator creates an authenticator for the given proxy API key.
func NewAuthenticator(apiKey string) *Authenticator {
	return &Authenticator{apiKey: []byte(apiKey)}
}

// Authenticate validates an Authorization header value of the form
// "Bearer <key>". The scheme is matched case-insensitively; the key must equal
// the configured one exactly.
func (a *Authenticator) Authenticate(header string) error {
	if header == "" {
		return ErrMissingCredential
	}

	scheme, credential, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, "bearer") {
		return ErrUnsupportedScheme
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(credential), a.apiKey) != 1 {
		return ErrInvalidCredential
	}
	return nil
}

// AuthenticateRequest validates the Authorization header of r.
func (a *Authenticator) AuthenticateRequest(r *http.Request) error {
	return a.Authenticate(r.Header.Get("Authorization"))
}

// Detail returns the client-facing message for an authentication error.
func Detail(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "Missing Authorization Header"
	case errors.Is(err, ErrUnsupportedScheme):
		return "Invalid Authorization Scheme"
	default:
		return "Invalid API Key"
	}
}
