// Package auth verifies caller credentials for the signaling HTTP API.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/perchcam/signaling-broker/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Principal is the verified identity behind a request. For JWT auth, DeviceID
// is set when the token is scoped to a single camera and restricts which
// device the caller may open sessions against. Empty DeviceID means
// unrestricted.
type Principal struct {
	ID       string
	DeviceID string
}

type Verifier interface {
	Verify(credential string) (Principal, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return anonymousVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// anonymousVerifier accepts every request. Used when auth is disabled
// (trusted networks, local development).
type anonymousVerifier struct{}

func (anonymousVerifier) Verify(string) (Principal, error) {
	return Principal{}, nil
}

// CredentialFromRequest extracts the raw credential for the configured mode.
// API keys arrive in the X-Api-Key header; JWTs in Authorization: Bearer.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if key := r.Header.Get("X-Api-Key"); key != "" {
			return key, nil
		}
		if token, ok := bearerToken(r); ok {
			return token, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if token, ok := bearerToken(r); ok {
			return token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
