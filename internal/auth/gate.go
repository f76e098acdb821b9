// Package auth verifies caller credentials and derives opaque actor keys.
package auth

import (
	"crypto/hmac"
	"errors"
	"net/http"
	"strings"
)

// Request headers consumed by the gate.
const (
	ProxySecretHeader = "X-Proxy-Secret"
	PlanHeader        = "X-Subscription-Plan"
	ActorIDHeader     = "X-Actor-Id"
)

var (
	// ErrNotConfigured means the verification secret is absent server-side.
	// The service fails closed: every request is rejected with 503 until
	// the secret is configured. There is no dev-mode bypass.
	ErrNotConfigured = errors.New("auth: verification secret is not configured")

	ErrUnauthorized = errors.New("auth: invalid credentials")
)

// Gate verifies the shared proxy secret, plus an optional bearer token for
// direct callers. Comparisons are constant-time.
type Gate struct {
	proxySecret string
	sharedToken string
}

func NewGate(proxySecret, sharedToken string) *Gate {
	return &Gate{
		proxySecret: strings.TrimSpace(proxySecret),
		sharedToken: strings.TrimSpace(sharedToken),
	}
}

// Verify checks r's credentials. ErrNotConfigured is a server fault, not a
// caller fault, and must map to 503; ErrUnauthorized maps to 401.
//
// The bearer token is a second factor for direct calls outside the gateway:
// when the gateway fronts the request no Authorization header is present and
// the proxy secret alone is sufficient.
func (g *Gate) Verify(r *http.Request) error {
	if g.proxySecret == "" {
		return ErrNotConfigured
	}

	got := r.Header.Get(ProxySecretHeader)
	if !hmac.Equal([]byte(got), []byte(g.proxySecret)) {
		return ErrUnauthorized
	}

	if g.sharedToken != "" {
		authz := r.Header.Get("Authorization")
		if authz != "" {
			const prefix = "Bearer "
			if !strings.HasPrefix(authz, prefix) {
				return ErrUnauthorized
			}
			if !hmac.Equal([]byte(authz[len(prefix):]), []byte(g.sharedToken)) {
				return ErrUnauthorized
			}
		}
	}

	return nil
}
