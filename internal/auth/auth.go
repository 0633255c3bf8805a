// Package auth matches bearer tokens to scoped principals.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

const (
	ScopeQueryRO = "query:ro"
	ScopeQueryRW = "query:rw"
	ScopeAdmin   = "admin"
	ScopeAll     = "*"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrBadHeader    = errors.New("invalid Authorization header format")
	ErrUnknownToken = errors.New("invalid token")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Keyring holds the configured credentials.
type Keyring struct {
	apiKey string
	tokens []TokenConfig
}

// NewKeyring builds a keyring. apiKey, when set, grants every scope.
func NewKeyring(apiKey string, tokens []TokenConfig) *Keyring {
	return &Keyring{apiKey: apiKey, tokens: tokens}
}

// Empty reports whether no credential is configured.
func (k *Keyring) Empty() bool {
	return k.apiKey == "" && len(k.tokens) == 0
}

// AuthenticateRequest extracts the bearer token from r and resolves it.
func (k *Keyring) AuthenticateRequest(r *http.Request) (Principal, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return Principal{}, err
	}
	p, ok := k.Authenticate(token)
	if !ok {
		return Principal{}, ErrUnknownToken
	}
	return p, nil
}

// Authenticate matches a presented token in constant time per candidate.
func (k *Keyring) Authenticate(presented string) (Principal, bool) {
	if constantTimeEqual(presented, k.apiKey) {
		return Principal{Token: presented, Scopes: map[string]struct{}{ScopeAll: {}}}, true
	}
	for _, t := range k.tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{Token: presented, Scopes: normalizeScopes(t.Scopes)}, true
		}
	}
	return Principal{}, false
}

func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrBadHeader
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	// admin implies read-write, read-write implies read-only.
	if _, ok := out[ScopeAdmin]; ok {
		out[ScopeQueryRW] = struct{}{}
	}
	if _, ok := out[ScopeQueryRW]; ok {
		out[ScopeQueryRO] = struct{}{}
	}
	return out
}

// HasAnyScope reports whether p holds "*" or any of required.
func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
