// Package auth gates mutating entry points behind capability tokens. The
// permission model is a flat table: each token holds a set of capabilities,
// and each gated endpoint declares the capability it accepts. No role
// hierarchy — holding "admin" does not imply "funding-executor".
package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// Capability names. One per gated surface.
const (
	CapAdmin           = "admin"
	CapFundingExecutor = "funding-executor"
	CapEmergency       = "emergency"
	CapPauser          = "pauser"
	CapLiquidator      = "liquidator"
)

// ErrUnauthorized is returned when the caller's token lacks the required
// capability. Rejected before any mutation.
var ErrUnauthorized = errors.New("auth: missing capability")

// Registry maps bearer tokens to capability sets.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]map[string]bool)}
}

// Grant gives the token the listed capabilities.
func (r *Registry) Grant(token string, caps ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.tokens[token]
	if !ok {
		set = make(map[string]bool)
		r.tokens[token] = set
	}
	for _, c := range caps {
		set[c] = true
	}
}

// Holds reports whether the token carries the capability.
func (r *Registry) Holds(token, capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tokens[token][capability]
}

// Check returns ErrUnauthorized unless the token holds the capability.
func (r *Registry) Check(token, capability string) error {
	if !r.Holds(token, capability) {
		return ErrUnauthorized
	}
	return nil
}

type ctxKey struct{}

// TokenFromContext returns the token attached by Middleware.
func TokenFromContext(ctx context.Context) string {
	tok, _ := ctx.Value(ctxKey{}).(string)
	return tok
}

// Middleware extracts the bearer token from the Authorization header and
// attaches it to the request context. Capability checks happen per handler
// via Require, so read-only endpoints stay open.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(tok) > len(prefix) && tok[:len(prefix)] == prefix {
			tok = tok[len(prefix):]
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, tok)))
	})
}

// Require wraps a handler so it runs only when the request token holds the
// capability; otherwise it responds 403 without touching any state.
func (r *Registry) Require(capability string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := r.Check(TokenFromContext(req.Context()), capability); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"missing capability: ` + capability + `"}`))
			return
		}
		next(w, req)
	}
}
