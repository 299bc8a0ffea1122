// Package auth carries the identity of the actor performing a lifecycle
// operation. Authorization beyond actor identification is handled upstream.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
)

// =============================================================================
// Context Key
// =============================================================================

type contextKey string

const actorContextKey contextKey = "actor"

// =============================================================================
// Types
// =============================================================================

// Context identifies who is driving a request: a user from the dashboard/CLI,
// or a platform component such as the build executor or a provisioner.
type Context struct {
	// Actor is the identity recorded on transitions, e.g. "user:alice" or
	// "system:executor".
	Actor string

	// Authenticated indicates whether the request carried a valid identity.
	Authenticated bool
}

// SystemActor names the engine itself when the reconciler initiates a
// transition.
const SystemActor = "system:scheduler"

// =============================================================================
// Header Constants
// =============================================================================

const (
	// HeaderActor carries an explicit actor identity, injected by the API
	// gateway in front of this service.
	HeaderActor = "X-Actor"
)

// =============================================================================
// Context Extraction
// =============================================================================

// HeaderGetter is an interface for getting header values. It allows testing
// without an http.Request.
type HeaderGetter interface {
	Get(key string) string
}

type headerGetter struct {
	r *http.Request
}

func (h headerGetter) Get(key string) string {
	return h.r.Header.Get(key)
}

// ExtractFromRequest extracts the actor from HTTP request headers.
func ExtractFromRequest(r *http.Request) Context {
	return ExtractFromHeaders(headerGetter{r: r})
}

// ExtractFromHeaders extracts the actor identity. Sources, in order:
//
//  1. X-Actor header (injected by the gateway)
//  2. Authorization: Bearer {jwt} — the sub claim, no signature verification;
//     the gateway has already validated the token.
func ExtractFromHeaders(headers HeaderGetter) Context {
	if actor := headers.Get(HeaderActor); actor != "" {
		return Context{Actor: actor, Authenticated: true}
	}

	claims := parseBearer(headers.Get("Authorization"))
	if claims == nil || claims.Sub == "" {
		return Context{Authenticated: false}
	}
	return Context{Actor: claims.Sub, Authenticated: true}
}

// jwtClaims holds the fields extracted from a JWT payload.
type jwtClaims struct {
	Sub string `json:"sub"`
}

// parseBearer extracts claims from a Bearer token by base64-decoding the
// payload.
func parseBearer(authHeader string) *jwtClaims {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil
	}
	parts := strings.Split(authHeader[7:], ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	var claims jwtClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}
	return &claims
}

// =============================================================================
// Context Storage
// =============================================================================

// WithContext stores the actor context in the request context.
func WithContext(ctx context.Context, authCtx Context) context.Context {
	return context.WithValue(ctx, actorContextKey, authCtx)
}

// FromContext retrieves the actor context. If none is present, an
// unauthenticated context is returned.
func FromContext(ctx context.Context) Context {
	if authCtx, ok := ctx.Value(actorContextKey).(Context); ok {
		return authCtx
	}
	return Context{Authenticated: false}
}

// ActorFromContext returns the recorded actor or "unknown".
func ActorFromContext(ctx context.Context) string {
	authCtx := FromContext(ctx)
	if authCtx.Actor == "" {
		return "unknown"
	}
	return authCtx.Actor
}

// =============================================================================
// Helper Types for Testing
// =============================================================================

// MapHeaderGetter wraps a map to implement HeaderGetter.
type MapHeaderGetter map[string]string

func (m MapHeaderGetter) Get(key string) string {
	return m[key]
}
