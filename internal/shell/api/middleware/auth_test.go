package middleware

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/slipway-dev/slipway/internal/core/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// testHandler is a simple handler that returns the auth context from request.
func testHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := auth.FromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"authenticated": ctx.Authenticated,
			"actor":         ctx.Actor,
		})
	})
}

// fakeJWT builds an unsigned token whose payload carries the given sub claim.
func fakeJWT(sub string) string {
	payload, _ := json.Marshal(map[string]string{"sub": sub})
	return "x." + base64.RawURLEncoding.EncodeToString(payload) + ".y"
}

// =============================================================================
// AuthMiddleware Tests
// =============================================================================

func TestAuthMiddleware_NoToken_SkipsValidation(t *testing.T) {
	middleware := NewAuthMiddleware(AuthConfig{})

	handler := middleware.Handler(testHandler())
	req := httptest.NewRequest("GET", "/api/v1/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	err := json.Unmarshal(rec.Body.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, false, resp["authenticated"])
}

func TestAuthMiddleware_ExtractsActorHeader(t *testing.T) {
	middleware := NewAuthMiddleware(AuthConfig{})

	handler := middleware.Handler(testHandler())
	req := httptest.NewRequest("GET", "/api/v1/test", nil)
	req.Header.Set(auth.HeaderActor, "user:alice")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	err := json.Unmarshal(rec.Body.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, true, resp["authenticated"])
	assert.Equal(t, "user:alice", resp["actor"])
}

func TestAuthMiddleware_ExtractsJWTSubject(t *testing.T) {
	middleware := NewAuthMiddleware(AuthConfig{})

	handler := middleware.Handler(testHandler())
	req := httptest.NewRequest("GET", "/api/v1/test", nil)
	req.Header.Set("Authorization", "Bearer "+fakeJWT("user:bob"))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	err := json.Unmarshal(rec.Body.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, true, resp["authenticated"])
	assert.Equal(t, "user:bob", resp["actor"])
}

func TestAuthMiddleware_BearerToken_Valid(t *testing.T) {
	middleware := NewAuthMiddleware(AuthConfig{
		BearerToken: "service-token",
	})

	handler := middleware.Handler(testHandler())
	req := httptest.NewRequest("GET", "/api/v1/test", nil)
	req.Header.Set("Authorization", "Bearer service-token")
	req.Header.Set(auth.HeaderActor, "system:executor")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	err := json.Unmarshal(rec.Body.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, true, resp["authenticated"])
	assert.Equal(t, "system:executor", resp["actor"])
}

func TestAuthMiddleware_BearerToken_Invalid(t *testing.T) {
	middleware := NewAuthMiddleware(AuthConfig{
		BearerToken: "service-token",
	})

	handler := middleware.Handler(testHandler())
	req := httptest.NewRequest("GET", "/api/v1/test", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/vnd.api+json")
}

func TestAuthMiddleware_BearerToken_Missing(t *testing.T) {
	middleware := NewAuthMiddleware(AuthConfig{
		BearerToken: "service-token",
	})

	handler := middleware.Handler(testHandler())
	req := httptest.NewRequest("GET", "/api/v1/test", nil)
	req.Header.Set(auth.HeaderActor, "user:alice")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_HealthBypassesToken(t *testing.T) {
	middleware := NewAuthMiddleware(AuthConfig{
		BearerToken: "service-token",
	})

	handler := middleware.Handler(testHandler())

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, "path %s", path)
	}
}

// =============================================================================
// RequireAuth Middleware Tests
// =============================================================================

func TestRequireAuth_IdentifiedActor(t *testing.T) {
	authMW := NewAuthMiddleware(AuthConfig{})
	requireMW := RequireAuth(nil)

	handler := authMW.Handler(requireMW(testHandler()))
	req := httptest.NewRequest("GET", "/api/v1/protected", nil)
	req.Header.Set(auth.HeaderActor, "user:alice")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAuth_UnidentifiedActor(t *testing.T) {
	authMW := NewAuthMiddleware(AuthConfig{})
	requireMW := RequireAuth(nil)

	handler := authMW.Handler(requireMW(testHandler()))
	req := httptest.NewRequest("GET", "/api/v1/protected", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/vnd.api+json")

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "Actor identification required")
}

// =============================================================================
// JSON Error Response Tests
// =============================================================================

func TestWriteJSONError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONError(rec, http.StatusNotFound, "Not Found", "Resource not found")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/vnd.api+json", rec.Header().Get("Content-Type"))

	var resp JSONAPIErrorResponse
	err := json.Unmarshal(rec.Body.Bytes(), &resp)
	require.NoError(t, err)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "Not Found", resp.Errors[0].Title)
	assert.Equal(t, "Resource not found", resp.Errors[0].Detail)
}
