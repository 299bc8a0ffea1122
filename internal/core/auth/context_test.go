package auth

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Extraction Tests
// =============================================================================

func TestExtractFromHeaders_ActorHeader(t *testing.T) {
	got := ExtractFromHeaders(MapHeaderGetter{HeaderActor: "user:alice"})
	assert.True(t, got.Authenticated)
	assert.Equal(t, "user:alice", got.Actor)
}

func TestExtractFromHeaders_BearerFallback(t *testing.T) {
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"user:bob"}`))
	token := "header." + payload + ".signature"

	got := ExtractFromHeaders(MapHeaderGetter{"Authorization": "Bearer " + token})
	assert.True(t, got.Authenticated)
	assert.Equal(t, "user:bob", got.Actor)
}

func TestExtractFromHeaders_Unauthenticated(t *testing.T) {
	assert.False(t, ExtractFromHeaders(MapHeaderGetter{}).Authenticated)
	assert.False(t, ExtractFromHeaders(MapHeaderGetter{"Authorization": "Bearer junk"}).Authenticated)
	assert.False(t, ExtractFromHeaders(MapHeaderGetter{"Authorization": "Basic abc"}).Authenticated)
}

// =============================================================================
// Context Storage Tests
// =============================================================================

func TestContextRoundTrip(t *testing.T) {
	ctx := WithContext(context.Background(), Context{Actor: "system:executor", Authenticated: true})

	got := FromContext(ctx)
	assert.True(t, got.Authenticated)
	assert.Equal(t, "system:executor", got.Actor)
	assert.Equal(t, "system:executor", ActorFromContext(ctx))
}

func TestActorFromContext_Fallback(t *testing.T) {
	assert.Equal(t, "unknown", ActorFromContext(context.Background()))
}
