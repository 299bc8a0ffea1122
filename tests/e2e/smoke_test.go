package e2e

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Smoke Tests
// =============================================================================

// TestE2E_HealthCheck verifies the public API is running and responding.
func TestE2E_HealthCheck(t *testing.T) {
	resp := HTTPGet(t, baseURL+"/health")
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

// TestE2E_ReadyCheck verifies the public API is ready (database reachable).
func TestE2E_ReadyCheck(t *testing.T) {
	resp := HTTPGet(t, baseURL+"/ready")
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

// TestE2E_CallbackHealthCheck verifies the internal plane answers probes
// without a service token.
func TestE2E_CallbackHealthCheck(t *testing.T) {
	resp := HTTPGet(t, internalURL+"/health")
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

// TestE2E_CallbackRejectsMissingToken verifies executor routes are sealed
// behind the service token.
func TestE2E_CallbackRejectsMissingToken(t *testing.T) {
	req, err := http.NewRequest("POST", internalURL+"/internal/v1/deployments/nope/status", nil)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := testClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// TestE2E_OpenAPIDocument verifies the generated API document is served.
func TestE2E_OpenAPIDocument(t *testing.T) {
	resp := HTTPGet(t, baseURL+"/openapi.json")
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"/api/v1/deployments"`)
	assert.Contains(t, string(body), `"/api/v1/extensions"`)
}

// TestE2E_DeploymentRegistration verifies the create/get roundtrip over the
// public API.
func TestE2E_DeploymentRegistration(t *testing.T) {
	deployment := CreateDeployment(t, "smoke-reg", "", "registry.example.com/app:v1")
	require.NotEmpty(t, deployment.ID)
	assert.Equal(t, "Pending", deployment.Status)
	assert.Equal(t, "default", deployment.DeploymentGroup)
	assert.Equal(t, "user:e2e", deployment.CreatedBy)
	assert.False(t, deployment.IsActive)

	fetched := GetDeployment(t, deployment.ID)
	assert.Equal(t, deployment.ID, fetched.ID)
	assert.Equal(t, "smoke-reg", fetched.Project)
	assert.Equal(t, "registry.example.com/app:v1", fetched.Image)

	t.Log("PASS: Deployment registration completed successfully")
}

// TestE2E_CreateRequiresActor verifies writes without an identified actor
// are rejected.
func TestE2E_CreateRequiresActor(t *testing.T) {
	body := jsonAPIBody("deployments", map[string]any{
		"project": "smoke-anon",
		"image":   "registry.example.com/app:v1",
	})
	resp := doJSONAPIRequest(t, "POST", baseURL+"/api/v1/deployments", body, nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
