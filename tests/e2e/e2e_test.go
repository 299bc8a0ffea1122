// Package e2e provides end-to-end tests for Slipway.
//
// These tests start both API planes in-process: the public JSON:API server
// and the internal callback server that executors report into. Everything
// runs against a real SQLite database over real TCP connections. Run with:
//
//	go test -v -timeout 5m ./tests/e2e/...
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slipway-dev/slipway/internal/core/crypto"
	"github.com/slipway-dev/slipway/internal/shell/api"
	"github.com/slipway-dev/slipway/internal/shell/callback"
	"github.com/slipway-dev/slipway/internal/shell/logstream"
	"github.com/slipway-dev/slipway/internal/shell/registry"
	"github.com/slipway-dev/slipway/internal/shell/store"
)

// serviceToken guards the internal callback plane. The public plane runs
// open in these tests; actors arrive via the X-Actor header.
const serviceToken = "e2e-service-token"

// =============================================================================
// Test Globals
// =============================================================================

var (
	testStore      store.Store
	testClient     *http.Client
	baseURL        string
	internalURL    string
	testServer     *http.Server
	internalServer *http.Server
	testTmpDir     string
)

// =============================================================================
// TestMain Setup
// =============================================================================

func TestMain(m *testing.M) {
	// Setup
	code := setup()
	if code != 0 {
		os.Exit(code)
	}

	// Run tests
	result := m.Run()

	// Teardown
	teardown()

	os.Exit(result)
}

func setup() int {
	log.Println("E2E Setup: Initializing test environment...")

	// 1. Create temp database
	tmpDir, err := os.MkdirTemp("", "slipway_e2e_")
	if err != nil {
		log.Printf("Failed to create temp dir: %v", err)
		return 1
	}
	testTmpDir = tmpDir
	tmpDB := filepath.Join(tmpDir, "test.db")
	log.Printf("E2E Setup: Using database: %s", tmpDB)

	// 2. Create SQLite store
	s, err := store.NewSQLiteStore(tmpDB)
	if err != nil {
		log.Printf("Failed to create store: %v", err)
		return 1
	}
	testStore = s
	log.Println("E2E Setup: SQLite store initialized")

	// 3. Wire registries and the log hub. Component logs stay out of the
	// test output; progress is reported here instead.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	key := crypto.DeriveKey("e2e-passphrase", []byte("slipway-e2e-salt"))

	extensions := registry.NewExtensionRegistry(testStore, key, logger)
	deployments := registry.NewDeploymentRegistry(testStore, extensions, registry.DeploymentConfig{
		MaxLiveDeployments: 50,
	}, logger)
	hub := logstream.NewHub(logstream.DefaultConfig(), logger)
	deployments.SetTerminalNotifier(hub)
	log.Println("E2E Setup: Registries wired")

	// 4. Create the public API handler
	publicHandler := api.SetupAPI(api.APIConfig{
		Store:       testStore,
		Deployments: deployments,
		Extensions:  extensions,
		Hub:         hub,
		Logger:      logger,
	})

	// 5. Create the internal callback handler
	internalHandler := callback.NewHandler(callback.Config{
		Deployments: deployments,
		Extensions:  extensions,
		Hub:         hub,
		Logger:      logger,
		BearerToken: serviceToken,
	}).Routes()
	log.Println("E2E Setup: HTTP handlers created")

	// 6. Find available ports for both planes
	publicListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Printf("Failed to find available port: %v", err)
		return 1
	}
	internalListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Printf("Failed to find available port: %v", err)
		return 1
	}
	baseURL = fmt.Sprintf("http://127.0.0.1:%d", publicListener.Addr().(*net.TCPAddr).Port)
	internalURL = fmt.Sprintf("http://127.0.0.1:%d", internalListener.Addr().(*net.TCPAddr).Port)
	log.Printf("E2E Setup: Public API at %s, callback API at %s", baseURL, internalURL)

	// 7. Start both servers
	testServer = &http.Server{Handler: publicHandler}
	internalServer = &http.Server{Handler: internalHandler}

	go func() {
		if err := testServer.Serve(publicListener); err != nil && err != http.ErrServerClosed {
			log.Printf("Public server error: %v", err)
		}
	}()
	go func() {
		if err := internalServer.Serve(internalListener); err != nil && err != http.ErrServerClosed {
			log.Printf("Internal server error: %v", err)
		}
	}()
	log.Println("E2E Setup: HTTP servers started")

	// 8. Create HTTP client
	testClient = &http.Client{
		Timeout: 30 * time.Second,
	}

	// 9. Wait for both planes to come up
	if err := waitForReady(baseURL+"/health", 10*time.Second); err != nil {
		log.Printf("Public server failed to become ready: %v", err)
		return 1
	}
	if err := waitForReady(internalURL+"/health", 10*time.Second); err != nil {
		log.Printf("Internal server failed to become ready: %v", err)
		return 1
	}
	log.Println("E2E Setup: Servers are ready")

	log.Println("E2E Setup: Complete!")
	return 0
}

func teardown() {
	log.Println("E2E Teardown: Cleaning up...")

	// 1. Shutdown HTTP servers
	if testServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		testServer.Shutdown(ctx)
		cancel()
		log.Println("E2E Teardown: Public server stopped")
	}
	if internalServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		internalServer.Shutdown(ctx)
		cancel()
		log.Println("E2E Teardown: Internal server stopped")
	}

	// 2. Close database
	if testStore != nil {
		testStore.Close()
		log.Println("E2E Teardown: Database closed")
	}

	// 3. Remove temp files
	if testTmpDir != "" {
		os.RemoveAll(testTmpDir)
	}

	log.Println("E2E Teardown: Complete!")
}

// waitForReady polls the health endpoint until it responds.
func waitForReady(url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}

// =============================================================================
// JSON:API Envelope Types
// =============================================================================

// jsonAPIResourceEnvelope is a JSON:API response carrying one resource
// object with its attributes nested.
type jsonAPIResourceEnvelope struct {
	Data struct {
		Type       string          `json:"type"`
		ID         string          `json:"id"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"data"`
}

// actionEnvelope is the response of a custom action route. Actions bypass
// api2go marshaling and return a flat view under data.
type actionEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// =============================================================================
// Response Types
// =============================================================================

// DeploymentResponse represents a deployment from the API.
type DeploymentResponse struct {
	ID              string            `json:"id"`
	Project         string            `json:"project"`
	DeploymentGroup string            `json:"deployment_group"`
	Status          string            `json:"status"`
	Image           string            `json:"image"`
	ImageDigest     string            `json:"image_digest"`
	CreatedBy       string            `json:"created_by"`
	IsActive        bool              `json:"is_active"`
	Env             map[string]string `json:"env"`
	ErrorMessage    string            `json:"error_message"`
}

// ExtensionResponse represents an extension instance from the API.
type ExtensionResponse struct {
	ID           string         `json:"id"`
	Project      string         `json:"project"`
	Type         string         `json:"extension_type"`
	Name         string         `json:"extension_name"`
	Spec         map[string]any `json:"spec"`
	State        string         `json:"state"`
	ErrorMessage string         `json:"error_message"`
}

// TransitionResponse is one entry of a deployment's transition audit trail.
type TransitionResponse struct {
	ID           string `json:"id"`
	DeploymentID string `json:"deployment_id"`
	From         string `json:"from"`
	To           string `json:"to"`
	Actor        string `json:"actor"`
	Detail       string `json:"detail"`
}

// SubResourceResponse is a sub-resource as reported by the status action.
// Credentials never appear here; they have their own authenticated endpoint.
type SubResourceResponse struct {
	Name               string     `json:"name"`
	State              string     `json:"state"`
	ErrorMessage       string     `json:"error_message"`
	NeedsManualCleanup bool       `json:"needs_manual_cleanup"`
	CleanupScheduledAt *time.Time `json:"cleanup_scheduled_at"`
}

// ExtensionStatusResponse is the rollup returned by the status action.
type ExtensionStatusResponse struct {
	Instance     ExtensionResponse     `json:"instance"`
	SubResources []SubResourceResponse `json:"sub_resources"`
	Summary      string                `json:"summary"`
}

// parseResourceResponse decodes a JSON:API resource response into a typed
// struct and returns the resource id alongside it. api2go nests attributes,
// and the id lives on the resource object, not in the attribute map.
func parseResourceResponse[T any](t *testing.T, body io.Reader) (string, *T) {
	t.Helper()

	var envelope jsonAPIResourceEnvelope
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		t.Fatalf("Failed to decode JSON:API response: %v", err)
	}
	var result T
	if err := json.Unmarshal(envelope.Data.Attributes, &result); err != nil {
		t.Fatalf("Failed to parse JSON:API attributes: %v", err)
	}
	return envelope.Data.ID, &result
}

// parseActionResponse decodes a custom action response. Action views carry
// their id inline, so no envelope surgery is needed.
func parseActionResponse[T any](t *testing.T, body io.Reader) *T {
	t.Helper()

	var envelope actionEnvelope
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		t.Fatalf("Failed to decode action response: %v", err)
	}
	var result T
	if err := json.Unmarshal(envelope.Data, &result); err != nil {
		t.Fatalf("Failed to parse action response: %v", err)
	}
	return &result
}

// jsonAPIBody builds a JSON:API create request body.
func jsonAPIBody(resourceType string, attrs map[string]any) []byte {
	body := map[string]any{
		"data": map[string]any{
			"type":       resourceType,
			"attributes": attrs,
		},
	}
	b, _ := json.Marshal(body)
	return b
}

// doJSONAPIRequest performs an HTTP request with JSON:API content type.
func doJSONAPIRequest(t *testing.T, method, url string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/vnd.api+json")
	req.Header.Set("Accept", "application/vnd.api+json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := testClient.Do(req)
	if err != nil {
		t.Fatalf("HTTP %s %s failed: %v", method, url, err)
	}
	return resp
}

// =============================================================================
// Deployment API Helpers
// =============================================================================

// CreateDeployment registers a deployment via the public API.
// Uses "user:e2e" as the acting identity (sent via the X-Actor header).
func CreateDeployment(t *testing.T, project, group, image string) *DeploymentResponse {
	t.Helper()

	attrs := map[string]any{
		"project": project,
		"image":   image,
	}
	if group != "" {
		attrs["deployment_group"] = group
	}
	body := jsonAPIBody("deployments", attrs)

	headers := map[string]string{"X-Actor": "user:e2e"}
	resp := doJSONAPIRequest(t, "POST", baseURL+"/api/v1/deployments", body, headers)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to create deployment: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	id, result := parseResourceResponse[DeploymentResponse](t, resp.Body)
	result.ID = id

	t.Logf("Created deployment: %s (status=%s)", result.ID, result.Status)
	return result
}

// GetDeployment gets a deployment by ID.
func GetDeployment(t *testing.T, deploymentID string) *DeploymentResponse {
	t.Helper()

	resp := doJSONAPIRequest(t, "GET", baseURL+"/api/v1/deployments/"+deploymentID, nil, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to get deployment: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	id, result := parseResourceResponse[DeploymentResponse](t, resp.Body)
	result.ID = id
	return result
}

// ActiveDeployment looks up the deployment holding a group's active slot.
func ActiveDeployment(t *testing.T, project, group string) *DeploymentResponse {
	t.Helper()

	url := baseURL + "/api/v1/deployments/active?project=" + project
	if group != "" {
		url += "&group=" + group
	}
	resp := doJSONAPIRequest(t, "GET", url, nil, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to get active deployment: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	return parseActionResponse[DeploymentResponse](t, resp.Body)
}

// StopDeployment stops a deployment via the public API.
func StopDeployment(t *testing.T, deploymentID string) *DeploymentResponse {
	t.Helper()

	headers := map[string]string{"X-Actor": "user:e2e"}
	resp := doJSONAPIRequest(t, "POST", baseURL+"/api/v1/deployments/"+deploymentID+"/stop", nil, headers)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to stop deployment: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	result := parseActionResponse[DeploymentResponse](t, resp.Body)
	t.Logf("Stopped deployment: %s (status=%s)", result.ID, result.Status)
	return result
}

// RollbackDeployment clones a prior deployment's pinned configuration into
// a fresh rollout and returns the new deployment.
func RollbackDeployment(t *testing.T, deploymentID string) *DeploymentResponse {
	t.Helper()

	headers := map[string]string{"X-Actor": "user:e2e"}
	resp := doJSONAPIRequest(t, "POST", baseURL+"/api/v1/deployments/"+deploymentID+"/rollback", nil, headers)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to rollback deployment: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	result := parseActionResponse[DeploymentResponse](t, resp.Body)
	t.Logf("Rolled back %s into new deployment %s (image=%s)", deploymentID, result.ID, result.Image)
	return result
}

// ListTransitions returns a deployment's status transition audit trail.
func ListTransitions(t *testing.T, deploymentID string) []TransitionResponse {
	t.Helper()

	resp := doJSONAPIRequest(t, "GET", baseURL+"/api/v1/deployments/"+deploymentID+"/transitions", nil, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to list transitions: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	var envelope actionEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("Failed to decode transitions response: %v", err)
	}
	var transitions []TransitionResponse
	if err := json.Unmarshal(envelope.Data, &transitions); err != nil {
		t.Fatalf("Failed to parse transitions: %v", err)
	}
	return transitions
}

// FetchBuildLogs reads a deployment's sealed build log blob.
func FetchBuildLogs(t *testing.T, deploymentID string) string {
	t.Helper()

	resp := doJSONAPIRequest(t, "GET", baseURL+"/api/v1/deployments/"+deploymentID+"/build-logs", nil, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to fetch build logs: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	result := parseActionResponse[struct {
		DeploymentID string `json:"deployment_id"`
		BuildLogs    string `json:"build_logs"`
	}](t, resp.Body)
	return result.BuildLogs
}

// =============================================================================
// Extension API Helpers
// =============================================================================

// CreateExtension enables an extension instance via the public API.
func CreateExtension(t *testing.T, project, extType, name string, spec map[string]any) *ExtensionResponse {
	t.Helper()

	attrs := map[string]any{
		"project":        project,
		"extension_type": extType,
		"extension_name": name,
	}
	if spec != nil {
		attrs["spec"] = spec
	}
	body := jsonAPIBody("extensions", attrs)

	headers := map[string]string{"X-Actor": "user:e2e"}
	resp := doJSONAPIRequest(t, "POST", baseURL+"/api/v1/extensions", body, headers)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to create extension: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	id, result := parseResourceResponse[ExtensionResponse](t, resp.Body)
	result.ID = id

	t.Logf("Created extension: %s (%s/%s, state=%s)", result.ID, result.Type, result.Name, result.State)
	return result
}

// GetExtension gets an extension instance by ID.
func GetExtension(t *testing.T, extensionID string) *ExtensionResponse {
	t.Helper()

	resp := doJSONAPIRequest(t, "GET", baseURL+"/api/v1/extensions/"+extensionID, nil, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to get extension: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	id, result := parseResourceResponse[ExtensionResponse](t, resp.Body)
	result.ID = id
	return result
}

// ExtensionStatus returns the instance rollup with its sub-resources.
func ExtensionStatus(t *testing.T, extensionID string) *ExtensionStatusResponse {
	t.Helper()

	resp := doJSONAPIRequest(t, "GET", baseURL+"/api/v1/extensions/"+extensionID+"/status", nil, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to get extension status: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	return parseActionResponse[ExtensionStatusResponse](t, resp.Body)
}

// DeleteExtension requests teardown of an extension instance.
func DeleteExtension(t *testing.T, extensionID string) {
	t.Helper()

	headers := map[string]string{"X-Actor": "user:e2e"}
	resp := doJSONAPIRequest(t, "DELETE", baseURL+"/api/v1/extensions/"+extensionID, nil, headers)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to delete extension: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	t.Logf("Deleted extension: %s", extensionID)
}

// =============================================================================
// HTTP Helpers
// =============================================================================

// HTTPGet performs an HTTP GET request and returns the response.
func HTTPGet(t *testing.T, url string) *http.Response {
	t.Helper()

	resp, err := testClient.Get(url)
	if err != nil {
		t.Fatalf("HTTP GET failed: %v", err)
	}
	return resp
}
