// Package e2e provides end-to-end testing utilities for Slipway.
package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
)

// =============================================================================
// Callback Client
// =============================================================================

// The helpers in this file play the part of a deployment executor or
// database provisioner: external workers that report progress into the
// internal callback API. Tests drive deployments through their lifecycle
// with these, then assert the outcome through the public API.

// StatusReportResult is the callback API's answer to a status report.
type StatusReportResult struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
	IsActive     bool   `json:"is_active"`
}

// SubResourceReportResult is the callback API's answer to a sub-resource
// report. Result is "applied" or "stale".
type SubResourceReportResult struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Result string `json:"result"`
}

// doCallbackRequest performs a request against the internal callback API,
// authenticated with the service token.
func doCallbackRequest(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal callback body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, internalURL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create callback request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+serviceToken)

	resp, err := testClient.Do(req)
	if err != nil {
		t.Fatalf("Callback %s %s failed: %v", method, path, err)
	}
	return resp
}

// ReportStatus submits an executor status report for a deployment.
func ReportStatus(t *testing.T, deploymentID, status string) *StatusReportResult {
	t.Helper()

	resp := doCallbackRequest(t, "POST", "/internal/v1/deployments/"+deploymentID+"/status",
		map[string]any{"status": status})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to report status %s: status=%d body=%s", status, resp.StatusCode, string(bodyBytes))
	}

	var result StatusReportResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode status report response: %v", err)
	}
	return &result
}

// ReportStatusExpectError submits a status report and returns the response
// for tests asserting rejection. The caller owns the response body.
func ReportStatusExpectError(t *testing.T, deploymentID, status string) *http.Response {
	t.Helper()

	return doCallbackRequest(t, "POST", "/internal/v1/deployments/"+deploymentID+"/status",
		map[string]any{"status": status})
}

// DriveToHealthy walks a pending deployment through the full rollout
// sequence the way a well-behaved executor would.
func DriveToHealthy(t *testing.T, deploymentID string) *StatusReportResult {
	t.Helper()

	var result *StatusReportResult
	for _, status := range []string{"Building", "Pushing", "Pushed", "Deploying", "Healthy"} {
		result = ReportStatus(t, deploymentID, status)
	}
	t.Logf("Drove deployment %s to Healthy (is_active=%v)", deploymentID, result.IsActive)
	return result
}

// UploadBuildLogs submits the sealed build log blob for a deployment.
func UploadBuildLogs(t *testing.T, deploymentID, logs string) {
	t.Helper()

	resp := doCallbackRequest(t, "PUT", "/internal/v1/deployments/"+deploymentID+"/build-logs",
		map[string]any{"build_logs": logs})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to upload build logs: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}
}

// PushRuntimeLogs submits a batch of runtime log lines for a deployment.
func PushRuntimeLogs(t *testing.T, deploymentID string, messages ...string) {
	t.Helper()

	lines := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		lines = append(lines, map[string]any{"message": msg})
	}
	resp := doCallbackRequest(t, "POST", "/internal/v1/deployments/"+deploymentID+"/logs",
		map[string]any{"lines": lines})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to push runtime logs: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}
}

// ReportSubResource submits a provisioner state report for a sub-resource
// and returns "applied" or "stale".
func ReportSubResource(t *testing.T, extensionID, subName, state string, credentials map[string]string) *SubResourceReportResult {
	t.Helper()

	body := map[string]any{"state": state}
	if credentials != nil {
		body["credentials"] = credentials
	}
	resp := doCallbackRequest(t, "POST",
		"/internal/v1/extensions/"+extensionID+"/sub-resources/"+subName+"/status", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to report sub-resource %s: status=%d body=%s", subName, resp.StatusCode, string(bodyBytes))
	}

	var result SubResourceReportResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode sub-resource report response: %v", err)
	}
	return &result
}

// FetchSubResourceCredentials reads back the stored connection credentials
// of a sub-resource over the callback API.
func FetchSubResourceCredentials(t *testing.T, extensionID, subName string) map[string]string {
	t.Helper()

	resp := doCallbackRequest(t, "GET",
		"/internal/v1/extensions/"+extensionID+"/sub-resources/"+subName+"/credentials", nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to fetch credentials: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		Credentials map[string]string `json:"credentials"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode credentials response: %v", err)
	}
	return result.Credentials
}
