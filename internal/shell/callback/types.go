package callback

import "time"

// =============================================================================
// Request Types
// =============================================================================

// StatusReportRequest is the body of a deployment status callback.
type StatusReportRequest struct {
	Status       string `json:"status"`
	Actor        string `json:"actor,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ImageDigest  string `json:"image_digest,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// BuildLogsRequest carries the build output blob. It is written once per
// deployment.
type BuildLogsRequest struct {
	BuildLogs string `json:"build_logs"`
}

// LogLineRequest is one runtime log line. Timestamp and stream are optional;
// missing values default to the receive time and stdout.
type LogLineRequest struct {
	Timestamp time.Time `json:"timestamp,omitempty"`
	Stream    string    `json:"stream,omitempty"`
	Message   string    `json:"message"`
}

// RuntimeLogsRequest is a batch of runtime log lines from the executor.
type RuntimeLogsRequest struct {
	Lines []LogLineRequest `json:"lines"`
}

// SubResourceReportRequest is the body of a provisioner progress callback.
type SubResourceReportRequest struct {
	State        string            `json:"state"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Credentials  map[string]string `json:"credentials,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// StatusReportResponse acknowledges an applied deployment status report.
type StatusReportResponse struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
	IsActive     bool   `json:"is_active"`
}

// BuildLogsResponse acknowledges stored build output.
type BuildLogsResponse struct {
	DeploymentID string `json:"deployment_id"`
	Bytes        int    `json:"bytes"`
}

// RuntimeLogsResponse acknowledges ingested runtime log lines.
type RuntimeLogsResponse struct {
	DeploymentID string `json:"deployment_id"`
	Accepted     int    `json:"accepted"`
}

// SubResourceReportResponse acknowledges a provisioner report. Result is
// "applied" for accepted reports and "stale" for dropped regressions.
type SubResourceReportResponse struct {
	Name   string `json:"name"`
	State  string `json:"state,omitempty"`
	Result string `json:"result"`
}

// CredentialsResponse returns the decrypted connection credentials of one
// sub-resource.
type CredentialsResponse struct {
	Credentials map[string]string `json:"credentials"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
