package domain

import "time"

// =============================================================================
// Log Types
// =============================================================================

// LogLine is a single runtime log entry scoped to one deployment. Runtime
// logs are append-only and delivered as snapshots or live follows; build logs
// are a separate immutable blob on the deployment itself and never stream.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // stdout, stderr
	Message   string    `json:"message"`
}
