// Package api provides HTTP handlers for the lifecycle engine API.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/slipway-dev/slipway/internal/shell/logstream"
	"github.com/slipway-dev/slipway/internal/shell/registry"
)

// =============================================================================
// Log Handlers
// =============================================================================

// LogHandlers serves buffered and live runtime logs for deployments. Build
// logs are not served here; they are a single blob on the deployment resource.
type LogHandlers struct {
	registry *registry.DeploymentRegistry
	hub      *logstream.Hub
	logger   *slog.Logger
}

// NewLogHandlers creates a new log handlers instance.
func NewLogHandlers(reg *registry.DeploymentRegistry, hub *logstream.Hub, logger *slog.Logger) *LogHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandlers{
		registry: reg,
		hub:      hub,
		logger:   logger,
	}
}

// RegisterRoutes registers the log routes.
func (h *LogHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/deployments/{id}/logs", h.LogsHandler).Methods("GET")
}

// =============================================================================
// Runtime Logs Endpoint
// =============================================================================

// logsResponse represents the JSON:API response for runtime logs.
type logsResponse struct {
	Data logData `json:"data"`
	Meta logMeta `json:"meta"`
}

type logData struct {
	Type       string        `json:"type"`
	ID         string        `json:"id"`
	Attributes logAttributes `json:"attributes"`
}

type logAttributes struct {
	Logs []logEntry `json:"logs"`
}

type logEntry struct {
	Timestamp string `json:"timestamp"`
	Stream    string `json:"stream"`
	Message   string `json:"message"`
}

type logMeta struct {
	Count int  `json:"count"`
	Tail  *int `json:"tail"`
}

// LogsHandler returns buffered runtime logs for a deployment, or streams them
// live as newline-delimited JSON when follow=true. The stream ends when the
// deployment reaches a terminal status or the client disconnects.
// GET /api/v1/deployments/{id}/logs
func (h *LogHandlers) LogsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	deploymentID := vars["id"]

	deployment, err := h.registry.Get(ctx, deploymentID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Deployment not found")
		return
	}

	// A terminal deployment's stream is sealed by definition. Sealing here
	// covers streams recreated empty after a restart, which would otherwise
	// leave followers waiting on lines that can never arrive.
	if deployment.Status.IsTerminal() {
		h.hub.MarkTerminal(deploymentID)
	}

	if r.URL.Query().Get("follow") == "true" {
		h.streamLogs(w, r, deploymentID)
		return
	}

	// Parse query parameters
	var tailPtr *int
	lines := h.hub.Snapshot(deploymentID)
	if t := r.URL.Query().Get("tail"); t != "" {
		if parsed, err := strconv.Atoi(t); err == nil && parsed > 0 {
			tailPtr = &parsed
			if parsed < len(lines) {
				lines = lines[len(lines)-parsed:]
			}
		}
	}

	entries := make([]logEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, logEntry{
			Timestamp: line.Timestamp.Format(time.RFC3339),
			Stream:    line.Stream,
			Message:   line.Message,
		})
	}

	response := logsResponse{
		Data: logData{
			Type: "deployment-logs",
			ID:   deploymentID,
			Attributes: logAttributes{
				Logs: entries,
			},
		},
		Meta: logMeta{
			Count: len(entries),
			Tail:  tailPtr,
		},
	}

	writeJSON(w, http.StatusOK, response)
}

// streamLogs writes the buffered lines and then live appends as one JSON
// object per line, flushing after each.
func (h *LogHandlers) streamLogs(w http.ResponseWriter, r *http.Request, deploymentID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	enc := json.NewEncoder(w)
	count := 0

	for line := range h.hub.Follow(ctx, deploymentID) {
		if err := enc.Encode(logEntry{
			Timestamp: line.Timestamp.Format(time.RFC3339),
			Stream:    line.Stream,
			Message:   line.Message,
		}); err != nil {
			h.logger.Debug("log follower write failed", "deployment_id", deploymentID, "error", err)
			return
		}
		flusher.Flush()
		count++
	}

	h.logger.Debug("log follower finished", "deployment_id", deploymentID, "lines", count)
}

// =============================================================================
// Helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/vnd.api+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/vnd.api+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"errors": []map[string]interface{}{
			{
				"status": fmt.Sprintf("%d", status),
				"title":  http.StatusText(status),
				"detail": message,
			},
		},
	})
}
