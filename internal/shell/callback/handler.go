// Package callback provides the internal HTTP API consumed by deployment
// executors and sub-resource provisioners: status reports, build and runtime
// log delivery, and credential retrieval. It listens separately from the
// public API and authenticates callers with a shared service token.
package callback

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/slipway-dev/slipway/internal/core/auth"
	"github.com/slipway-dev/slipway/internal/core/domain"
	"github.com/slipway-dev/slipway/internal/shell/logstream"
	"github.com/slipway-dev/slipway/internal/shell/registry"
	"github.com/slipway-dev/slipway/internal/shell/store"
)

// ExecutorActor is recorded on transitions when a status report names no
// actor of its own.
const ExecutorActor = "system:executor"

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the internal callback API.
type Handler struct {
	deployments *registry.DeploymentRegistry
	extensions  *registry.ExtensionRegistry
	hub         *logstream.Hub
	logger      *slog.Logger
	bearerToken string
}

// Config carries the dependencies of the callback handler.
type Config struct {
	Deployments *registry.DeploymentRegistry
	Extensions  *registry.ExtensionRegistry
	Hub         *logstream.Hub
	Logger      *slog.Logger

	// BearerToken is the shared service token. When set, every request
	// outside /health must carry it. If empty, token validation is skipped.
	BearerToken string
}

// NewHandler creates a new callback handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		deployments: cfg.Deployments,
		extensions:  cfg.Extensions,
		hub:         cfg.Hub,
		logger:      cfg.Logger,
		bearerToken: cfg.BearerToken,
	}
}

// Routes returns the router with all callback routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	r.Get("/health", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.serviceAuth)

		r.Route("/internal/v1", func(r chi.Router) {
			r.Route("/deployments", func(r chi.Router) {
				r.Post("/{id}/status", h.handleStatusReport)
				r.Put("/{id}/build-logs", h.handleBuildLogs)
				r.Post("/{id}/logs", h.handleRuntimeLogs)
			})

			r.Route("/extensions", func(r chi.Router) {
				r.Post("/{id}/sub-resources/{name}/status", h.handleSubResourceReport)
				r.Get("/{id}/sub-resources/{name}/credentials", h.handleCredentials)
			})
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// serviceAuth enforces the shared bearer token.
func (h *Handler) serviceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.bearerToken != "" {
			presented := bearerToken(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare([]byte(presented), []byte(h.bearerToken)) != 1 {
				h.logger.Warn("invalid bearer token on callback",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
				)
				h.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token", "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken strips the Bearer scheme from an Authorization header value.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return header[len(prefix):]
}

// =============================================================================
// Health Handler
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// =============================================================================
// Deployment Callbacks
// =============================================================================

// handleStatusReport applies one executor status report to a deployment.
func (h *Handler) handleStatusReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req StatusReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	if req.Status == "" {
		h.writeError(w, http.StatusBadRequest, "status is required", "validation_error")
		return
	}
	status := domain.DeploymentStatus(req.Status)
	if !domain.ValidDeploymentStatus(status) {
		h.writeError(w, http.StatusBadRequest, "unknown status "+req.Status, "validation_error")
		return
	}

	deployment, err := h.deployments.AdvanceStatus(r.Context(), id, registry.StatusReport{
		Status:       status,
		ErrorMessage: req.ErrorMessage,
		ImageDigest:  req.ImageDigest,
		Actor:        h.reportActor(r, req.Actor),
		Detail:       req.Detail,
	})
	if err != nil && errors.Is(err, store.ErrConcurrentUpdate) {
		// Lost a race with another writer. The report is a noop; answer with
		// the row as it now stands so the executor does not retry.
		deployment, err = h.deployments.Get(r.Context(), id)
	}
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "deployment not found", "not_found")
			return
		}
		h.writeLifecycleError(w, err)
		return
	}

	h.logger.Info("deployment status reported",
		"deployment_id", deployment.ID,
		"status", string(deployment.Status),
		"is_active", deployment.IsActive,
	)

	h.writeJSON(w, http.StatusOK, StatusReportResponse{
		DeploymentID: deployment.ID,
		Status:       string(deployment.Status),
		IsActive:     deployment.IsActive,
	})
}

// handleBuildLogs stores the build output blob, once per deployment.
func (h *Handler) handleBuildLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req BuildLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	deployment, err := h.deployments.SetBuildLogs(r.Context(), id, req.BuildLogs)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "deployment not found", "not_found")
			return
		}
		h.writeLifecycleError(w, err)
		return
	}

	h.logger.Info("build logs stored",
		"deployment_id", deployment.ID,
		"bytes", len(req.BuildLogs),
	)

	h.writeJSON(w, http.StatusOK, BuildLogsResponse{
		DeploymentID: deployment.ID,
		Bytes:        len(req.BuildLogs),
	})
}

// handleRuntimeLogs feeds a batch of runtime log lines into the streaming
// hub. Lines for terminal deployments are dropped by the hub; late flushes
// after a final status report are not an error.
func (h *Handler) handleRuntimeLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RuntimeLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	if len(req.Lines) == 0 {
		h.writeError(w, http.StatusBadRequest, "lines must not be empty", "validation_error")
		return
	}

	deployment, err := h.deployments.Get(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "deployment not found", "not_found")
			return
		}
		h.writeLifecycleError(w, err)
		return
	}

	now := time.Now().UTC()
	for _, line := range req.Lines {
		entry := domain.LogLine{
			Timestamp: line.Timestamp,
			Stream:    line.Stream,
			Message:   line.Message,
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
		if entry.Stream == "" {
			entry.Stream = "stdout"
		}
		h.hub.Append(deployment.ID, entry)
	}

	h.writeJSON(w, http.StatusOK, RuntimeLogsResponse{
		DeploymentID: deployment.ID,
		Accepted:     len(req.Lines),
	})
}

// =============================================================================
// Extension Callbacks
// =============================================================================

// handleSubResourceReport applies one provisioner progress report. Stale
// reports are dropped and acknowledged with result "stale" so retrying
// provisioners do not treat them as failures.
func (h *Handler) handleSubResourceReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	subName := chi.URLParam(r, "name")

	var req SubResourceReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	if req.State == "" {
		h.writeError(w, http.StatusBadRequest, "state is required", "validation_error")
		return
	}

	instance, err := h.extensions.GetByID(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "extension instance not found", "not_found")
			return
		}
		h.writeLifecycleError(w, err)
		return
	}

	sub, err := h.extensions.ReportSubResourceStatus(r.Context(), instance.Project, instance.Type, instance.Name, subName, registry.SubResourceReport{
		State:        domain.SubResourceState(req.State),
		ErrorMessage: req.ErrorMessage,
		Credentials:  req.Credentials,
	})
	if err != nil {
		if errors.Is(err, domain.ErrStaleReport) {
			h.writeJSON(w, http.StatusOK, SubResourceReportResponse{
				Name:   subName,
				Result: "stale",
			})
			return
		}
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "sub-resource not found", "not_found")
			return
		}
		h.writeLifecycleError(w, err)
		return
	}

	h.logger.Info("sub-resource report applied",
		"instance_id", instance.ID,
		"sub_resource", sub.Name,
		"state", string(sub.State),
	)

	h.writeJSON(w, http.StatusOK, SubResourceReportResponse{
		Name:   sub.Name,
		State:  string(sub.State),
		Result: "applied",
	})
}

// handleCredentials returns the decrypted credentials of one sub-resource.
// Executors poll this endpoint while injecting extension environment; a 404
// with code no_credentials means the provisioner has not recorded them yet.
func (h *Handler) handleCredentials(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	subName := chi.URLParam(r, "name")

	instance, err := h.extensions.GetByID(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "extension instance not found", "not_found")
			return
		}
		h.writeLifecycleError(w, err)
		return
	}

	creds, err := h.extensions.Credentials(r.Context(), instance.Project, instance.Type, instance.Name, subName)
	if err != nil {
		if errors.Is(err, registry.ErrNoCredentials) {
			h.writeError(w, http.StatusNotFound, "no credentials recorded yet", "no_credentials")
			return
		}
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "sub-resource not found", "not_found")
			return
		}
		h.writeLifecycleError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, CredentialsResponse{Credentials: creds})
}

// =============================================================================
// Helpers
// =============================================================================

// reportActor resolves the identity recorded on a transition: the report body
// wins, then the X-Actor header, then the executor's service identity.
func (h *Handler) reportActor(r *http.Request, bodyActor string) string {
	if bodyActor != "" {
		return bodyActor
	}
	if authCtx := auth.ExtractFromRequest(r); authCtx.Authenticated {
		return authCtx.Actor
	}
	return ExecutorActor
}

// writeLifecycleError maps registry and domain errors onto HTTP statuses.
// Not-found is handled at call sites where the entity name is known.
func (h *Handler) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
	case errors.Is(err, domain.ErrAlreadyTerminal):
		h.writeError(w, http.StatusConflict, err.Error(), "already_terminal")
	case errors.Is(err, domain.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error(), "invalid_transition")
	case errors.Is(err, domain.ErrBuildLogsAlreadySet):
		h.writeError(w, http.StatusConflict, err.Error(), "build_logs_already_set")
	case errors.Is(err, domain.ErrBuildLogsTooEarly):
		h.writeError(w, http.StatusConflict, err.Error(), "build_logs_too_early")
	default:
		h.logger.Error("callback handler error", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error", "internal_error")
	}
}

func isNotFound(err error) bool {
	var storeErr *store.StoreError
	if errors.As(err, &storeErr) {
		return errors.Is(storeErr.Err, store.ErrNotFound)
	}
	return errors.Is(err, store.ErrNotFound)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
