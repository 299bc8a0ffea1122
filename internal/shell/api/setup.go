// Package api provides HTTP handlers for the lifecycle engine API.
// JSON:API resources ride api2go; actions that do not map onto CRUD are
// plain mux routes dispatched into the same resource structs.
package api

import (
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/manyminds/api2go"
	"github.com/slipway-dev/slipway/internal/shell/api/middleware"
	"github.com/slipway-dev/slipway/internal/shell/api/openapi"
	"github.com/slipway-dev/slipway/internal/shell/api/resources"
	"github.com/slipway-dev/slipway/internal/shell/logstream"
	"github.com/slipway-dev/slipway/internal/shell/registry"
	"github.com/slipway-dev/slipway/internal/shell/store"
)

// =============================================================================
// API Setup
// =============================================================================

// APIConfig holds configuration for the API setup.
type APIConfig struct {
	Store       store.Store
	Deployments *registry.DeploymentRegistry
	Extensions  *registry.ExtensionRegistry
	Hub         *logstream.Hub
	Logger      *slog.Logger

	// BearerToken guards every route when set. Empty disables service auth
	// for trusted-network setups; actors are still resolved from headers.
	BearerToken string
}

// SetupAPI creates the complete API router with JSON:API resources and custom
// action endpoints. Returns an http.Handler that can be used as the server's
// main handler.
func SetupAPI(cfg APIConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	router := mux.NewRouter()

	// Add middleware
	router.Use(requestIDMiddleware)
	router.Use(recoveryMiddleware(cfg.Logger))

	authMW := middleware.NewAuthMiddleware(middleware.AuthConfig{
		BearerToken: cfg.BearerToken,
		Logger:      cfg.Logger,
	})
	router.Use(authMW.Handler)

	// Health endpoints (not JSON:API, just simple JSON)
	router.HandleFunc("/health", healthHandler).Methods("GET")
	router.HandleFunc("/ready", readyHandler(cfg.Store)).Methods("GET")

	// Create api2go API for JSON:API resources
	// Using NewAPIWithResolver - it creates its own internal router
	jsonAPI := api2go.NewAPIWithResolver("v1", api2go.NewStaticResolver("/api"))

	// Set content type for JSON:API
	jsonAPI.ContentType = "application/vnd.api+json"

	// Register JSON:API resources
	deploymentResource := resources.NewDeploymentResource(cfg.Deployments, cfg.Logger)
	extensionResource := resources.NewExtensionResource(cfg.Extensions)

	jsonAPI.AddResource(resources.Deployment{}, deploymentResource)
	jsonAPI.AddResource(resources.Extension{}, extensionResource)

	// Custom action endpoints (not standard JSON:API CRUD)
	// These must be registered BEFORE the PathPrefix handler below to avoid
	// being caught by the api2go handler

	// Deployment custom actions
	router.HandleFunc("/api/v1/deployments/active", func(w http.ResponseWriter, r *http.Request) {
		resp, err := deploymentResource.ActiveDeployment(r)
		writeResponder(w, resp, err, cfg.Logger)
	}).Methods("GET")

	router.HandleFunc("/api/v1/deployments/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id := vars["id"]
		resp, err := deploymentResource.StopDeployment(id, r)
		writeResponder(w, resp, err, cfg.Logger)
	}).Methods("POST")

	router.HandleFunc("/api/v1/deployments/{id}/rollback", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id := vars["id"]
		resp, err := deploymentResource.RollbackDeployment(id, r)
		writeResponder(w, resp, err, cfg.Logger)
	}).Methods("POST")

	router.HandleFunc("/api/v1/deployments/{id}/transitions", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id := vars["id"]
		resp, err := deploymentResource.ListTransitions(id, r)
		writeResponder(w, resp, err, cfg.Logger)
	}).Methods("GET")

	router.HandleFunc("/api/v1/deployments/{id}/build-logs", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id := vars["id"]
		resp, err := deploymentResource.FetchBuildLogs(id, r)
		writeResponder(w, resp, err, cfg.Logger)
	}).Methods("GET")

	// Extension custom actions
	router.HandleFunc("/api/v1/extensions/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		id := vars["id"]
		resp, err := extensionResource.StatusSummary(id, r)
		writeResponder(w, resp, err, cfg.Logger)
	}).Methods("GET")

	// Runtime log endpoints
	logHandlers := NewLogHandlers(cfg.Deployments, cfg.Hub, cfg.Logger)
	logHandlers.RegisterRoutes(router)

	// OpenAPI endpoint - reflective generation from the registered models
	openapiGen := openapi.NewGenerator(
		openapi.WithTitle("Slipway API"),
		openapi.WithVersion("1.0.0"),
		openapi.WithDescription("Resource lifecycle orchestration API following the JSON:API specification"),
		openapi.WithServer("/"),
	)

	openapiGen.RegisterResource(openapi.ResourceInfo{
		Name:           "deployments",
		Model:          resources.Deployment{},
		SupportsFind:   true,
		SupportsCreate: true,
		SupportsUpdate: false, // Deployments change via actions and callbacks, not PATCH
		SupportsDelete: true,
	})
	openapiGen.RegisterResource(openapi.ResourceInfo{
		Name:           "extensions",
		Model:          resources.Extension{},
		SupportsFind:   true,
		SupportsCreate: true,
		SupportsUpdate: true,
		SupportsDelete: true,
	})

	openapiGen.RegisterAction(openapi.ActionInfo{
		Resource: "deployments", Name: "active", Method: "GET",
		Summary: "Look up the active deployment of a group", Collection: true,
	})
	openapiGen.RegisterAction(openapi.ActionInfo{
		Resource: "deployments", Name: "stop", Method: "POST",
		Summary: "Stop a deployment",
	})
	openapiGen.RegisterAction(openapi.ActionInfo{
		Resource: "deployments", Name: "rollback", Method: "POST",
		Summary: "Create a new deployment from an older one's pinned configuration",
	})
	openapiGen.RegisterAction(openapi.ActionInfo{
		Resource: "deployments", Name: "transitions", Method: "GET",
		Summary: "List the status transition audit trail",
	})
	openapiGen.RegisterAction(openapi.ActionInfo{
		Resource: "deployments", Name: "build-logs", Method: "GET",
		Summary: "Fetch the build log blob",
	})
	openapiGen.RegisterAction(openapi.ActionInfo{
		Resource: "deployments", Name: "logs", Method: "GET",
		Summary: "Runtime logs, buffered or followed",
	})
	openapiGen.RegisterAction(openapi.ActionInfo{
		Resource: "extensions", Name: "status", Method: "GET",
		Summary: "Status summary including sub-resources",
	})

	router.HandleFunc("/openapi.json", openapiGen.Handler()).Methods("GET")

	// Mount api2go handler for all other /api routes
	// api2go expects paths without the /api prefix (e.g., /v1/deployments not
	// /api/v1/deployments) so we strip the /api prefix before passing it on
	router.PathPrefix("/api").Handler(http.StripPrefix("/api", jsonAPI.Handler()))

	return router
}

// =============================================================================
// Middleware
// =============================================================================

// requestIDMiddleware generates and adds a request ID to responses.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from panics and returns a 500 error.
func recoveryMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "error", err)
					w.Header().Set("Content-Type", "application/vnd.api+json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]interface{}{
						"errors": []map[string]interface{}{
							{
								"status": "500",
								"title":  "Internal Server Error",
								"detail": "An unexpected error occurred",
							},
						},
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// Health Handlers
// =============================================================================

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func readyHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		checks := make(map[string]string)

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "failed"
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "not_ready",
				"checks": checks,
			})
			return
		}
		checks["database"] = "ok"

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
			"checks": checks,
		})
	}
}

// =============================================================================
// Helpers
// =============================================================================

// writeResponder writes an api2go.Responder to the response writer.
func writeResponder(w http.ResponseWriter, resp api2go.Responder, err error, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/vnd.api+json")

	if err != nil {
		// Check if it's an HTTPError from api2go
		if httpErr, ok := err.(api2go.HTTPError); ok {
			// Errors is a slice, not a method
			if len(httpErr.Errors) > 0 {
				status := parseStatus(httpErr.Errors[0].Status)
				w.WriteHeader(status)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"errors": httpErr.Errors,
				})
				return
			}
		}
		logger.Error("request error", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []map[string]interface{}{
				{
					"status": "500",
					"title":  "Internal Server Error",
					"detail": err.Error(),
				},
			},
		})
		return
	}

	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.WriteHeader(resp.StatusCode())
	if result := resp.Result(); result != nil {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": result,
			"meta": resp.Metadata(),
		})
	}
}

// parseStatus converts a status string to an int.
func parseStatus(status string) int {
	if status == "" {
		return http.StatusInternalServerError
	}
	n := json.Number(status)
	if i, err := n.Int64(); err == nil && i > 0 {
		return int(i)
	}
	return http.StatusInternalServerError
}

// generateRequestID generates a unique request ID.
func generateRequestID() string {
	return "req_" + randomString(12)
}

// randomString generates a cryptographically random string of the given length.
func randomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		idx, _ := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		b[i] = letters[idx.Int64()]
	}
	return string(b)
}
