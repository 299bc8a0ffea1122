// Package resources provides JSON:API resource implementations for the
// lifecycle engine API.
package resources

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/slipway-dev/slipway/internal/core/auth"
	"github.com/slipway-dev/slipway/internal/core/compose"
	"github.com/slipway-dev/slipway/internal/core/domain"
	"github.com/slipway-dev/slipway/internal/shell/registry"
	"github.com/slipway-dev/slipway/internal/shell/store"
	"github.com/manyminds/api2go"
)

// =============================================================================
// Deployment JSON:API Model
// =============================================================================

// Deployment wraps domain.Deployment to implement JSON:API interfaces.
type Deployment struct {
	ID           string               `json:"-"`
	Project      string               `json:"project"`
	Group        string               `json:"deployment_group"`
	Status       string               `json:"status"`
	Image        string               `json:"image"`
	ImageDigest  string               `json:"image_digest,omitempty"`
	CreatedBy    string               `json:"created_by"`
	IsActive     bool                 `json:"is_active"`
	Env          map[string]string    `json:"env,omitempty"`
	Routing      domain.RoutingConfig `json:"routing"`
	ErrorMessage string               `json:"error_message,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
	ExpiresAt    *time.Time           `json:"expires_at,omitempty"`

	// Compose is a write-only alternative to image/env/routing: a single
	// service compose fragment imported into the config snapshot at create
	// time. It is never returned in responses.
	Compose string `json:"compose,omitempty"`
}

// GetID returns the deployment ID for JSON:API.
func (d Deployment) GetID() string {
	return d.ID
}

// SetID sets the deployment ID for JSON:API.
func (d *Deployment) SetID(id string) error {
	d.ID = id
	return nil
}

// GetName returns the JSON:API resource type name.
func (d Deployment) GetName() string {
	return "deployments"
}

// =============================================================================
// Conversion Functions
// =============================================================================

// DeploymentFromDomain converts a domain.Deployment to a JSON:API Deployment.
func DeploymentFromDomain(d *domain.Deployment) Deployment {
	return Deployment{
		ID:           d.ID,
		Project:      d.Project,
		Group:        d.Group,
		Status:       string(d.Status),
		Image:        d.Image,
		ImageDigest:  d.ImageDigest,
		CreatedBy:    d.CreatedBy,
		IsActive:     d.IsActive,
		Env:          d.ConfigSnapshot.Env,
		Routing:      d.ConfigSnapshot.Routing,
		ErrorMessage: d.ErrorMessage,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		CompletedAt:  d.CompletedAt,
		ExpiresAt:    d.ExpiresAt,
	}
}

// =============================================================================
// DeploymentResource - CRUD Operations
// =============================================================================

// DeploymentResource implements the api2go resource interface for deployments.
type DeploymentResource struct {
	Registry *registry.DeploymentRegistry
	Logger   *slog.Logger
}

// NewDeploymentResource creates a new deployment resource handler.
func NewDeploymentResource(reg *registry.DeploymentRegistry, l *slog.Logger) *DeploymentResource {
	if l == nil {
		l = slog.Default()
	}
	return &DeploymentResource{Registry: reg, Logger: l}
}

// FindAll returns a project's deployments with optional group filtering and
// pagination.
// GET /api/v1/deployments?filter[project]=...
func (r DeploymentResource) FindAll(req api2go.Request) (api2go.Responder, error) {
	opts := store.DefaultListOptions()

	// Parse pagination from query params
	if limit, ok := req.QueryParams["page[size]"]; ok && len(limit) > 0 {
		if l, err := strconv.Atoi(limit[0]); err == nil {
			opts.Limit = l
		}
	}
	if offset, ok := req.QueryParams["page[offset]"]; ok && len(offset) > 0 {
		if o, err := strconv.Atoi(offset[0]); err == nil {
			opts.Offset = o
		}
	}
	if pageNum, ok := req.QueryParams["page[number]"]; ok && len(pageNum) > 0 {
		if pn, err := strconv.Atoi(pageNum[0]); err == nil && pn > 0 {
			opts.Offset = (pn - 1) * opts.Limit
		}
	}

	ctx := req.PlainRequest.Context()

	var project, group string
	if p, ok := req.QueryParams["filter[project]"]; ok && len(p) > 0 {
		project = p[0]
	}
	if g, ok := req.QueryParams["filter[group]"]; ok && len(g) > 0 {
		group = g[0]
	}
	if project == "" {
		return &Response{Code: http.StatusBadRequest}, newHTTPError(
			fmt.Errorf("filter[project] is required"),
			"filter[project] is required",
			http.StatusBadRequest,
		)
	}

	deployments, err := r.Registry.List(ctx, project, group, opts)
	if err != nil {
		return errorResponse(err)
	}

	result := make([]Deployment, 0, len(deployments))
	for i := range deployments {
		result = append(result, DeploymentFromDomain(&deployments[i]))
	}

	return &Response{
		Code: http.StatusOK,
		Res:  result,
		Meta: map[string]interface{}{
			"total":  len(result),
			"limit":  opts.Limit,
			"offset": opts.Offset,
		},
	}, nil
}

// FindOne returns a single deployment by ID.
// GET /api/v1/deployments/{id}
func (r DeploymentResource) FindOne(id string, req api2go.Request) (api2go.Responder, error) {
	ctx := req.PlainRequest.Context()

	deployment, err := r.Registry.Get(ctx, id)
	if err != nil {
		return errorResponse(err)
	}

	return &Response{
		Code: http.StatusOK,
		Res:  DeploymentFromDomain(deployment),
	}, nil
}

// Create registers a new deployment in Pending. The build executor picks it
// up from there and reports progress through the callback API.
// POST /api/v1/deployments
func (r DeploymentResource) Create(obj interface{}, req api2go.Request) (api2go.Responder, error) {
	ctx := req.PlainRequest.Context()
	authCtx := auth.FromContext(ctx)

	if !authCtx.Authenticated {
		return &Response{Code: http.StatusUnauthorized}, newHTTPError(
			fmt.Errorf("actor identification required"),
			"Actor identification required",
			http.StatusUnauthorized,
		)
	}

	deployment, ok := obj.(Deployment)
	if !ok {
		return &Response{Code: http.StatusBadRequest}, newHTTPError(
			fmt.Errorf("invalid request body"),
			"Invalid request body",
			http.StatusBadRequest,
		)
	}

	createReq := registry.CreateRequest{
		Project:   deployment.Project,
		Group:     deployment.Group,
		Image:     deployment.Image,
		Snapshot:  domain.ConfigSnapshot{Env: deployment.Env, Routing: deployment.Routing},
		CreatedBy: authCtx.Actor,
		ExpiresAt: deployment.ExpiresAt,
	}

	if deployment.Compose != "" {
		if deployment.Image != "" {
			return &Response{Code: http.StatusBadRequest}, newHTTPError(
				fmt.Errorf("image and compose are mutually exclusive"),
				"image and compose are mutually exclusive",
				http.StatusBadRequest,
			)
		}
		imported, err := compose.ImportSnapshot(deployment.Compose)
		if err != nil {
			return &Response{Code: http.StatusBadRequest}, newHTTPError(
				err,
				"Invalid compose fragment",
				http.StatusBadRequest,
			)
		}
		createReq.Image = imported.Image
		createReq.Snapshot = imported.Snapshot
		r.Logger.Debug("imported compose fragment",
			"project", deployment.Project,
			"image", imported.Image,
			"routing_host", imported.Snapshot.Routing.Host,
		)
	}

	created, err := r.Registry.Create(ctx, createReq)
	if err != nil {
		return errorResponse(err)
	}

	return &Response{
		Code: http.StatusCreated,
		Res:  DeploymentFromDomain(created),
	}, nil
}

// Delete stops a deployment. Rows are never removed: the deployment moves to
// Stopped and stays behind as audit history and a rollback source.
// DELETE /api/v1/deployments/{id}
func (r DeploymentResource) Delete(id string, req api2go.Request) (api2go.Responder, error) {
	ctx := req.PlainRequest.Context()
	authCtx := auth.FromContext(ctx)

	if !authCtx.Authenticated {
		return &Response{Code: http.StatusUnauthorized}, newHTTPError(
			fmt.Errorf("actor identification required"),
			"Actor identification required",
			http.StatusUnauthorized,
		)
	}

	if _, err := r.Registry.Stop(ctx, id, authCtx.Actor); err != nil {
		return errorResponse(err)
	}

	return &Response{Code: http.StatusNoContent}, nil
}

// =============================================================================
// Custom Actions
// =============================================================================

// deploymentView restores the id that the model's json tags hide from
// api2go. Action routes bypass api2go marshaling, and rollback and active
// lookups are useless without the id.
type deploymentView struct {
	ID string `json:"id"`
	Deployment
}

func viewOf(d *domain.Deployment) deploymentView {
	return deploymentView{ID: d.ID, Deployment: DeploymentFromDomain(d)}
}

// StopDeployment stops a deployment and returns its final state.
// POST /api/v1/deployments/{id}/stop
func (r DeploymentResource) StopDeployment(id string, req *http.Request) (api2go.Responder, error) {
	ctx := req.Context()
	authCtx := auth.FromContext(ctx)

	if !authCtx.Authenticated {
		return &Response{Code: http.StatusUnauthorized}, newHTTPError(
			fmt.Errorf("actor identification required"),
			"Actor identification required",
			http.StatusUnauthorized,
		)
	}

	deployment, err := r.Registry.Stop(ctx, id, authCtx.Actor)
	if err != nil {
		return errorResponse(err)
	}

	return &Response{
		Code: http.StatusOK,
		Res:  viewOf(deployment),
	}, nil
}

// RollbackDeployment clones a previously servable deployment into a fresh
// Pending rollout of the same image and config snapshot.
// POST /api/v1/deployments/{id}/rollback
func (r DeploymentResource) RollbackDeployment(id string, req *http.Request) (api2go.Responder, error) {
	ctx := req.Context()
	authCtx := auth.FromContext(ctx)

	if !authCtx.Authenticated {
		return &Response{Code: http.StatusUnauthorized}, newHTTPError(
			fmt.Errorf("actor identification required"),
			"Actor identification required",
			http.StatusUnauthorized,
		)
	}

	clone, err := r.Registry.Rollback(ctx, id, authCtx.Actor)
	if err != nil {
		return errorResponse(err)
	}

	return &Response{
		Code: http.StatusCreated,
		Res:  viewOf(clone),
	}, nil
}

// ListTransitions returns the audit trail of a deployment's status changes.
// GET /api/v1/deployments/{id}/transitions
func (r DeploymentResource) ListTransitions(id string, req *http.Request) (api2go.Responder, error) {
	ctx := req.Context()

	opts := store.DefaultListOptions()
	if v := req.URL.Query().Get("page[size]"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			opts.Limit = l
		}
	}
	if v := req.URL.Query().Get("page[offset]"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			opts.Offset = o
		}
	}

	transitions, err := r.Registry.Transitions(ctx, id, opts)
	if err != nil {
		return errorResponse(err)
	}

	return &Response{
		Code: http.StatusOK,
		Res:  transitions,
		Meta: map[string]interface{}{
			"total":  len(transitions),
			"limit":  opts.Limit,
			"offset": opts.Offset,
		},
	}, nil
}

// buildLogsView is the response body of the build-logs fetch action.
type buildLogsView struct {
	DeploymentID string `json:"deployment_id"`
	BuildLogs    string `json:"build_logs"`
}

// FetchBuildLogs returns a deployment's sealed build logs. Deployments whose
// executor has not submitted logs yet read as empty.
// GET /api/v1/deployments/{id}/build-logs
func (r DeploymentResource) FetchBuildLogs(id string, req *http.Request) (api2go.Responder, error) {
	ctx := req.Context()

	deployment, err := r.Registry.Get(ctx, id)
	if err != nil {
		return errorResponse(err)
	}

	return &Response{
		Code: http.StatusOK,
		Res: buildLogsView{
			DeploymentID: deployment.ID,
			BuildLogs:    deployment.BuildLogs,
		},
	}, nil
}

// ActiveDeployment returns the deployment currently holding a group's active
// slot.
// GET /api/v1/deployments/active?project=...&group=...
func (r DeploymentResource) ActiveDeployment(req *http.Request) (api2go.Responder, error) {
	ctx := req.Context()

	project := req.URL.Query().Get("project")
	group := req.URL.Query().Get("group")
	if project == "" {
		return &Response{Code: http.StatusBadRequest}, newHTTPError(
			fmt.Errorf("project query parameter is required"),
			"project query parameter is required",
			http.StatusBadRequest,
		)
	}

	active, err := r.Registry.Active(ctx, project, group)
	if err != nil {
		return errorResponse(err)
	}
	if active == nil {
		if group == "" {
			group = domain.DefaultGroup
		}
		return &Response{Code: http.StatusNotFound}, newHTTPError(
			fmt.Errorf("no active deployment for %s/%s", project, group),
			"No active deployment",
			http.StatusNotFound,
		)
	}

	return &Response{
		Code: http.StatusOK,
		Res:  viewOf(active),
	}, nil
}

// =============================================================================
// Response Helper
// =============================================================================

// Response implements api2go.Responder for custom responses.
type Response struct {
	Code int
	Res  interface{}
	Meta map[string]interface{}
}

// Metadata returns additional metadata for the response.
func (r *Response) Metadata() map[string]interface{} {
	return r.Meta
}

// Result returns the response data.
func (r *Response) Result() interface{} {
	return r.Res
}

// StatusCode returns the HTTP status code.
func (r *Response) StatusCode() int {
	return r.Code
}

// =============================================================================
// Error Mapping
// =============================================================================

// newHTTPError builds an api2go error with the errors array populated, so
// both the api2go handler and the custom action routes render it with the
// intended status.
func newHTTPError(err error, title string, status int) api2go.HTTPError {
	httpErr := api2go.NewHTTPError(err, title, status)
	httpErr.Errors = append(httpErr.Errors, api2go.Error{
		Title:  title,
		Detail: err.Error(),
		Status: strconv.Itoa(status),
	})
	return httpErr
}

// mapLifecycleError translates known registry, domain and store errors into
// JSON:API HTTP errors. Unrecognized errors pass through and surface as 500s.
func mapLifecycleError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newHTTPError(err, "Not found", http.StatusNotFound)
	case errors.Is(err, registry.ErrValidation):
		return newHTTPError(err, "Validation failed", http.StatusBadRequest)
	case errors.Is(err, registry.ErrQuotaExceeded):
		return newHTTPError(err, "Live deployment quota exceeded", http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrAlreadyTerminal):
		return newHTTPError(err, "Deployment is already terminal", http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newHTTPError(err, "Invalid status transition", http.StatusConflict)
	case errors.Is(err, domain.ErrRollbackSource):
		return newHTTPError(err, "Deployment cannot serve as a rollback source", http.StatusConflict)
	case errors.Is(err, domain.ErrInstanceDeleting):
		return newHTTPError(err, "Extension instance is being deleted", http.StatusConflict)
	case errors.Is(err, store.ErrDuplicateInstance):
		return newHTTPError(err, "Extension instance already exists", http.StatusConflict)
	case errors.Is(err, domain.ErrBuildLogsAlreadySet):
		return newHTTPError(err, "Build logs already set", http.StatusConflict)
	case errors.Is(err, domain.ErrBuildLogsTooEarly):
		return newHTTPError(err, "Build logs require the pushed status", http.StatusConflict)
	}
	return err
}

// errorResponse pairs a mapped error with a Response carrying the same code.
func errorResponse(err error) (api2go.Responder, error) {
	mapped := mapLifecycleError(err)
	code := http.StatusInternalServerError
	var httpErr api2go.HTTPError
	if errors.As(mapped, &httpErr) && len(httpErr.Errors) > 0 {
		if parsed, perr := strconv.Atoi(httpErr.Errors[0].Status); perr == nil {
			code = parsed
		}
	}
	return &Response{Code: code}, mapped
}
