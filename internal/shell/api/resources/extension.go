package resources

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/slipway-dev/slipway/internal/core/auth"
	"github.com/slipway-dev/slipway/internal/core/domain"
	"github.com/slipway-dev/slipway/internal/shell/registry"
	"github.com/slipway-dev/slipway/internal/shell/store"
	"github.com/manyminds/api2go"
)

// =============================================================================
// Extension JSON:API Model
// =============================================================================

// Extension wraps domain.ExtensionInstance to implement JSON:API interfaces.
type Extension struct {
	ID           string                 `json:"-"`
	Project      string                 `json:"project"`
	Type         string                 `json:"extension_type"`
	Name         string                 `json:"extension_name"`
	Spec         map[string]interface{} `json:"spec,omitempty"`
	State        string                 `json:"state"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// GetID returns the extension instance ID for JSON:API.
func (e Extension) GetID() string {
	return e.ID
}

// SetID sets the extension instance ID for JSON:API.
func (e *Extension) SetID(id string) error {
	e.ID = id
	return nil
}

// GetName returns the JSON:API resource type name.
func (e Extension) GetName() string {
	return "extensions"
}

// ExtensionFromDomain converts a domain.ExtensionInstance to a JSON:API
// Extension.
func ExtensionFromDomain(i *domain.ExtensionInstance) Extension {
	return Extension{
		ID:           i.ID,
		Project:      i.Project,
		Type:         i.Type,
		Name:         i.Name,
		Spec:         i.Spec,
		State:        string(i.State),
		ErrorMessage: i.ErrorMessage,
		CreatedAt:    i.CreatedAt,
		UpdatedAt:    i.UpdatedAt,
	}
}

// =============================================================================
// ExtensionResource - CRUD Operations
// =============================================================================

// ExtensionResource implements the api2go resource interface for extension
// instances.
type ExtensionResource struct {
	Registry *registry.ExtensionRegistry
}

// NewExtensionResource creates a new extension resource handler.
func NewExtensionResource(reg *registry.ExtensionRegistry) *ExtensionResource {
	return &ExtensionResource{Registry: reg}
}

// FindAll returns a project's extension instances.
// GET /api/v1/extensions?filter[project]=...
func (r ExtensionResource) FindAll(req api2go.Request) (api2go.Responder, error) {
	opts := store.DefaultListOptions()

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

	ctx := req.PlainRequest.Context()

	var project string
	if p, ok := req.QueryParams["filter[project]"]; ok && len(p) > 0 {
		project = p[0]
	}
	if project == "" {
		return &Response{Code: http.StatusBadRequest}, newHTTPError(
			fmt.Errorf("filter[project] is required"),
			"filter[project] is required",
			http.StatusBadRequest,
		)
	}

	instances, err := r.Registry.List(ctx, project, opts)
	if err != nil {
		return errorResponse(err)
	}

	result := make([]Extension, 0, len(instances))
	for i := range instances {
		result = append(result, ExtensionFromDomain(&instances[i]))
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

// FindOne returns a single extension instance by ID.
// GET /api/v1/extensions/{id}
func (r ExtensionResource) FindOne(id string, req api2go.Request) (api2go.Responder, error) {
	ctx := req.PlainRequest.Context()

	instance, err := r.Registry.GetByID(ctx, id)
	if err != nil {
		return errorResponse(err)
	}

	return &Response{
		Code: http.StatusOK,
		Res:  ExtensionFromDomain(instance),
	}, nil
}

// Create enables an extension for a project. Database instances get their
// sub-resources queued for the provisioner immediately.
// POST /api/v1/extensions
func (r ExtensionResource) Create(obj interface{}, req api2go.Request) (api2go.Responder, error) {
	ctx := req.PlainRequest.Context()
	authCtx := auth.FromContext(ctx)

	if !authCtx.Authenticated {
		return &Response{Code: http.StatusUnauthorized}, newHTTPError(
			fmt.Errorf("actor identification required"),
			"Actor identification required",
			http.StatusUnauthorized,
		)
	}

	ext, ok := obj.(Extension)
	if !ok {
		return &Response{Code: http.StatusBadRequest}, newHTTPError(
			fmt.Errorf("invalid request body"),
			"Invalid request body",
			http.StatusBadRequest,
		)
	}

	instance, err := r.Registry.Enable(ctx, ext.Project, ext.Type, ext.Name, ext.Spec)
	if err != nil {
		return errorResponse(err)
	}

	return &Response{
		Code: http.StatusCreated,
		Res:  ExtensionFromDomain(instance),
	}, nil
}

// Update replaces an extension instance's spec. An isolation change drives
// sub-resource creation and cleanup scheduling.
// PATCH /api/v1/extensions/{id}
func (r ExtensionResource) Update(obj interface{}, req api2go.Request) (api2go.Responder, error) {
	ctx := req.PlainRequest.Context()
	authCtx := auth.FromContext(ctx)

	if !authCtx.Authenticated {
		return &Response{Code: http.StatusUnauthorized}, newHTTPError(
			fmt.Errorf("actor identification required"),
			"Actor identification required",
			http.StatusUnauthorized,
		)
	}

	ext, ok := obj.(Extension)
	if !ok {
		return &Response{Code: http.StatusBadRequest}, newHTTPError(
			fmt.Errorf("invalid request body"),
			"Invalid request body",
			http.StatusBadRequest,
		)
	}

	existing, err := r.Registry.GetByID(ctx, ext.ID)
	if err != nil {
		return errorResponse(err)
	}

	updated, err := r.Registry.Update(ctx, existing.Project, existing.Type, existing.Name, ext.Spec)
	if err != nil {
		return errorResponse(err)
	}

	return &Response{
		Code: http.StatusOK,
		Res:  ExtensionFromDomain(updated),
	}, nil
}

// Delete disables an extension instance. All of its sub-resources are
// scheduled for deferred cleanup; the instance tombstones once they drain.
// DELETE /api/v1/extensions/{id}
func (r ExtensionResource) Delete(id string, req api2go.Request) (api2go.Responder, error) {
	ctx := req.PlainRequest.Context()
	authCtx := auth.FromContext(ctx)

	if !authCtx.Authenticated {
		return &Response{Code: http.StatusUnauthorized}, newHTTPError(
			fmt.Errorf("actor identification required"),
			"Actor identification required",
			http.StatusUnauthorized,
		)
	}

	instance, err := r.Registry.GetByID(ctx, id)
	if err != nil {
		return errorResponse(err)
	}

	if err := r.Registry.Delete(ctx, instance.Project, instance.Type, instance.Name); err != nil {
		return errorResponse(err)
	}

	return &Response{Code: http.StatusNoContent}, nil
}

// =============================================================================
// Custom Actions
// =============================================================================

// extensionStatusView is the response body of the status summary action.
type extensionStatusView struct {
	Instance     Extension            `json:"instance"`
	SubResources []domain.SubResource `json:"sub_resources"`
	Summary      string               `json:"summary"`
}

// StatusSummary returns an instance with its sub-resources and a one-line
// rollup of their states.
// GET /api/v1/extensions/{id}/status
func (r ExtensionResource) StatusSummary(id string, req *http.Request) (api2go.Responder, error) {
	ctx := req.Context()

	instance, err := r.Registry.GetByID(ctx, id)
	if err != nil {
		return errorResponse(err)
	}

	status, err := r.Registry.Status(ctx, instance.Project, instance.Type, instance.Name)
	if err != nil {
		return errorResponse(err)
	}

	return &Response{
		Code: http.StatusOK,
		Res: extensionStatusView{
			Instance:     ExtensionFromDomain(status.Instance),
			SubResources: status.SubResources,
			Summary:      status.Summary,
		},
	}, nil
}
