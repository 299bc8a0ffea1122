package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Status
// =============================================================================

// DeploymentStatus is serialized as-is on the wire; the tokens are stable and
// clients match on them literally, so renaming one is a breaking change.
type DeploymentStatus string

const (
	StatusPending    DeploymentStatus = "Pending"
	StatusBuilding   DeploymentStatus = "Building"
	StatusPushing    DeploymentStatus = "Pushing"
	StatusPushed     DeploymentStatus = "Pushed"
	StatusDeploying  DeploymentStatus = "Deploying"
	StatusHealthy    DeploymentStatus = "Healthy"
	StatusUnhealthy  DeploymentStatus = "Unhealthy"
	StatusFailed     DeploymentStatus = "Failed"
	StatusCancelled  DeploymentStatus = "Cancelled"
	StatusStopped    DeploymentStatus = "Stopped"
	StatusSuperseded DeploymentStatus = "Superseded"
	StatusExpired    DeploymentStatus = "Expired"
)

// IsTerminal reports whether the status permits no further transitions.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusStopped, StatusSuperseded, StatusExpired:
		return true
	default:
		return false
	}
}

// IsLive reports whether the deployment still participates in the lifecycle.
// Healthy and Unhealthy are live-but-completed: they serve traffic and can be
// rolled back from.
func (s DeploymentStatus) IsLive() bool {
	return !s.IsTerminal()
}

// IsInFlight reports whether the deployment is between creation and its first
// servable state. In-flight deployments are subject to staleness reconciliation.
func (s DeploymentStatus) IsInFlight() bool {
	switch s {
	case StatusPending, StatusBuilding, StatusPushing, StatusPushed, StatusDeploying:
		return true
	default:
		return false
	}
}

// IsServable reports whether the deployment reached a state that can hold the
// active slot of its group.
func (s DeploymentStatus) IsServable() bool {
	return s == StatusHealthy || s == StatusUnhealthy
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed status transitions. Cancelled, Stopped
// and Expired are reachable from every live status; Failed only from in-flight
// statuses (a degraded servable deployment is Unhealthy, never Failed);
// Superseded only from a servable status.
var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending:    {StatusBuilding, StatusFailed, StatusCancelled, StatusStopped, StatusExpired},
	StatusBuilding:   {StatusPushing, StatusFailed, StatusCancelled, StatusStopped, StatusExpired},
	StatusPushing:    {StatusPushed, StatusFailed, StatusCancelled, StatusStopped, StatusExpired},
	StatusPushed:     {StatusDeploying, StatusFailed, StatusCancelled, StatusStopped, StatusExpired},
	StatusDeploying:  {StatusHealthy, StatusUnhealthy, StatusFailed, StatusCancelled, StatusStopped, StatusExpired},
	StatusHealthy:    {StatusUnhealthy, StatusSuperseded, StatusCancelled, StatusStopped, StatusExpired},
	StatusUnhealthy:  {StatusHealthy, StatusSuperseded, StatusCancelled, StatusStopped, StatusExpired},
	StatusFailed:     {},
	StatusCancelled:  {},
	StatusStopped:    {},
	StatusSuperseded: {},
	StatusExpired:    {},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to DeploymentStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	if from.IsTerminal() {
		return ErrAlreadyTerminal
	}
	return ErrInvalidTransition
}

// ValidDeploymentStatus reports whether the token names a known status.
func ValidDeploymentStatus(s DeploymentStatus) bool {
	_, ok := validTransitions[s]
	return ok
}

// =============================================================================
// Deployment
// =============================================================================

// Deployment is one rollout of an image within a project's deployment group.
// Rows are never deleted; terminal deployments remain as rollback sources and
// audit history.
type Deployment struct {
	ID             string           `json:"id"`
	Project        string           `json:"project"`
	Group          string           `json:"deployment_group"`
	Status         DeploymentStatus `json:"status"`
	Image          string           `json:"image"`
	ImageDigest    string           `json:"image_digest,omitempty"`
	CreatedBy      string           `json:"created_by"`
	IsActive       bool             `json:"is_active"`
	ConfigSnapshot ConfigSnapshot   `json:"config_snapshot"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	BuildLogs      string           `json:"build_logs,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
}

// DefaultGroup is used when a deploy request names no deployment group.
const DefaultGroup = "default"

// NewDeployment creates a deployment in Pending. It is not active until it
// reaches its first servable rollout step.
func NewDeployment(project, group, image string, snapshot ConfigSnapshot, createdBy string, expiresAt *time.Time) *Deployment {
	if group == "" {
		group = DefaultGroup
	}
	now := time.Now().UTC()
	return &Deployment{
		ID:             uuid.New().String(),
		Project:        project,
		Group:          group,
		Status:         StatusPending,
		Image:          image,
		CreatedBy:      createdBy,
		ConfigSnapshot: snapshot.Clone(),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      expiresAt,
	}
}

// Transition attempts to move the deployment to a new status, maintaining the
// timestamp fields that hang off status changes.
func (d *Deployment) Transition(to DeploymentStatus) error {
	if err := ValidateTransition(d.Status, to); err != nil {
		return err
	}

	d.Status = to
	d.UpdatedAt = time.Now().UTC()

	switch to {
	case StatusHealthy:
		d.ErrorMessage = ""
		if d.CompletedAt == nil {
			now := time.Now().UTC()
			d.CompletedAt = &now
		}
	case StatusFailed, StatusCancelled, StatusStopped, StatusSuperseded, StatusExpired:
		d.IsActive = false
		if d.CompletedAt == nil {
			now := time.Now().UTC()
			d.CompletedAt = &now
		}
	}

	return nil
}

// CanRollback reports whether the deployment may serve as a rollback source.
func (d *Deployment) CanRollback() bool {
	return d.Status == StatusHealthy || d.Status == StatusSuperseded
}

// CloneForRollback builds the new Pending deployment a rollback creates. The
// image, digest and config snapshot are copied from the source; the source
// itself is never mutated. Rolling back to the active deployment is the same
// operation (a redeploy).
func (d *Deployment) CloneForRollback(createdBy string) *Deployment {
	clone := NewDeployment(d.Project, d.Group, d.Image, d.ConfigSnapshot, createdBy, nil)
	clone.ImageDigest = d.ImageDigest
	return clone
}

// =============================================================================
// Activation Planning
// =============================================================================

// ActivationDecision describes what must happen to the group's current active
// deployment when another deployment reaches a state that claims the slot.
type ActivationDecision int

const (
	// ActivationProceed activates the target; there is nothing to demote.
	ActivationProceed ActivationDecision = iota
	// ActivationSupersede demotes a servable previous active to Superseded.
	ActivationSupersede
	// ActivationCancelPrevious cancels a previous active still mid-rollout.
	ActivationCancelPrevious
	// ActivationYield leaves everything unchanged: the current active is newer
	// than the target, so the target lost the race. Callers treat this as an
	// idempotent no-op, never an error, because executors retry reports.
	ActivationYield
)

// IsActivationStatus reports whether reaching the status claims the group's
// active slot. Deploying is the first live state after the build pipeline;
// Healthy covers executors that skip straight to a health report.
func IsActivationStatus(s DeploymentStatus) bool {
	return s == StatusDeploying || s == StatusHealthy
}

// PlanActivation decides the fate of the current active deployment when target
// activates. The newer deployment always supersedes the older, never the
// reverse.
func PlanActivation(target, active *Deployment) ActivationDecision {
	if active == nil || active.ID == target.ID {
		return ActivationProceed
	}
	if active.CreatedAt.After(target.CreatedAt) {
		return ActivationYield
	}
	if active.Status.IsServable() {
		return ActivationSupersede
	}
	return ActivationCancelPrevious
}

// =============================================================================
// Transition Audit
// =============================================================================

// Transition records one accepted status change for audit and debugging.
type Transition struct {
	ID           string           `json:"id"`
	DeploymentID string           `json:"deployment_id"`
	From         DeploymentStatus `json:"from"`
	To           DeploymentStatus `json:"to"`
	Actor        string           `json:"actor,omitempty"`
	Detail       string           `json:"detail,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// NewTransition builds an audit record for a status change.
func NewTransition(deploymentID string, from, to DeploymentStatus, actor, detail string) *Transition {
	return &Transition{
		ID:           uuid.New().String(),
		DeploymentID: deploymentID,
		From:         from,
		To:           to,
		Actor:        actor,
		Detail:       detail,
		CreatedAt:    time.Now().UTC(),
	}
}
