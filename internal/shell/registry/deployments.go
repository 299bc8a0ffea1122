package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/slipway-dev/slipway/internal/core/domain"
	"github.com/slipway-dev/slipway/internal/core/limits"
	"github.com/slipway-dev/slipway/internal/core/validation"
	"github.com/slipway-dev/slipway/internal/shell/store"
)

// =============================================================================
// Deployment Registry
// =============================================================================

// GroupProvisioner ensures extension sub-resources exist for a deployment
// group. Implemented by ExtensionRegistry; the deployment registry calls it
// inside its own transaction so group creation and sub-resource reuse commit
// atomically with the deployment row.
type GroupProvisioner interface {
	EnsureGroupResources(ctx context.Context, s store.Store, project, group string) error
}

// TerminalNotifier is told after a deployment reaches a terminal status.
// Implemented by the log hub, which flushes and seals the deployment's
// runtime log stream.
type TerminalNotifier interface {
	MarkTerminal(deploymentID string)
}

// DeploymentConfig configures the deployment registry.
type DeploymentConfig struct {
	// MaxLiveDeployments bounds live deployments per project.
	// Zero or below disables the quota.
	MaxLiveDeployments int
}

// DefaultDeploymentConfig returns the default configuration.
func DefaultDeploymentConfig() DeploymentConfig {
	return DeploymentConfig{
		MaxLiveDeployments: 50,
	}
}

// DeploymentRegistry owns the deployment lifecycle: creation, executor status
// reports with activation bookkeeping, stop, rollback and the audit trail.
type DeploymentRegistry struct {
	store    store.Store
	groups   GroupProvisioner
	locks    *keyGuard
	config   DeploymentConfig
	logger   *slog.Logger
	notifier TerminalNotifier
}

// NewDeploymentRegistry creates a deployment registry. groups may be nil when
// no extension registry is wired (tests, tooling).
func NewDeploymentRegistry(s store.Store, groups GroupProvisioner, config DeploymentConfig, logger *slog.Logger) *DeploymentRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeploymentRegistry{
		store:  s,
		groups: groups,
		locks:  newKeyGuard(),
		config: config,
		logger: logger,
	}
}

// SetTerminalNotifier wires the hook fired after terminal transitions
// commit. nil disables it.
func (r *DeploymentRegistry) SetTerminalNotifier(n TerminalNotifier) {
	r.notifier = n
}

func (r *DeploymentRegistry) notifyTerminal(id string) {
	if r.notifier != nil {
		r.notifier.MarkTerminal(id)
	}
}

// groupLockKey serializes writes within one deployment group.
func groupLockKey(project, group string) string {
	return project + "/" + group
}

// =============================================================================
// Create
// =============================================================================

// CreateRequest carries the fields of a deploy request.
type CreateRequest struct {
	Project   string
	Group     string
	Image     string
	Snapshot  domain.ConfigSnapshot
	CreatedBy string
	ExpiresAt *time.Time
}

// Create registers a new deployment in Pending and lazily provisions the
// group's extension sub-resources. A deploy into a group whose sub-resources
// sit inside the cleanup grace window calls their cleanup back.
func (r *DeploymentRegistry) Create(ctx context.Context, req CreateRequest) (*domain.Deployment, error) {
	if field, message := validation.ValidateCreateDeploymentFields(req.Project, req.Group, req.Image); field != "" {
		return nil, NewValidationError(field, message)
	}

	deployment := domain.NewDeployment(req.Project, req.Group, req.Image, req.Snapshot, req.CreatedBy, req.ExpiresAt)

	unlock := r.locks.lock(groupLockKey(deployment.Project, deployment.Group))
	defer unlock()

	err := r.store.WithTx(ctx, func(tx store.Store) error {
		liveCount, err := tx.CountLiveDeployments(ctx, deployment.Project)
		if err != nil {
			return err
		}
		if result := limits.ValidateDeploymentCreation(liveCount, r.config.MaxLiveDeployments); !result.Ok() {
			return NewRegistryError("Create", "deployment", "", result.Reason, ErrQuotaExceeded)
		}
		if err := tx.CreateDeployment(ctx, deployment); err != nil {
			return err
		}
		if r.groups != nil {
			if err := r.groups.EnsureGroupResources(ctx, tx, deployment.Project, deployment.Group); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("deployment created",
		"deployment_id", deployment.ID,
		"project", deployment.Project,
		"deployment_group", deployment.Group,
		"image", deployment.Image,
	)
	return deployment, nil
}

// =============================================================================
// Status Reports
// =============================================================================

// StatusReport carries one executor progress report.
type StatusReport struct {
	Status       domain.DeploymentStatus
	ErrorMessage string
	ImageDigest  string
	Actor        string
	Detail       string
}

// AdvanceStatus applies an executor status report. Reaching Deploying or
// Healthy claims the group's active slot: a servable previous active becomes
// Superseded, one still mid-rollout becomes Cancelled. When the reporting
// deployment is older than the current active it lost the race; the report
// succeeds without changing anything. Repeated reports of the current status
// are idempotent.
func (r *DeploymentRegistry) AdvanceStatus(ctx context.Context, id string, report StatusReport) (*domain.Deployment, error) {
	current, err := r.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := r.locks.lock(groupLockKey(current.Project, current.Group))
	defer unlock()

	var result *domain.Deployment
	var changed bool
	var demotedID string
	err = r.store.WithTx(ctx, func(tx store.Store) error {
		deployment, err := tx.GetDeployment(ctx, id)
		if err != nil {
			return err
		}

		if deployment.Status == report.Status {
			result = deployment
			return nil
		}

		from := deployment.Status

		if domain.IsActivationStatus(report.Status) {
			active, err := tx.GetActiveDeployment(ctx, deployment.Project, deployment.Group)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}

			switch domain.PlanActivation(deployment, active) {
			case domain.ActivationYield:
				r.logger.Info("activation yielded to newer deployment",
					"deployment_id", deployment.ID,
					"active_id", active.ID,
				)
				result = deployment
				return nil
			case domain.ActivationSupersede:
				if err := r.demote(ctx, tx, active, domain.StatusSuperseded, report.Actor, "superseded by "+deployment.ID); err != nil {
					return err
				}
				demotedID = active.ID
			case domain.ActivationCancelPrevious:
				if err := r.demote(ctx, tx, active, domain.StatusCancelled, report.Actor, "replaced mid-rollout by "+deployment.ID); err != nil {
					return err
				}
				demotedID = active.ID
			case domain.ActivationProceed:
				// Nothing to demote.
			}
			deployment.IsActive = true
		}

		if err := deployment.Transition(report.Status); err != nil {
			return NewRegistryError("AdvanceStatus", "deployment", id,
				fmt.Sprintf("cannot transition from %s to %s", from, report.Status), err)
		}
		if report.ErrorMessage != "" && report.Status != domain.StatusHealthy {
			deployment.ErrorMessage = report.ErrorMessage
		}
		if report.ImageDigest != "" {
			deployment.ImageDigest = report.ImageDigest
		}

		if err := tx.UpdateDeploymentStatus(ctx, deployment, from); err != nil {
			return err
		}
		if err := tx.RecordTransition(ctx, domain.NewTransition(id, from, report.Status, report.Actor, report.Detail)); err != nil {
			return err
		}

		result = deployment
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		r.logger.Info("deployment status advanced",
			"deployment_id", id,
			"status", string(result.Status),
			"is_active", result.IsActive,
		)
		if demotedID != "" {
			r.notifyTerminal(demotedID)
		}
		if result.Status.IsTerminal() {
			r.notifyTerminal(id)
		}
	}
	return result, nil
}

// demote moves the previous active deployment out of the way before a new one
// claims the slot. Demoting first keeps the one-active-per-group index happy.
func (r *DeploymentRegistry) demote(ctx context.Context, tx store.Store, active *domain.Deployment, to domain.DeploymentStatus, actor, detail string) error {
	from := active.Status
	if err := active.Transition(to); err != nil {
		return NewRegistryError("AdvanceStatus", "deployment", active.ID,
			fmt.Sprintf("cannot demote from %s to %s", from, to), err)
	}
	if err := tx.UpdateDeploymentStatus(ctx, active, from); err != nil {
		return err
	}
	return tx.RecordTransition(ctx, domain.NewTransition(active.ID, from, to, actor, detail))
}

// =============================================================================
// Stop
// =============================================================================

// Stop transitions a deployment to Stopped on explicit user request.
func (r *DeploymentRegistry) Stop(ctx context.Context, id, actor string) (*domain.Deployment, error) {
	current, err := r.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := r.locks.lock(groupLockKey(current.Project, current.Group))
	defer unlock()

	var result *domain.Deployment
	err = r.store.WithTx(ctx, func(tx store.Store) error {
		deployment, err := tx.GetDeployment(ctx, id)
		if err != nil {
			return err
		}
		from := deployment.Status
		if err := deployment.Transition(domain.StatusStopped); err != nil {
			return NewRegistryError("Stop", "deployment", id,
				fmt.Sprintf("cannot stop a %s deployment", from), err)
		}
		if err := tx.UpdateDeploymentStatus(ctx, deployment, from); err != nil {
			return err
		}
		if err := tx.RecordTransition(ctx, domain.NewTransition(id, from, domain.StatusStopped, actor, "")); err != nil {
			return err
		}
		result = deployment
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("deployment stopped", "deployment_id", id, "actor", actor)
	r.notifyTerminal(id)
	return result, nil
}

// =============================================================================
// Rollback
// =============================================================================

// Rollback creates a new Pending deployment that copies the source's image,
// digest and config snapshot. The source is never mutated; rolling back to
// the currently active deployment is the same operation (a redeploy).
func (r *DeploymentRegistry) Rollback(ctx context.Context, sourceID, actor string) (*domain.Deployment, error) {
	source, err := r.store.GetDeployment(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if !source.CanRollback() {
		return nil, NewRegistryError("Rollback", "deployment", sourceID,
			fmt.Sprintf("source is %s; only Healthy or Superseded deployments can be rolled back to", source.Status),
			domain.ErrRollbackSource)
	}

	clone := source.CloneForRollback(actor)

	unlock := r.locks.lock(groupLockKey(clone.Project, clone.Group))
	defer unlock()

	err = r.store.WithTx(ctx, func(tx store.Store) error {
		liveCount, err := tx.CountLiveDeployments(ctx, clone.Project)
		if err != nil {
			return err
		}
		if result := limits.ValidateDeploymentCreation(liveCount, r.config.MaxLiveDeployments); !result.Ok() {
			return NewRegistryError("Rollback", "deployment", "", result.Reason, ErrQuotaExceeded)
		}
		if err := tx.CreateDeployment(ctx, clone); err != nil {
			return err
		}
		if r.groups != nil {
			if err := r.groups.EnsureGroupResources(ctx, tx, clone.Project, clone.Group); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("rollback created",
		"source_id", sourceID,
		"deployment_id", clone.ID,
		"project", clone.Project,
		"deployment_group", clone.Group,
		"image", clone.Image,
	)
	return clone, nil
}

// =============================================================================
// Build Logs
// =============================================================================

// buildLogsWritable reports whether build logs may be attached: the build
// pipeline must be done with the image (Pushed or later) or the rollout over.
func buildLogsWritable(s domain.DeploymentStatus) bool {
	switch s {
	case domain.StatusPending, domain.StatusBuilding, domain.StatusPushing:
		return false
	default:
		return true
	}
}

// SetBuildLogs attaches build output to a deployment, once.
func (r *DeploymentRegistry) SetBuildLogs(ctx context.Context, id, logs string) (*domain.Deployment, error) {
	if logs == "" {
		return nil, NewValidationError("build_logs", "build_logs must not be empty")
	}

	var result *domain.Deployment
	err := r.store.WithTx(ctx, func(tx store.Store) error {
		deployment, err := tx.GetDeployment(ctx, id)
		if err != nil {
			return err
		}
		if !buildLogsWritable(deployment.Status) {
			return NewRegistryError("SetBuildLogs", "deployment", id,
				fmt.Sprintf("deployment is %s; build logs arrive with Pushed", deployment.Status),
				domain.ErrBuildLogsTooEarly)
		}
		if deployment.BuildLogs != "" {
			return NewRegistryError("SetBuildLogs", "deployment", id,
				"build logs were already written", domain.ErrBuildLogsAlreadySet)
		}
		if err := tx.SetDeploymentBuildLogs(ctx, id, logs); err != nil {
			if errors.Is(err, store.ErrConcurrentUpdate) {
				return NewRegistryError("SetBuildLogs", "deployment", id,
					"build logs were already written", domain.ErrBuildLogsAlreadySet)
			}
			return err
		}
		deployment.BuildLogs = logs
		result = deployment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// Queries
// =============================================================================

// Get returns one deployment by ID.
func (r *DeploymentRegistry) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	return r.store.GetDeployment(ctx, id)
}

// List returns a project's deployments, optionally narrowed to one group,
// newest first.
func (r *DeploymentRegistry) List(ctx context.Context, project, group string, opts store.ListOptions) ([]domain.Deployment, error) {
	if group == "" {
		return r.store.ListDeployments(ctx, project, opts)
	}
	return r.store.ListDeploymentsByGroup(ctx, project, group, opts)
}

// Active returns the group's active deployment, or nil when the group has
// none.
func (r *DeploymentRegistry) Active(ctx context.Context, project, group string) (*domain.Deployment, error) {
	if group == "" {
		group = domain.DefaultGroup
	}
	deployment, err := r.store.GetActiveDeployment(ctx, project, group)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return deployment, nil
}

// Transitions returns a deployment's audit trail in chronological order.
func (r *DeploymentRegistry) Transitions(ctx context.Context, id string, opts store.ListOptions) ([]domain.Transition, error) {
	if _, err := r.store.GetDeployment(ctx, id); err != nil {
		return nil, err
	}
	return r.store.ListTransitions(ctx, id, opts)
}
