package store

import (
	"context"
	"time"

	"github.com/slipway-dev/slipway/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for lifecycle engine entities.
type Store interface {
	// Deployment operations
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeploymentStatus(ctx context.Context, deployment *domain.Deployment, expected domain.DeploymentStatus) error
	SetDeploymentBuildLogs(ctx context.Context, id, logs string) error
	ListDeployments(ctx context.Context, project string, opts ListOptions) ([]domain.Deployment, error)
	ListDeploymentsByGroup(ctx context.Context, project, group string, opts ListOptions) ([]domain.Deployment, error)
	GetActiveDeployment(ctx context.Context, project, group string) (*domain.Deployment, error)
	ListLiveDeployments(ctx context.Context) ([]domain.Deployment, error)
	CountLiveDeployments(ctx context.Context, project string) (int, error)
	ListDeploymentGroups(ctx context.Context, project string) ([]string, error)

	// Extension instance operations
	CreateExtensionInstance(ctx context.Context, instance *domain.ExtensionInstance) error
	GetExtensionInstance(ctx context.Context, project, extType, name string) (*domain.ExtensionInstance, error)
	GetExtensionInstanceByID(ctx context.Context, id string) (*domain.ExtensionInstance, error)
	UpdateExtensionInstance(ctx context.Context, instance *domain.ExtensionInstance) error
	ListExtensionInstances(ctx context.Context, project string, opts ListOptions) ([]domain.ExtensionInstance, error)
	ListLiveExtensionInstances(ctx context.Context) ([]domain.ExtensionInstance, error)

	// Sub-resource operations
	CreateSubResource(ctx context.Context, sub *domain.SubResource) error
	GetSubResource(ctx context.Context, instanceID, name string) (*domain.SubResource, error)
	UpdateSubResource(ctx context.Context, sub *domain.SubResource) error
	DeleteSubResource(ctx context.Context, id string) error
	ListSubResources(ctx context.Context, instanceID string) ([]domain.SubResource, error)
	ListProvisioningSubResources(ctx context.Context, limit int) ([]domain.SubResource, error)
	ScheduleSubResourceCleanup(ctx context.Context, id string, at time.Time) error
	CancelSubResourceCleanup(ctx context.Context, id string) error

	// Transition audit operations
	RecordTransition(ctx context.Context, transition *domain.Transition) error
	ListTransitions(ctx context.Context, deploymentID string, opts ListOptions) ([]domain.Transition, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
