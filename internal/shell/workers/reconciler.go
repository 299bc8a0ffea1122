// Package workers contains the engine's background workers: the reconciler
// that applies time-based lifecycle decisions and the provisioner that
// advances sub-resources to Available.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/slipway-dev/slipway/internal/core/domain"
	"github.com/slipway-dev/slipway/internal/core/scheduler"
	"github.com/slipway-dev/slipway/internal/shell/provision"
	"github.com/slipway-dev/slipway/internal/shell/registry"
	"github.com/slipway-dev/slipway/internal/shell/store"
)

// reconcilerActor is the actor recorded on transitions the reconciler applies.
const reconcilerActor = "reconciler"

// ReconcilerConfig configures the reconciliation worker.
type ReconcilerConfig struct {
	// Interval is the time between reconciliation passes.
	// Default: 30 seconds.
	Interval time.Duration

	// StalenessWindow bounds how long an in-flight deployment may go without
	// an executor report before it is failed. Negative disables staleness
	// reconciliation. Default: 15 minutes.
	StalenessWindow time.Duration

	// GracePeriod is the delay between scheduling a sub-resource cleanup and
	// destroying the backing resource. A deployment into the group within
	// the window cancels the cleanup and reuses the resource.
	// Default: 1 hour.
	GracePeriod time.Duration
}

// DefaultReconcilerConfig returns the default configuration.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:        30 * time.Second,
		StalenessWindow: 15 * time.Minute,
		GracePeriod:     time.Hour,
	}
}

// Reconciler periodically applies time-based lifecycle decisions: expiring
// deployments, failing stale rollouts, scheduling and executing sub-resource
// cleanup, and tombstoning drained instances. Every pass recomputes its
// decisions from current rows, so overlapping or restarted passes converge.
type Reconciler struct {
	store       store.Store
	deployments *registry.DeploymentRegistry
	driver      provision.Driver
	config      ReconcilerConfig
	logger      *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a new reconciliation worker.
func NewReconciler(
	s store.Store,
	deployments *registry.DeploymentRegistry,
	driver provision.Driver,
	config ReconcilerConfig,
	logger *slog.Logger,
) *Reconciler {
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.StalenessWindow == 0 {
		config.StalenessWindow = 15 * time.Minute
	}
	if config.GracePeriod == 0 {
		config.GracePeriod = time.Hour
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		store:       s,
		deployments: deployments,
		driver:      driver,
		config:      config,
		logger:      logger.With("component", "reconciler"),
	}
}

// Start begins the reconciler background goroutine.
func (r *Reconciler) Start() {
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go r.run()

	r.logger.Info("reconciler started",
		"interval", r.config.Interval,
		"staleness_window", r.config.StalenessWindow,
		"grace_period", r.config.GracePeriod,
	)
}

// Stop gracefully stops the reconciler. It waits for an in-progress pass to
// complete.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

// run is the main loop that runs reconciliation passes periodically.
func (r *Reconciler) run() {
	defer r.wg.Done()

	// Run immediately on start
	r.runCycle(r.ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runCycle(r.ctx)
		}
	}
}

// SweepNow runs a single reconciliation pass immediately. Useful after
// configuration changes and in tests.
func (r *Reconciler) SweepNow(ctx context.Context) {
	r.runCycle(ctx)
}

// runCycle executes one full reconciliation pass.
func (r *Reconciler) runCycle(ctx context.Context) {
	// Cleanup destroys call out to cloud backends; give the pass room even
	// on short intervals.
	timeout := r.config.Interval
	if timeout < time.Minute {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	snapshot, err := r.gather(ctx)
	if err != nil {
		r.logger.Error("failed to load reconciliation snapshot", "error", err)
		return
	}

	plan := scheduler.PlanSweep(snapshot.request)
	if plan.Empty() {
		r.logger.Debug("nothing to reconcile")
		return
	}

	expired := r.applyExpirations(ctx, plan.Expire)
	failed := r.applyStaleFailures(ctx, plan.FailStale)
	scheduled := r.applyCleanupSchedules(ctx, snapshot, plan.ScheduleCleanup)
	cleaned := r.applyCleanups(ctx, snapshot, plan.ExecuteCleanup)
	tombstoned := r.applyTombstones(ctx, plan.TombstoneInstances)

	r.logger.Info("reconciliation pass applied",
		"expired", expired,
		"failed_stale", failed,
		"cleanups_scheduled", scheduled,
		"cleanups_executed", cleaned,
		"instances_tombstoned", tombstoned,
	)
}

// =============================================================================
// Snapshot Loading
// =============================================================================

// sweepSnapshot is the point-in-time view one pass works from, with lookup
// indexes for applying the plan.
type sweepSnapshot struct {
	request   scheduler.SweepRequest
	subsByKey map[scheduler.SubResourceKey]domain.SubResource
	instances map[string]domain.ExtensionInstance
}

func (r *Reconciler) gather(ctx context.Context) (*sweepSnapshot, error) {
	deployments, err := r.store.ListLiveDeployments(ctx)
	if err != nil {
		return nil, err
	}

	instances, err := r.store.ListLiveExtensionInstances(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := &sweepSnapshot{
		request: scheduler.SweepRequest{
			Now:               time.Now().UTC(),
			StalenessWindow:   r.config.StalenessWindow,
			GracePeriod:       r.config.GracePeriod,
			Deployments:       deployments,
			DeletingInstances: make(map[string]int),
		},
		subsByKey: make(map[scheduler.SubResourceKey]domain.SubResource),
		instances: make(map[string]domain.ExtensionInstance, len(instances)),
	}

	for _, instance := range instances {
		snapshot.instances[instance.ID] = instance

		subs, err := r.store.ListSubResources(ctx, instance.ID)
		if err != nil {
			return nil, err
		}
		if instance.State == domain.ExtensionDeleting {
			snapshot.request.DeletingInstances[instance.ID] = len(subs)
		}

		isolation, err := domain.ParseIsolation(instance.Spec)
		if err != nil {
			r.logger.Warn("instance has invalid isolation mode, skipping its sub-resources",
				"project", instance.Project,
				"instance", instance.Name,
				"error", err)
			continue
		}

		for _, sub := range subs {
			snapshot.subsByKey[scheduler.SubResourceKey{InstanceID: sub.InstanceID, Name: sub.Name}] = sub
			snapshot.request.SubResources = append(snapshot.request.SubResources, scheduler.SubResourceView{
				Sub:           sub,
				Project:       instance.Project,
				Isolation:     isolation,
				InstanceState: instance.State,
			})
		}
	}

	return snapshot, nil
}

// =============================================================================
// Plan Application
// =============================================================================

// applyExpirations pushes due deployments to Expired through the registry so
// demotion, audit and log-stream sealing all happen on the normal path.
func (r *Reconciler) applyExpirations(ctx context.Context, ids []string) int {
	applied := 0
	for _, id := range ids {
		_, err := r.deployments.AdvanceStatus(ctx, id, registry.StatusReport{
			Status: domain.StatusExpired,
			Actor:  reconcilerActor,
			Detail: "expires_at elapsed",
		})
		if err != nil {
			if errors.Is(err, domain.ErrAlreadyTerminal) || errors.Is(err, domain.ErrInvalidTransition) {
				r.logger.Debug("deployment settled before expiry applied", "deployment_id", id)
				continue
			}
			r.logger.Error("failed to expire deployment", "deployment_id", id, "error", err)
			continue
		}
		r.logger.Info("deployment expired", "deployment_id", id)
		applied++
	}
	return applied
}

func (r *Reconciler) applyStaleFailures(ctx context.Context, failures []scheduler.StaleFailure) int {
	applied := 0
	for _, failure := range failures {
		_, err := r.deployments.AdvanceStatus(ctx, failure.DeploymentID, registry.StatusReport{
			Status:       domain.StatusFailed,
			ErrorMessage: failure.Message,
			Actor:        reconcilerActor,
			Detail:       "staleness window elapsed",
		})
		if err != nil {
			if errors.Is(err, domain.ErrAlreadyTerminal) || errors.Is(err, domain.ErrInvalidTransition) {
				r.logger.Debug("deployment settled before staleness applied", "deployment_id", failure.DeploymentID)
				continue
			}
			r.logger.Error("failed to mark deployment stale", "deployment_id", failure.DeploymentID, "error", err)
			continue
		}
		r.logger.Warn("deployment failed for staleness", "deployment_id", failure.DeploymentID)
		applied++
	}
	return applied
}

func (r *Reconciler) applyCleanupSchedules(ctx context.Context, snapshot *sweepSnapshot, keys []scheduler.SubResourceKey) int {
	applied := 0
	for _, key := range keys {
		sub, ok := snapshot.subsByKey[key]
		if !ok {
			continue
		}
		err := r.store.ScheduleSubResourceCleanup(ctx, sub.ID, snapshot.request.Now)
		if err != nil {
			if errors.Is(err, store.ErrConcurrentUpdate) {
				// Already scheduled, or reused since the snapshot.
				continue
			}
			r.logger.Error("failed to schedule sub-resource cleanup",
				"instance_id", key.InstanceID,
				"sub_resource", key.Name,
				"error", err)
			continue
		}
		r.logger.Info("sub-resource cleanup scheduled",
			"instance_id", key.InstanceID,
			"sub_resource", key.Name,
			"grace_period", r.config.GracePeriod)
		applied++
	}
	return applied
}

// applyCleanups flips due sub-resources to Terminating, destroys the backing
// resource and deletes the row. A destroy failure leaves the row Terminating;
// the next pass retries it without blocking other items.
func (r *Reconciler) applyCleanups(ctx context.Context, snapshot *sweepSnapshot, keys []scheduler.SubResourceKey) int {
	applied := 0
	for _, key := range keys {
		if r.cleanupOne(ctx, snapshot, key) {
			applied++
		}
	}
	return applied
}

func (r *Reconciler) cleanupOne(ctx context.Context, snapshot *sweepSnapshot, key scheduler.SubResourceKey) bool {
	sub, ok := snapshot.subsByKey[key]
	if !ok {
		return false
	}
	instance, ok := snapshot.instances[sub.InstanceID]
	if !ok {
		return false
	}

	logger := r.logger.With(
		"project", instance.Project,
		"instance", instance.Name,
		"sub_resource", sub.Name,
	)

	// Re-check and flip under the transaction: a deployment inside the grace
	// window may have cancelled the schedule since the snapshot.
	cancelled := false
	err := r.store.WithTx(ctx, func(tx store.Store) error {
		current, err := tx.GetSubResource(ctx, sub.InstanceID, sub.Name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				cancelled = true
				return nil
			}
			return err
		}
		if !current.CleanupDue(snapshot.request.Now, r.config.GracePeriod) {
			cancelled = true
			return nil
		}
		if current.State != domain.SubResourceTerminating {
			current.State = domain.SubResourceTerminating
			current.UpdatedAt = time.Now().UTC()
			if err := tx.UpdateSubResource(ctx, current); err != nil {
				return err
			}
		}
		sub = *current
		return nil
	})
	if err != nil {
		logger.Error("failed to mark sub-resource terminating", "error", err)
		return false
	}
	if cancelled {
		return false
	}

	target := provision.Target{
		Project:     instance.Project,
		Instance:    instance.Name,
		SubResource: sub.Name,
		SubID:       sub.ID,
	}
	if err := r.driver.Destroy(ctx, target); err != nil {
		logger.Error("failed to destroy backing resource, will retry", "error", err)
		return false
	}

	if err := r.store.DeleteSubResource(ctx, sub.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("failed to delete sub-resource row", "error", err)
		return false
	}

	logger.Info("sub-resource deprovisioned")
	return true
}

// applyTombstones moves drained Deleting instances to Deleted.
func (r *Reconciler) applyTombstones(ctx context.Context, ids []string) int {
	applied := 0
	for _, id := range ids {
		err := r.store.WithTx(ctx, func(tx store.Store) error {
			instance, err := tx.GetExtensionInstanceByID(ctx, id)
			if err != nil {
				return err
			}
			if instance.State != domain.ExtensionDeleting {
				return nil
			}
			subs, err := tx.ListSubResources(ctx, id)
			if err != nil {
				return err
			}
			if len(subs) > 0 {
				return nil
			}
			instance.State = domain.ExtensionDeleted
			instance.UpdatedAt = time.Now().UTC()
			return tx.UpdateExtensionInstance(ctx, instance)
		})
		if err != nil {
			r.logger.Error("failed to tombstone extension instance", "instance_id", id, "error", err)
			continue
		}
		r.logger.Info("extension instance tombstoned", "instance_id", id)
		applied++
	}
	return applied
}
