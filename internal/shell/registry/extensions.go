package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/slipway-dev/slipway/internal/core/crypto"
	"github.com/slipway-dev/slipway/internal/core/domain"
	"github.com/slipway-dev/slipway/internal/core/validation"
	"github.com/slipway-dev/slipway/internal/shell/store"
)

// =============================================================================
// Extension Registry
// =============================================================================

// ExtensionRegistry owns extension instances and their sub-resources: enable,
// spec updates with isolation changes, deferred deletion and provisioner
// status reports. Sub-resource credentials are encrypted before they hit the
// store.
type ExtensionRegistry struct {
	store  store.Store
	locks  *keyGuard
	key    []byte
	logger *slog.Logger
}

// NewExtensionRegistry creates an extension registry. encryptionKey protects
// stored sub-resource credentials and must be 32 bytes.
func NewExtensionRegistry(s store.Store, encryptionKey []byte, logger *slog.Logger) *ExtensionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtensionRegistry{
		store:  s,
		locks:  newKeyGuard(),
		key:    encryptionKey,
		logger: logger,
	}
}

// =============================================================================
// Enable
// =============================================================================

// Enable turns an extension on for a project. Database instances get their
// sub-resources immediately: one named sub-resource for shared isolation, one
// per deployment group that has ever deployed for isolated. Enabling over a
// Deleted tombstone resurrects it under the same ID; over a live instance it
// conflicts.
func (r *ExtensionRegistry) Enable(ctx context.Context, project, extType, name string, spec map[string]any) (*domain.ExtensionInstance, error) {
	if field, message := validation.ValidateEnableExtensionFields(project, extType, name); field != "" {
		return nil, NewValidationError(field, message)
	}
	if _, err := domain.ParseIsolation(spec); err != nil {
		return nil, NewValidationError("spec.database_isolation", err.Error())
	}

	ref := domain.InstanceRef{Project: project, Type: extType, Name: name}
	unlock := r.locks.lock(ref.String())
	defer unlock()

	var result *domain.ExtensionInstance
	err := r.store.WithTx(ctx, func(tx store.Store) error {
		existing, err := tx.GetExtensionInstance(ctx, project, extType, name)
		switch {
		case err == nil && existing.State == domain.ExtensionDeleting:
			return NewRegistryError("Enable", "extension_instance", existing.ID,
				"previous instance is still being deleted", domain.ErrInstanceDeleting)
		case err == nil && existing.State == domain.ExtensionDeleted:
			existing.Spec = spec
			existing.State = domain.ExtensionPending
			existing.ErrorMessage = ""
			existing.UpdatedAt = time.Now().UTC()
			if err := tx.UpdateExtensionInstance(ctx, existing); err != nil {
				return err
			}
			result = existing
		case err == nil:
			return NewRegistryError("Enable", "extension_instance", existing.ID,
				fmt.Sprintf("extension %s is already enabled", ref), store.ErrDuplicateInstance)
		case errors.Is(err, store.ErrNotFound):
			instance := domain.NewExtensionInstance(project, extType, name, spec)
			if err := tx.CreateExtensionInstance(ctx, instance); err != nil {
				return err
			}
			result = instance
		default:
			return err
		}

		if err := r.ensureInstanceSubResources(ctx, tx, result); err != nil {
			return err
		}
		return r.refreshInstanceState(ctx, tx, result)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("extension enabled",
		"instance_id", result.ID,
		"project", project,
		"extension_type", extType,
		"extension_name", name,
		"state", string(result.State),
	)
	return result, nil
}

// =============================================================================
// Update
// =============================================================================

// Update replaces an instance's spec. An isolation change drives sub-resource
// work: shared to isolated creates per-group sub-resources and flags the old
// shared one for manual cleanup; isolated to shared keeps one sub-resource
// and schedules the rest for deferred cleanup.
func (r *ExtensionRegistry) Update(ctx context.Context, project, extType, name string, spec map[string]any) (*domain.ExtensionInstance, error) {
	if field, message := validation.ValidateEnableExtensionFields(project, extType, name); field != "" {
		return nil, NewValidationError(field, message)
	}
	newMode, err := domain.ParseIsolation(spec)
	if err != nil {
		return nil, NewValidationError("spec.database_isolation", err.Error())
	}

	ref := domain.InstanceRef{Project: project, Type: extType, Name: name}
	unlock := r.locks.lock(ref.String())
	defer unlock()

	var result *domain.ExtensionInstance
	err = r.store.WithTx(ctx, func(tx store.Store) error {
		instance, err := getLiveInstance(ctx, tx, project, extType, name)
		if err != nil {
			return err
		}
		if instance.State == domain.ExtensionDeleting {
			return NewRegistryError("Update", "extension_instance", instance.ID,
				"instance is being deleted", domain.ErrInstanceDeleting)
		}

		oldMode, err := instance.Isolation()
		if err != nil {
			return NewRegistryError("Update", "extension_instance", instance.ID,
				"stored spec has an invalid isolation mode", err)
		}

		if instance.Type == domain.ExtensionTypeDatabase && oldMode != newMode {
			subs, err := tx.ListSubResources(ctx, instance.ID)
			if err != nil {
				return err
			}
			groups, err := tx.ListDeploymentGroups(ctx, project)
			if err != nil {
				return err
			}
			change := domain.PlanIsolationChange(oldMode, newMode, subs, groups)
			if err := r.applyIsolationChange(ctx, tx, instance, subs, change); err != nil {
				return err
			}
		}

		instance.Spec = spec
		instance.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateExtensionInstance(ctx, instance); err != nil {
			return err
		}
		if err := r.refreshInstanceState(ctx, tx, instance); err != nil {
			return err
		}
		result = instance
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("extension updated",
		"instance_id", result.ID,
		"project", project,
		"extension_type", extType,
		"extension_name", name,
		"isolation", string(newMode),
	)
	return result, nil
}

// applyIsolationChange executes the planned sub-resource actions.
func (r *ExtensionRegistry) applyIsolationChange(ctx context.Context, tx store.Store, instance *domain.ExtensionInstance, subs []domain.SubResource, change domain.IsolationChange) error {
	byName := make(map[string]domain.SubResource, len(subs))
	for _, sr := range subs {
		byName[sr.Name] = sr
	}

	for _, subName := range change.Create {
		if err := r.ensureSubResource(ctx, tx, instance.ID, subName); err != nil {
			return err
		}
	}
	for _, subName := range change.ScheduleCleanup {
		sr, ok := byName[subName]
		if !ok {
			continue
		}
		err := tx.ScheduleSubResourceCleanup(ctx, sr.ID, time.Now().UTC())
		if err != nil && !errors.Is(err, store.ErrConcurrentUpdate) {
			return err
		}
		r.logger.Info("sub-resource cleanup scheduled",
			"instance_id", instance.ID,
			"sub_resource", subName,
			"reason", "isolation change",
		)
	}
	for _, subName := range change.FlagManualCleanup {
		sr, ok := byName[subName]
		if !ok {
			continue
		}
		sr.NeedsManualCleanup = true
		sr.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateSubResource(ctx, &sr); err != nil {
			return err
		}
		r.logger.Warn("sub-resource flagged for manual cleanup",
			"instance_id", instance.ID,
			"sub_resource", subName,
		)
	}
	return nil
}

// =============================================================================
// Delete
// =============================================================================

// Delete tears an instance down. Every sub-resource is scheduled for deferred
// cleanup and the instance moves to Deleting; the reconciler destroys the
// sub-resources after the grace window and tombstones the instance as Deleted
// once the last one is gone. An instance with no sub-resources tombstones
// immediately. Deleting an already-Deleting instance is a no-op.
func (r *ExtensionRegistry) Delete(ctx context.Context, project, extType, name string) error {
	ref := domain.InstanceRef{Project: project, Type: extType, Name: name}
	unlock := r.locks.lock(ref.String())
	defer unlock()

	var finalState domain.ExtensionState
	err := r.store.WithTx(ctx, func(tx store.Store) error {
		instance, err := getLiveInstance(ctx, tx, project, extType, name)
		if err != nil {
			return err
		}
		if instance.State == domain.ExtensionDeleting {
			finalState = instance.State
			return nil
		}

		subs, err := tx.ListSubResources(ctx, instance.ID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, sr := range subs {
			if sr.State == domain.SubResourceTerminating || sr.CleanupScheduledAt != nil {
				continue
			}
			err := tx.ScheduleSubResourceCleanup(ctx, sr.ID, now)
			if err != nil && !errors.Is(err, store.ErrConcurrentUpdate) {
				return err
			}
		}

		if len(subs) == 0 {
			instance.State = domain.ExtensionDeleted
		} else {
			instance.State = domain.ExtensionDeleting
		}
		instance.UpdatedAt = now
		if err := tx.UpdateExtensionInstance(ctx, instance); err != nil {
			return err
		}
		finalState = instance.State
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("extension delete requested",
		"project", project,
		"extension_type", extType,
		"extension_name", name,
		"state", string(finalState),
	)
	return nil
}

// =============================================================================
// Status Reports
// =============================================================================

// SubResourceReport carries one provisioner progress report.
type SubResourceReport struct {
	State        domain.SubResourceState
	ErrorMessage string
	Credentials  map[string]string
}

// ReportSubResourceStatus applies a provisioner report to a sub-resource.
// Progress is monotonic: reports of the current state are idempotent,
// regressions fail with ErrStaleReport and change nothing. Credentials in the
// report are encrypted before storage. The instance's normalized state is
// re-derived after every accepted report.
func (r *ExtensionRegistry) ReportSubResourceStatus(ctx context.Context, project, extType, name, subName string, report SubResourceReport) (*domain.SubResource, error) {
	if !domain.ValidSubResourceState(report.State) {
		return nil, NewValidationError("state", fmt.Sprintf("unknown sub-resource state %q", report.State))
	}

	ref := domain.InstanceRef{Project: project, Type: extType, Name: name}
	unlock := r.locks.lock(ref.String())
	defer unlock()

	var result *domain.SubResource
	err := r.store.WithTx(ctx, func(tx store.Store) error {
		instance, err := getLiveInstance(ctx, tx, project, extType, name)
		if err != nil {
			return err
		}
		sub, err := tx.GetSubResource(ctx, instance.ID, subName)
		if err != nil {
			return err
		}

		if err := domain.ValidateSubResourceReport(sub.State, report.State); err != nil {
			r.logger.Warn("stale sub-resource report dropped",
				"instance_id", instance.ID,
				"sub_resource", subName,
				"current_state", string(sub.State),
				"reported_state", string(report.State),
			)
			return NewRegistryError("ReportSubResourceStatus", "sub_resource", sub.ID,
				fmt.Sprintf("cannot move %s back to %s", sub.State, report.State), domain.ErrStaleReport)
		}

		if sub.State == report.State && sub.ErrorMessage == report.ErrorMessage && report.Credentials == nil {
			result = sub
			return nil
		}

		sub.State = report.State
		sub.ErrorMessage = report.ErrorMessage
		if report.Credentials != nil {
			payload, err := json.Marshal(report.Credentials)
			if err != nil {
				return NewRegistryError("ReportSubResourceStatus", "sub_resource", sub.ID,
					"failed to encode credentials", err)
			}
			encrypted, err := crypto.EncryptToBase64(payload, r.key)
			if err != nil {
				return NewRegistryError("ReportSubResourceStatus", "sub_resource", sub.ID,
					"failed to encrypt credentials", err)
			}
			sub.CredentialsEnc = encrypted
		}
		sub.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateSubResource(ctx, sub); err != nil {
			return err
		}

		if err := r.refreshInstanceState(ctx, tx, instance); err != nil {
			return err
		}
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("sub-resource status reported",
		"instance_id", result.InstanceID,
		"sub_resource", subName,
		"state", string(result.State),
	)
	return result, nil
}

// =============================================================================
// Queries
// =============================================================================

// InstanceStatus bundles an instance with its sub-resources and the
// human-readable aggregate line.
type InstanceStatus struct {
	Instance     *domain.ExtensionInstance `json:"instance"`
	SubResources []domain.SubResource      `json:"sub_resources"`
	Summary      string                    `json:"summary"`
}

// Get returns one live extension instance. Deleted tombstones read as not
// found.
func (r *ExtensionRegistry) Get(ctx context.Context, project, extType, name string) (*domain.ExtensionInstance, error) {
	return getLiveInstance(ctx, r.store, project, extType, name)
}

// GetByID returns one live extension instance by instance ID. Deleted
// tombstones read as not found.
func (r *ExtensionRegistry) GetByID(ctx context.Context, id string) (*domain.ExtensionInstance, error) {
	instance, err := r.store.GetExtensionInstanceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if instance.State == domain.ExtensionDeleted {
		return nil, store.NewStoreError("GetByID", "extension_instance", instance.ID,
			"extension instance not found", store.ErrNotFound)
	}
	return instance, nil
}

// List returns a project's extension instances, tombstones excluded.
func (r *ExtensionRegistry) List(ctx context.Context, project string, opts store.ListOptions) ([]domain.ExtensionInstance, error) {
	return r.store.ListExtensionInstances(ctx, project, opts)
}

// Status returns an instance with its sub-resources and summary line.
func (r *ExtensionRegistry) Status(ctx context.Context, project, extType, name string) (*InstanceStatus, error) {
	instance, err := getLiveInstance(ctx, r.store, project, extType, name)
	if err != nil {
		return nil, err
	}
	subs, err := r.store.ListSubResources(ctx, instance.ID)
	if err != nil {
		return nil, err
	}
	return &InstanceStatus{
		Instance:     instance,
		SubResources: subs,
		Summary:      domain.StatusSummary(subs),
	}, nil
}

// Credentials decrypts and returns a sub-resource's stored credentials.
func (r *ExtensionRegistry) Credentials(ctx context.Context, project, extType, name, subName string) (map[string]string, error) {
	instance, err := getLiveInstance(ctx, r.store, project, extType, name)
	if err != nil {
		return nil, err
	}
	sub, err := r.store.GetSubResource(ctx, instance.ID, subName)
	if err != nil {
		return nil, err
	}
	if sub.CredentialsEnc == "" {
		return nil, NewRegistryError("Credentials", "sub_resource", sub.ID,
			"sub-resource has no stored credentials", ErrNoCredentials)
	}
	payload, err := crypto.DecryptFromBase64(sub.CredentialsEnc, r.key)
	if err != nil {
		return nil, NewRegistryError("Credentials", "sub_resource", sub.ID,
			"failed to decrypt credentials", err)
	}
	var creds map[string]string
	if err := json.Unmarshal(payload, &creds); err != nil {
		return nil, NewRegistryError("Credentials", "sub_resource", sub.ID,
			"failed to decode credentials", err)
	}
	return creds, nil
}

// getLiveInstance reads an instance by key, treating Deleted tombstones as
// not found.
func getLiveInstance(ctx context.Context, s store.Store, project, extType, name string) (*domain.ExtensionInstance, error) {
	instance, err := s.GetExtensionInstance(ctx, project, extType, name)
	if err != nil {
		return nil, err
	}
	if instance.State == domain.ExtensionDeleted {
		return nil, store.NewStoreError("Get", "extension_instance", instance.ID,
			"extension instance not found", store.ErrNotFound)
	}
	return instance, nil
}

// =============================================================================
// Group Provisioning
// =============================================================================

// EnsureGroupResources creates or reuses the sub-resources a deployment group
// needs. Called by the deployment registry inside its own transaction on every
// Create and Rollback: isolated instances get the group's sub-resource created
// (or its pending cleanup cancelled), shared instances get their single
// sub-resource's pending cleanup cancelled. Terminating sub-resources are
// never brought back.
func (r *ExtensionRegistry) EnsureGroupResources(ctx context.Context, s store.Store, project, group string) error {
	instances, err := s.ListExtensionInstances(ctx, project, store.ListOptions{Limit: 1000})
	if err != nil {
		return err
	}

	for i := range instances {
		instance := &instances[i]
		if instance.Type != domain.ExtensionTypeDatabase || instance.State.IsDeletionState() {
			continue
		}
		mode, err := instance.Isolation()
		if err != nil {
			r.logger.Warn("skipping instance with invalid stored isolation",
				"instance_id", instance.ID,
				"error", err,
			)
			continue
		}

		switch mode {
		case domain.IsolationShared:
			err = r.ensureSharedSubResource(ctx, s, instance.ID)
		case domain.IsolationIsolated:
			err = r.ensureSubResource(ctx, s, instance.ID, group)
		}
		if err != nil {
			return err
		}
		if err := r.refreshInstanceState(ctx, s, instance); err != nil {
			return err
		}
	}
	return nil
}

// ensureSubResource guarantees a live sub-resource with the given name exists
// on the instance: a missing one is created, a cleanup-scheduled one is
// reused by cancelling the schedule, a Terminating one is left alone.
func (r *ExtensionRegistry) ensureSubResource(ctx context.Context, s store.Store, instanceID, name string) error {
	sub, err := s.GetSubResource(ctx, instanceID, name)
	if errors.Is(err, store.ErrNotFound) {
		createErr := s.CreateSubResource(ctx, domain.NewSubResource(instanceID, name))
		if createErr != nil && !errors.Is(createErr, store.ErrDuplicateSubResource) {
			return createErr
		}
		return nil
	}
	if err != nil {
		return err
	}
	if sub.State == domain.SubResourceTerminating {
		return nil
	}
	if sub.CleanupScheduledAt == nil {
		return nil
	}

	err = s.CancelSubResourceCleanup(ctx, sub.ID)
	if errors.Is(err, store.ErrConcurrentUpdate) {
		return nil
	}
	if err != nil {
		return err
	}
	r.logger.Info("sub-resource cleanup cancelled, reusing",
		"instance_id", instanceID,
		"sub_resource", name,
	)
	return nil
}

// ensureSharedSubResource guarantees a shared instance has one live
// sub-resource. After an isolated to shared change the surviving sub-resource
// keeps its old group name, so any live sub-resource satisfies the instance
// regardless of name; only when none exists is one created under the shared
// name.
func (r *ExtensionRegistry) ensureSharedSubResource(ctx context.Context, s store.Store, instanceID string) error {
	subs, err := s.ListSubResources(ctx, instanceID)
	if err != nil {
		return err
	}

	for _, sr := range subs {
		if sr.State != domain.SubResourceTerminating && sr.CleanupScheduledAt == nil {
			return nil
		}
	}
	for _, sr := range subs {
		if sr.State == domain.SubResourceTerminating || sr.CleanupScheduledAt == nil {
			continue
		}
		err := s.CancelSubResourceCleanup(ctx, sr.ID)
		if errors.Is(err, store.ErrConcurrentUpdate) {
			continue
		}
		if err != nil {
			return err
		}
		r.logger.Info("sub-resource cleanup cancelled, reusing",
			"instance_id", instanceID,
			"sub_resource", sr.Name,
		)
		return nil
	}
	for _, sr := range subs {
		if sr.Name == domain.SharedSubResourceName {
			// Name still held by a Terminating row; recreate after the
			// reconciler removes it.
			return nil
		}
	}

	createErr := s.CreateSubResource(ctx, domain.NewSubResource(instanceID, domain.SharedSubResourceName))
	if createErr != nil && !errors.Is(createErr, store.ErrDuplicateSubResource) {
		return createErr
	}
	return nil
}

// ensureInstanceSubResources provisions a fresh instance's sub-resources per
// its isolation mode. Non-database extension types own none.
func (r *ExtensionRegistry) ensureInstanceSubResources(ctx context.Context, s store.Store, instance *domain.ExtensionInstance) error {
	if instance.Type != domain.ExtensionTypeDatabase {
		return nil
	}
	mode, err := instance.Isolation()
	if err != nil {
		return err
	}

	switch mode {
	case domain.IsolationShared:
		return r.ensureSharedSubResource(ctx, s, instance.ID)
	case domain.IsolationIsolated:
		groups, err := s.ListDeploymentGroups(ctx, instance.Project)
		if err != nil {
			return err
		}
		for _, group := range groups {
			if err := r.ensureSubResource(ctx, s, instance.ID, group); err != nil {
				return err
			}
		}
	}
	return nil
}

// refreshInstanceState re-derives the normalized instance state and error
// message from the sub-resource set and persists them when they changed.
// Non-database instances have nothing to provision and read Available.
func (r *ExtensionRegistry) refreshInstanceState(ctx context.Context, s store.Store, instance *domain.ExtensionInstance) error {
	var derived domain.ExtensionState
	var derivedError string

	if instance.Type != domain.ExtensionTypeDatabase {
		derived = domain.ExtensionAvailable
		if instance.State.IsDeletionState() {
			derived = instance.State
		}
	} else {
		subs, err := s.ListSubResources(ctx, instance.ID)
		if err != nil {
			return err
		}
		derived = domain.DeriveInstanceState(instance.State, subs)
		for _, sr := range subs {
			if sr.ErrorMessage != "" {
				derivedError = sr.Name + ": " + sr.ErrorMessage
				break
			}
		}
	}

	if derived == instance.State && derivedError == instance.ErrorMessage {
		return nil
	}
	instance.State = derived
	instance.ErrorMessage = derivedError
	instance.UpdatedAt = time.Now().UTC()
	return s.UpdateExtensionInstance(ctx, instance)
}
