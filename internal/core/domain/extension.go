package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Extension Instance States
// =============================================================================

// ExtensionState is the normalized state of an extension instance. Except for
// the sticky Deleting/Deleted pair it is derived from the instance's
// sub-resources, never written independently.
type ExtensionState string

const (
	ExtensionPending   ExtensionState = "Pending"
	ExtensionCreating  ExtensionState = "Creating"
	ExtensionAvailable ExtensionState = "Available"
	ExtensionFailed    ExtensionState = "Failed"
	ExtensionDeleting  ExtensionState = "Deleting"
	ExtensionDeleted   ExtensionState = "Deleted"
)

// IsDeletionState reports whether the instance is on its way out. Deletion is
// sticky: once entered, derivation never moves the instance back.
func (s ExtensionState) IsDeletionState() bool {
	return s == ExtensionDeleting || s == ExtensionDeleted
}

// DeriveInstanceState computes the normalized state from the sub-resource set.
// An instance with no sub-resources yet is Pending (an isolated instance in a
// project that has never deployed stays there until the first group appears).
// A recorded provisioning error surfaces as Failed until a retry clears it.
func DeriveInstanceState(current ExtensionState, subs []SubResource) ExtensionState {
	if current.IsDeletionState() {
		return current
	}
	if len(subs) == 0 {
		return ExtensionPending
	}

	available := 0
	for _, sr := range subs {
		if sr.ErrorMessage != "" {
			return ExtensionFailed
		}
		if sr.State == SubResourceAvailable {
			available++
		}
	}
	if available == len(subs) {
		return ExtensionAvailable
	}
	return ExtensionCreating
}

// =============================================================================
// Database Isolation
// =============================================================================

// IsolationMode controls how many sub-resources an instance owns: one shared
// across all deployment groups, or one per group that has ever deployed.
type IsolationMode string

const (
	IsolationShared   IsolationMode = "shared"
	IsolationIsolated IsolationMode = "isolated"
)

// SharedSubResourceName names the single sub-resource of a shared instance.
const SharedSubResourceName = "shared"

// ExtensionTypeDatabase is the extension type whose instances own database
// sub-resources. Other extension types carry a spec but no sub-resources.
const ExtensionTypeDatabase = "database"

// isolationSpecKey is the instance spec field carrying the isolation mode.
const isolationSpecKey = "database_isolation"

// ParseIsolation extracts the isolation mode from an instance spec. The spec
// is opaque to the engine apart from this one field; absence means shared.
func ParseIsolation(spec map[string]any) (IsolationMode, error) {
	raw, ok := spec[isolationSpecKey]
	if !ok || raw == nil {
		return IsolationShared, nil
	}
	str, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %v", ErrInvalidIsolation, raw)
	}
	switch IsolationMode(str) {
	case IsolationShared:
		return IsolationShared, nil
	case IsolationIsolated:
		return IsolationIsolated, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidIsolation, str)
	}
}

// =============================================================================
// Extension Instance
// =============================================================================

// ExtensionInstance is an attachable capability enabled on a project, keyed by
// (project, extension type, name). The spec payload is opaque structured data;
// validating it against the extension type's schema is the provisioner's job.
type ExtensionInstance struct {
	ID           string         `json:"id"`
	Project      string         `json:"project"`
	Type         string         `json:"extension_type"`
	Name         string         `json:"extension_name"`
	Spec         map[string]any `json:"spec,omitempty"`
	State        ExtensionState `json:"state"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// NewExtensionInstance creates an instance in Pending. Its sub-resources are
// created separately according to the isolation mode.
func NewExtensionInstance(project, extType, name string, spec map[string]any) *ExtensionInstance {
	now := time.Now().UTC()
	return &ExtensionInstance{
		ID:        uuid.New().String(),
		Project:   project,
		Type:      extType,
		Name:      name,
		Spec:      spec,
		State:     ExtensionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Isolation parses the instance's own spec.
func (i *ExtensionInstance) Isolation() (IsolationMode, error) {
	return ParseIsolation(i.Spec)
}

// =============================================================================
// Isolation Change Planning
// =============================================================================

// IsolationChange lists the sub-resource actions an isolation-mode change
// requires. Names refer to sub-resources within the instance.
type IsolationChange struct {
	// Create lists sub-resources to provision.
	Create []string
	// ScheduleCleanup lists sub-resources to put on the deferred-cleanup path.
	ScheduleCleanup []string
	// FlagManualCleanup lists sub-resources left in place but flagged for a
	// human: a previously shared database may still be referenced by running
	// workloads, so it is never auto-deleted.
	FlagManualCleanup []string
}

// Empty reports whether the change requires no sub-resource work.
func (c IsolationChange) Empty() bool {
	return len(c.Create) == 0 && len(c.ScheduleCleanup) == 0 && len(c.FlagManualCleanup) == 0
}

// PlanIsolationChange computes the sub-resource actions when an instance's
// isolation mode moves from one mode to another. groups are the deployment
// groups that have ever deployed in the project.
//
// shared -> isolated: one sub-resource per existing group is created; the
// shared one stays behind flagged for manual cleanup.
//
// isolated -> shared: one sub-resource is kept (the default group's if
// present, else the oldest) and the rest are scheduled for cleanup. The kept
// sub-resource retains its name; renaming a provisioned database would be
// destructive.
func PlanIsolationChange(from, to IsolationMode, existing []SubResource, groups []string) IsolationChange {
	var change IsolationChange
	if from == to {
		return change
	}

	byName := make(map[string]SubResource, len(existing))
	for _, sr := range existing {
		byName[sr.Name] = sr
	}

	switch to {
	case IsolationIsolated:
		for _, group := range groups {
			if _, ok := byName[group]; !ok {
				change.Create = append(change.Create, group)
			}
		}
		if _, ok := byName[SharedSubResourceName]; ok {
			change.FlagManualCleanup = append(change.FlagManualCleanup, SharedSubResourceName)
		}

	case IsolationShared:
		if len(existing) == 0 {
			change.Create = append(change.Create, SharedSubResourceName)
			return change
		}
		keep := pickKeeper(existing)
		for _, sr := range existing {
			if sr.Name == keep || sr.State == SubResourceTerminating || sr.CleanupScheduledAt != nil {
				continue
			}
			change.ScheduleCleanup = append(change.ScheduleCleanup, sr.Name)
		}
	}

	return change
}

// pickKeeper selects the sub-resource that survives an isolated -> shared
// change: the default group's if present, else the oldest.
func pickKeeper(existing []SubResource) string {
	keep := existing[0]
	for _, sr := range existing {
		if sr.Name == DefaultGroup {
			return DefaultGroup
		}
		if sr.CreatedAt.Before(keep.CreatedAt) {
			keep = sr
		}
	}
	return keep.Name
}

// =============================================================================
// Status Summary
// =============================================================================

// StatusSummary renders the one-line human-readable aggregate shown next to an
// instance, e.g. "2/2 databases available" or "1 database provisioning".
// Sub-resources on their way out are excluded from the available denominator.
func StatusSummary(subs []SubResource) string {
	if len(subs) == 0 {
		return "no databases provisioned"
	}

	var provisioning, terminating, available int
	for _, sr := range subs {
		switch {
		case sr.State.IsProvisioning():
			provisioning++
		case sr.State == SubResourceTerminating:
			terminating++
		case sr.State == SubResourceAvailable:
			available++
		}
	}

	if provisioning > 0 {
		return fmt.Sprintf("%d database%s provisioning", provisioning, plural(provisioning))
	}
	wanted := len(subs) - terminating
	if wanted == 0 {
		return fmt.Sprintf("%d database%s terminating", terminating, plural(terminating))
	}
	return fmt.Sprintf("%d/%d database%s available", available, wanted, plural(wanted))
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// =============================================================================
// Instance Reference
// =============================================================================

// InstanceRef identifies an extension instance the way clients address it.
type InstanceRef struct {
	Project string
	Type    string
	Name    string
}

func (r InstanceRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Project, r.Type, r.Name)
}
