package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Sub-Resource States
// =============================================================================

// SubResourceState tracks one provisioned unit (a database) owned by an
// extension instance. The tokens are wire-stable.
type SubResourceState string

const (
	SubResourcePending          SubResourceState = "Pending"
	SubResourceCreatingDatabase SubResourceState = "CreatingDatabase"
	SubResourceCreatingUser     SubResourceState = "CreatingUser"
	SubResourceAvailable        SubResourceState = "Available"
	SubResourceTerminating      SubResourceState = "Terminating"
)

// subResourceRank orders the states. Provisioner reports may only move a
// sub-resource forward; a resource scheduled for deletion cannot un-delete
// itself without an explicit new provisioning call.
var subResourceRank = map[SubResourceState]int{
	SubResourcePending:          0,
	SubResourceCreatingDatabase: 1,
	SubResourceCreatingUser:     2,
	SubResourceAvailable:        3,
	SubResourceTerminating:      4,
}

// ValidSubResourceState reports whether the token names a known state.
func ValidSubResourceState(s SubResourceState) bool {
	_, ok := subResourceRank[s]
	return ok
}

// ValidateSubResourceReport enforces monotonic progress. Reports of the
// current state are idempotent; regressions fail with ErrStaleReport.
func ValidateSubResourceReport(current, reported SubResourceState) error {
	cur, ok := subResourceRank[current]
	if !ok {
		return ErrStaleReport
	}
	rep, ok := subResourceRank[reported]
	if !ok {
		return ErrStaleReport
	}
	if rep < cur {
		return ErrStaleReport
	}
	return nil
}

// IsProvisioning reports whether the sub-resource still needs provisioner work
// to reach Available.
func (s SubResourceState) IsProvisioning() bool {
	switch s {
	case SubResourcePending, SubResourceCreatingDatabase, SubResourceCreatingUser:
		return true
	default:
		return false
	}
}

// =============================================================================
// Sub-Resource
// =============================================================================

// SubResource is one concrete provisioned unit, keyed by name within its
// instance. Under shared isolation the single sub-resource is named
// SharedSubResourceName; under isolated isolation each sub-resource carries
// its deployment group's name.
type SubResource struct {
	ID                 string           `json:"id"`
	InstanceID         string           `json:"instance_id"`
	Name               string           `json:"name"`
	State              SubResourceState `json:"state"`
	ErrorMessage       string           `json:"error_message,omitempty"`
	CredentialsEnc     string           `json:"-"`
	NeedsManualCleanup bool             `json:"needs_manual_cleanup,omitempty"`
	CleanupScheduledAt *time.Time       `json:"cleanup_scheduled_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// NewSubResource creates a sub-resource in Pending, queued for the
// provisioner.
func NewSubResource(instanceID, name string) *SubResource {
	now := time.Now().UTC()
	return &SubResource{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Name:       name,
		State:      SubResourcePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CleanupDue reports whether the grace window has fully elapsed. A scheduled
// sub-resource must survive until cleanup_scheduled_at + grace so that a fast
// rollback inside the window can cancel the cleanup and reuse it.
func (r *SubResource) CleanupDue(now time.Time, grace time.Duration) bool {
	if r.CleanupScheduledAt == nil {
		return false
	}
	return !now.Before(r.CleanupScheduledAt.Add(grace))
}
