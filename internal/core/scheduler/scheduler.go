// Package scheduler provides the pure decision logic for the periodic
// reconciliation pass. This is part of the Functional Core - all functions are
// pure with no I/O; the workers package loads candidates, asks this package
// what to do, and applies the answers.
package scheduler

import (
	"fmt"
	"time"

	"github.com/slipway-dev/slipway/internal/core/domain"
)

// =============================================================================
// Sweep Request
// =============================================================================

// GroupKey identifies one deployment group within a project.
type GroupKey struct {
	Project string
	Group   string
}

// SubResourceView pairs a sub-resource with the isolation mode and lifecycle
// state of its owning extension instance.
type SubResourceView struct {
	Sub           domain.SubResource
	Project       string
	Isolation     domain.IsolationMode
	InstanceState domain.ExtensionState
}

// SweepRequest contains a point-in-time view of everything one reconciliation
// pass considers.
type SweepRequest struct {
	Now time.Time

	// StalenessWindow bounds how long an in-flight deployment may go without
	// an executor report. Zero disables staleness reconciliation.
	StalenessWindow time.Duration

	// GracePeriod is the delay between scheduling a sub-resource cleanup and
	// actually executing it.
	GracePeriod time.Duration

	// Deployments are the live deployments under consideration.
	Deployments []domain.Deployment

	// SubResources are all sub-resources of non-deleted extension instances.
	SubResources []SubResourceView

	// DeletingInstances maps instance IDs in Deleting state to their number
	// of remaining sub-resources.
	DeletingInstances map[string]int
}

// =============================================================================
// Sweep Plan
// =============================================================================

// StaleFailure marks one deployment whose executor went silent.
type StaleFailure struct {
	DeploymentID string
	Message      string
}

// SubResourceKey addresses one sub-resource within its instance.
type SubResourceKey struct {
	InstanceID string
	Name       string
}

// SweepPlan is the full set of actions one pass must apply. Every action is
// keyed by identity so the applying side can use conditional updates and stay
// idempotent under concurrent sweeps.
type SweepPlan struct {
	// Expire lists deployments whose expires_at has elapsed.
	Expire []string

	// FailStale lists in-flight deployments beyond the staleness window.
	FailStale []StaleFailure

	// ScheduleCleanup lists isolated sub-resources whose deployment group has
	// no live deployments left. Scheduling starts the grace window; a deploy
	// into the group within the window cancels it.
	ScheduleCleanup []SubResourceKey

	// ExecuteCleanup lists sub-resources whose grace window has elapsed.
	ExecuteCleanup []SubResourceKey

	// TombstoneInstances lists Deleting instances with no sub-resources left.
	TombstoneInstances []string
}

// Empty reports whether the pass has nothing to do.
func (p *SweepPlan) Empty() bool {
	return len(p.Expire) == 0 && len(p.FailStale) == 0 &&
		len(p.ScheduleCleanup) == 0 && len(p.ExecuteCleanup) == 0 &&
		len(p.TombstoneInstances) == 0
}

// =============================================================================
// Decision Functions
// =============================================================================

// ShouldExpire reports whether a deployment's expiry is due.
func ShouldExpire(d domain.Deployment, now time.Time) bool {
	return d.Status.IsLive() && d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}

// ShouldFailStale reports whether an in-flight deployment has gone without an
// executor report for longer than the staleness window.
func ShouldFailStale(d domain.Deployment, now time.Time, window time.Duration) bool {
	if window <= 0 || !d.Status.IsInFlight() {
		return false
	}
	return now.Sub(d.UpdatedAt) >= window
}

// StaleFailureMessage is the error_message recorded on a stale deployment.
func StaleFailureMessage(window time.Duration) string {
	return fmt.Sprintf("no executor progress report within %s", window)
}

// ShouldScheduleCleanup reports whether an isolated sub-resource has been
// orphaned: its deployment group has no live deployments anymore. Shared
// sub-resources are only ever scheduled by an instance delete or an isolation
// mode change, never by group inactivity.
func ShouldScheduleCleanup(view SubResourceView, liveGroups map[GroupKey]bool) bool {
	if view.Isolation != domain.IsolationIsolated {
		return false
	}
	if view.InstanceState.IsDeletionState() {
		// Instance deletion already scheduled everything.
		return false
	}
	if view.Sub.CleanupScheduledAt != nil || view.Sub.State == domain.SubResourceTerminating {
		return false
	}
	return !liveGroups[GroupKey{Project: view.Project, Group: view.Sub.Name}]
}

// ShouldExecuteCleanup reports whether the grace window of a scheduled
// sub-resource has fully elapsed.
func ShouldExecuteCleanup(sub domain.SubResource, now time.Time, grace time.Duration) bool {
	return sub.CleanupDue(now, grace)
}

// =============================================================================
// Sweep Planning
// =============================================================================

// PlanSweep computes the complete action set for one reconciliation pass.
func PlanSweep(req SweepRequest) *SweepPlan {
	plan := &SweepPlan{}

	liveGroups := make(map[GroupKey]bool)
	for _, d := range req.Deployments {
		if !d.Status.IsLive() {
			continue
		}
		if ShouldExpire(d, req.Now) {
			plan.Expire = append(plan.Expire, d.ID)
			continue
		}
		if ShouldFailStale(d, req.Now, req.StalenessWindow) {
			plan.FailStale = append(plan.FailStale, StaleFailure{
				DeploymentID: d.ID,
				Message:      StaleFailureMessage(req.StalenessWindow),
			})
			continue
		}
		liveGroups[GroupKey{Project: d.Project, Group: d.Group}] = true
	}

	for _, view := range req.SubResources {
		key := SubResourceKey{InstanceID: view.Sub.InstanceID, Name: view.Sub.Name}
		if ShouldExecuteCleanup(view.Sub, req.Now, req.GracePeriod) {
			plan.ExecuteCleanup = append(plan.ExecuteCleanup, key)
			continue
		}
		if ShouldScheduleCleanup(view, liveGroups) {
			plan.ScheduleCleanup = append(plan.ScheduleCleanup, key)
		}
	}

	for instanceID, remaining := range req.DeletingInstances {
		if remaining == 0 {
			plan.TombstoneInstances = append(plan.TombstoneInstances, instanceID)
		}
	}

	return plan
}
