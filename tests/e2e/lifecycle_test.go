package e2e

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Deployment Lifecycle
// =============================================================================

// TestE2E_RolloutSupersedeRollback walks the full promotion story: a first
// rollout takes the active slot, a second one supersedes it, and a rollback
// clones the first deployment's pinned image into a fresh rollout.
func TestE2E_RolloutSupersedeRollback(t *testing.T) {
	project := "lifecycle-uat"

	// First rollout takes the active slot.
	d1 := CreateDeployment(t, project, "", "registry.example.com/app:v1")
	require.Equal(t, "Pending", d1.Status)

	result := DriveToHealthy(t, d1.ID)
	assert.True(t, result.IsActive)

	active := ActiveDeployment(t, project, "default")
	assert.Equal(t, d1.ID, active.ID)

	// Second rollout supersedes the first.
	d2 := CreateDeployment(t, project, "", "registry.example.com/app:v2")
	DriveToHealthy(t, d2.ID)

	demoted := GetDeployment(t, d1.ID)
	assert.Equal(t, "Superseded", demoted.Status)
	assert.False(t, demoted.IsActive)

	active = ActiveDeployment(t, project, "default")
	assert.Equal(t, d2.ID, active.ID)

	// Rollback clones d1's pinned config into a fresh pending rollout
	// without touching d1 itself.
	d3 := RollbackDeployment(t, d1.ID)
	assert.NotEqual(t, d1.ID, d3.ID)
	assert.Equal(t, "registry.example.com/app:v1", d3.Image)
	assert.Equal(t, "Pending", d3.Status)
	assert.Equal(t, "user:e2e", d3.CreatedBy)

	unchanged := GetDeployment(t, d1.ID)
	assert.Equal(t, "Superseded", unchanged.Status)

	// Driving the rollback home demotes d2 in turn.
	DriveToHealthy(t, d3.ID)

	active = ActiveDeployment(t, project, "default")
	assert.Equal(t, d3.ID, active.ID)
	assert.Equal(t, "Superseded", GetDeployment(t, d2.ID).Status)

	t.Log("PASS: Rollout, supersede and rollback completed successfully")
}

// TestE2E_TransitionAuditTrail verifies every status change lands in the
// transition log with the reporting actor attached.
func TestE2E_TransitionAuditTrail(t *testing.T) {
	d := CreateDeployment(t, "lifecycle-audit", "", "registry.example.com/app:v1")
	DriveToHealthy(t, d.ID)

	transitions := ListTransitions(t, d.ID)
	require.Len(t, transitions, 5)

	assert.Equal(t, "Pending", transitions[0].From)
	assert.Equal(t, "Building", transitions[0].To)
	assert.Equal(t, "Healthy", transitions[len(transitions)-1].To)
	for _, tr := range transitions {
		assert.Equal(t, d.ID, tr.DeploymentID)
		assert.Equal(t, "system:executor", tr.Actor)
	}

	t.Log("PASS: Transition audit trail recorded")
}

// TestE2E_StopVacatesActiveSlot verifies stopping the active deployment
// frees its group's active slot.
func TestE2E_StopVacatesActiveSlot(t *testing.T) {
	project := "lifecycle-stop"

	d := CreateDeployment(t, project, "", "registry.example.com/app:v1")
	DriveToHealthy(t, d.ID)

	stopped := StopDeployment(t, d.ID)
	assert.Equal(t, "Stopped", stopped.Status)
	assert.False(t, stopped.IsActive)

	resp := doJSONAPIRequest(t, "GET",
		baseURL+"/api/v1/deployments/active?project="+project+"&group=default", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	t.Log("PASS: Stop vacated the active slot")
}

// TestE2E_GroupsRollIndependently verifies deployment groups of one project
// hold separate active slots.
func TestE2E_GroupsRollIndependently(t *testing.T) {
	project := "lifecycle-groups"

	apiDep := CreateDeployment(t, project, "api", "registry.example.com/api:v1")
	webDep := CreateDeployment(t, project, "web", "registry.example.com/web:v1")

	DriveToHealthy(t, apiDep.ID)
	DriveToHealthy(t, webDep.ID)

	assert.Equal(t, apiDep.ID, ActiveDeployment(t, project, "api").ID)
	assert.Equal(t, webDep.ID, ActiveDeployment(t, project, "web").ID)

	// Neither rollout demoted the other.
	assert.Equal(t, "Healthy", GetDeployment(t, apiDep.ID).Status)
	assert.Equal(t, "Healthy", GetDeployment(t, webDep.ID).Status)

	t.Log("PASS: Groups rolled independently")
}

// TestE2E_InvalidTransitionRejected verifies the callback plane refuses
// status jumps the lifecycle does not allow.
func TestE2E_InvalidTransitionRejected(t *testing.T) {
	d := CreateDeployment(t, "lifecycle-invalid", "", "registry.example.com/app:v1")

	// Healthy straight from Pending skips the whole rollout.
	resp := ReportStatusExpectError(t, d.ID, "Healthy")
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The deployment is untouched.
	assert.Equal(t, "Pending", GetDeployment(t, d.ID).Status)
}

// TestE2E_TerminalDeploymentRefusesReports verifies settled deployments
// accept no further status reports.
func TestE2E_TerminalDeploymentRefusesReports(t *testing.T) {
	d := CreateDeployment(t, "lifecycle-terminal", "", "registry.example.com/app:v1")
	ReportStatus(t, d.ID, "Building")
	ReportStatus(t, d.ID, "Failed")

	resp := ReportStatusExpectError(t, d.ID, "Building")
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	assert.Equal(t, "Failed", GetDeployment(t, d.ID).Status)
}
