package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Status Classification Tests
// =============================================================================

func TestDeploymentStatus_Classification(t *testing.T) {
	tests := []struct {
		status   DeploymentStatus
		terminal bool
		inFlight bool
		servable bool
	}{
		{StatusPending, false, true, false},
		{StatusBuilding, false, true, false},
		{StatusPushing, false, true, false},
		{StatusPushed, false, true, false},
		{StatusDeploying, false, true, false},
		{StatusHealthy, false, false, true},
		{StatusUnhealthy, false, false, true},
		{StatusFailed, true, false, false},
		{StatusCancelled, true, false, false},
		{StatusStopped, true, false, false},
		{StatusSuperseded, true, false, false},
		{StatusExpired, true, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, !tt.terminal, tt.status.IsLive())
			assert.Equal(t, tt.inFlight, tt.status.IsInFlight())
			assert.Equal(t, tt.servable, tt.status.IsServable())
		})
	}
}

// =============================================================================
// Transition Table Tests
// =============================================================================

func TestValidateTransition_RolloutChain(t *testing.T) {
	chain := []DeploymentStatus{
		StatusPending, StatusBuilding, StatusPushing, StatusPushed, StatusDeploying, StatusHealthy,
	}
	for i := 0; i < len(chain)-1; i++ {
		assert.NoError(t, ValidateTransition(chain[i], chain[i+1]),
			"%s -> %s should be valid", chain[i], chain[i+1])
	}
}

func TestValidateTransition_SkippingStepsRejected(t *testing.T) {
	assert.ErrorIs(t, ValidateTransition(StatusPending, StatusPushed), ErrInvalidTransition)
	assert.ErrorIs(t, ValidateTransition(StatusBuilding, StatusHealthy), ErrInvalidTransition)
	assert.ErrorIs(t, ValidateTransition(StatusHealthy, StatusBuilding), ErrInvalidTransition)
}

func TestValidateTransition_UserActionsFromLiveStates(t *testing.T) {
	live := []DeploymentStatus{
		StatusPending, StatusBuilding, StatusPushing, StatusPushed,
		StatusDeploying, StatusHealthy, StatusUnhealthy,
	}
	for _, from := range live {
		assert.NoError(t, ValidateTransition(from, StatusCancelled), "cancel from %s", from)
		assert.NoError(t, ValidateTransition(from, StatusStopped), "stop from %s", from)
		assert.NoError(t, ValidateTransition(from, StatusExpired), "expire from %s", from)
	}
}

func TestValidateTransition_FailedOnlyFromInFlight(t *testing.T) {
	for _, from := range []DeploymentStatus{StatusPending, StatusBuilding, StatusPushing, StatusPushed, StatusDeploying} {
		assert.NoError(t, ValidateTransition(from, StatusFailed), "fail from %s", from)
	}
	assert.ErrorIs(t, ValidateTransition(StatusHealthy, StatusFailed), ErrInvalidTransition)
	assert.ErrorIs(t, ValidateTransition(StatusUnhealthy, StatusFailed), ErrInvalidTransition)
}

func TestValidateTransition_SupersededOnlyFromServable(t *testing.T) {
	assert.NoError(t, ValidateTransition(StatusHealthy, StatusSuperseded))
	assert.NoError(t, ValidateTransition(StatusUnhealthy, StatusSuperseded))
	assert.ErrorIs(t, ValidateTransition(StatusDeploying, StatusSuperseded), ErrInvalidTransition)
	assert.ErrorIs(t, ValidateTransition(StatusPending, StatusSuperseded), ErrInvalidTransition)
}

func TestValidateTransition_HealthFlapping(t *testing.T) {
	assert.NoError(t, ValidateTransition(StatusHealthy, StatusUnhealthy))
	assert.NoError(t, ValidateTransition(StatusUnhealthy, StatusHealthy))
}

func TestValidateTransition_TerminalStatesAreFinal(t *testing.T) {
	terminals := []DeploymentStatus{StatusFailed, StatusCancelled, StatusStopped, StatusSuperseded, StatusExpired}
	targets := []DeploymentStatus{StatusPending, StatusBuilding, StatusDeploying, StatusHealthy, StatusCancelled}
	for _, from := range terminals {
		for _, to := range targets {
			assert.ErrorIs(t, ValidateTransition(from, to), ErrAlreadyTerminal,
				"%s -> %s must report terminal", from, to)
		}
	}
}

// =============================================================================
// Deployment Entity Tests
// =============================================================================

func TestNewDeployment_Defaults(t *testing.T) {
	d := NewDeployment("p1", "", "registry.example.com/app:v1", ConfigSnapshot{}, "user:alice", nil)

	assert.NotEmpty(t, d.ID)
	assert.Equal(t, "p1", d.Project)
	assert.Equal(t, DefaultGroup, d.Group)
	assert.Equal(t, StatusPending, d.Status)
	assert.False(t, d.IsActive)
	assert.Nil(t, d.CompletedAt)
	assert.Equal(t, "user:alice", d.CreatedBy)
}

func TestDeployment_Transition_SetsCompletedAtOnHealthy(t *testing.T) {
	d := NewDeployment("p1", "web", "app:v1", ConfigSnapshot{}, "user:alice", nil)
	d.Status = StatusDeploying

	require.NoError(t, d.Transition(StatusHealthy))
	require.NotNil(t, d.CompletedAt)
	first := *d.CompletedAt

	// Flapping must not move the completion timestamp.
	require.NoError(t, d.Transition(StatusUnhealthy))
	require.NoError(t, d.Transition(StatusHealthy))
	assert.Equal(t, first, *d.CompletedAt)
}

func TestDeployment_Transition_ClearsErrorOnRecovery(t *testing.T) {
	d := NewDeployment("p1", "web", "app:v1", ConfigSnapshot{}, "user:alice", nil)
	d.Status = StatusUnhealthy
	d.ErrorMessage = "health check failing"

	require.NoError(t, d.Transition(StatusHealthy))
	assert.Empty(t, d.ErrorMessage)
}

func TestDeployment_Transition_TerminalClearsActive(t *testing.T) {
	d := NewDeployment("p1", "web", "app:v1", ConfigSnapshot{}, "user:alice", nil)
	d.Status = StatusHealthy
	d.IsActive = true

	require.NoError(t, d.Transition(StatusStopped))
	assert.False(t, d.IsActive)
	assert.NotNil(t, d.CompletedAt)
}

func TestDeployment_CloneForRollback(t *testing.T) {
	snapshot := ConfigSnapshot{
		Env:     map[string]string{"DATABASE_URL": "postgres://db"},
		Routing: RoutingConfig{Host: "app.example.com", Port: 8080},
	}
	src := NewDeployment("p1", "web", "app:v1", snapshot, "user:alice", nil)
	src.ImageDigest = "sha256:abc123"
	src.Status = StatusSuperseded

	clone := src.CloneForRollback("user:bob")

	assert.NotEqual(t, src.ID, clone.ID)
	assert.Equal(t, StatusPending, clone.Status)
	assert.Equal(t, src.Image, clone.Image)
	assert.Equal(t, src.ImageDigest, clone.ImageDigest)
	assert.Equal(t, src.ConfigSnapshot.Env, clone.ConfigSnapshot.Env)
	assert.Equal(t, src.ConfigSnapshot.Routing, clone.ConfigSnapshot.Routing)
	assert.Equal(t, "user:bob", clone.CreatedBy)
	assert.False(t, clone.IsActive)

	// The source is never mutated.
	assert.Equal(t, StatusSuperseded, src.Status)

	// The copied snapshot is independent.
	clone.ConfigSnapshot.Env["DATABASE_URL"] = "postgres://other"
	assert.Equal(t, "postgres://db", src.ConfigSnapshot.Env["DATABASE_URL"])
}

func TestDeployment_CanRollback(t *testing.T) {
	d := NewDeployment("p1", "web", "app:v1", ConfigSnapshot{}, "user:alice", nil)

	for status, want := range map[DeploymentStatus]bool{
		StatusHealthy:    true,
		StatusSuperseded: true,
		StatusUnhealthy:  false,
		StatusPending:    false,
		StatusFailed:     false,
		StatusStopped:    false,
	} {
		d.Status = status
		assert.Equal(t, want, d.CanRollback(), "status %s", status)
	}
}

// =============================================================================
// Activation Planning Tests
// =============================================================================

func TestIsActivationStatus(t *testing.T) {
	assert.True(t, IsActivationStatus(StatusDeploying))
	assert.True(t, IsActivationStatus(StatusHealthy))
	assert.False(t, IsActivationStatus(StatusPushed))
	assert.False(t, IsActivationStatus(StatusUnhealthy))
}

func TestPlanActivation_NoCurrentActive(t *testing.T) {
	target := NewDeployment("p1", "web", "app:v2", ConfigSnapshot{}, "user:alice", nil)
	assert.Equal(t, ActivationProceed, PlanActivation(target, nil))
}

func TestPlanActivation_SelfReactivation(t *testing.T) {
	target := NewDeployment("p1", "web", "app:v2", ConfigSnapshot{}, "user:alice", nil)
	assert.Equal(t, ActivationProceed, PlanActivation(target, target))
}

func TestPlanActivation_SupersedesServablePrevious(t *testing.T) {
	prev := NewDeployment("p1", "web", "app:v1", ConfigSnapshot{}, "user:alice", nil)
	prev.CreatedAt = time.Now().UTC().Add(-time.Hour)
	prev.Status = StatusHealthy

	target := NewDeployment("p1", "web", "app:v2", ConfigSnapshot{}, "user:alice", nil)

	assert.Equal(t, ActivationSupersede, PlanActivation(target, prev))

	prev.Status = StatusUnhealthy
	assert.Equal(t, ActivationSupersede, PlanActivation(target, prev))
}

func TestPlanActivation_CancelsMidRolloutPrevious(t *testing.T) {
	prev := NewDeployment("p1", "web", "app:v1", ConfigSnapshot{}, "user:alice", nil)
	prev.CreatedAt = time.Now().UTC().Add(-time.Hour)
	prev.Status = StatusDeploying

	target := NewDeployment("p1", "web", "app:v2", ConfigSnapshot{}, "user:alice", nil)

	assert.Equal(t, ActivationCancelPrevious, PlanActivation(target, prev))
}

func TestPlanActivation_OlderTargetYields(t *testing.T) {
	target := NewDeployment("p1", "web", "app:v1", ConfigSnapshot{}, "user:alice", nil)
	target.CreatedAt = time.Now().UTC().Add(-time.Hour)

	newerActive := NewDeployment("p1", "web", "app:v2", ConfigSnapshot{}, "user:alice", nil)
	newerActive.Status = StatusHealthy

	assert.Equal(t, ActivationYield, PlanActivation(target, newerActive))
}
