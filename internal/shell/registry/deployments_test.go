package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-dev/slipway/internal/core/domain"
	"github.com/slipway-dev/slipway/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupDeploymentRegistry(t *testing.T) (*DeploymentRegistry, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	return NewDeploymentRegistry(s, nil, DefaultDeploymentConfig(), nil), s
}

func testSnapshot() domain.ConfigSnapshot {
	return domain.ConfigSnapshot{
		Env: map[string]string{"LOG_LEVEL": "debug"},
		Routing: domain.RoutingConfig{
			Host: "app.example.com",
			Port: 8080,
		},
	}
}

func testCreateRequest(project, group string) CreateRequest {
	return CreateRequest{
		Project:   project,
		Group:     group,
		Image:     "registry.example.com/app:v1",
		Snapshot:  testSnapshot(),
		CreatedBy: "user-1",
	}
}

func mustCreate(t *testing.T, r *DeploymentRegistry, project, group string) *domain.Deployment {
	t.Helper()
	deployment, err := r.Create(context.Background(), testCreateRequest(project, group))
	require.NoError(t, err)
	return deployment
}

// advanceTo drives a deployment through the given statuses in order.
func advanceTo(t *testing.T, r *DeploymentRegistry, id string, statuses ...domain.DeploymentStatus) *domain.Deployment {
	t.Helper()
	var deployment *domain.Deployment
	var err error
	for _, status := range statuses {
		deployment, err = r.AdvanceStatus(context.Background(), id, StatusReport{Status: status, Actor: "executor"})
		require.NoError(t, err)
	}
	return deployment
}

// recordingProvisioner captures EnsureGroupResources calls.
type recordingProvisioner struct {
	calls []string
	err   error
}

func (p *recordingProvisioner) EnsureGroupResources(ctx context.Context, s store.Store, project, group string) error {
	p.calls = append(p.calls, project+"/"+group)
	return p.err
}

// =============================================================================
// Create Tests
// =============================================================================

func TestCreate_Defaults(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)

	deployment, err := r.Create(context.Background(), testCreateRequest("acme", ""))
	require.NoError(t, err)

	assert.NotEmpty(t, deployment.ID)
	assert.Equal(t, "acme", deployment.Project)
	assert.Equal(t, domain.DefaultGroup, deployment.Group)
	assert.Equal(t, domain.StatusPending, deployment.Status)
	assert.False(t, deployment.IsActive)
	assert.Equal(t, "debug", deployment.ConfigSnapshot.Env["LOG_LEVEL"])

	retrieved, err := r.Get(context.Background(), deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, deployment.ID, retrieved.ID)
}

func TestCreate_ValidationError(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)

	_, err := r.Create(context.Background(), CreateRequest{Project: "", Group: "default", Image: "app:v1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "project", verr.Field)
}

func TestCreate_QuotaExceeded(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	r := NewDeploymentRegistry(s, nil, DeploymentConfig{MaxLiveDeployments: 2}, nil)

	mustCreate(t, r, "acme", "a")
	second := mustCreate(t, r, "acme", "b")

	_, err = r.Create(context.Background(), testCreateRequest("acme", "c"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))

	// Terminal deployments stop counting against the quota.
	_, err = r.Stop(context.Background(), second.ID, "user-1")
	require.NoError(t, err)

	_, err = r.Create(context.Background(), testCreateRequest("acme", "c"))
	require.NoError(t, err)
}

func TestCreate_ProvisionsGroupResources(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	provisioner := &recordingProvisioner{}
	r := NewDeploymentRegistry(s, provisioner, DefaultDeploymentConfig(), nil)

	mustCreate(t, r, "acme", "staging")

	assert.Equal(t, []string{"acme/staging"}, provisioner.calls)
}

func TestCreate_ProvisionerFailureRollsBack(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	provisioner := &recordingProvisioner{err: errors.New("provisioning failed")}
	r := NewDeploymentRegistry(s, provisioner, DefaultDeploymentConfig(), nil)

	_, err = r.Create(context.Background(), testCreateRequest("acme", "staging"))
	require.Error(t, err)

	deployments, err := s.ListDeployments(context.Background(), "acme", store.DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, deployments)
}

// =============================================================================
// AdvanceStatus Tests
// =============================================================================

func TestAdvanceStatus_HappyPath(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	ctx := context.Background()
	deployment := mustCreate(t, r, "acme", "production")

	advanceTo(t, r, deployment.ID, domain.StatusBuilding, domain.StatusPushing)

	pushed, err := r.AdvanceStatus(ctx, deployment.ID, StatusReport{
		Status:      domain.StatusPushed,
		ImageDigest: "sha256:abc123",
		Actor:       "builder",
	})
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc123", pushed.ImageDigest)
	assert.False(t, pushed.IsActive)

	deploying := advanceTo(t, r, deployment.ID, domain.StatusDeploying)
	assert.True(t, deploying.IsActive)

	active, err := r.Active(ctx, "acme", "production")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, deployment.ID, active.ID)

	healthy := advanceTo(t, r, deployment.ID, domain.StatusHealthy)
	assert.Equal(t, domain.StatusHealthy, healthy.Status)
	assert.True(t, healthy.IsActive)
	require.NotNil(t, healthy.CompletedAt)
	assert.Empty(t, healthy.ErrorMessage)
}

func TestAdvanceStatus_InvalidTransition(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	deployment := mustCreate(t, r, "acme", "production")

	_, err := r.AdvanceStatus(context.Background(), deployment.ID, StatusReport{Status: domain.StatusPushed})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	// Nothing was written.
	retrieved, err := r.Get(context.Background(), deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, retrieved.Status)
}

func TestAdvanceStatus_AlreadyTerminal(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	deployment := mustCreate(t, r, "acme", "production")

	_, err := r.Stop(context.Background(), deployment.ID, "user-1")
	require.NoError(t, err)

	_, err = r.AdvanceStatus(context.Background(), deployment.ID, StatusReport{Status: domain.StatusBuilding})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAlreadyTerminal))
}

func TestAdvanceStatus_SameStatusIdempotent(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	ctx := context.Background()
	deployment := mustCreate(t, r, "acme", "production")

	advanceTo(t, r, deployment.ID, domain.StatusBuilding)

	repeated, err := r.AdvanceStatus(ctx, deployment.ID, StatusReport{Status: domain.StatusBuilding})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBuilding, repeated.Status)

	// The repeated report records no second audit row.
	transitions, err := r.Transitions(ctx, deployment.ID, store.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, domain.StatusPending, transitions[0].From)
	assert.Equal(t, domain.StatusBuilding, transitions[0].To)
}

func TestAdvanceStatus_ErrorMessageStored(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	deployment := mustCreate(t, r, "acme", "production")

	advanceTo(t, r, deployment.ID, domain.StatusBuilding)
	failed, err := r.AdvanceStatus(context.Background(), deployment.ID, StatusReport{
		Status:       domain.StatusFailed,
		ErrorMessage: "image build exited 1",
		Actor:        "builder",
	})
	require.NoError(t, err)
	assert.Equal(t, "image build exited 1", failed.ErrorMessage)
	require.NotNil(t, failed.CompletedAt)
}

func TestAdvanceStatus_ActivationSupersedesHealthy(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	ctx := context.Background()

	first := mustCreate(t, r, "acme", "production")
	advanceTo(t, r, first.ID, domain.StatusBuilding, domain.StatusPushing, domain.StatusPushed, domain.StatusDeploying, domain.StatusHealthy)

	time.Sleep(5 * time.Millisecond)
	second := mustCreate(t, r, "acme", "production")
	advanceTo(t, r, second.ID, domain.StatusBuilding, domain.StatusPushing, domain.StatusPushed, domain.StatusDeploying)

	demoted, err := r.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuperseded, demoted.Status)
	assert.False(t, demoted.IsActive)

	active, err := r.Active(ctx, "acme", "production")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)

	transitions, err := r.Transitions(ctx, first.ID, store.DefaultListOptions())
	require.NoError(t, err)
	last := transitions[len(transitions)-1]
	assert.Equal(t, domain.StatusSuperseded, last.To)
	assert.Equal(t, "superseded by "+second.ID, last.Detail)
}

func TestAdvanceStatus_ActivationCancelsMidRollout(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	ctx := context.Background()

	first := mustCreate(t, r, "acme", "production")
	advanceTo(t, r, first.ID, domain.StatusBuilding, domain.StatusPushing, domain.StatusPushed, domain.StatusDeploying)

	time.Sleep(5 * time.Millisecond)
	second := mustCreate(t, r, "acme", "production")
	advanceTo(t, r, second.ID, domain.StatusBuilding, domain.StatusPushing, domain.StatusPushed, domain.StatusDeploying)

	cancelled, err := r.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.False(t, cancelled.IsActive)

	active, err := r.Active(ctx, "acme", "production")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)
}

func TestAdvanceStatus_ConcurrentActivationKeepsOneActive(t *testing.T) {
	r, s := setupDeploymentRegistry(t)
	ctx := context.Background()

	const rollouts = 8
	ids := make([]string, 0, rollouts)
	for i := 0; i < rollouts; i++ {
		deployment := mustCreate(t, r, "acme", "production")
		advanceTo(t, r, deployment.ID, domain.StatusBuilding, domain.StatusPushing, domain.StatusPushed)
		ids = append(ids, deployment.ID)
		time.Sleep(5 * time.Millisecond)
	}

	// Every executor reports Deploying at once. Whatever the interleaving,
	// each report either activates, demotes a predecessor, or yields; none
	// may fail, and the group must end with exactly one active deployment.
	var wg sync.WaitGroup
	errs := make(chan error, rollouts)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := r.AdvanceStatus(ctx, id, StatusReport{Status: domain.StatusDeploying, Actor: "executor"})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := s.ListDeployments(ctx, "acme", store.ListOptions{Limit: rollouts * 2})
	require.NoError(t, err)
	activeCount := 0
	for _, d := range all {
		if d.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)

	// The newest deployment wins regardless of report order.
	active, err := r.Active(ctx, "acme", "production")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, ids[len(ids)-1], active.ID)
}

func TestAdvanceStatus_YieldToNewer(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	ctx := context.Background()

	older := mustCreate(t, r, "acme", "production")
	time.Sleep(5 * time.Millisecond)
	newer := mustCreate(t, r, "acme", "production")

	advanceTo(t, r, older.ID, domain.StatusBuilding, domain.StatusPushing, domain.StatusPushed)
	advanceTo(t, r, newer.ID, domain.StatusBuilding, domain.StatusPushing, domain.StatusPushed, domain.StatusDeploying)

	// The older deployment's activation report lost the race: it succeeds
	// without transitioning or demoting anything.
	result, err := r.AdvanceStatus(ctx, older.ID, StatusReport{Status: domain.StatusDeploying, Actor: "executor"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPushed, result.Status)
	assert.False(t, result.IsActive)

	active, err := r.Active(ctx, "acme", "production")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, newer.ID, active.ID)
	assert.Equal(t, domain.StatusDeploying, active.Status)

	// No audit row was recorded for the losing report.
	transitions, err := r.Transitions(ctx, older.ID, store.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	assert.Equal(t, domain.StatusPushed, transitions[len(transitions)-1].To)
}

// =============================================================================
// Stop Tests
// =============================================================================

func TestStop_FromHealthy(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	ctx := context.Background()
	deployment := mustCreate(t, r, "acme", "production")
	advanceTo(t, r, deployment.ID, domain.StatusBuilding, domain.StatusPushing, domain.StatusPushed, domain.StatusDeploying, domain.StatusHealthy)

	stopped, err := r.Stop(ctx, deployment.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, stopped.Status)
	assert.False(t, stopped.IsActive)

	active, err := r.Active(ctx, "acme", "production")
	require.NoError(t, err)
	assert.Nil(t, active)

	transitions, err := r.Transitions(ctx, deployment.ID, store.DefaultListOptions())
	require.NoError(t, err)
	last := transitions[len(transitions)-1]
	assert.Equal(t, domain.StatusStopped, last.To)
	assert.Equal(t, "user-1", last.Actor)
}

func TestStop_AlreadyTerminal(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	deployment := mustCreate(t, r, "acme", "production")

	_, err := r.Stop(context.Background(), deployment.ID, "user-1")
	require.NoError(t, err)

	_, err = r.Stop(context.Background(), deployment.ID, "user-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAlreadyTerminal))
}

// =============================================================================
// Rollback Tests
// =============================================================================

func TestRollback_FromSuperseded(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	ctx := context.Background()

	first := mustCreate(t, r, "acme", "production")
	advanceTo(t, r, first.ID, domain.StatusBuilding, domain.StatusPushing)
	_, err := r.AdvanceStatus(ctx, first.ID, StatusReport{Status: domain.StatusPushed, ImageDigest: "sha256:v1"})
	require.NoError(t, err)
	advanceTo(t, r, first.ID, domain.StatusDeploying, domain.StatusHealthy)

	time.Sleep(5 * time.Millisecond)
	second := mustCreate(t, r, "acme", "production")
	advanceTo(t, r, second.ID, domain.StatusBuilding, domain.StatusPushing, domain.StatusPushed, domain.StatusDeploying, domain.StatusHealthy)

	clone, err := r.Rollback(ctx, first.ID, "user-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, clone.ID)
	assert.Equal(t, domain.StatusPending, clone.Status)
	assert.Equal(t, first.Image, clone.Image)
	assert.Equal(t, "sha256:v1", clone.ImageDigest)
	assert.Equal(t, "user-2", clone.CreatedBy)
	assert.Equal(t, "debug", clone.ConfigSnapshot.Env["LOG_LEVEL"])
	assert.False(t, clone.IsActive)

	// The rollback source is never mutated.
	source, err := r.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuperseded, source.Status)
}

func TestRollback_FromHealthyIsRedeploy(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	ctx := context.Background()
	deployment := mustCreate(t, r, "acme", "production")
	advanceTo(t, r, deployment.ID, domain.StatusBuilding, domain.StatusPushing, domain.StatusPushed, domain.StatusDeploying, domain.StatusHealthy)

	clone, err := r.Rollback(ctx, deployment.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, clone.Status)
	assert.Equal(t, deployment.Image, clone.Image)
}

func TestRollback_SameSourceTwice(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	ctx := context.Background()
	deployment := mustCreate(t, r, "acme", "production")
	advanceTo(t, r, deployment.ID, domain.StatusBuilding, domain.StatusPushing, domain.StatusPushed, domain.StatusDeploying, domain.StatusHealthy)

	first, err := r.Rollback(ctx, deployment.ID, "user-1")
	require.NoError(t, err)
	second, err := r.Rollback(ctx, deployment.ID, "user-2")
	require.NoError(t, err)

	// Each rollback is an independent clone of the same pinned source.
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, deployment.Image, first.Image)
	assert.Equal(t, deployment.Image, second.Image)
	assert.Equal(t, domain.StatusPending, first.Status)
	assert.Equal(t, domain.StatusPending, second.Status)

	source, err := r.Get(ctx, deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusHealthy, source.Status)
	assert.True(t, source.IsActive)
}

func TestRollback_InvalidSource(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	deployment := mustCreate(t, r, "acme", "production")

	_, err := r.Rollback(context.Background(), deployment.ID, "user-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRollbackSource))
}

// =============================================================================
// Build Log Tests
// =============================================================================

func TestSetBuildLogs_WriteOnce(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	ctx := context.Background()
	deployment := mustCreate(t, r, "acme", "production")
	advanceTo(t, r, deployment.ID, domain.StatusBuilding, domain.StatusPushing, domain.StatusPushed)

	updated, err := r.SetBuildLogs(ctx, deployment.ID, "step 1/4 ok\nstep 2/4 ok")
	require.NoError(t, err)
	assert.Equal(t, "step 1/4 ok\nstep 2/4 ok", updated.BuildLogs)

	_, err = r.SetBuildLogs(ctx, deployment.ID, "second write")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBuildLogsAlreadySet))

	retrieved, err := r.Get(ctx, deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, "step 1/4 ok\nstep 2/4 ok", retrieved.BuildLogs)
}

func TestSetBuildLogs_TooEarly(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	deployment := mustCreate(t, r, "acme", "production")
	advanceTo(t, r, deployment.ID, domain.StatusBuilding)

	_, err := r.SetBuildLogs(context.Background(), deployment.ID, "partial output")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBuildLogsTooEarly))
}

func TestSetBuildLogs_Empty(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	deployment := mustCreate(t, r, "acme", "production")

	_, err := r.SetBuildLogs(context.Background(), deployment.ID, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestSetBuildLogs_AllowedAfterFailure(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	ctx := context.Background()
	deployment := mustCreate(t, r, "acme", "production")
	advanceTo(t, r, deployment.ID, domain.StatusBuilding)
	_, err := r.AdvanceStatus(ctx, deployment.ID, StatusReport{Status: domain.StatusFailed, ErrorMessage: "build exited 1"})
	require.NoError(t, err)

	// Failure output arrives after the terminal transition.
	updated, err := r.SetBuildLogs(ctx, deployment.ID, "gcc: error: missing header")
	require.NoError(t, err)
	assert.Equal(t, "gcc: error: missing header", updated.BuildLogs)
}

// =============================================================================
// Query Tests
// =============================================================================

func TestActive_NoneReturnsNil(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	mustCreate(t, r, "acme", "production")

	active, err := r.Active(context.Background(), "acme", "production")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestTransitions_RecordsAudit(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	ctx := context.Background()
	deployment := mustCreate(t, r, "acme", "production")
	advanceTo(t, r, deployment.ID, domain.StatusBuilding, domain.StatusPushing, domain.StatusPushed, domain.StatusDeploying, domain.StatusHealthy)

	transitions, err := r.Transitions(ctx, deployment.ID, store.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, transitions, 5)

	want := []domain.DeploymentStatus{
		domain.StatusBuilding,
		domain.StatusPushing,
		domain.StatusPushed,
		domain.StatusDeploying,
		domain.StatusHealthy,
	}
	for i, transition := range transitions {
		assert.Equal(t, want[i], transition.To)
		assert.Equal(t, "executor", transition.Actor)
	}
}

func TestTransitions_UnknownDeployment(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)

	_, err := r.Transitions(context.Background(), "no-such-id", store.DefaultListOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestList_GroupFilter(t *testing.T) {
	r, _ := setupDeploymentRegistry(t)
	ctx := context.Background()

	mustCreate(t, r, "acme", "staging")
	time.Sleep(5 * time.Millisecond)
	production := mustCreate(t, r, "acme", "production")
	mustCreate(t, r, "other", "staging")

	staging, err := r.List(ctx, "acme", "staging", store.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, staging, 1)
	assert.Equal(t, "staging", staging[0].Group)

	all, err := r.List(ctx, "acme", "", store.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, production.ID, all[0].ID)
}
