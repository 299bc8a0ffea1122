package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/slipway-dev/slipway/internal/core/domain"
	"github.com/slipway-dev/slipway/internal/shell/provision"
	"github.com/slipway-dev/slipway/internal/shell/registry"
	"github.com/slipway-dev/slipway/internal/shell/store"
)

// ProvisionerConfig configures the provisioner worker.
type ProvisionerConfig struct {
	// Interval is the time between provisioning cycles.
	// Default: 10 seconds.
	Interval time.Duration

	// MaxConcurrent is the maximum number of sub-resources advanced
	// concurrently. Default: 4.
	MaxConcurrent int

	// BatchLimit caps how many sub-resources one cycle picks up.
	// Default: 50.
	BatchLimit int
}

// DefaultProvisionerConfig returns the default configuration.
func DefaultProvisionerConfig() ProvisionerConfig {
	return ProvisionerConfig{
		Interval:      10 * time.Second,
		MaxConcurrent: 4,
		BatchLimit:    50,
	}
}

// Provisioner advances provisioning sub-resources toward Available: it
// creates the backing database, creates the owning role, and stores the
// resulting credentials. All progress flows through the extension registry's
// report path, the same one external provisioners use, so monotonic state
// validation and credential encryption apply identically.
type Provisioner struct {
	store      store.Store
	extensions *registry.ExtensionRegistry
	driver     provision.Driver
	config     ProvisionerConfig
	logger     *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProvisioner creates a new provisioner worker.
func NewProvisioner(
	s store.Store,
	extensions *registry.ExtensionRegistry,
	driver provision.Driver,
	config ProvisionerConfig,
	logger *slog.Logger,
) *Provisioner {
	if config.Interval == 0 {
		config.Interval = 10 * time.Second
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 4
	}
	if config.BatchLimit == 0 {
		config.BatchLimit = 50
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Provisioner{
		store:      s,
		extensions: extensions,
		driver:     driver,
		config:     config,
		logger:     logger.With("component", "provisioner"),
	}
}

// Start begins the provisioner background goroutine.
func (p *Provisioner) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.run()
	p.logger.Info("provisioner started",
		"driver", p.driver.Name(),
		"interval", p.config.Interval,
		"max_concurrent", p.config.MaxConcurrent,
	)
}

// Stop gracefully stops the provisioner. It waits for in-progress
// sub-resources to finish their current step.
func (p *Provisioner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("provisioner stopped")
}

func (p *Provisioner) run() {
	defer p.wg.Done()

	// Run immediately on start
	p.runCycle(p.ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runCycle(p.ctx)
		}
	}
}

// ProvisionNow runs a single provisioning cycle immediately. Useful after an
// extension is enabled and in tests.
func (p *Provisioner) ProvisionNow(ctx context.Context) {
	p.runCycle(ctx)
}

func (p *Provisioner) runCycle(ctx context.Context) {
	// Dedicated servers take minutes to boot; give each cycle room.
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	subs, err := p.store.ListProvisioningSubResources(ctx, p.config.BatchLimit)
	if err != nil {
		p.logger.Error("failed to list provisioning sub-resources", "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	p.logger.Debug("advancing sub-resources", "count", len(subs))

	sem := make(chan struct{}, p.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i := range subs {
		sub := subs[i]
		wg.Add(1)
		go func(sub domain.SubResource) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}
			p.advanceSubResource(ctx, sub)
		}(sub)
	}

	wg.Wait()
}

// advanceSubResource walks one sub-resource as far toward Available as the
// backend allows in this cycle. Each step reports before acting so observers
// see the phase underway, and failures are recorded on the row and retried
// next cycle.
func (p *Provisioner) advanceSubResource(ctx context.Context, sub domain.SubResource) {
	instance, err := p.store.GetExtensionInstanceByID(ctx, sub.InstanceID)
	if err != nil {
		p.logger.Error("failed to resolve owning instance",
			"instance_id", sub.InstanceID,
			"sub_resource", sub.Name,
			"error", err)
		return
	}
	if instance.State.IsDeletionState() {
		p.logger.Debug("skipping sub-resource of deleting instance",
			"project", instance.Project,
			"instance", instance.Name,
			"sub_resource", sub.Name)
		return
	}

	logger := p.logger.With(
		"project", instance.Project,
		"instance", instance.Name,
		"sub_resource", sub.Name,
	)

	target := provision.Target{
		Project:     instance.Project,
		Instance:    instance.Name,
		SubResource: sub.Name,
		SubID:       sub.ID,
	}

	state := sub.State

	if state == domain.SubResourcePending {
		if !p.report(ctx, instance, sub.Name, registry.SubResourceReport{State: domain.SubResourceCreatingDatabase}, logger) {
			return
		}
		state = domain.SubResourceCreatingDatabase
	}

	if state == domain.SubResourceCreatingDatabase {
		if err := p.driver.EnsureDatabase(ctx, target); err != nil {
			p.recordFailure(ctx, instance, sub.Name, state, err, logger)
			return
		}
		if !p.report(ctx, instance, sub.Name, registry.SubResourceReport{State: domain.SubResourceCreatingUser}, logger) {
			return
		}
		state = domain.SubResourceCreatingUser
	}

	if state == domain.SubResourceCreatingUser {
		creds, err := p.driver.EnsureUser(ctx, target)
		if err != nil {
			if errors.Is(err, provision.ErrNotReady) {
				logger.Debug("backing resource not ready yet", "error", err)
				return
			}
			p.recordFailure(ctx, instance, sub.Name, state, err, logger)
			return
		}
		if !p.report(ctx, instance, sub.Name, registry.SubResourceReport{
			State:       domain.SubResourceAvailable,
			Credentials: creds,
		}, logger) {
			return
		}
		logger.Info("sub-resource provisioned", "driver", p.driver.Name())
	}
}

// report applies one progress report through the registry. A stale report
// means another provisioner already moved the row further; that ends this
// worker's involvement without error.
func (p *Provisioner) report(ctx context.Context, instance *domain.ExtensionInstance, subName string, report registry.SubResourceReport, logger *slog.Logger) bool {
	_, err := p.extensions.ReportSubResourceStatus(ctx, instance.Project, instance.Type, instance.Name, subName, report)
	if err != nil {
		if errors.Is(err, domain.ErrStaleReport) {
			logger.Debug("progress already reported elsewhere", "state", report.State)
			return false
		}
		logger.Error("failed to report sub-resource progress", "state", report.State, "error", err)
		return false
	}
	return true
}

// recordFailure stores the step error on the row without moving its state, so
// the instance surfaces Failed and the next cycle retries the same step.
func (p *Provisioner) recordFailure(ctx context.Context, instance *domain.ExtensionInstance, subName string, state domain.SubResourceState, stepErr error, logger *slog.Logger) {
	logger.Warn("provisioning step failed, will retry", "state", state, "error", stepErr)
	p.report(ctx, instance, subName, registry.SubResourceReport{
		State:        state,
		ErrorMessage: stepErr.Error(),
	}, logger)
}
