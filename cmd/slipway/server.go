package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/slipway-dev/slipway/internal/core/crypto"
	"github.com/slipway-dev/slipway/internal/shell/api"
	"github.com/slipway-dev/slipway/internal/shell/callback"
	"github.com/slipway-dev/slipway/internal/shell/logstream"
	"github.com/slipway-dev/slipway/internal/shell/provision"
	"github.com/slipway-dev/slipway/internal/shell/registry"
	"github.com/slipway-dev/slipway/internal/shell/store"
	"github.com/slipway-dev/slipway/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitProvisionError  = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server wires the lifecycle engine: the store, the registries, the log hub,
// the background workers and the two HTTP listeners.
type Server struct {
	config         *Config
	publicServer   *http.Server
	internalServer *http.Server
	store          store.Store
	hub            *logstream.Hub
	reconciler     *workers.Reconciler
	provisioner    *workers.Provisioner
	logger         *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	if cfg.Credentials.Passphrase == "" {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      errors.New("credentials.passphrase is required; set SLIPWAY_CREDENTIALS_PASSPHRASE"),
			ExitCode: ExitConfigError,
		}
	}

	// Connect to database
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	key := crypto.DeriveKey(cfg.Credentials.Passphrase, []byte(cfg.Credentials.Salt))

	extensions := registry.NewExtensionRegistry(s, key, logger)
	deployments := registry.NewDeploymentRegistry(s, extensions, registry.DeploymentConfig{
		MaxLiveDeployments: cfg.Deployments.MaxLivePerProject,
	}, logger)

	hub := logstream.NewHub(logstream.Config{
		MaxLinesPerDeployment: cfg.Logs.MaxLinesPerDeployment,
		FollowBuffer:          cfg.Logs.FollowBuffer,
	}, logger)
	deployments.SetTerminalNotifier(hub)

	// Provisioning driver shared by the provisioner worker and the cleanup
	// sweep.
	driver, err := provision.NewDriver(cfg.Provision, logger)
	if err != nil {
		s.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitProvisionError,
		}
	}

	reconciler := workers.NewReconciler(s, deployments, driver, workers.ReconcilerConfig{
		Interval:        cfg.Reconciler.Interval,
		StalenessWindow: cfg.Reconciler.StalenessWindow,
		GracePeriod:     cfg.Reconciler.GracePeriod,
	}, logger)

	provisioner := workers.NewProvisioner(s, extensions, driver, workers.ProvisionerConfig{
		Interval:      cfg.Provisioner.Interval,
		MaxConcurrent: cfg.Provisioner.MaxConcurrent,
		BatchLimit:    cfg.Provisioner.BatchLimit,
	}, logger)

	publicHandler := api.SetupAPI(api.APIConfig{
		Store:       s,
		Deployments: deployments,
		Extensions:  extensions,
		Hub:         hub,
		Logger:      logger,
		BearerToken: cfg.Auth.BearerToken,
	})

	internalHandler := callback.NewHandler(callback.Config{
		Deployments: deployments,
		Extensions:  extensions,
		Hub:         hub,
		Logger:      logger,
		BearerToken: cfg.Auth.BearerToken,
	}).Routes()

	publicServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      publicHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	internalServer := &http.Server{
		Addr:         cfg.Internal.Address(),
		Handler:      internalHandler,
		ReadTimeout:  cfg.Internal.ReadTimeout,
		WriteTimeout: cfg.Internal.WriteTimeout,
	}

	return &Server{
		config:         cfg,
		publicServer:   publicServer,
		internalServer: internalServer,
		store:          s,
		hub:            hub,
		reconciler:     reconciler,
		provisioner:    provisioner,
		logger:         logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	s.reconciler.Start()
	s.provisioner.Start()

	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("starting internal callback server",
			"address", s.config.Internal.Address())
		if err := s.internalServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go func() {
		s.logger.Info("starting public API server",
			"address", s.config.Server.Address())
		if err := s.publicServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests first. Open log follows never go idle, so a
	// missed deadline falls back to closing their connections outright.
	if err := s.publicServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("public API server shutdown error", "error", err)
		s.publicServer.Close()
	}
	if err := s.internalServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("internal callback server shutdown error", "error", err)
		s.internalServer.Close()
	}

	// Workers finish their in-flight pass before stopping.
	s.reconciler.Stop()
	s.provisioner.Stop()

	// Close database
	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
