package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/slipway-dev/slipway/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is RFC 3339 with a fixed-width fractional second so that stored
// timestamps sort lexicographically in creation order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// liveStatuses is the SQL fragment enumerating non-terminal deployment
// statuses. Must stay in sync with domain.DeploymentStatus.IsTerminal.
const liveStatuses = `('Pending', 'Building', 'Pushing', 'Pushed', 'Deploying', 'Healthy', 'Unhealthy')`

// provisioningStates is the SQL fragment enumerating sub-resource states that
// still need provisioner work. Must stay in sync with
// domain.SubResourceState.IsProvisioning.
const provisioningStates = `('Pending', 'CreatingDatabase', 'CreatingUser')`

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	// Open database connection
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// SQLite allows one writer at a time; a single pooled connection keeps
	// workers and API handlers from tripping over SQLITE_BUSY and keeps
	// :memory: databases on one connection.
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	// Run migrations
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return NewStoreError("Ping", "", "", "database unreachable", ErrConnectionFailed)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID             string  `db:"id"`
	Project        string  `db:"project"`
	Group          string  `db:"deployment_group"`
	Status         string  `db:"status"`
	Image          string  `db:"image"`
	ImageDigest    string  `db:"image_digest"`
	CreatedBy      string  `db:"created_by"`
	IsActive       bool    `db:"is_active"`
	ConfigSnapshot string  `db:"config_snapshot"`
	ErrorMessage   string  `db:"error_message"`
	BuildLogs      string  `db:"build_logs"`
	CreatedAt      string  `db:"created_at"`
	UpdatedAt      string  `db:"updated_at"`
	CompletedAt    *string `db:"completed_at"`
	ExpiresAt      *string `db:"expires_at"`
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) UpdateDeploymentStatus(ctx context.Context, deployment *domain.Deployment, expected domain.DeploymentStatus) error {
	return updateDeploymentStatus(ctx, s.db, deployment, expected)
}

func (s *SQLiteStore) SetDeploymentBuildLogs(ctx context.Context, id, logs string) error {
	return setDeploymentBuildLogs(ctx, s.db, id, logs)
}

func (s *SQLiteStore) ListDeployments(ctx context.Context, project string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, project, opts)
}

func (s *SQLiteStore) ListDeploymentsByGroup(ctx context.Context, project, group string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByGroup(ctx, s.db, project, group, opts)
}

func (s *SQLiteStore) GetActiveDeployment(ctx context.Context, project, group string) (*domain.Deployment, error) {
	return getActiveDeployment(ctx, s.db, project, group)
}

func (s *SQLiteStore) ListLiveDeployments(ctx context.Context) ([]domain.Deployment, error) {
	return listLiveDeployments(ctx, s.db)
}

func (s *SQLiteStore) CountLiveDeployments(ctx context.Context, project string) (int, error) {
	return countLiveDeployments(ctx, s.db, project)
}

func (s *SQLiteStore) ListDeploymentGroups(ctx context.Context, project string) ([]string, error) {
	return listDeploymentGroups(ctx, s.db, project)
}

// =============================================================================
// Extension Instance Operations
// =============================================================================

// extensionInstanceRow represents an extension instance row in the database.
type extensionInstanceRow struct {
	ID           string `db:"id"`
	Project      string `db:"project"`
	Type         string `db:"extension_type"`
	Name         string `db:"extension_name"`
	Spec         string `db:"spec"`
	State        string `db:"state"`
	ErrorMessage string `db:"error_message"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
}

func (s *SQLiteStore) CreateExtensionInstance(ctx context.Context, instance *domain.ExtensionInstance) error {
	return createExtensionInstance(ctx, s.db, instance)
}

func (s *SQLiteStore) GetExtensionInstance(ctx context.Context, project, extType, name string) (*domain.ExtensionInstance, error) {
	return getExtensionInstance(ctx, s.db, project, extType, name)
}

func (s *SQLiteStore) GetExtensionInstanceByID(ctx context.Context, id string) (*domain.ExtensionInstance, error) {
	return getExtensionInstanceByID(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateExtensionInstance(ctx context.Context, instance *domain.ExtensionInstance) error {
	return updateExtensionInstance(ctx, s.db, instance)
}

func (s *SQLiteStore) ListExtensionInstances(ctx context.Context, project string, opts ListOptions) ([]domain.ExtensionInstance, error) {
	return listExtensionInstances(ctx, s.db, project, opts)
}

func (s *SQLiteStore) ListLiveExtensionInstances(ctx context.Context) ([]domain.ExtensionInstance, error) {
	return listLiveExtensionInstances(ctx, s.db)
}

// =============================================================================
// Sub-Resource Operations
// =============================================================================

// subResourceRow represents a sub-resource row in the database.
type subResourceRow struct {
	ID                 string  `db:"id"`
	InstanceID         string  `db:"instance_id"`
	Name               string  `db:"name"`
	State              string  `db:"state"`
	ErrorMessage       string  `db:"error_message"`
	CredentialsEnc     string  `db:"credentials_enc"`
	NeedsManualCleanup bool    `db:"needs_manual_cleanup"`
	CleanupScheduledAt *string `db:"cleanup_scheduled_at"`
	CreatedAt          string  `db:"created_at"`
	UpdatedAt          string  `db:"updated_at"`
}

func (s *SQLiteStore) CreateSubResource(ctx context.Context, sub *domain.SubResource) error {
	return createSubResource(ctx, s.db, sub)
}

func (s *SQLiteStore) GetSubResource(ctx context.Context, instanceID, name string) (*domain.SubResource, error) {
	return getSubResource(ctx, s.db, instanceID, name)
}

func (s *SQLiteStore) UpdateSubResource(ctx context.Context, sub *domain.SubResource) error {
	return updateSubResource(ctx, s.db, sub)
}

func (s *SQLiteStore) DeleteSubResource(ctx context.Context, id string) error {
	return deleteSubResource(ctx, s.db, id)
}

func (s *SQLiteStore) ListSubResources(ctx context.Context, instanceID string) ([]domain.SubResource, error) {
	return listSubResources(ctx, s.db, instanceID)
}

func (s *SQLiteStore) ListProvisioningSubResources(ctx context.Context, limit int) ([]domain.SubResource, error) {
	return listProvisioningSubResources(ctx, s.db, limit)
}

func (s *SQLiteStore) ScheduleSubResourceCleanup(ctx context.Context, id string, at time.Time) error {
	return scheduleSubResourceCleanup(ctx, s.db, id, at)
}

func (s *SQLiteStore) CancelSubResourceCleanup(ctx context.Context, id string) error {
	return cancelSubResourceCleanup(ctx, s.db, id)
}

// =============================================================================
// Transition Audit Operations
// =============================================================================

// transitionRow represents a deployment transition row in the database.
type transitionRow struct {
	ID           string `db:"id"`
	DeploymentID string `db:"deployment_id"`
	FromStatus   string `db:"from_status"`
	ToStatus     string `db:"to_status"`
	Actor        string `db:"actor"`
	Detail       string `db:"detail"`
	CreatedAt    string `db:"created_at"`
}

func (s *SQLiteStore) RecordTransition(ctx context.Context, transition *domain.Transition) error {
	return recordTransition(ctx, s.db, transition)
}

func (s *SQLiteStore) ListTransitions(ctx context.Context, deploymentID string, opts ListOptions) ([]domain.Transition, error) {
	return listTransitions(ctx, s.db, deploymentID, opts)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) UpdateDeploymentStatus(ctx context.Context, deployment *domain.Deployment, expected domain.DeploymentStatus) error {
	return updateDeploymentStatus(ctx, s.tx, deployment, expected)
}

func (s *txSQLiteStore) SetDeploymentBuildLogs(ctx context.Context, id, logs string) error {
	return setDeploymentBuildLogs(ctx, s.tx, id, logs)
}

func (s *txSQLiteStore) ListDeployments(ctx context.Context, project string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.tx, project, opts)
}

func (s *txSQLiteStore) ListDeploymentsByGroup(ctx context.Context, project, group string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByGroup(ctx, s.tx, project, group, opts)
}

func (s *txSQLiteStore) GetActiveDeployment(ctx context.Context, project, group string) (*domain.Deployment, error) {
	return getActiveDeployment(ctx, s.tx, project, group)
}

func (s *txSQLiteStore) ListLiveDeployments(ctx context.Context) ([]domain.Deployment, error) {
	return listLiveDeployments(ctx, s.tx)
}

func (s *txSQLiteStore) CountLiveDeployments(ctx context.Context, project string) (int, error) {
	return countLiveDeployments(ctx, s.tx, project)
}

func (s *txSQLiteStore) ListDeploymentGroups(ctx context.Context, project string) ([]string, error) {
	return listDeploymentGroups(ctx, s.tx, project)
}

func (s *txSQLiteStore) CreateExtensionInstance(ctx context.Context, instance *domain.ExtensionInstance) error {
	return createExtensionInstance(ctx, s.tx, instance)
}

func (s *txSQLiteStore) GetExtensionInstance(ctx context.Context, project, extType, name string) (*domain.ExtensionInstance, error) {
	return getExtensionInstance(ctx, s.tx, project, extType, name)
}

func (s *txSQLiteStore) GetExtensionInstanceByID(ctx context.Context, id string) (*domain.ExtensionInstance, error) {
	return getExtensionInstanceByID(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateExtensionInstance(ctx context.Context, instance *domain.ExtensionInstance) error {
	return updateExtensionInstance(ctx, s.tx, instance)
}

func (s *txSQLiteStore) ListExtensionInstances(ctx context.Context, project string, opts ListOptions) ([]domain.ExtensionInstance, error) {
	return listExtensionInstances(ctx, s.tx, project, opts)
}

func (s *txSQLiteStore) ListLiveExtensionInstances(ctx context.Context) ([]domain.ExtensionInstance, error) {
	return listLiveExtensionInstances(ctx, s.tx)
}

func (s *txSQLiteStore) CreateSubResource(ctx context.Context, sub *domain.SubResource) error {
	return createSubResource(ctx, s.tx, sub)
}

func (s *txSQLiteStore) GetSubResource(ctx context.Context, instanceID, name string) (*domain.SubResource, error) {
	return getSubResource(ctx, s.tx, instanceID, name)
}

func (s *txSQLiteStore) UpdateSubResource(ctx context.Context, sub *domain.SubResource) error {
	return updateSubResource(ctx, s.tx, sub)
}

func (s *txSQLiteStore) DeleteSubResource(ctx context.Context, id string) error {
	return deleteSubResource(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListSubResources(ctx context.Context, instanceID string) ([]domain.SubResource, error) {
	return listSubResources(ctx, s.tx, instanceID)
}

func (s *txSQLiteStore) ListProvisioningSubResources(ctx context.Context, limit int) ([]domain.SubResource, error) {
	return listProvisioningSubResources(ctx, s.tx, limit)
}

func (s *txSQLiteStore) ScheduleSubResourceCleanup(ctx context.Context, id string, at time.Time) error {
	return scheduleSubResourceCleanup(ctx, s.tx, id, at)
}

func (s *txSQLiteStore) CancelSubResourceCleanup(ctx context.Context, id string) error {
	return cancelSubResourceCleanup(ctx, s.tx, id)
}

func (s *txSQLiteStore) RecordTransition(ctx context.Context, transition *domain.Transition) error {
	return recordTransition(ctx, s.tx, transition)
}

func (s *txSQLiteStore) ListTransitions(ctx context.Context, deploymentID string, opts ListOptions) ([]domain.Transition, error) {
	return listTransitions(ctx, s.tx, deploymentID, opts)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Ping(ctx context.Context) error {
	// The transaction already holds a live connection
	return nil
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions - Deployments
// =============================================================================

func createDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	snapshotJSON, err := json.Marshal(deployment.ConfigSnapshot)
	if err != nil {
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, "failed to serialize config snapshot", ErrInvalidData)
	}

	query := `
		INSERT INTO deployments (
			id, project, deployment_group, status, image, image_digest,
			created_by, is_active, config_snapshot, error_message, build_logs,
			created_at, updated_at, completed_at, expires_at
		) VALUES (
			:id, :project, :deployment_group, :status, :image, :image_digest,
			:created_by, :is_active, :config_snapshot, :error_message, :build_logs,
			:created_at, :updated_at, :completed_at, :expires_at
		)`

	_, err = exec.NamedExecContext(ctx, query, deploymentToRowArgs(deployment, string(snapshotJSON)))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.id") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "deployments.project, deployments.deployment_group") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "deployment group already has an active deployment", ErrDuplicateActive)
		}
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	return nil
}

func getDeployment(ctx context.Context, exec executor, id string) (*domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE id = ?`

	var row deploymentRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}

	return rowToDeployment(&row)
}

const updateDeploymentSet = `
		project = :project,
		deployment_group = :deployment_group,
		status = :status,
		image = :image,
		image_digest = :image_digest,
		created_by = :created_by,
		is_active = :is_active,
		config_snapshot = :config_snapshot,
		error_message = :error_message,
		build_logs = :build_logs,
		updated_at = :updated_at,
		completed_at = :completed_at,
		expires_at = :expires_at`

func updateDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	snapshotJSON, err := json.Marshal(deployment.ConfigSnapshot)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "failed to serialize config snapshot", ErrInvalidData)
	}

	query := `UPDATE deployments SET` + updateDeploymentSet + ` WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, deploymentToRowArgs(deployment, string(snapshotJSON)))
	if err != nil {
		if strings.Contains(err.Error(), "deployments.project, deployments.deployment_group") {
			return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "deployment group already has an active deployment", ErrDuplicateActive)
		}
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "deployment not found", ErrNotFound)
	}

	return nil
}

// updateDeploymentStatus writes the deployment only if its stored status still
// matches expected. A miss on an existing row means another writer advanced
// the deployment first.
func updateDeploymentStatus(ctx context.Context, exec executor, deployment *domain.Deployment, expected domain.DeploymentStatus) error {
	snapshotJSON, err := json.Marshal(deployment.ConfigSnapshot)
	if err != nil {
		return NewStoreError("UpdateDeploymentStatus", "deployment", deployment.ID, "failed to serialize config snapshot", ErrInvalidData)
	}

	query := `UPDATE deployments SET` + updateDeploymentSet + ` WHERE id = :id AND status = :expected_status`

	args := deploymentToRowArgs(deployment, string(snapshotJSON))
	args["expected_status"] = string(expected)

	result, err := exec.NamedExecContext(ctx, query, args)
	if err != nil {
		if strings.Contains(err.Error(), "deployments.project, deployments.deployment_group") {
			return NewStoreError("UpdateDeploymentStatus", "deployment", deployment.ID, "deployment group already has an active deployment", ErrDuplicateActive)
		}
		return NewStoreError("UpdateDeploymentStatus", "deployment", deployment.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		if _, getErr := getDeployment(ctx, exec, deployment.ID); getErr != nil {
			return getErr
		}
		return NewStoreError("UpdateDeploymentStatus", "deployment", deployment.ID, "status changed concurrently", ErrConcurrentUpdate)
	}

	return nil
}

// setDeploymentBuildLogs writes build logs once; the column is only writable
// while empty.
func setDeploymentBuildLogs(ctx context.Context, exec executor, id, logs string) error {
	query := `UPDATE deployments SET build_logs = ?, updated_at = ? WHERE id = ? AND build_logs = ''`

	result, err := exec.ExecContext(ctx, query, logs, formatTime(time.Now().UTC()), id)
	if err != nil {
		return NewStoreError("SetDeploymentBuildLogs", "deployment", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		if _, getErr := getDeployment(ctx, exec, id); getErr != nil {
			return getErr
		}
		return NewStoreError("SetDeploymentBuildLogs", "deployment", id, "build logs already written", ErrConcurrentUpdate)
	}

	return nil
}

func listDeployments(ctx context.Context, exec executor, project string, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployments WHERE project = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var rows []deploymentRow
	err := exec.SelectContext(ctx, &rows, query, project, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
	}

	return rowsToDeployments(rows)
}

func listDeploymentsByGroup(ctx context.Context, exec executor, project, group string, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployments WHERE project = ? AND deployment_group = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var rows []deploymentRow
	err := exec.SelectContext(ctx, &rows, query, project, group, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListDeploymentsByGroup", "deployment", "", err.Error(), err)
	}

	return rowsToDeployments(rows)
}

func getActiveDeployment(ctx context.Context, exec executor, project, group string) (*domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE project = ? AND deployment_group = ? AND is_active = 1`

	var row deploymentRow
	err := exec.GetContext(ctx, &row, query, project, group)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetActiveDeployment", "deployment", "", "no active deployment in group", ErrNotFound)
		}
		return nil, NewStoreError("GetActiveDeployment", "deployment", "", err.Error(), err)
	}

	return rowToDeployment(&row)
}

func listLiveDeployments(ctx context.Context, exec executor) ([]domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE status IN ` + liveStatuses + ` ORDER BY created_at ASC`

	var rows []deploymentRow
	err := exec.SelectContext(ctx, &rows, query)
	if err != nil {
		return nil, NewStoreError("ListLiveDeployments", "deployment", "", err.Error(), err)
	}

	return rowsToDeployments(rows)
}

func countLiveDeployments(ctx context.Context, exec executor, project string) (int, error) {
	query := `SELECT COUNT(*) FROM deployments WHERE project = ? AND status IN ` + liveStatuses

	var count int
	err := exec.GetContext(ctx, &count, query, project)
	if err != nil {
		return 0, NewStoreError("CountLiveDeployments", "deployment", "", err.Error(), err)
	}

	return count, nil
}

func listDeploymentGroups(ctx context.Context, exec executor, project string) ([]string, error) {
	query := `SELECT DISTINCT deployment_group FROM deployments WHERE project = ? ORDER BY deployment_group`

	var groups []string
	err := exec.SelectContext(ctx, &groups, query, project)
	if err != nil {
		return nil, NewStoreError("ListDeploymentGroups", "deployment", "", err.Error(), err)
	}

	return groups, nil
}

// =============================================================================
// Shared Implementation Functions - Extension Instances
// =============================================================================

func createExtensionInstance(ctx context.Context, exec executor, instance *domain.ExtensionInstance) error {
	specJSON, err := json.Marshal(instance.Spec)
	if err != nil {
		return NewStoreError("CreateExtensionInstance", "extension instance", instance.ID, "failed to serialize spec", ErrInvalidData)
	}

	query := `
		INSERT INTO extension_instances (
			id, project, extension_type, extension_name, spec, state,
			error_message, created_at, updated_at
		) VALUES (
			:id, :project, :extension_type, :extension_name, :spec, :state,
			:error_message, :created_at, :updated_at
		)`

	row := map[string]any{
		"id":             instance.ID,
		"project":        instance.Project,
		"extension_type": instance.Type,
		"extension_name": instance.Name,
		"spec":           string(specJSON),
		"state":          string(instance.State),
		"error_message":  instance.ErrorMessage,
		"created_at":     formatTime(instance.CreatedAt),
		"updated_at":     formatTime(instance.UpdatedAt),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: extension_instances.id") {
			return NewStoreError("CreateExtensionInstance", "extension instance", instance.ID, "extension instance with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "extension_instances.project, extension_instances.extension_type, extension_instances.extension_name") {
			return NewStoreError("CreateExtensionInstance", "extension instance", instance.ID, "extension instance already exists", ErrDuplicateInstance)
		}
		return NewStoreError("CreateExtensionInstance", "extension instance", instance.ID, err.Error(), err)
	}

	return nil
}

func getExtensionInstance(ctx context.Context, exec executor, project, extType, name string) (*domain.ExtensionInstance, error) {
	query := `SELECT * FROM extension_instances WHERE project = ? AND extension_type = ? AND extension_name = ?`

	var row extensionInstanceRow
	err := exec.GetContext(ctx, &row, query, project, extType, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetExtensionInstance", "extension instance", "", "extension instance not found", ErrNotFound)
		}
		return nil, NewStoreError("GetExtensionInstance", "extension instance", "", err.Error(), err)
	}

	return rowToExtensionInstance(&row)
}

func getExtensionInstanceByID(ctx context.Context, exec executor, id string) (*domain.ExtensionInstance, error) {
	query := `SELECT * FROM extension_instances WHERE id = ?`

	var row extensionInstanceRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetExtensionInstanceByID", "extension instance", id, "extension instance not found", ErrNotFound)
		}
		return nil, NewStoreError("GetExtensionInstanceByID", "extension instance", id, err.Error(), err)
	}

	return rowToExtensionInstance(&row)
}

func updateExtensionInstance(ctx context.Context, exec executor, instance *domain.ExtensionInstance) error {
	specJSON, err := json.Marshal(instance.Spec)
	if err != nil {
		return NewStoreError("UpdateExtensionInstance", "extension instance", instance.ID, "failed to serialize spec", ErrInvalidData)
	}

	query := `
		UPDATE extension_instances SET
			spec = :spec,
			state = :state,
			error_message = :error_message,
			updated_at = :updated_at
		WHERE id = :id`

	row := map[string]any{
		"id":            instance.ID,
		"spec":          string(specJSON),
		"state":         string(instance.State),
		"error_message": instance.ErrorMessage,
		"updated_at":    formatTime(instance.UpdatedAt),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateExtensionInstance", "extension instance", instance.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateExtensionInstance", "extension instance", instance.ID, "extension instance not found", ErrNotFound)
	}

	return nil
}

func listExtensionInstances(ctx context.Context, exec executor, project string, opts ListOptions) ([]domain.ExtensionInstance, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM extension_instances WHERE project = ? AND state != 'Deleted' ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var rows []extensionInstanceRow
	err := exec.SelectContext(ctx, &rows, query, project, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListExtensionInstances", "extension instance", "", err.Error(), err)
	}

	instances := make([]domain.ExtensionInstance, 0, len(rows))
	for _, row := range rows {
		instance, err := rowToExtensionInstance(&row)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *instance)
	}

	return instances, nil
}

func listLiveExtensionInstances(ctx context.Context, exec executor) ([]domain.ExtensionInstance, error) {
	query := `SELECT * FROM extension_instances WHERE state != 'Deleted' ORDER BY created_at ASC`

	var rows []extensionInstanceRow
	err := exec.SelectContext(ctx, &rows, query)
	if err != nil {
		return nil, NewStoreError("ListLiveExtensionInstances", "extension instance", "", err.Error(), err)
	}

	instances := make([]domain.ExtensionInstance, 0, len(rows))
	for _, row := range rows {
		instance, err := rowToExtensionInstance(&row)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *instance)
	}

	return instances, nil
}

// =============================================================================
// Shared Implementation Functions - Sub-Resources
// =============================================================================

func createSubResource(ctx context.Context, exec executor, sub *domain.SubResource) error {
	query := `
		INSERT INTO sub_resources (
			id, instance_id, name, state, error_message, credentials_enc,
			needs_manual_cleanup, cleanup_scheduled_at, created_at, updated_at
		) VALUES (
			:id, :instance_id, :name, :state, :error_message, :credentials_enc,
			:needs_manual_cleanup, :cleanup_scheduled_at, :created_at, :updated_at
		)`

	_, err := exec.NamedExecContext(ctx, query, subResourceToRowArgs(sub))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: sub_resources.id") {
			return NewStoreError("CreateSubResource", "sub-resource", sub.ID, "sub-resource with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "sub_resources.instance_id, sub_resources.name") {
			return NewStoreError("CreateSubResource", "sub-resource", sub.ID, "sub-resource already exists", ErrDuplicateSubResource)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("CreateSubResource", "sub-resource", sub.ID, "extension instance not found", ErrForeignKey)
		}
		return NewStoreError("CreateSubResource", "sub-resource", sub.ID, err.Error(), err)
	}

	return nil
}

func getSubResource(ctx context.Context, exec executor, instanceID, name string) (*domain.SubResource, error) {
	query := `SELECT * FROM sub_resources WHERE instance_id = ? AND name = ?`

	var row subResourceRow
	err := exec.GetContext(ctx, &row, query, instanceID, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetSubResource", "sub-resource", name, "sub-resource not found", ErrNotFound)
		}
		return nil, NewStoreError("GetSubResource", "sub-resource", name, err.Error(), err)
	}

	return rowToSubResource(&row), nil
}

func getSubResourceByID(ctx context.Context, exec executor, id string) (*domain.SubResource, error) {
	query := `SELECT * FROM sub_resources WHERE id = ?`

	var row subResourceRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetSubResourceByID", "sub-resource", id, "sub-resource not found", ErrNotFound)
		}
		return nil, NewStoreError("GetSubResourceByID", "sub-resource", id, err.Error(), err)
	}

	return rowToSubResource(&row), nil
}

func updateSubResource(ctx context.Context, exec executor, sub *domain.SubResource) error {
	query := `
		UPDATE sub_resources SET
			state = :state,
			error_message = :error_message,
			credentials_enc = :credentials_enc,
			needs_manual_cleanup = :needs_manual_cleanup,
			cleanup_scheduled_at = :cleanup_scheduled_at,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, subResourceToRowArgs(sub))
	if err != nil {
		return NewStoreError("UpdateSubResource", "sub-resource", sub.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateSubResource", "sub-resource", sub.ID, "sub-resource not found", ErrNotFound)
	}

	return nil
}

func deleteSubResource(ctx context.Context, exec executor, id string) error {
	query := `DELETE FROM sub_resources WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, id)
	if err != nil {
		return NewStoreError("DeleteSubResource", "sub-resource", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteSubResource", "sub-resource", id, "sub-resource not found", ErrNotFound)
	}

	return nil
}

func listSubResources(ctx context.Context, exec executor, instanceID string) ([]domain.SubResource, error) {
	query := `SELECT * FROM sub_resources WHERE instance_id = ? ORDER BY created_at ASC`

	var rows []subResourceRow
	err := exec.SelectContext(ctx, &rows, query, instanceID)
	if err != nil {
		return nil, NewStoreError("ListSubResources", "sub-resource", "", err.Error(), err)
	}

	subs := make([]domain.SubResource, 0, len(rows))
	for _, row := range rows {
		subs = append(subs, *rowToSubResource(&row))
	}

	return subs, nil
}

func listProvisioningSubResources(ctx context.Context, exec executor, limit int) ([]domain.SubResource, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT * FROM sub_resources
		WHERE state IN ` + provisioningStates + ` AND cleanup_scheduled_at IS NULL
		ORDER BY created_at ASC LIMIT ?`

	var rows []subResourceRow
	err := exec.SelectContext(ctx, &rows, query, limit)
	if err != nil {
		return nil, NewStoreError("ListProvisioningSubResources", "sub-resource", "", err.Error(), err)
	}

	subs := make([]domain.SubResource, 0, len(rows))
	for _, row := range rows {
		subs = append(subs, *rowToSubResource(&row))
	}

	return subs, nil
}

// scheduleSubResourceCleanup stamps the cleanup clock on a sub-resource that
// is not already scheduled or terminating.
func scheduleSubResourceCleanup(ctx context.Context, exec executor, id string, at time.Time) error {
	query := `
		UPDATE sub_resources SET cleanup_scheduled_at = ?, updated_at = ?
		WHERE id = ? AND cleanup_scheduled_at IS NULL AND state != 'Terminating'`

	result, err := exec.ExecContext(ctx, query, formatTime(at), formatTime(time.Now().UTC()), id)
	if err != nil {
		return NewStoreError("ScheduleSubResourceCleanup", "sub-resource", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		if _, getErr := getSubResourceByID(ctx, exec, id); getErr != nil {
			return getErr
		}
		return NewStoreError("ScheduleSubResourceCleanup", "sub-resource", id, "already scheduled or terminating", ErrConcurrentUpdate)
	}

	return nil
}

// cancelSubResourceCleanup clears a pending cleanup so the sub-resource can be
// reused. Once the state reached Terminating the cleanup can no longer be
// called back.
func cancelSubResourceCleanup(ctx context.Context, exec executor, id string) error {
	query := `
		UPDATE sub_resources SET cleanup_scheduled_at = NULL, updated_at = ?
		WHERE id = ? AND state != 'Terminating'`

	result, err := exec.ExecContext(ctx, query, formatTime(time.Now().UTC()), id)
	if err != nil {
		return NewStoreError("CancelSubResourceCleanup", "sub-resource", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		if _, getErr := getSubResourceByID(ctx, exec, id); getErr != nil {
			return getErr
		}
		return NewStoreError("CancelSubResourceCleanup", "sub-resource", id, "sub-resource is terminating", ErrConcurrentUpdate)
	}

	return nil
}

// =============================================================================
// Shared Implementation Functions - Transitions
// =============================================================================

func recordTransition(ctx context.Context, exec executor, transition *domain.Transition) error {
	query := `
		INSERT INTO deployment_transitions (
			id, deployment_id, from_status, to_status, actor, detail, created_at
		) VALUES (
			:id, :deployment_id, :from_status, :to_status, :actor, :detail, :created_at
		)`

	row := map[string]any{
		"id":            transition.ID,
		"deployment_id": transition.DeploymentID,
		"from_status":   string(transition.From),
		"to_status":     string(transition.To),
		"actor":         transition.Actor,
		"detail":        transition.Detail,
		"created_at":    formatTime(transition.CreatedAt),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("RecordTransition", "transition", transition.ID, "deployment not found", ErrForeignKey)
		}
		return NewStoreError("RecordTransition", "transition", transition.ID, err.Error(), err)
	}

	return nil
}

func listTransitions(ctx context.Context, exec executor, deploymentID string, opts ListOptions) ([]domain.Transition, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployment_transitions WHERE deployment_id = ? ORDER BY created_at ASC LIMIT ? OFFSET ?`

	var rows []transitionRow
	err := exec.SelectContext(ctx, &rows, query, deploymentID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListTransitions", "transition", "", err.Error(), err)
	}

	transitions := make([]domain.Transition, 0, len(rows))
	for _, row := range rows {
		transitions = append(transitions, domain.Transition{
			ID:           row.ID,
			DeploymentID: row.DeploymentID,
			From:         domain.DeploymentStatus(row.FromStatus),
			To:           domain.DeploymentStatus(row.ToStatus),
			Actor:        row.Actor,
			Detail:       row.Detail,
			CreatedAt:    parseTime(row.CreatedAt),
		})
	}

	return transitions, nil
}

// =============================================================================
// Row Conversion Functions
// =============================================================================

// deploymentToRowArgs builds the named query arguments for a deployment.
func deploymentToRowArgs(deployment *domain.Deployment, snapshotJSON string) map[string]any {
	return map[string]any{
		"id":               deployment.ID,
		"project":          deployment.Project,
		"deployment_group": deployment.Group,
		"status":           string(deployment.Status),
		"image":            deployment.Image,
		"image_digest":     deployment.ImageDigest,
		"created_by":       deployment.CreatedBy,
		"is_active":        deployment.IsActive,
		"config_snapshot":  snapshotJSON,
		"error_message":    deployment.ErrorMessage,
		"build_logs":       deployment.BuildLogs,
		"created_at":       formatTime(deployment.CreatedAt),
		"updated_at":       formatTime(deployment.UpdatedAt),
		"completed_at":     formatTimePtr(deployment.CompletedAt),
		"expires_at":       formatTimePtr(deployment.ExpiresAt),
	}
}

// rowToDeployment converts a database row to a domain.Deployment.
func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	var snapshot domain.ConfigSnapshot
	if row.ConfigSnapshot != "" && row.ConfigSnapshot != "null" {
		if err := json.Unmarshal([]byte(row.ConfigSnapshot), &snapshot); err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse config snapshot", ErrInvalidData)
		}
	}

	return &domain.Deployment{
		ID:             row.ID,
		Project:        row.Project,
		Group:          row.Group,
		Status:         domain.DeploymentStatus(row.Status),
		Image:          row.Image,
		ImageDigest:    row.ImageDigest,
		CreatedBy:      row.CreatedBy,
		IsActive:       row.IsActive,
		ConfigSnapshot: snapshot,
		ErrorMessage:   row.ErrorMessage,
		BuildLogs:      row.BuildLogs,
		CreatedAt:      parseTime(row.CreatedAt),
		UpdatedAt:      parseTime(row.UpdatedAt),
		CompletedAt:    parseTimePtr(row.CompletedAt),
		ExpiresAt:      parseTimePtr(row.ExpiresAt),
	}, nil
}

func rowsToDeployments(rows []deploymentRow) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0, len(rows))
	for _, row := range rows {
		deployment, err := rowToDeployment(&row)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}
	return deployments, nil
}

// rowToExtensionInstance converts a database row to a domain.ExtensionInstance.
func rowToExtensionInstance(row *extensionInstanceRow) (*domain.ExtensionInstance, error) {
	var spec map[string]any
	if row.Spec != "" && row.Spec != "null" {
		if err := json.Unmarshal([]byte(row.Spec), &spec); err != nil {
			return nil, NewStoreError("rowToExtensionInstance", "extension instance", row.ID, "failed to parse spec", ErrInvalidData)
		}
	}

	return &domain.ExtensionInstance{
		ID:           row.ID,
		Project:      row.Project,
		Type:         row.Type,
		Name:         row.Name,
		Spec:         spec,
		State:        domain.ExtensionState(row.State),
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    parseTime(row.CreatedAt),
		UpdatedAt:    parseTime(row.UpdatedAt),
	}, nil
}

// subResourceToRowArgs builds the named query arguments for a sub-resource.
func subResourceToRowArgs(sub *domain.SubResource) map[string]any {
	return map[string]any{
		"id":                   sub.ID,
		"instance_id":          sub.InstanceID,
		"name":                 sub.Name,
		"state":                string(sub.State),
		"error_message":        sub.ErrorMessage,
		"credentials_enc":      sub.CredentialsEnc,
		"needs_manual_cleanup": sub.NeedsManualCleanup,
		"cleanup_scheduled_at": formatTimePtr(sub.CleanupScheduledAt),
		"created_at":           formatTime(sub.CreatedAt),
		"updated_at":           formatTime(sub.UpdatedAt),
	}
}

// rowToSubResource converts a database row to a domain.SubResource.
func rowToSubResource(row *subResourceRow) *domain.SubResource {
	return &domain.SubResource{
		ID:                 row.ID,
		InstanceID:         row.InstanceID,
		Name:               row.Name,
		State:              domain.SubResourceState(row.State),
		ErrorMessage:       row.ErrorMessage,
		CredentialsEnc:     row.CredentialsEnc,
		NeedsManualCleanup: row.NeedsManualCleanup,
		CleanupScheduledAt: parseTimePtr(row.CleanupScheduledAt),
		CreatedAt:          parseTime(row.CreatedAt),
		UpdatedAt:          parseTime(row.UpdatedAt),
	}
}

// =============================================================================
// Time Helpers
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}
