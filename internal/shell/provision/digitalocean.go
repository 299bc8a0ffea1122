package provision

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/digitalocean/godo"
)

// =============================================================================
// DigitalOcean Driver
// =============================================================================

// DigitalOceanDriver provisions logical databases and users inside one
// managed postgres cluster. The cluster itself is operator-provided; the
// driver only manages per-sub-resource databases and roles within it.
type DigitalOceanDriver struct {
	client    *godo.Client
	clusterID string
	logger    *slog.Logger
}

// NewDigitalOceanDriver creates a DigitalOcean managed-database driver.
func NewDigitalOceanDriver(apiToken, clusterID string, logger *slog.Logger) *DigitalOceanDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &DigitalOceanDriver{
		client:    godo.NewFromToken(apiToken),
		clusterID: clusterID,
		logger:    logger.With("driver", DriverDigitalOcean),
	}
}

// Name returns the driver identifier.
func (d *DigitalOceanDriver) Name() string { return DriverDigitalOcean }

// EnsureDatabase creates the logical database in the cluster if missing.
func (d *DigitalOceanDriver) EnsureDatabase(ctx context.Context, target Target) error {
	dbName := DatabaseName(target)

	_, _, err := d.client.Databases.GetDB(ctx, d.clusterID, dbName)
	if err == nil {
		return nil
	}
	if !isGodoNotFound(err) {
		return NewProvisionError("EnsureDatabase", DriverDigitalOcean, dbName, "failed to look up database", err)
	}

	_, _, err = d.client.Databases.CreateDB(ctx, d.clusterID, &godo.DatabaseCreateDBRequest{
		Name: dbName,
	})
	if err != nil {
		return NewProvisionError("EnsureDatabase", DriverDigitalOcean, dbName, "failed to create database", err)
	}

	d.logger.Info("managed database created",
		"database", dbName,
		"cluster_id", d.clusterID)
	return nil
}

// EnsureUser creates the cluster user if missing and assembles credentials
// from the cluster's public connection endpoint. DigitalOcean generates the
// password and returns it on both create and lookup.
func (d *DigitalOceanDriver) EnsureUser(ctx context.Context, target Target) (Credentials, error) {
	userName := UserName(target)

	user, _, err := d.client.Databases.GetUser(ctx, d.clusterID, userName)
	if err != nil {
		if !isGodoNotFound(err) {
			return nil, NewProvisionError("EnsureUser", DriverDigitalOcean, userName, "failed to look up user", err)
		}
		user, _, err = d.client.Databases.CreateUser(ctx, d.clusterID, &godo.DatabaseCreateUserRequest{
			Name: userName,
		})
		if err != nil {
			return nil, NewProvisionError("EnsureUser", DriverDigitalOcean, userName, "failed to create user", err)
		}
		d.logger.Info("managed database user created",
			"user", userName,
			"cluster_id", d.clusterID)
	}

	cluster, _, err := d.client.Databases.Get(ctx, d.clusterID)
	if err != nil {
		return nil, NewProvisionError("EnsureUser", DriverDigitalOcean, d.clusterID, "failed to fetch cluster connection details", err)
	}
	if cluster.Connection == nil || cluster.Connection.Host == "" {
		return nil, NewProvisionError("EnsureUser", DriverDigitalOcean, d.clusterID, "cluster has no public connection endpoint yet", ErrNotReady)
	}
	if user.Password == "" {
		return nil, NewProvisionError("EnsureUser", DriverDigitalOcean, userName, "user password not issued yet", ErrNotReady)
	}

	port := strconv.Itoa(cluster.Connection.Port)
	return newCredentials(cluster.Connection.Host, port, DatabaseName(target), user.Name, user.Password, "require"), nil
}

// Destroy deletes the logical database and its user. Either already missing
// counts as success.
func (d *DigitalOceanDriver) Destroy(ctx context.Context, target Target) error {
	dbName := DatabaseName(target)
	userName := UserName(target)

	if _, err := d.client.Databases.DeleteDB(ctx, d.clusterID, dbName); err != nil {
		if !isGodoNotFound(err) {
			return NewProvisionError("Destroy", DriverDigitalOcean, dbName, "failed to delete database", err)
		}
		d.logger.Info("managed database already deleted", "database", dbName)
	} else {
		d.logger.Info("managed database deleted", "database", dbName)
	}

	if _, err := d.client.Databases.DeleteUser(ctx, d.clusterID, userName); err != nil {
		if !isGodoNotFound(err) {
			return NewProvisionError("Destroy", DriverDigitalOcean, userName, "failed to delete user", err)
		}
	}

	return nil
}

// isGodoNotFound reports whether err is a DigitalOcean 404 response.
func isGodoNotFound(err error) bool {
	var respErr *godo.ErrorResponse
	if errors.As(err, &respErr) {
		return respErr.Response != nil && respErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}
