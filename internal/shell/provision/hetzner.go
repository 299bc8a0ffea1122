package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// =============================================================================
// Hetzner Driver
// =============================================================================

// HetznerDriver provisions one dedicated Hetzner Cloud server per
// sub-resource, bootstrapped with postgres via user data.
type HetznerDriver struct {
	client       *hcloud.Client
	location     string
	serverType   string
	sshPublicKey string
	seed         string
	logger       *slog.Logger
}

// HetznerDriverOptions configures a Hetzner driver.
type HetznerDriverOptions struct {
	APIToken       string
	Location       string // default fsn1
	ServerType     string // default cx22
	SSHPublicKey   string // optional operator access key
	CredentialSeed string
}

// NewHetznerDriver creates a Hetzner Cloud driver.
func NewHetznerDriver(opts HetznerDriverOptions, logger *slog.Logger) *HetznerDriver {
	if opts.Location == "" {
		opts.Location = "fsn1"
	}
	if opts.ServerType == "" {
		opts.ServerType = "cx22"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HetznerDriver{
		client:       hcloud.NewClient(hcloud.WithToken(opts.APIToken)),
		location:     opts.Location,
		serverType:   opts.ServerType,
		sshPublicKey: opts.SSHPublicKey,
		seed:         opts.CredentialSeed,
		logger:       logger.With("driver", DriverHetzner),
	}
}

// Name returns the driver identifier.
func (d *HetznerDriver) Name() string { return DriverHetzner }

// EnsureDatabase creates the server for the target if it does not exist. The
// boot script installs postgres and creates the database and role.
func (d *HetznerDriver) EnsureDatabase(ctx context.Context, target Target) error {
	name := ResourceName(target)

	existing, _, err := d.client.Server.GetByName(ctx, name)
	if err != nil {
		return NewProvisionError("EnsureDatabase", DriverHetzner, name, "failed to look up server", err)
	}
	if existing != nil {
		return nil
	}

	var sshKeys []*hcloud.SSHKey
	if d.sshPublicKey != "" {
		key, err := d.ensureSSHKey(ctx, name)
		if err != nil {
			return NewProvisionError("EnsureDatabase", DriverHetzner, name, "failed to upload SSH key", err)
		}
		sshKeys = append(sshKeys, key)
	}

	serverType, _, err := d.client.ServerType.GetByName(ctx, d.serverType)
	if err != nil || serverType == nil {
		return NewProvisionError("EnsureDatabase", DriverHetzner, name, fmt.Sprintf("invalid server type %s", d.serverType), err)
	}

	location, _, err := d.client.Location.GetByName(ctx, d.location)
	if err != nil || location == nil {
		return NewProvisionError("EnsureDatabase", DriverHetzner, name, fmt.Sprintf("invalid location %s", d.location), err)
	}

	image, _, err := d.client.Image.GetByNameAndArchitecture(ctx, "ubuntu-22.04", hcloud.ArchitectureX86)
	if err != nil || image == nil {
		return NewProvisionError("EnsureDatabase", DriverHetzner, name, "failed to find Ubuntu image", err)
	}

	result, _, err := d.client.Server.Create(ctx, hcloud.ServerCreateOpts{
		Name:       name,
		ServerType: serverType,
		Image:      image,
		Location:   location,
		SSHKeys:    sshKeys,
		UserData:   postgresInstallUserData(DatabaseName(target), UserName(target), derivePassword(d.seed, target)),
		Labels: map[string]string{
			"managed-by":           "slipway",
			"slipway.project":      target.Project,
			"slipway.instance":     target.Instance,
			"slipway.sub-resource": target.SubResource,
		},
	})
	if err != nil {
		return NewProvisionError("EnsureDatabase", DriverHetzner, name, "failed to create server", err)
	}

	d.logger.Info("Hetzner postgres server created",
		"server_id", result.Server.ID,
		"name", name,
		"location", d.location)
	return nil
}

// EnsureUser waits for the server's public IP and returns credentials with
// the seed-derived password the boot script installed.
func (d *HetznerDriver) EnsureUser(ctx context.Context, target Target) (Credentials, error) {
	name := ResourceName(target)

	server, _, err := d.client.Server.GetByName(ctx, name)
	if err != nil {
		return nil, NewProvisionError("EnsureUser", DriverHetzner, name, "failed to look up server", err)
	}
	if server == nil {
		return nil, NewProvisionError("EnsureUser", DriverHetzner, name, "server does not exist", ErrMissingResource)
	}

	publicIP, err := d.waitForPublicIP(ctx, server.ID)
	if err != nil {
		return nil, NewProvisionError("EnsureUser", DriverHetzner, name, "failed waiting for public IP", err)
	}

	password := derivePassword(d.seed, target)
	return newCredentials(publicIP, "5432", DatabaseName(target), UserName(target), password, "disable"), nil
}

// Destroy deletes the server and cleans up its SSH key. A server that is
// already gone counts as success.
func (d *HetznerDriver) Destroy(ctx context.Context, target Target) error {
	name := ResourceName(target)

	server, _, err := d.client.Server.GetByName(ctx, name)
	if err != nil {
		return NewProvisionError("Destroy", DriverHetzner, name, "failed to look up server", err)
	}
	if server == nil {
		d.logger.Info("Hetzner server already deleted", "name", name)
	} else {
		if _, _, err := d.client.Server.DeleteWithResult(ctx, server); err != nil {
			return NewProvisionError("Destroy", DriverHetzner, name, "failed to delete server", err)
		}
		d.logger.Info("Hetzner server deleted", "server_id", server.ID, "name", name)
	}

	// Best-effort cleanup of SSH key
	if d.sshPublicKey != "" {
		if existing, _, _ := d.client.SSHKey.GetByName(ctx, name); existing != nil {
			if _, err := d.client.SSHKey.Delete(ctx, existing); err != nil {
				d.logger.Warn("failed to delete SSH key during destroy", "key_name", name, "error", err)
			}
		}
	}

	return nil
}

// ensureSSHKey uploads the operator key under the target's name, replacing
// any stale copy from a previous attempt.
func (d *HetznerDriver) ensureSSHKey(ctx context.Context, name string) (*hcloud.SSHKey, error) {
	if existing, _, _ := d.client.SSHKey.GetByName(ctx, name); existing != nil {
		d.client.SSHKey.Delete(ctx, existing)
	}
	key, _, err := d.client.SSHKey.Create(ctx, hcloud.SSHKeyCreateOpts{
		Name:      name,
		PublicKey: d.sshPublicKey,
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (d *HetznerDriver) waitForPublicIP(ctx context.Context, serverID int64) (string, error) {
	for i := 0; i < 60; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
		}

		server, _, err := d.client.Server.GetByID(ctx, serverID)
		if err != nil || server == nil {
			continue
		}

		if server.Status == hcloud.ServerStatusRunning && !server.PublicNet.IPv4.IP.IsUnspecified() {
			return server.PublicNet.IPv4.IP.String(), nil
		}
	}
	return "", errors.New("timed out waiting for server public IP")
}
