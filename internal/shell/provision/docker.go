package provision

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Docker Driver
// =============================================================================

const (
	defaultPostgresImage = "postgres:16-alpine"
	postgresPort         = nat.Port("5432/tcp")
)

// DockerDriver provisions one postgres container per sub-resource on the
// local Docker daemon. Intended for development and single-host setups.
type DockerDriver struct {
	cli    *client.Client
	image  string
	seed   string
	logger *slog.Logger
}

// NewDockerDriver creates a Docker driver on an existing SDK client.
func NewDockerDriver(cli *client.Client, pgImage, credentialSeed string, logger *slog.Logger) *DockerDriver {
	if pgImage == "" {
		pgImage = defaultPostgresImage
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerDriver{
		cli:    cli,
		image:  pgImage,
		seed:   credentialSeed,
		logger: logger.With("driver", DriverDocker),
	}
}

// Name returns the driver identifier.
func (d *DockerDriver) Name() string { return DriverDocker }

// EnsureDatabase creates and starts the postgres container for the target.
// An existing container is started if stopped and otherwise left alone.
func (d *DockerDriver) EnsureDatabase(ctx context.Context, target Target) error {
	name := ResourceName(target)

	inspected, err := d.cli.ContainerInspect(ctx, name)
	if err == nil {
		if inspected.State != nil && inspected.State.Running {
			return nil
		}
		if err := d.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
			return NewProvisionError("EnsureDatabase", DriverDocker, name, "failed to start existing container", err)
		}
		return nil
	}
	if !client.IsErrNotFound(err) {
		return NewProvisionError("EnsureDatabase", DriverDocker, name, "failed to inspect container", err)
	}

	if err := d.pullImage(ctx); err != nil {
		return err
	}

	config := &container.Config{
		Image: d.image,
		Env: []string{
			"POSTGRES_DB=" + DatabaseName(target),
			"POSTGRES_USER=" + UserName(target),
			"POSTGRES_PASSWORD=" + derivePassword(d.seed, target),
		},
		ExposedPorts: nat.PortSet{postgresPort: struct{}{}},
		Labels: map[string]string{
			"managed-by":           "slipway",
			"slipway.project":      target.Project,
			"slipway.instance":     target.Instance,
			"slipway.sub-resource": target.SubResource,
		},
	}

	hostConfig := &container.HostConfig{
		// Ephemeral host port, loopback only. EnsureUser reads the
		// assignment back from the inspect response.
		PortBindings: nat.PortMap{
			postgresPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyMode("unless-stopped"),
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		if strings.Contains(err.Error(), "Conflict") {
			// Another provisioning pass created it between inspect and
			// create. Fall through to start by name.
			resp.ID = name
		} else {
			return NewProvisionError("EnsureDatabase", DriverDocker, name, "failed to create container", err)
		}
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if !strings.Contains(err.Error(), "is already running") {
			return NewProvisionError("EnsureDatabase", DriverDocker, name, "failed to start container", err)
		}
	}

	d.logger.Info("postgres container started",
		"container", name,
		"project", target.Project,
		"instance", target.Instance)
	return nil
}

// EnsureUser recovers connection credentials from the running container. The
// role already exists: postgres bootstraps it from the POSTGRES_USER and
// POSTGRES_PASSWORD environment the container was created with.
func (d *DockerDriver) EnsureUser(ctx context.Context, target Target) (Credentials, error) {
	name := ResourceName(target)

	inspected, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewProvisionError("EnsureUser", DriverDocker, name, "container does not exist", ErrMissingResource)
		}
		return nil, NewProvisionError("EnsureUser", DriverDocker, name, "failed to inspect container", err)
	}

	var env []string
	if inspected.Config != nil {
		env = inspected.Config.Env
	}
	database := envValue(env, "POSTGRES_DB")
	username := envValue(env, "POSTGRES_USER")
	password := envValue(env, "POSTGRES_PASSWORD")
	if database == "" || username == "" || password == "" {
		return nil, NewProvisionError("EnsureUser", DriverDocker, name, "container is missing postgres bootstrap environment", ErrMissingResource)
	}

	var ports nat.PortMap
	if inspected.NetworkSettings != nil {
		ports = inspected.NetworkSettings.Ports
	}
	hostPort := publishedPort(ports, postgresPort)
	if hostPort == "" {
		return nil, NewProvisionError("EnsureUser", DriverDocker, name, "host port not published yet", ErrNotReady)
	}

	return newCredentials("127.0.0.1", hostPort, database, username, password, "disable"), nil
}

// Destroy force-removes the container and its volumes. A container that is
// already gone counts as success.
func (d *DockerDriver) Destroy(ctx context.Context, target Target) error {
	name := ResourceName(target)

	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			d.logger.Info("container already removed", "container", name)
			return nil
		}
		return NewProvisionError("Destroy", DriverDocker, name, "failed to remove container", err)
	}

	d.logger.Info("postgres container removed", "container", name)
	return nil
}

func (d *DockerDriver) pullImage(ctx context.Context) error {
	reader, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return NewProvisionError("EnsureDatabase", DriverDocker, d.image, "failed to pull image", err)
	}
	defer reader.Close()

	// Drain the reader to complete the pull.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return NewProvisionError("EnsureDatabase", DriverDocker, d.image, "image pull interrupted", err)
	}
	return nil
}

// envValue returns the value of key in Docker's KEY=VALUE env list.
func envValue(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix)
		}
	}
	return ""
}

// publishedPort returns the host port bound to containerPort, or "" when the
// binding has not materialized yet.
func publishedPort(ports nat.PortMap, containerPort nat.Port) string {
	for _, binding := range ports[containerPort] {
		if binding.HostPort != "" {
			return binding.HostPort
		}
	}
	return ""
}
