package provision

import (
	"fmt"
	"log/slog"

	"github.com/docker/docker/client"
)

// =============================================================================
// Driver Configuration & Factory
// =============================================================================

// Config selects and configures a provisioning driver. Only the section
// matching Driver is consulted.
type Config struct {
	Driver         string             `mapstructure:"driver"`
	CredentialSeed string             `mapstructure:"credential_seed"`
	Docker         DockerConfig       `mapstructure:"docker"`
	DigitalOcean   DigitalOceanConfig `mapstructure:"digitalocean"`
	AWS            AWSConfig          `mapstructure:"aws"`
	Hetzner        HetznerConfig      `mapstructure:"hetzner"`
}

// DockerConfig configures the local-container driver.
type DockerConfig struct {
	Host  string `mapstructure:"host"`  // empty uses the environment's daemon
	Image string `mapstructure:"image"` // default postgres:16-alpine
}

// DigitalOceanConfig configures the managed-cluster driver.
type DigitalOceanConfig struct {
	APIToken  string `mapstructure:"api_token"`
	ClusterID string `mapstructure:"cluster_id"`
}

// AWSConfig configures the EC2 driver.
type AWSConfig struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
	InstanceType    string `mapstructure:"instance_type"`
	SSHPublicKey    string `mapstructure:"ssh_public_key"`
}

// HetznerConfig configures the Hetzner Cloud driver.
type HetznerConfig struct {
	APIToken     string `mapstructure:"api_token"`
	Location     string `mapstructure:"location"`
	ServerType   string `mapstructure:"server_type"`
	SSHPublicKey string `mapstructure:"ssh_public_key"`
}

// NewDriver creates the provisioning driver named by config.Driver. An empty
// name selects the docker driver.
func NewDriver(config Config, logger *slog.Logger) (Driver, error) {
	switch config.Driver {
	case "", DriverDocker:
		cli, err := newDockerClient(config.Docker.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		return NewDockerDriver(cli, config.Docker.Image, config.CredentialSeed, logger), nil

	case DriverDigitalOcean:
		if config.DigitalOcean.APIToken == "" || config.DigitalOcean.ClusterID == "" {
			return nil, fmt.Errorf("digitalocean driver requires api_token and cluster_id")
		}
		return NewDigitalOceanDriver(config.DigitalOcean.APIToken, config.DigitalOcean.ClusterID, logger), nil

	case DriverAWS:
		if config.AWS.AccessKeyID == "" || config.AWS.SecretAccessKey == "" || config.AWS.Region == "" {
			return nil, fmt.Errorf("aws driver requires access_key_id, secret_access_key and region")
		}
		return NewAWSDriver(AWSDriverOptions{
			AccessKeyID:     config.AWS.AccessKeyID,
			SecretAccessKey: config.AWS.SecretAccessKey,
			Region:          config.AWS.Region,
			InstanceType:    config.AWS.InstanceType,
			SSHPublicKey:    config.AWS.SSHPublicKey,
			CredentialSeed:  config.CredentialSeed,
		}, logger), nil

	case DriverHetzner:
		if config.Hetzner.APIToken == "" {
			return nil, fmt.Errorf("hetzner driver requires api_token")
		}
		return NewHetznerDriver(HetznerDriverOptions{
			APIToken:       config.Hetzner.APIToken,
			Location:       config.Hetzner.Location,
			ServerType:     config.Hetzner.ServerType,
			SSHPublicKey:   config.Hetzner.SSHPublicKey,
			CredentialSeed: config.CredentialSeed,
		}, logger), nil

	default:
		return nil, fmt.Errorf("unsupported provisioning driver: %s", config.Driver)
	}
}

func newDockerClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	return client.NewClientWithOpts(opts...)
}
