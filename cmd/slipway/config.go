package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/slipway-dev/slipway/internal/shell/provision"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Internal    InternalConfig    `mapstructure:"internal"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Log         LogConfig         `mapstructure:"log"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Deployments DeploymentsConfig `mapstructure:"deployments"`
	Reconciler  ReconcilerConfig  `mapstructure:"reconciler"`
	Provisioner ProvisionerConfig `mapstructure:"provisioner"`
	Logs        LogsConfig        `mapstructure:"logs"`
	Provision   provision.Config  `mapstructure:"provision"`
}

// ServerConfig holds the public API server configuration.
type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout of zero leaves responses unbounded. The log follow
	// endpoint holds its response open until the deployment goes terminal,
	// so a deadline here would cut live streams off.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// InternalConfig holds the callback listener configuration. Executors and
// provisioners report here; the listener is not meant to be reachable from
// outside the platform network.
type InternalConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Address returns the listener address in host:port format.
func (c InternalConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig holds authentication configuration for both listeners.
type AuthConfig struct {
	// BearerToken is the static service token required on the public and
	// callback APIs. If empty, token validation is skipped.
	BearerToken string `mapstructure:"bearer_token"`
}

// CredentialsConfig holds the material for the sub-resource credential
// encryption key.
type CredentialsConfig struct {
	// Passphrase is stretched into the AES-256 master key. Required; set it
	// via SLIPWAY_CREDENTIALS_PASSPHRASE.
	Passphrase string `mapstructure:"passphrase"`

	// Salt distinguishes key material between installations. Not secret;
	// changing it makes previously stored credentials unreadable.
	Salt string `mapstructure:"salt"`
}

// DeploymentsConfig holds deployment registry limits.
type DeploymentsConfig struct {
	// MaxLivePerProject bounds live deployments per project. Zero or below
	// disables the quota.
	MaxLivePerProject int `mapstructure:"max_live_per_project"`
}

// ReconcilerConfig holds the reconciliation worker configuration.
type ReconcilerConfig struct {
	// Interval is the time between reconciliation passes.
	Interval time.Duration `mapstructure:"interval"`

	// StalenessWindow bounds how long an in-flight deployment may go without
	// an executor report before it is failed. Negative disables staleness
	// reconciliation.
	StalenessWindow time.Duration `mapstructure:"staleness_window"`

	// GracePeriod is the delay between scheduling a sub-resource cleanup and
	// destroying the backing resource.
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// ProvisionerConfig holds the provisioner worker configuration.
type ProvisionerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	BatchLimit    int           `mapstructure:"batch_limit"`
}

// LogsConfig holds the in-memory log hub configuration.
type LogsConfig struct {
	MaxLinesPerDeployment int `mapstructure:"max_lines_per_deployment"`
	FollowBuffer          int `mapstructure:"follow_buffer"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("internal.host", "0.0.0.0")
	v.SetDefault("internal.port", 8081)
	v.SetDefault("internal.read_timeout", "30s")
	v.SetDefault("internal.write_timeout", "30s")
	v.SetDefault("database.dsn", "./data/slipway.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.bearer_token", "")
	v.SetDefault("credentials.passphrase", "")
	v.SetDefault("credentials.salt", "slipway-credentials-v1")
	v.SetDefault("deployments.max_live_per_project", 50)
	v.SetDefault("reconciler.interval", "30s")
	v.SetDefault("reconciler.staleness_window", "15m")
	v.SetDefault("reconciler.grace_period", "1h")
	v.SetDefault("provisioner.interval", "10s")
	v.SetDefault("provisioner.max_concurrent", 4)
	v.SetDefault("provisioner.batch_limit", 50)
	v.SetDefault("logs.max_lines_per_deployment", 10000)
	v.SetDefault("logs.follow_buffer", 256)
	v.SetDefault("provision.driver", "docker")
	v.SetDefault("provision.credential_seed", "")
	v.SetDefault("provision.docker.host", "")
	v.SetDefault("provision.docker.image", "")
	v.SetDefault("provision.digitalocean.api_token", "")
	v.SetDefault("provision.digitalocean.cluster_id", "")
	v.SetDefault("provision.aws.access_key_id", "")
	v.SetDefault("provision.aws.secret_access_key", "")
	v.SetDefault("provision.aws.region", "")
	v.SetDefault("provision.aws.instance_type", "")
	v.SetDefault("provision.aws.ssh_public_key", "")
	v.SetDefault("provision.hetzner.api_token", "")
	v.SetDefault("provision.hetzner.location", "")
	v.SetDefault("provision.hetzner.server_type", "")
	v.SetDefault("provision.hetzner.ssh_public_key", "")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SLIPWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
