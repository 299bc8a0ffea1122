// Package provision creates and destroys the backing resources behind
// extension sub-resources. Each driver owns one backend (local Docker
// containers, a DigitalOcean managed cluster, dedicated EC2 or Hetzner
// servers) and exposes the same three idempotent operations, so the
// provisioner worker and the cleanup sweep never care which backend a
// project runs on.
package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// =============================================================================
// Driver Interface
// =============================================================================

// Target identifies the sub-resource a driver call acts on.
type Target struct {
	Project     string // owning project slug
	Instance    string // extension instance name within the project
	SubResource string // sub-resource name (group name, or "shared")
	SubID       string // sub-resource row ID, stable across renames
}

// Driver provisions the backing resource for one sub-resource. All three
// operations are idempotent: calling EnsureDatabase on an existing database
// succeeds, and Destroy of a resource that is already gone counts as success.
type Driver interface {
	// EnsureDatabase creates the database for the target if it does not
	// already exist.
	EnsureDatabase(ctx context.Context, target Target) error

	// EnsureUser creates the owning role for the target and returns
	// connection credentials, including a ready-to-use DSN.
	EnsureUser(ctx context.Context, target Target) (Credentials, error)

	// Destroy tears down everything EnsureDatabase and EnsureUser created.
	// A resource that no longer exists is success, not an error.
	Destroy(ctx context.Context, target Target) error

	// Name returns the driver identifier used in configuration and logs.
	Name() string
}

// Driver identifiers accepted by NewDriver.
const (
	DriverDocker       = "docker"
	DriverDigitalOcean = "digitalocean"
	DriverAWS          = "aws"
	DriverHetzner      = "hetzner"
)

// =============================================================================
// Credentials
// =============================================================================

// Credentials holds the connection material for a provisioned database.
// Every driver fills the same keys: host, port, database, username,
// password, dsn.
type Credentials map[string]string

// DSN returns the ready-to-use connection string.
func (c Credentials) DSN() string {
	return c["dsn"]
}

// newCredentials assembles the canonical credential map. sslMode follows the
// backend: managed clusters require TLS, bootstrap servers and local
// containers do not terminate it.
func newCredentials(host, port, database, username, password, sslMode string) Credentials {
	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(username, password),
		Host:     net.JoinHostPort(host, port),
		Path:     "/" + database,
		RawQuery: "sslmode=" + sslMode,
	}
	return Credentials{
		"host":     host,
		"port":     port,
		"database": database,
		"username": username,
		"password": password,
		"dsn":      dsn.String(),
	}
}

// =============================================================================
// Naming
// =============================================================================

// ResourceName returns the backend resource name for a target: container
// name, EC2 Name tag, or Hetzner server name. Hyphenated so it is valid as
// a DNS label and a Docker container name.
func ResourceName(t Target) string {
	return "slipway-" + sanitize(t.Project, '-') + "-" + sanitize(t.Instance, '-') + "-" + sanitize(t.SubResource, '-')
}

// DatabaseName returns the database identifier for a target. Underscored,
// truncated to the 63-byte identifier limit.
func DatabaseName(t Target) string {
	return truncateIdent(sanitize(t.Project, '_') + "_" + sanitize(t.Instance, '_') + "_" + sanitize(t.SubResource, '_'))
}

// UserName returns the owning role name for a target. Postgres allows the
// role to share the database's name, but managed backends key users
// separately, so it stays its own helper.
func UserName(t Target) string {
	return DatabaseName(t)
}

// sanitize lowercases s and replaces anything outside [a-z0-9] with sep.
func sanitize(s string, sep rune) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(sep)
		}
	}
	return b.String()
}

func truncateIdent(s string) string {
	if len(s) > 63 {
		return s[:63]
	}
	return s
}

// derivePassword returns a deterministic password for a target so that
// retried provisioning runs and freshly booted servers agree on the secret
// without storing it before the sub-resource reaches Available.
func derivePassword(seed string, t Target) string {
	sum := sha256.Sum256([]byte(seed + "/" + ResourceName(t)))
	return hex.EncodeToString(sum[:])[:32]
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotReady means the backing resource exists but cannot serve
	// connections yet. The provisioner retries on its next cycle.
	ErrNotReady = errors.New("resource is not ready")

	// ErrMissingResource means EnsureUser ran against a target whose
	// database was never created.
	ErrMissingResource = errors.New("backing resource does not exist")
)

// ProvisionError wraps driver failures with operation context.
type ProvisionError struct {
	Op       string // operation that failed
	Driver   string // driver name
	Resource string // backend resource name
	Message  string
	Err      error
}

func (e *ProvisionError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s [%s] %s: %s", e.Op, e.Driver, e.Resource, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Op, e.Driver, e.Message)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// NewProvisionError creates a new ProvisionError.
func NewProvisionError(op, driver, resource, message string, err error) *ProvisionError {
	return &ProvisionError{
		Op:       op,
		Driver:   driver,
		Resource: resource,
		Message:  message,
		Err:      err,
	}
}
