package compose

import "github.com/slipway-dev/slipway/internal/core/domain"

// =============================================================================
// Import Types
// =============================================================================

// Routing metadata is carried on the service as labels, since compose has no
// native host/path routing fields.
const (
	LabelRoutingHost = "routing.host"
	LabelRoutingPath = "routing.path"
)

// ImportResult is what a compose fragment contributes to a deploy request:
// the image to roll out and the captured config snapshot.
type ImportResult struct {
	Image    string
	Snapshot domain.ConfigSnapshot
}
