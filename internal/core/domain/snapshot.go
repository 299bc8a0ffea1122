package domain

// =============================================================================
// Config Snapshot
// =============================================================================

// ConfigSnapshot captures the environment and routing configuration of a
// deployment at creation time. It is immutable afterwards; a rollback copies
// it verbatim into the new deployment.
type ConfigSnapshot struct {
	Env     map[string]string `json:"env,omitempty"`
	Routing RoutingConfig     `json:"routing"`
}

// RoutingConfig is the traffic-routing part of a snapshot. How it is realized
// (ingress objects, proxy labels) is the deployment executor's concern.
type RoutingConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	Path string `json:"path,omitempty"`
}

// Clone returns a deep copy so later map writes cannot leak into a stored
// snapshot.
func (s ConfigSnapshot) Clone() ConfigSnapshot {
	out := ConfigSnapshot{Routing: s.Routing}
	if s.Env != nil {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	return out
}
