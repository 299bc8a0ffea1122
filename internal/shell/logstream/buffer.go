// Package logstream buffers runtime log lines per deployment and fans them
// out to live followers. Build logs never pass through here; they are a
// single immutable blob on the deployment row.
package logstream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/slipway-dev/slipway/internal/core/domain"
)

// =============================================================================
// Configuration
// =============================================================================

// Config bounds per-deployment buffering.
type Config struct {
	// MaxLinesPerDeployment caps the in-memory buffer; the oldest half is
	// dropped when the cap is reached.
	MaxLinesPerDeployment int
	// FollowBuffer is the per-follower channel depth. A follower that falls
	// further behind skips lines rather than stalling the producer.
	FollowBuffer int
}

// DefaultConfig returns the default hub configuration.
func DefaultConfig() Config {
	return Config{
		MaxLinesPerDeployment: 10000,
		FollowBuffer:          256,
	}
}

// =============================================================================
// Hub
// =============================================================================

// Hub is the append-only runtime log store. Lines arrive from the container
// tailer or the executor callback API; readers take one-shot snapshots or
// follow live. A deployment's stream is closed to new lines once the registry
// marks it terminal, but its buffer stays readable.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]*stream
	config  Config
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(config Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.MaxLinesPerDeployment <= 0 {
		config.MaxLinesPerDeployment = defaults.MaxLinesPerDeployment
	}
	if config.FollowBuffer <= 0 {
		config.FollowBuffer = defaults.FollowBuffer
	}
	return &Hub{
		streams: make(map[string]*stream),
		config:  config,
		logger:  logger,
	}
}

type stream struct {
	mu        sync.Mutex
	lines     []domain.LogLine
	followers map[int]chan domain.LogLine
	nextID    int
	terminal  bool
}

// get returns the deployment's stream, creating it when create is set.
func (h *Hub) get(deploymentID string, create bool) *stream {
	h.mu.RLock()
	st := h.streams[deploymentID]
	h.mu.RUnlock()
	if st != nil || !create {
		return st
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if st = h.streams[deploymentID]; st == nil {
		st = &stream{followers: make(map[int]chan domain.LogLine)}
		h.streams[deploymentID] = st
	}
	return st
}

// Append adds a line to the deployment's buffer and hands it to every
// follower that can take it. Lines arriving after the deployment went
// terminal are dropped.
func (h *Hub) Append(deploymentID string, line domain.LogLine) {
	st := h.get(deploymentID, true)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.terminal {
		return
	}

	if len(st.lines) >= h.config.MaxLinesPerDeployment {
		keep := h.config.MaxLinesPerDeployment / 2
		trimmed := make([]domain.LogLine, keep, h.config.MaxLinesPerDeployment)
		copy(trimmed, st.lines[len(st.lines)-keep:])
		st.lines = trimmed
	}
	st.lines = append(st.lines, line)

	for _, ch := range st.followers {
		select {
		case ch <- line:
		default:
			// Follower buffer full; it skips this line.
		}
	}
}

// Snapshot returns a copy of the deployment's buffered lines.
func (h *Hub) Snapshot(deploymentID string) []domain.LogLine {
	st := h.get(deploymentID, false)
	if st == nil {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]domain.LogLine, len(st.lines))
	copy(out, st.lines)
	return out
}

// Follow returns a channel that first replays the buffered lines and then
// delivers live appends. The channel closes when ctx is cancelled or when the
// deployment goes terminal; on terminal, lines already buffered for this
// follower are flushed first.
func (h *Hub) Follow(ctx context.Context, deploymentID string) <-chan domain.LogLine {
	st := h.get(deploymentID, true)

	st.mu.Lock()
	snapshot := make([]domain.LogLine, len(st.lines))
	copy(snapshot, st.lines)
	var live chan domain.LogLine
	var id int
	if !st.terminal {
		id = st.nextID
		st.nextID++
		live = make(chan domain.LogLine, h.config.FollowBuffer)
		st.followers[id] = live
	}
	st.mu.Unlock()

	out := make(chan domain.LogLine)
	go func() {
		defer close(out)
		defer func() {
			if live != nil {
				st.mu.Lock()
				delete(st.followers, id)
				st.mu.Unlock()
			}
		}()

		for _, line := range snapshot {
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
		if live == nil {
			return
		}
		for {
			select {
			case line, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- line:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// MarkTerminal seals a deployment's stream: followers are flushed and closed,
// later appends are dropped. The buffer itself stays available for snapshots.
// Called by the deployment registry on every terminal transition.
func (h *Hub) MarkTerminal(deploymentID string) {
	st := h.get(deploymentID, false)
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.terminal {
		return
	}
	st.terminal = true
	for id, ch := range st.followers {
		close(ch)
		delete(st.followers, id)
	}
	h.logger.Debug("log stream sealed", "deployment_id", deploymentID, "lines", len(st.lines))
}
