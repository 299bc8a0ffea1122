package logstream

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/slipway-dev/slipway/internal/core/domain"
)

// =============================================================================
// Container Log Tailer
// =============================================================================

// ContainerLogSource is the slice of the Docker API the tailer needs.
// Satisfied by *client.Client.
type ContainerLogSource interface {
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
}

// Tailer attaches to a running container and feeds its output into the hub,
// one line at a time.
type Tailer struct {
	source ContainerLogSource
	hub    *Hub
	logger *slog.Logger
}

// NewTailer creates a tailer feeding the given hub.
func NewTailer(source ContainerLogSource, hub *Hub, logger *slog.Logger) *Tailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		source: source,
		hub:    hub,
		logger: logger,
	}
}

// Tail follows the container's output and appends each line to the
// deployment's stream. It returns when the container's stream ends or ctx is
// cancelled; cancellation is not an error.
func (t *Tailer) Tail(ctx context.Context, deploymentID, containerID string) error {
	reader, err := t.source.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
	})
	if err != nil {
		return fmt.Errorf("attach logs for container %s: %w", containerID, err)
	}
	defer reader.Close()

	t.logger.Debug("log tail attached",
		"deployment_id", deploymentID,
		"container_id", containerID,
	)

	// Docker multiplexes stdout/stderr into 8-byte-header frames:
	// byte 0 names the stream, bytes 4..8 carry the payload length.
	buf := bufio.NewReader(reader)
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(buf, header); err != nil {
			if streamEnded(ctx, err) {
				return nil
			}
			return fmt.Errorf("read log frame header for container %s: %w", containerID, err)
		}
		streamName := "stdout"
		if header[0] == 2 {
			streamName = "stderr"
		}

		payload := make([]byte, binary.BigEndian.Uint32(header[4:8]))
		if _, err := io.ReadFull(buf, payload); err != nil {
			if streamEnded(ctx, err) {
				return nil
			}
			return fmt.Errorf("read log frame payload for container %s: %w", containerID, err)
		}

		t.hub.Append(deploymentID, parseLogLine(streamName, payload))
	}
}

// streamEnded reports whether a read error means the log stream is simply
// over: the container stopped or the caller cancelled.
func streamEnded(ctx context.Context, err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return ctx.Err() != nil
}

// parseLogLine splits the RFC 3339 timestamp Docker prefixes when Timestamps
// is set; lines without one get the receive time.
func parseLogLine(streamName string, payload []byte) domain.LogLine {
	message := strings.TrimRight(string(payload), "\n")
	timestamp := time.Now().UTC()
	if i := strings.IndexByte(message, ' '); i > 0 {
		if parsed, err := time.Parse(time.RFC3339Nano, message[:i]); err == nil {
			timestamp = parsed
			message = message[i+1:]
		}
	}
	return domain.LogLine{
		Timestamp: timestamp,
		Stream:    streamName,
		Message:   message,
	}
}
