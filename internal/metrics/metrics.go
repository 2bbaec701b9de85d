// Package metrics emits operational counters and timers over statsd. When no
// statsd host is configured the sink swaps in a no-op client, so callers
// never need to guard emission.
package metrics

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// Metric names emitted by the relay.
const (
	// ConnRequest counts websocket requests, tagged with the route type
	// ("type:new", "type:existing", "type:error", or "type:none").
	ConnRequest = "conn.request"
	// ConnCreate counts sessions attached to a channel.
	ConnCreate = "conn.create"
	// ConnMaxConn counts connections refused because the channel was full.
	ConnMaxConn = "conn.max.conn"
	// ConnMaxData counts channels torn down for exceeding the byte quota.
	ConnMaxData = "conn.max.data"
	// ConnMaxMsg counts channels torn down for exceeding the message quota.
	ConnMaxMsg = "conn.max.msg"
	// ConnExpired counts sessions dropped for client inactivity.
	ConnExpired = "conn.expired"
	// ConnTimeout counts sessions dropped for reaching the lifespan cap.
	ConnTimeout = "conn.timeout"
	// ConnLength times how long a session stayed connected.
	ConnLength = "conn.length"
)

// StatsdClient is the subset of the datadog statsd client the sink uses.
type StatsdClient interface {
	Incr(name string, tags []string, rate float64) error
	Timing(name string, value time.Duration, tags []string, rate float64) error
	Close() error
}

var (
	_ StatsdClient = (*statsd.Client)(nil)
	_ StatsdClient = (*statsd.NoOpClient)(nil)
)

// Sink forwards metrics to a statsd client. Emission failures are logged and
// swallowed; metrics never interfere with relaying.
type Sink struct {
	client StatsdClient
	logger *slog.Logger
}

// New builds a sink sending to addr under the given namespace. An empty addr
// disables emission entirely.
func New(addr, namespace string, logger *slog.Logger) (*Sink, error) {
	if addr == "" {
		return NewForClient(&statsd.NoOpClient{}, logger), nil
	}
	client, err := statsd.New(addr,
		statsd.WithNamespace(strings.TrimSuffix(namespace, ".")+"."),
		statsd.WithoutTelemetry(),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: cannot reach statsd at %q: %w", addr, err)
	}
	return NewForClient(client, logger), nil
}

// NewForClient wraps an existing client.
func NewForClient(client StatsdClient, logger *slog.Logger) *Sink {
	return &Sink{client: client, logger: logger}
}

// Increment bumps a counter by one.
func (s *Sink) Increment(name string, tags ...string) {
	if err := s.client.Incr(name, tags, 1); err != nil {
		s.logger.Warn("metrics: emit failed", "metric", name, "error", err)
	}
}

// Timing records a duration.
func (s *Sink) Timing(name string, value time.Duration, tags ...string) {
	if err := s.client.Timing(name, value, tags, 1); err != nil {
		s.logger.Warn("metrics: emit failed", "metric", name, "error", err)
	}
}

// Close flushes and shuts down the underlying client.
func (s *Sink) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("metrics: close: %w", err)
	}
	return nil
}
