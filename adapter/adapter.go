// Package adapter defines the event-bus boundary for spawn lifecycle
// notifications.
//
// Adapters publish spawn completion and failure events to downstream
// systems (monitoring, audit trails, autoscalers). The engine owns
// adapter lifecycle and publishes best-effort: a failed publish is
// logged, never surfaced as a spawn failure.
package adapter

import "context"

// Event types.
const (
	EventTypeSpawnSucceeded = "spawn_succeeded"
	EventTypeSpawnFailed    = "spawn_failed"
)

// SpawnEvent is the payload published when a spawn attempt finishes,
// successfully or not.
type SpawnEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // spawn_succeeded | spawn_failed
	AppRoot         string `json:"app_root"`
	AppEnv          string `json:"app_env"`
	SpawnMethod     string `json:"spawn_method"`
	JourneyType     string `json:"journey_type"`
	Timestamp       string `json:"timestamp"` // ISO 8601
	DurationMs      int64  `json:"duration_ms"`

	// Success fields.
	Pid          int `json:"pid,omitempty"`
	PreloaderPid int `json:"preloader_pid,omitempty"`
	SocketCount  int `json:"socket_count,omitempty"`

	// Failure fields.
	ErrorCategory   string `json:"error_category,omitempty"`
	ErrorSummary    string `json:"error_summary,omitempty"`
	FirstFailedStep string `json:"first_failed_step,omitempty"`
}

// Adapter publishes spawn events to a downstream system.
// Implementations must be safe for concurrent use: one spawner may
// publish from several spawn attempts over its lifetime.
type Adapter interface {
	// Publish sends a spawn event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *SpawnEvent) error

	// Close releases adapter resources.
	Close() error
}
