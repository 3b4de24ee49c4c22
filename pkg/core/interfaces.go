package core

import (
	"context"
	"time"
)

// Store is the persistence boundary the core depends on. The concrete
// SQLite implementation lives in pkg/stores; tests use in-memory fakes.
type Store interface {
	// GetResource fetches a resource by kind and id.
	GetResource(ctx context.Context, kind TargetType, id string) (*Resource, error)

	// ListResources lists all resources of a kind.
	ListResources(ctx context.Context, kind TargetType) ([]*Resource, error)

	// UpdateResourceInfo replaces a resource's cached runtime info.
	UpdateResourceInfo(ctx context.Context, kind TargetType, id string, info []byte) error

	// CreateUpdate persists a new update record.
	CreateUpdate(ctx context.Context, u *Update) error

	// GetUpdate fetches an update with its logs.
	GetUpdate(ctx context.Context, id string) (*Update, error)

	// ListUpdates lists updates for a target, most recent first. A zero
	// target lists across all targets.
	ListUpdates(ctx context.Context, target Target, limit int) ([]*Update, error)

	// SetUpdateStatus transitions an update's status and stamps the
	// given transition time.
	SetUpdateStatus(ctx context.Context, id string, status UpdateStatus, at time.Time) error

	// AppendUpdateLog appends one log chunk to an update.
	AppendUpdateLog(ctx context.Context, id string, chunk LogChunk) error

	// FinalizeUpdate marks an update complete with its outcome. The
	// status, success flag, message and end time change atomically.
	FinalizeUpdate(ctx context.Context, id string, success bool, message string, at time.Time) error

	// ListUnfinishedUpdates returns every update not yet complete.
	ListUnfinishedUpdates(ctx context.Context) ([]*Update, error)
}

// LogSink receives incremental output chunks during remote execution.
type LogSink func(stream LogStream, chunk string)

// AgentResult is the typed outcome of a successful agent call.
type AgentResult struct {
	// ContainerID is set by deploy/start calls.
	ContainerID string

	// ContainerState is the state reported after the call, if any.
	ContainerState ContainerState

	// Image is the image reference involved, if any.
	Image string

	// Output is the final collected output, if the command produces one
	// beyond its streamed chunks.
	Output string
}

// AgentCall describes one remote command for the periphery agent.
type AgentCall struct {
	// Operation selects the remote command.
	Operation Operation

	// Deployment carries the container settings for container operations.
	Deployment *DeploymentConfig

	// Build carries the build settings for build operations.
	Build *BuildConfig

	// Timeout overrides the client default when positive.
	Timeout time.Duration
}

// Agent is the remote-execution boundary. Implementations classify every
// failure into an agent CoreError kind: Timeout, Unreachable or
// RemoteFault. Timeout outcomes are ambiguous about remote effects.
type Agent interface {
	// Execute runs one command on the server's periphery agent,
	// streaming output through sink as it arrives. A nil sink discards
	// output.
	Execute(ctx context.Context, server *ServerConfig, call AgentCall, sink LogSink) (*AgentResult, error)

	// Ping checks agent reachability and reports its version.
	Ping(ctx context.Context, server *ServerConfig) (*ServerInfo, error)
}

// PermissionGate decides whether an operator may perform an operation on
// a target. Checks run before any lock is taken or update created.
type PermissionGate interface {
	// Check returns nil when allowed, a permission CoreError when denied,
	// and other errors on evaluation failure.
	Check(ctx context.Context, operator string, op Operation, target Target) error
}

// EventPublisher is the broadcast boundary the dispatcher emits through.
// Implementations must never block the publisher.
type EventPublisher interface {
	Publish(event Event)
}
