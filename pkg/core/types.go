package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// TargetType identifies the kind of resource an action applies to.
type TargetType string

const (
	// TargetServer is a managed remote host running a periphery agent.
	TargetServer TargetType = "server"

	// TargetDeployment is a container deployed on a server.
	TargetDeployment TargetType = "deployment"

	// TargetBuild is an image build definition.
	TargetBuild TargetType = "build"

	// TargetProcedure is an ordered sequence of actions on other targets.
	TargetProcedure TargetType = "procedure"

	// TargetSystem addresses the orchestrator itself rather than a resource.
	TargetSystem TargetType = "system"
)

// Validate checks if the target type is one of the known kinds.
func (t TargetType) Validate() error {
	switch t {
	case TargetServer, TargetDeployment, TargetBuild, TargetProcedure, TargetSystem:
		return nil
	default:
		return fmt.Errorf("invalid target type: %s", t)
	}
}

// Target is a typed reference to a resource or the system as a whole.
// It is immutable once created and is used as the key for action locking.
type Target struct {
	// Type is the kind of resource being referenced.
	Type TargetType `json:"type"`

	// ID is the store-assigned identifier. Empty only for system targets.
	ID string `json:"id,omitempty"`
}

// SystemTarget returns the target addressing the orchestrator itself.
func SystemTarget() Target {
	return Target{Type: TargetSystem}
}

// String returns the canonical "type/id" form used in logs and lock keys.
func (t Target) String() string {
	if t.Type == TargetSystem {
		return string(TargetSystem)
	}
	return fmt.Sprintf("%s/%s", t.Type, t.ID)
}

// Validate checks the target is well formed.
func (t Target) Validate() error {
	if err := t.Type.Validate(); err != nil {
		return err
	}
	if t.Type != TargetSystem && t.ID == "" {
		return fmt.Errorf("target id is required for type %s", t.Type)
	}
	return nil
}

// Operation is the closed set of action kinds the dispatcher accepts.
// Routing is through a total dispatch table; adding an operation here
// without a table entry fails at dispatcher construction time.
type Operation string

const (
	OpDeploy          Operation = "Deploy"
	OpStartContainer  Operation = "StartContainer"
	OpStopContainer   Operation = "StopContainer"
	OpRemoveContainer Operation = "RemoveContainer"
	OpPruneContainers Operation = "PruneContainers"
	OpBuild           Operation = "Build"
	OpRunProcedure    Operation = "RunProcedure"
)

// Operations returns all known operations in a stable order.
func Operations() []Operation {
	return []Operation{
		OpDeploy,
		OpStartContainer,
		OpStopContainer,
		OpRemoveContainer,
		OpPruneContainers,
		OpBuild,
		OpRunProcedure,
	}
}

// Validate checks if the operation is one of the known kinds.
func (o Operation) Validate() error {
	for _, known := range Operations() {
		if o == known {
			return nil
		}
	}
	return fmt.Errorf("invalid operation: %s", o)
}

// UpdateStatus is the lifecycle state of an update record.
type UpdateStatus string

const (
	// UpdateQueued means the update exists but execution has not begun.
	UpdateQueued UpdateStatus = "queued"

	// UpdateInProgress means the remote call is underway and logs may be appended.
	UpdateInProgress UpdateStatus = "in_progress"

	// UpdateComplete is terminal. Success and the end timestamp are set
	// atomically with this transition and never change afterwards.
	UpdateComplete UpdateStatus = "complete"
)

// IsTerminal returns true if the status allows no further transitions.
func (s UpdateStatus) IsTerminal() bool {
	return s == UpdateComplete
}

// LogStream identifies which output stream a log chunk came from.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// LogChunk is one appended piece of update output.
type LogChunk struct {
	// Stream is stdout or stderr.
	Stream LogStream `json:"stream"`

	// Chunk is the raw output text.
	Chunk string `json:"chunk"`

	// Timestamp is when the chunk was appended.
	Timestamp time.Time `json:"timestamp"`
}

// Update is the durable record of one dispatched action's lifecycle.
// It is created and mutated exclusively by the dispatcher through the
// ledger, and is immutable once Complete.
type Update struct {
	// ID is the unique identifier for this update.
	ID string `json:"id"`

	// Target is what the action applies to.
	Target Target `json:"target"`

	// Operation is the action kind being executed.
	Operation Operation `json:"operation"`

	// Operator is the caller identity that requested the action.
	Operator string `json:"operator"`

	// Status is the current lifecycle state.
	Status UpdateStatus `json:"status"`

	// Success is meaningful only once Status is Complete.
	Success bool `json:"success"`

	// Message is the terminal summary: error detail on failure, short
	// confirmation on success.
	Message string `json:"message,omitempty"`

	// CreatedAt is when the update was opened (queued).
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is set on the queued -> in-progress transition.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is set on the in-progress -> complete transition.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Logs is the ordered append-only output captured during execution.
	Logs []LogChunk `json:"logs,omitempty"`
}

// Resource is the common shape shared by servers, deployments, builds and
// procedures. Config and Info are variant-typed per kind and carried as
// raw JSON; the typed structs below decode them.
type Resource struct {
	// ID is the store-assigned unique identifier.
	ID string `json:"id"`

	// Kind is the resource kind; never TargetSystem.
	Kind TargetType `json:"kind"`

	// Name is unique per kind.
	Name string `json:"name"`

	// Config is the kind-specific settings, edited by users.
	Config json.RawMessage `json:"config"`

	// Info is the cached runtime status. It is mutated only by the
	// dispatcher as a side effect of actions, never by direct user edit.
	Info json.RawMessage `json:"info,omitempty"`

	// Tags is the set of tag ids attached to this resource.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt is when the resource was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the resource was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Target returns the typed reference for this resource.
func (r *Resource) Target() Target {
	return Target{Type: r.Kind, ID: r.ID}
}

// ServerConfig is the user-edited configuration of a managed host.
type ServerConfig struct {
	// Host is the address the periphery agent is reached at.
	Host string `json:"host"`

	// Port is the SSH port of the host.
	Port int `json:"port,omitempty"`

	// User is the SSH user the agent runs as.
	User string `json:"user,omitempty"`

	// Enabled gates whether actions may be dispatched to this server.
	Enabled bool `json:"enabled"`
}

// ServerInfo is the cached reachability status of a server.
type ServerInfo struct {
	// Reachable is the outcome of the last agent contact.
	Reachable bool `json:"reachable"`

	// AgentVersion is reported by the agent's READY handshake.
	AgentVersion string `json:"agent_version,omitempty"`

	// CheckedAt is when reachability was last observed.
	CheckedAt time.Time `json:"checked_at"`
}

// ContainerState is the cached runtime state of a deployment's container.
type ContainerState string

const (
	ContainerRunning     ContainerState = "running"
	ContainerExited      ContainerState = "exited"
	ContainerNotDeployed ContainerState = "not_deployed"
	ContainerUnknown     ContainerState = "unknown"
)

// DeploymentConfig is the user-edited configuration of a deployment.
type DeploymentConfig struct {
	// ServerID is the server this deployment's container runs on.
	ServerID string `json:"server_id"`

	// Image is the image reference to deploy.
	Image string `json:"image"`

	// ContainerName is the name given to the container on the host.
	ContainerName string `json:"container_name"`

	// Env is the environment passed to the container.
	Env map[string]string `json:"env,omitempty"`

	// Ports are host:container publish specs, e.g. "8080:80".
	Ports []string `json:"ports,omitempty"`

	// Volumes are host:container mount specs.
	Volumes []string `json:"volumes,omitempty"`

	// Restart is the container restart policy.
	Restart string `json:"restart,omitempty"`
}

// DeploymentInfo is the cached runtime status of a deployment.
type DeploymentInfo struct {
	// State is the last observed container state.
	State ContainerState `json:"state"`

	// ContainerID is the runtime id of the deployed container, if any.
	ContainerID string `json:"container_id,omitempty"`

	// Image is the image the running container was created from.
	Image string `json:"image,omitempty"`

	// UpdatedAt is when the state was last changed by an action.
	UpdatedAt time.Time `json:"updated_at"`
}

// BuildConfig is the user-edited configuration of an image build.
type BuildConfig struct {
	// ServerID is the server whose agent performs the build.
	ServerID string `json:"server_id"`

	// Repo is the source repository URL.
	Repo string `json:"repo"`

	// Branch is the branch to build. Defaults to the repo default.
	Branch string `json:"branch,omitempty"`

	// Dockerfile is the path to the build file within the repo.
	Dockerfile string `json:"dockerfile,omitempty"`

	// Image is the tag applied to the built image.
	Image string `json:"image"`
}

// BuildInfo is the cached status of a build definition.
type BuildInfo struct {
	// LastBuiltAt is when the last successful build finished.
	LastBuiltAt *time.Time `json:"last_built_at,omitempty"`

	// LastImage is the image tag produced by the last successful build.
	LastImage string `json:"last_image,omitempty"`
}

// ProcedureStep is one entry of a procedure: an operation on a target.
type ProcedureStep struct {
	Target    Target    `json:"target"`
	Operation Operation `json:"operation"`
}

// ProcedureConfig is the user-edited configuration of a procedure.
type ProcedureConfig struct {
	// Steps run in order. A failing step does not stop later steps;
	// the procedure's update reports per-step outcomes.
	Steps []ProcedureStep `json:"steps"`
}

// ProcedureInfo is the cached status of a procedure.
type ProcedureInfo struct {
	// LastRunAt is when the procedure last completed.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// EventType is the kind of a broadcast event.
type EventType string

const (
	// EventUpdateCreated fires when a new update is opened.
	EventUpdateCreated EventType = "update.created"

	// EventUpdateProgress fires for each log chunk appended to an
	// in-progress update, enabling live tail semantics.
	EventUpdateProgress EventType = "update.progress"

	// EventUpdateFinished fires when an update reaches Complete.
	EventUpdateFinished EventType = "update.finished"

	// EventResourceChanged fires when a resource's cached info changes.
	EventResourceChanged EventType = "resource.changed"
)

// Event is the envelope delivered to broadcast subscribers. The transport
// layer owns the wire framing; the envelope itself is JSON-serializable.
type Event struct {
	// Type is the event kind.
	Type EventType `json:"type"`

	// Target is the resource the event relates to.
	Target Target `json:"target"`

	// Payload is the event-specific body (update id, log chunk, ...).
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"ts"`
}

// UpdatePayload is the payload for update lifecycle events.
type UpdatePayload struct {
	UpdateID  string    `json:"update_id"`
	Operation Operation `json:"operation"`
	Success   *bool     `json:"success,omitempty"`
}

// ProgressPayload is the payload for update progress events.
type ProgressPayload struct {
	UpdateID string    `json:"update_id"`
	Stream   LogStream `json:"stream"`
	Chunk    string    `json:"chunk"`
}
