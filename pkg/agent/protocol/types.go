// Package protocol defines the JSON-over-stdio communication protocol
// between the orchestrator and the stevedore periphery agent.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the agent is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from the orchestrator
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent indicates an output chunk from the agent
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates an error occurred
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the agent is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandTypeDeploy pulls an image and (re)creates a container
	CommandTypeDeploy CommandType = "container.deploy"
	// CommandTypeStart starts an existing container
	CommandTypeStart CommandType = "container.start"
	// CommandTypeStop stops a running container
	CommandTypeStop CommandType = "container.stop"
	// CommandTypeRemove removes a container
	CommandTypeRemove CommandType = "container.remove"
	// CommandTypePrune removes all stopped containers and dangling images
	CommandTypePrune CommandType = "container.prune"
	// CommandTypeBuild builds an image from a repository
	CommandTypeBuild CommandType = "image.build"
	// CommandTypeLogs fetches recent container logs
	CommandTypeLogs CommandType = "container.logs"
	// CommandTypeStats fetches container resource usage
	CommandTypeStats CommandType = "container.stats"
	// CommandTypePing verifies the agent is responsive
	CommandTypePing CommandType = "ping"
)

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the agent is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Runtime  string            `json:"runtime"` // docker, podman
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Timeout int             `json:"timeout"` // seconds
	Params  json.RawMessage `json:"params,omitempty"`
}

// EventMessage carries one output chunk produced during command
// execution.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Stream    string `json:"stream"` // stdout, stderr
	Chunk     string `json:"chunk"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates an error occurred.
type ErrorMessage struct {
	CommandID string `json:"command_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ExitMessage is sent before the agent terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// Command parameter structures for each command type

// DeployParams describes the container to create.
type DeployParams struct {
	Image         string            `json:"image"`
	ContainerName string            `json:"container_name"`
	Env           map[string]string `json:"env,omitempty"`
	Ports         []string          `json:"ports,omitempty"` // host:container
	Volumes       []string          `json:"volumes,omitempty"`
	Restart       string            `json:"restart,omitempty"`
}

// DeployResult is returned after a successful deploy.
type DeployResult struct {
	ContainerID string `json:"container_id"`
	Image       string `json:"image"`
	Recreated   bool   `json:"recreated"` // an older container was replaced
}

// StartParams names the container to start.
type StartParams struct {
	ContainerName string `json:"container_name"`
}

// StartResult is returned after a successful start.
type StartResult struct {
	ContainerID string `json:"container_id"`
}

// StopParams names the container to stop.
type StopParams struct {
	ContainerName string `json:"container_name"`
	GraceSeconds  int    `json:"grace_seconds,omitempty"`
}

// StopResult is returned after a successful stop. Stopping a container
// that is already stopped or absent reports Changed false.
type StopResult struct {
	Changed bool `json:"changed"`
}

// RemoveParams names the container to remove.
type RemoveParams struct {
	ContainerName string `json:"container_name"`
	Force         bool   `json:"force,omitempty"`
}

// RemoveResult is returned after a successful remove.
type RemoveResult struct {
	Changed bool `json:"changed"`
}

// PruneResult summarizes a prune pass.
type PruneResult struct {
	ContainersRemoved int    `json:"containers_removed"`
	SpaceReclaimed    string `json:"space_reclaimed,omitempty"`
}

// BuildParams describes the image build.
type BuildParams struct {
	Repo       string `json:"repo"`
	Branch     string `json:"branch,omitempty"`
	Dockerfile string `json:"dockerfile,omitempty"`
	Image      string `json:"image"`
}

// BuildResult is returned after a successful build.
type BuildResult struct {
	Image  string `json:"image"`
	Digest string `json:"digest,omitempty"`
}

// LogsParams selects which container logs to fetch.
type LogsParams struct {
	ContainerName string `json:"container_name"`
	Tail          int    `json:"tail,omitempty"`
}

// LogsResult carries the fetched log text.
type LogsResult struct {
	Logs string `json:"logs"`
}

// StatsParams names the container to sample.
type StatsParams struct {
	ContainerName string `json:"container_name"`
}

// StatsResult carries one resource usage sample.
type StatsResult struct {
	CPUPercent string `json:"cpu_percent"`
	MemUsage   string `json:"mem_usage"`
	NetIO      string `json:"net_io"`
}

// PingResult echoes the agent identity.
type PingResult struct {
	Version string `json:"version"`
	Runtime string `json:"runtime"`
}

// Validation methods

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeDeploy, CommandTypeStart, CommandTypeStop,
		CommandTypeRemove, CommandTypePrune, CommandTypeBuild,
		CommandTypeLogs, CommandTypeStats, CommandTypePing:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Stream == "" {
		evt.Stream = "stdout"
	}
	if evt.Stream != "stdout" && evt.Stream != "stderr" {
		return fmt.Errorf("invalid event stream: %s", evt.Stream)
	}
	return nil
}
