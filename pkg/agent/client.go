// Package agent implements the orchestrator-side client for the
// stevedore periphery agent. It speaks the JSON-lines protocol over a
// pluggable transport and classifies every failure into the core agent
// error taxonomy: timeout, unreachable or remote fault.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stevedore-io/stevedore/pkg/agent/protocol"
	"github.com/stevedore-io/stevedore/pkg/core"
)

// Transport is one established channel to a remote host, over which the
// agent binary can be uploaded and executed. The SSH implementation
// lives in pkg/transports/ssh.
type Transport interface {
	// Upload copies a local file to the remote host.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts the remote process and returns its stdio.
	Execute(ctx context.Context, remotePath string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Cleanup removes the uploaded binary from the remote host.
	Cleanup(ctx context.Context, remotePath string) error
	// Close tears the channel down.
	Close() error
}

// TransportFactory opens a transport to the given server. Dial failures
// must be returned as-is; the client classifies them as unreachable.
type TransportFactory func(ctx context.Context, server *core.ServerConfig) (Transport, error)

// CallObserver receives one callback per agent round trip, for
// metrics. Implementations must be safe for concurrent use.
type CallObserver interface {
	AgentCall(command string, elapsed time.Duration, err error)
}

// Config contains client configuration options.
type Config struct {
	// Factory opens transports to servers.
	Factory TransportFactory

	// Observer, when set, is notified of every round trip's outcome.
	Observer CallObserver

	// AgentPath is the local path of the agent binary to upload. Empty
	// means the binary is assumed present at RemotePath already.
	AgentPath string

	// RemotePath is where the agent lives on the remote host.
	RemotePath string

	// DefaultTimeout bounds each command when the call does not carry
	// its own.
	DefaultTimeout time.Duration

	// StartupTimeout bounds the wait for the agent's READY handshake.
	StartupTimeout time.Duration
}

// Client implements core.Agent over the stevedore agent protocol.
type Client struct {
	cfg    Config
	logger zerolog.Logger
}

// NewClient creates a new periphery agent client.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = "/tmp/stevedore-agent"
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 2 * time.Minute
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "agent-client").Logger(),
	}, nil
}

// Execute runs one command on the server's periphery agent, streaming
// output chunks through sink. The outcome is classified: deadline
// overruns are timeouts (remote effects unknown), dial and handshake
// failures are unreachable, agent-reported failures are remote faults.
func (c *Client) Execute(ctx context.Context, server *core.ServerConfig, call core.AgentCall, sink core.LogSink) (*core.AgentResult, error) {
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, err := buildCommand(call, timeout)
	if err != nil {
		return nil, err
	}

	done, err := c.roundTrip(ctx, server, cmd, sink)
	if err != nil {
		return nil, err
	}
	return parseResult(call.Operation, done)
}

// Ping checks agent reachability and reports its version.
func (c *Client) Ping(ctx context.Context, server *core.ServerConfig) (*core.ServerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	sess, err := c.dial(ctx, server)
	if err != nil {
		return nil, err
	}
	defer sess.close()

	return &core.ServerInfo{
		Reachable:    true,
		AgentVersion: sess.ready.Version,
		CheckedAt:    time.Now(),
	}, nil
}

// FetchLogs retrieves the tail of a deployment's container logs.
func (c *Client) FetchLogs(ctx context.Context, server *core.ServerConfig, containerName string, tail int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DefaultTimeout)
	defer cancel()

	params, err := json.Marshal(protocol.LogsParams{ContainerName: containerName, Tail: tail})
	if err != nil {
		return "", core.NewInternalError("marshal logs params").WithCause(err)
	}
	done, err := c.roundTrip(ctx, server, &protocol.CommandMessage{
		ID:      uuid.New().String(),
		Type:    protocol.CommandTypeLogs,
		Timeout: wireTimeout(c.cfg.DefaultTimeout),
		Params:  params,
	}, nil)
	if err != nil {
		return "", err
	}

	var result protocol.LogsResult
	if err := protocol.ParseParams(done.Result, &result); err != nil {
		return "", core.NewAgentError(core.AgentRemoteFault, "malformed logs result").WithCause(err)
	}
	return result.Logs, nil
}

// FetchStats retrieves one resource usage sample for a container.
func (c *Client) FetchStats(ctx context.Context, server *core.ServerConfig, containerName string) (*protocol.StatsResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DefaultTimeout)
	defer cancel()

	params, err := json.Marshal(protocol.StatsParams{ContainerName: containerName})
	if err != nil {
		return nil, core.NewInternalError("marshal stats params").WithCause(err)
	}
	done, err := c.roundTrip(ctx, server, &protocol.CommandMessage{
		ID:      uuid.New().String(),
		Type:    protocol.CommandTypeStats,
		Timeout: wireTimeout(c.cfg.DefaultTimeout),
		Params:  params,
	}, nil)
	if err != nil {
		return nil, err
	}

	var result protocol.StatsResult
	if err := protocol.ParseParams(done.Result, &result); err != nil {
		return nil, core.NewAgentError(core.AgentRemoteFault, "malformed stats result").WithCause(err)
	}
	return &result, nil
}

// session is one live agent process reached over a transport.
type session struct {
	transport Transport
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	enc       *protocol.Encoder
	dec       *protocol.Decoder
	ready     *protocol.ReadyMessage
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		if s.stdin != nil {
			_ = s.stdin.Close()
		}
		if s.stdout != nil {
			_ = s.stdout.Close()
		}
		if s.transport != nil {
			_ = s.transport.Close()
		}
	})
}

// dial opens a transport, uploads the agent when configured, starts it
// and waits for the READY handshake.
func (c *Client) dial(ctx context.Context, server *core.ServerConfig) (*session, error) {
	transport, err := c.cfg.Factory(ctx, server)
	if err != nil {
		return nil, core.NewAgentError(core.AgentUnreachable, "dial %s", server.Host).WithCause(err)
	}

	sess := &session{transport: transport}
	if c.cfg.AgentPath != "" {
		if err := transport.Upload(ctx, c.cfg.AgentPath, c.cfg.RemotePath); err != nil {
			sess.close()
			return nil, core.NewAgentError(core.AgentUnreachable, "upload agent to %s", server.Host).WithCause(err)
		}
	}

	stdin, stdout, err := transport.Execute(ctx, c.cfg.RemotePath)
	if err != nil {
		sess.close()
		return nil, core.NewAgentError(core.AgentUnreachable, "start agent on %s", server.Host).WithCause(err)
	}
	sess.stdin = stdin
	sess.stdout = stdout
	sess.enc = protocol.NewEncoder(stdin)
	sess.dec = protocol.NewDecoder(stdout)

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	type readyOutcome struct {
		ready *protocol.ReadyMessage
		err   error
	}
	readyCh := make(chan readyOutcome, 1)
	go func() {
		msg, err := sess.dec.Decode()
		if err != nil {
			readyCh <- readyOutcome{err: err}
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			readyCh <- readyOutcome{err: fmt.Errorf("expected READY, got %s", msg.Type)}
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(msg.Data, &ready); err != nil {
			readyCh <- readyOutcome{err: err}
			return
		}
		readyCh <- readyOutcome{ready: &ready}
	}()

	select {
	case <-readyCtx.Done():
		sess.close()
		return nil, core.NewAgentError(core.AgentUnreachable, "agent on %s did not report ready", server.Host).
			WithCause(readyCtx.Err())
	case outcome := <-readyCh:
		if outcome.err != nil {
			sess.close()
			return nil, core.NewAgentError(core.AgentUnreachable, "agent handshake with %s", server.Host).
				WithCause(outcome.err)
		}
		sess.ready = outcome.ready
		c.logger.Debug().
			Str("host", server.Host).
			Str("agent_version", sess.ready.Version).
			Str("runtime", sess.ready.Runtime).
			Msg("Agent session established")
		return sess, nil
	}
}

// roundTrip runs one command exchange and reports its outcome to the
// observer when one is configured.
func (c *Client) roundTrip(ctx context.Context, server *core.ServerConfig, cmd *protocol.CommandMessage, sink core.LogSink) (*protocol.DoneMessage, error) {
	start := time.Now()
	done, err := c.exchange(ctx, server, cmd, sink)
	if c.cfg.Observer != nil {
		c.cfg.Observer.AgentCall(string(cmd.Type), time.Since(start), err)
	}
	return done, err
}

// exchange dials, sends one command and pumps the response stream until
// DONE or ERROR. Deadline overruns anywhere in the exchange come back as
// timeout errors.
func (c *Client) exchange(ctx context.Context, server *core.ServerConfig, cmd *protocol.CommandMessage, sink core.LogSink) (*protocol.DoneMessage, error) {
	sess, err := c.dial(ctx, server)
	if err != nil {
		return nil, err
	}
	defer sess.close()

	if err := sess.enc.EncodeCommand(cmd); err != nil {
		return nil, core.NewAgentError(core.AgentUnreachable, "send command to %s", server.Host).WithCause(err)
	}

	type outcome struct {
		done *protocol.DoneMessage
		err  error
	}
	outcomeCh := make(chan outcome, 1)
	go func() {
		done, err := pump(sess.dec, cmd.ID, sink)
		outcomeCh <- outcome{done: done, err: err}
	}()

	select {
	case <-ctx.Done():
		// Unblock the pump goroutine.
		sess.close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, core.NewAgentError(core.AgentTimeout, "command %s on %s exceeded its deadline", cmd.Type, server.Host).
				WithCause(ctx.Err())
		}
		return nil, core.NewAgentError(core.AgentTimeout, "command %s on %s cancelled", cmd.Type, server.Host).
			WithCause(ctx.Err())
	case o := <-outcomeCh:
		return o.done, o.err
	}
}

// pump consumes the response stream for one command, forwarding output
// events to sink.
func pump(dec *protocol.Decoder, commandID string, sink core.LogSink) (*protocol.DoneMessage, error) {
	for {
		msg, err := dec.Decode()
		if err != nil {
			return nil, core.NewAgentError(core.AgentUnreachable, "agent stream ended").WithCause(err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				return nil, core.NewAgentError(core.AgentRemoteFault, "malformed event").WithCause(err)
			}
			if event.CommandID != commandID {
				continue
			}
			if sink != nil {
				sink(core.LogStream(event.Stream), event.Chunk)
			}

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				return nil, core.NewAgentError(core.AgentRemoteFault, "malformed done").WithCause(err)
			}
			if done.CommandID != commandID {
				return nil, core.NewAgentError(core.AgentRemoteFault, "command id mismatch: expected %s, got %s", commandID, done.CommandID)
			}
			return &done, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return nil, core.NewAgentError(core.AgentRemoteFault, "malformed error").WithCause(err)
			}
			return nil, core.NewAgentError(core.AgentRemoteFault, "%s: %s", errMsg.Code, errMsg.Message)

		case protocol.MessageTypeExit:
			return nil, core.NewAgentError(core.AgentRemoteFault, "agent exited mid-command")

		default:
			return nil, core.NewAgentError(core.AgentRemoteFault, "unexpected message type: %s", msg.Type)
		}
	}
}

// buildCommand maps a core agent call onto a wire command.
func buildCommand(call core.AgentCall, timeout time.Duration) (*protocol.CommandMessage, error) {
	var (
		cmdType protocol.CommandType
		params  interface{}
	)

	switch call.Operation {
	case core.OpDeploy:
		if call.Deployment == nil {
			return nil, core.NewInternalError("deploy call without deployment config")
		}
		cmdType = protocol.CommandTypeDeploy
		params = protocol.DeployParams{
			Image:         call.Deployment.Image,
			ContainerName: call.Deployment.ContainerName,
			Env:           call.Deployment.Env,
			Ports:         call.Deployment.Ports,
			Volumes:       call.Deployment.Volumes,
			Restart:       call.Deployment.Restart,
		}
	case core.OpStartContainer:
		if call.Deployment == nil {
			return nil, core.NewInternalError("start call without deployment config")
		}
		cmdType = protocol.CommandTypeStart
		params = protocol.StartParams{ContainerName: call.Deployment.ContainerName}
	case core.OpStopContainer:
		if call.Deployment == nil {
			return nil, core.NewInternalError("stop call without deployment config")
		}
		cmdType = protocol.CommandTypeStop
		params = protocol.StopParams{ContainerName: call.Deployment.ContainerName}
	case core.OpRemoveContainer:
		if call.Deployment == nil {
			return nil, core.NewInternalError("remove call without deployment config")
		}
		cmdType = protocol.CommandTypeRemove
		params = protocol.RemoveParams{ContainerName: call.Deployment.ContainerName}
	case core.OpPruneContainers:
		cmdType = protocol.CommandTypePrune
	case core.OpBuild:
		if call.Build == nil {
			return nil, core.NewInternalError("build call without build config")
		}
		cmdType = protocol.CommandTypeBuild
		params = protocol.BuildParams{
			Repo:       call.Build.Repo,
			Branch:     call.Build.Branch,
			Dockerfile: call.Build.Dockerfile,
			Image:      call.Build.Image,
		}
	default:
		return nil, core.NewInternalError("operation %s has no agent command", call.Operation)
	}

	cmd := &protocol.CommandMessage{
		ID:      uuid.New().String(),
		Type:    cmdType,
		Timeout: wireTimeout(timeout),
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, core.NewInternalError("marshal %s params", cmdType).WithCause(err)
		}
		cmd.Params = data
	}
	return cmd, nil
}

// wireTimeout encodes a duration as whole seconds for the wire,
// rounding up so a sub-second timeout stays positive and passes command
// validation. The local context deadline enforces the precise bound.
func wireTimeout(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// parseResult maps a DONE payload back to the core result type.
func parseResult(op core.Operation, done *protocol.DoneMessage) (*core.AgentResult, error) {
	result := &core.AgentResult{}
	if len(done.Result) == 0 {
		return result, nil
	}

	switch op {
	case core.OpDeploy:
		var r protocol.DeployResult
		if err := protocol.ParseParams(done.Result, &r); err != nil {
			return nil, core.NewAgentError(core.AgentRemoteFault, "malformed deploy result").WithCause(err)
		}
		result.ContainerID = r.ContainerID
		result.ContainerState = core.ContainerRunning
		result.Image = r.Image
	case core.OpStartContainer:
		var r protocol.StartResult
		if err := protocol.ParseParams(done.Result, &r); err != nil {
			return nil, core.NewAgentError(core.AgentRemoteFault, "malformed start result").WithCause(err)
		}
		result.ContainerID = r.ContainerID
		result.ContainerState = core.ContainerRunning
	case core.OpStopContainer:
		result.ContainerState = core.ContainerExited
	case core.OpRemoveContainer:
		result.ContainerState = core.ContainerNotDeployed
	case core.OpPruneContainers:
		var r protocol.PruneResult
		if err := protocol.ParseParams(done.Result, &r); err != nil {
			return nil, core.NewAgentError(core.AgentRemoteFault, "malformed prune result").WithCause(err)
		}
		result.Output = fmt.Sprintf("removed %d containers", r.ContainersRemoved)
		if r.SpaceReclaimed != "" {
			result.Output += fmt.Sprintf(", reclaimed %s", r.SpaceReclaimed)
		}
	case core.OpBuild:
		var r protocol.BuildResult
		if err := protocol.ParseParams(done.Result, &r); err != nil {
			return nil, core.NewAgentError(core.AgentRemoteFault, "malformed build result").WithCause(err)
		}
		result.Image = r.Image
	}
	return result, nil
}
