package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stevedore-io/stevedore/pkg/agent/protocol"
	"github.com/stevedore-io/stevedore/pkg/core"
)

// scriptedAgent is the remote side of a fake transport: a function fed
// the command it received, returning the messages to emit.
type scriptedAgent func(enc *protocol.Encoder, cmd *protocol.CommandMessage)

// fakeTransport wires the client to an in-process scripted agent over
// io.Pipe.
type fakeTransport struct {
	script    scriptedAgent
	skipHello bool
	uploads   []string
}

func (ft *fakeTransport) Upload(_ context.Context, _, remotePath string) error {
	ft.uploads = append(ft.uploads, remotePath)
	return nil
}

func (ft *fakeTransport) Execute(_ context.Context, _ string) (io.WriteCloser, io.ReadCloser, error) {
	cmdReader, cmdWriter := io.Pipe()   // client -> agent
	respReader, respWriter := io.Pipe() // agent -> client

	go func() {
		defer respWriter.Close()
		enc := protocol.NewEncoder(respWriter)
		if !ft.skipHello {
			_ = enc.EncodeReady(&protocol.ReadyMessage{Version: "1.2.3", Runtime: "docker"})
		}
		dec := protocol.NewDecoder(cmdReader)
		for {
			cmd, err := dec.DecodeCommand()
			if err != nil {
				return
			}
			ft.script(enc, cmd)
		}
	}()

	return cmdWriter, respReader, nil
}

func (ft *fakeTransport) Cleanup(context.Context, string) error { return nil }
func (ft *fakeTransport) Close() error                          { return nil }

func testClient(t *testing.T, ft *fakeTransport) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Factory: func(context.Context, *core.ServerConfig) (Transport, error) {
			return ft, nil
		},
		DefaultTimeout: 2 * time.Second,
		StartupTimeout: time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func testServer() *core.ServerConfig {
	return &core.ServerConfig{Host: "srv.example.com", Enabled: true}
}

func TestClientExecuteDeploy(t *testing.T) {
	ft := &fakeTransport{script: func(enc *protocol.Encoder, cmd *protocol.CommandMessage) {
		if cmd.Type != protocol.CommandTypeDeploy {
			t.Errorf("command type = %s, want %s", cmd.Type, protocol.CommandTypeDeploy)
		}
		var p protocol.DeployParams
		if err := protocol.ParseParams(cmd.Params, &p); err != nil {
			t.Errorf("ParseParams() error = %v", err)
		}
		if p.Image != "nginx:1.25" {
			t.Errorf("image = %s", p.Image)
		}

		_ = enc.EncodeEvent(&protocol.EventMessage{CommandID: cmd.ID, Stream: "stdout", Chunk: "pulling nginx:1.25"})
		_ = enc.EncodeEvent(&protocol.EventMessage{CommandID: cmd.ID, Stream: "stdout", Chunk: "created container"})
		result, _ := json.Marshal(protocol.DeployResult{ContainerID: "abc123", Image: "nginx:1.25"})
		_ = enc.EncodeDone(&protocol.DoneMessage{CommandID: cmd.ID, Result: result, Duration: 0.4})
	}}

	client := testClient(t, ft)
	var chunks []string
	result, err := client.Execute(context.Background(), testServer(), core.AgentCall{
		Operation: core.OpDeploy,
		Deployment: &core.DeploymentConfig{
			Image:         "nginx:1.25",
			ContainerName: "web",
		},
	}, func(_ core.LogStream, chunk string) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.ContainerID != "abc123" || result.ContainerState != core.ContainerRunning {
		t.Errorf("result = %+v", result)
	}
	if len(chunks) != 2 || chunks[0] != "pulling nginx:1.25" {
		t.Errorf("streamed chunks = %v", chunks)
	}
}

func TestClientExecuteRemoteFault(t *testing.T) {
	ft := &fakeTransport{script: func(enc *protocol.Encoder, cmd *protocol.CommandMessage) {
		_ = enc.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      "RUNTIME_FAILED",
			Message:   "docker daemon not running",
		})
	}}

	client := testClient(t, ft)
	_, err := client.Execute(context.Background(), testServer(), core.AgentCall{
		Operation:  core.OpStopContainer,
		Deployment: &core.DeploymentConfig{ContainerName: "web"},
	}, nil)
	if core.AgentKindOf(err) != core.AgentRemoteFault {
		t.Fatalf("error = %v, want remote fault", err)
	}
}

func TestClientExecuteTimeout(t *testing.T) {
	ft := &fakeTransport{script: func(*protocol.Encoder, *protocol.CommandMessage) {
		// Never answer.
	}}

	client := testClient(t, ft)
	_, err := client.Execute(context.Background(), testServer(), core.AgentCall{
		Operation: core.OpPruneContainers,
		Timeout:   100 * time.Millisecond,
	}, nil)
	if !core.IsAgentTimeout(err) {
		t.Fatalf("error = %v, want agent timeout", err)
	}
}

func TestClientDialFailureUnreachable(t *testing.T) {
	client, err := NewClient(Config{
		Factory: func(context.Context, *core.ServerConfig) (Transport, error) {
			return nil, errors.New("connection refused")
		},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	_, err = client.Execute(context.Background(), testServer(), core.AgentCall{
		Operation: core.OpPruneContainers,
	}, nil)
	if core.AgentKindOf(err) != core.AgentUnreachable {
		t.Fatalf("error = %v, want unreachable", err)
	}
}

func TestClientHandshakeFailureUnreachable(t *testing.T) {
	ft := &fakeTransport{
		skipHello: true,
		script:    func(*protocol.Encoder, *protocol.CommandMessage) {},
	}

	client := testClient(t, ft)
	_, err := client.Ping(context.Background(), testServer())
	if core.AgentKindOf(err) != core.AgentUnreachable {
		t.Fatalf("error = %v, want unreachable", err)
	}
}

func TestClientPing(t *testing.T) {
	ft := &fakeTransport{script: func(*protocol.Encoder, *protocol.CommandMessage) {}}

	client := testClient(t, ft)
	info, err := client.Ping(context.Background(), testServer())
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if !info.Reachable || info.AgentVersion != "1.2.3" {
		t.Errorf("info = %+v", info)
	}
}

func TestClientUploadsAgentBinary(t *testing.T) {
	ft := &fakeTransport{script: func(enc *protocol.Encoder, cmd *protocol.CommandMessage) {
		_ = enc.EncodeDone(&protocol.DoneMessage{CommandID: cmd.ID})
	}}

	client, err := NewClient(Config{
		Factory: func(context.Context, *core.ServerConfig) (Transport, error) {
			return ft, nil
		},
		AgentPath:  "/usr/local/bin/stevedore-agent",
		RemotePath: "/opt/stevedore/agent",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	if _, err := client.Execute(context.Background(), testServer(), core.AgentCall{
		Operation: core.OpPruneContainers,
	}, nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(ft.uploads) != 1 || ft.uploads[0] != "/opt/stevedore/agent" {
		t.Errorf("uploads = %v", ft.uploads)
	}
}

func TestClientFetchLogs(t *testing.T) {
	ft := &fakeTransport{script: func(enc *protocol.Encoder, cmd *protocol.CommandMessage) {
		if cmd.Type != protocol.CommandTypeLogs {
			t.Errorf("command type = %s", cmd.Type)
		}
		result, _ := json.Marshal(protocol.LogsResult{Logs: "line1\nline2\n"})
		_ = enc.EncodeDone(&protocol.DoneMessage{CommandID: cmd.ID, Result: result})
	}}

	client := testClient(t, ft)
	logs, err := client.FetchLogs(context.Background(), testServer(), "web", 100)
	if err != nil {
		t.Fatalf("FetchLogs() error = %v", err)
	}
	if logs != "line1\nline2\n" {
		t.Errorf("logs = %q", logs)
	}
}

func TestBuildCommandRequiresConfig(t *testing.T) {
	_, err := buildCommand(core.AgentCall{Operation: core.OpDeploy}, time.Minute)
	if err == nil {
		t.Error("buildCommand() without deployment config succeeded")
	}
	_, err = buildCommand(core.AgentCall{Operation: core.OpBuild}, time.Minute)
	if err == nil {
		t.Error("buildCommand() without build config succeeded")
	}
	_, err = buildCommand(core.AgentCall{Operation: core.OpRunProcedure}, time.Minute)
	if err == nil {
		t.Error("buildCommand() for procedure succeeded")
	}
}

func TestBuildCommandTimeoutRoundsUp(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		want    int
	}{
		{100 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{30 * time.Second, 30},
	}
	for _, tt := range tests {
		cmd, err := buildCommand(core.AgentCall{Operation: core.OpPruneContainers}, tt.timeout)
		if err != nil {
			t.Fatalf("buildCommand(%v) error = %v", tt.timeout, err)
		}
		if cmd.Timeout != tt.want {
			t.Errorf("wire timeout for %v = %d, want %d", tt.timeout, cmd.Timeout, tt.want)
		}
		if err := cmd.Validate(); err != nil {
			t.Errorf("command with timeout %v rejected: %v", tt.timeout, err)
		}
	}
}

// recordingObserver captures round trip callbacks.
type recordingObserver struct {
	mu    sync.Mutex
	calls []observedCall
}

type observedCall struct {
	command string
	err     error
}

func (o *recordingObserver) AgentCall(command string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, observedCall{command: command, err: err})
}

func TestClientObserverSeesRoundTrips(t *testing.T) {
	ft := &fakeTransport{script: func(enc *protocol.Encoder, cmd *protocol.CommandMessage) {
		_ = enc.EncodeDone(&protocol.DoneMessage{CommandID: cmd.ID})
	}}
	obs := &recordingObserver{}
	client, err := NewClient(Config{
		Factory: func(context.Context, *core.ServerConfig) (Transport, error) {
			return ft, nil
		},
		Observer:       obs,
		DefaultTimeout: 2 * time.Second,
		StartupTimeout: time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	if _, err := client.Execute(context.Background(), testServer(), core.AgentCall{
		Operation: core.OpPruneContainers,
	}, nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.calls) != 1 {
		t.Fatalf("observer saw %d calls, want 1", len(obs.calls))
	}
	if obs.calls[0].command != string(protocol.CommandTypePrune) || obs.calls[0].err != nil {
		t.Errorf("observed call = %+v", obs.calls[0])
	}
}
