// Package main implements the stevedore periphery agent. The agent is
// a small binary uploaded to managed servers; it reads commands as
// JSON lines on stdin, drives the local container runtime, and streams
// results back on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/stevedore-io/stevedore/pkg/agent/handlers"
	"github.com/stevedore-io/stevedore/pkg/agent/protocol"
)

const (
	version = "1.0.0"
	ttl     = 30 * time.Minute
)

type agent struct {
	encoder      *protocol.Encoder
	decoder      *protocol.Decoder
	containers   *handlers.ContainerHandler
	commandCount int
}

func main() {
	runtimeFlag := flag.String("runtime", "", "container runtime binary (default: auto-detect)")
	flag.Parse()

	a := &agent{
		encoder: protocol.NewEncoder(os.Stdout),
		decoder: protocol.NewDecoder(os.Stdin),
	}

	containers, err := handlers.NewContainerHandler(*runtimeFlag)
	if err != nil {
		a.sendErrorAndExit("INIT_FAILED", err.Error(), 1)
		return
	}
	a.containers = containers

	if err := a.sendReady(); err != nil {
		a.sendErrorAndExit("READY_FAILED", fmt.Sprintf("failed to send ready: %v", err), 1)
		return
	}

	// One session lives at most one TTL; the controller dials a fresh
	// session per command.
	ctx, cancel := context.WithTimeout(context.Background(), ttl)
	defer cancel()

	reason := "completed"
	exitCode := 0
	for {
		if ctx.Err() != nil {
			reason = "ttl_expired"
			break
		}
		if err := a.processNextCommand(ctx); err != nil {
			if err == io.EOF {
				reason = "stdin_closed"
			} else {
				reason = "error"
				exitCode = 1
			}
			break
		}
	}

	a.exit(reason, exitCode)
}

func (a *agent) sendReady() error {
	return a.encoder.EncodeReady(&protocol.ReadyMessage{
		Version:  version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Runtime:  a.containers.Runtime(),
		Metadata: map[string]string{
			"ttl": ttl.String(),
		},
	})
}

func (a *agent) processNextCommand(ctx context.Context) error {
	cmd, err := a.decoder.DecodeCommand()
	if err != nil {
		return err
	}

	a.commandCount++

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	emit := func(stream, chunk string) {
		a.encoder.EncodeEvent(&protocol.EventMessage{
			CommandID: cmd.ID,
			Stream:    stream,
			Chunk:     chunk,
		})
	}

	start := time.Now()
	result, err := a.handleCommand(cmdCtx, cmd, emit)
	duration := time.Since(start).Seconds()

	if err != nil {
		return a.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      "RUNTIME_FAILED",
			Message:   err.Error(),
			Retryable: false,
		})
	}

	return a.encoder.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  duration,
	})
}

func (a *agent) handleCommand(ctx context.Context, cmd *protocol.CommandMessage, emit handlers.Emitter) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypeDeploy:
		var params protocol.DeployParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := a.containers.Deploy(ctx, &params, emit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeStart:
		var params protocol.StartParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := a.containers.Start(ctx, &params, emit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeStop:
		var params protocol.StopParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := a.containers.Stop(ctx, &params, emit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeRemove:
		var params protocol.RemoveParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := a.containers.Remove(ctx, &params, emit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypePrune:
		result, err := a.containers.Prune(ctx, emit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeBuild:
		var params protocol.BuildParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := a.containers.Build(ctx, &params, emit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeLogs:
		var params protocol.LogsParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := a.containers.Logs(ctx, &params)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeStats:
		var params protocol.StatsParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		result, err := a.containers.Stats(ctx, &params)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypePing:
		return json.Marshal(&protocol.PingResult{
			Version: version,
			Runtime: a.containers.Runtime(),
		})

	default:
		return nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}

func (a *agent) exit(reason string, exitCode int) {
	a.encoder.EncodeExit(&protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: a.commandCount,
	})
	os.Exit(exitCode)
}

func (a *agent) sendErrorAndExit(code, message string, exitCode int) {
	a.encoder.EncodeError(&protocol.ErrorMessage{
		Code:      code,
		Message:   message,
		Retryable: false,
	})
	os.Exit(exitCode)
}
