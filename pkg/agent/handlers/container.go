// Package handlers implements the command handlers for the stevedore
// periphery agent. Each handler shells out to the local container
// runtime CLI (docker or podman) and streams its output line by line.
package handlers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/stevedore-io/stevedore/pkg/agent/protocol"
)

// Emitter receives one output line at a time during command execution.
type Emitter func(stream, chunk string)

// ContainerHandler executes container lifecycle commands against the
// local runtime.
type ContainerHandler struct {
	runtime string
}

// NewContainerHandler creates a handler for the given runtime binary.
// An empty runtime auto-detects docker, then podman.
func NewContainerHandler(runtime string) (*ContainerHandler, error) {
	if runtime == "" {
		for _, candidate := range []string{"docker", "podman"} {
			if _, err := exec.LookPath(candidate); err == nil {
				runtime = candidate
				break
			}
		}
		if runtime == "" {
			return nil, fmt.Errorf("no container runtime found in PATH")
		}
	}
	return &ContainerHandler{runtime: runtime}, nil
}

// Runtime returns the runtime binary in use.
func (h *ContainerHandler) Runtime() string {
	return h.runtime
}

// run executes one runtime command, streaming every output line through
// emit and returning the collected stdout.
func (h *ContainerHandler) run(ctx context.Context, emit Emitter, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, h.runtime, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdout: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %w", h.runtime, err)
	}

	var (
		stdout bytes.Buffer
		stderr bytes.Buffer
		wg     sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdoutPipe)
		for scanner.Scan() {
			line := scanner.Text()
			stdout.WriteString(line)
			stdout.WriteByte('\n')
			if emit != nil {
				emit("stdout", line)
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderrPipe)
		for scanner.Scan() {
			line := scanner.Text()
			stderr.WriteString(line)
			stderr.WriteByte('\n')
			if emit != nil {
				emit("stderr", line)
			}
		}
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return stdout.String(), fmt.Errorf("%s %s: %s", h.runtime, args[0], detail)
	}
	return stdout.String(), nil
}

// runQuiet executes a runtime command without streaming.
func (h *ContainerHandler) runQuiet(ctx context.Context, args ...string) (string, error) {
	return h.run(ctx, nil, args...)
}

// Deploy pulls the image and (re)creates the container. An existing
// container with the same name is replaced.
func (h *ContainerHandler) Deploy(ctx context.Context, params *protocol.DeployParams, emit Emitter) (*protocol.DeployResult, error) {
	if params.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	if params.ContainerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	if _, err := h.run(ctx, emit, "pull", params.Image); err != nil {
		return nil, err
	}

	// Replace any previous container under this name.
	recreated := false
	if _, err := h.runQuiet(ctx, "rm", "-f", params.ContainerName); err == nil {
		recreated = true
	}

	args := []string{"run", "-d", "--name", params.ContainerName}
	if params.Restart != "" {
		args = append(args, "--restart", params.Restart)
	}
	for k, v := range params.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for _, p := range params.Ports {
		args = append(args, "-p", p)
	}
	for _, v := range params.Volumes {
		args = append(args, "-v", v)
	}
	args = append(args, params.Image)

	out, err := h.run(ctx, emit, args...)
	if err != nil {
		return nil, err
	}

	return &protocol.DeployResult{
		ContainerID: strings.TrimSpace(out),
		Image:       params.Image,
		Recreated:   recreated,
	}, nil
}

// Start starts an existing container.
func (h *ContainerHandler) Start(ctx context.Context, params *protocol.StartParams, emit Emitter) (*protocol.StartResult, error) {
	if params.ContainerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	if _, err := h.run(ctx, emit, "start", params.ContainerName); err != nil {
		return nil, err
	}

	id, err := h.runQuiet(ctx, "inspect", "-f", "{{.Id}}", params.ContainerName)
	if err != nil {
		return nil, err
	}
	return &protocol.StartResult{ContainerID: strings.TrimSpace(id)}, nil
}

// Stop stops a running container. Stopping an absent or already-stopped
// container is not an error.
func (h *ContainerHandler) Stop(ctx context.Context, params *protocol.StopParams, emit Emitter) (*protocol.StopResult, error) {
	if params.ContainerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	args := []string{"stop"}
	if params.GraceSeconds > 0 {
		args = append(args, "-t", fmt.Sprintf("%d", params.GraceSeconds))
	}
	args = append(args, params.ContainerName)

	if _, err := h.run(ctx, emit, args...); err != nil {
		if isNoSuchContainer(err) {
			return &protocol.StopResult{Changed: false}, nil
		}
		return nil, err
	}
	return &protocol.StopResult{Changed: true}, nil
}

// Remove removes a container. Removing an absent container is not an
// error.
func (h *ContainerHandler) Remove(ctx context.Context, params *protocol.RemoveParams, emit Emitter) (*protocol.RemoveResult, error) {
	if params.ContainerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	args := []string{"rm"}
	if params.Force {
		args = append(args, "-f")
	}
	args = append(args, params.ContainerName)

	if _, err := h.run(ctx, emit, args...); err != nil {
		if isNoSuchContainer(err) {
			return &protocol.RemoveResult{Changed: false}, nil
		}
		return nil, err
	}
	return &protocol.RemoveResult{Changed: true}, nil
}

// Prune removes all stopped containers.
func (h *ContainerHandler) Prune(ctx context.Context, emit Emitter) (*protocol.PruneResult, error) {
	out, err := h.run(ctx, emit, "container", "prune", "-f")
	if err != nil {
		return nil, err
	}

	result := &protocol.PruneResult{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Total reclaimed space:"):
			result.SpaceReclaimed = strings.TrimSpace(strings.TrimPrefix(line, "Total reclaimed space:"))
		case line != "" && !strings.HasPrefix(line, "Deleted Containers"):
			// Each remaining non-header line is one removed container id.
			result.ContainersRemoved++
		}
	}
	return result, nil
}

// Build builds an image straight from a git repository URL, which both
// docker and podman accept as a build context.
func (h *ContainerHandler) Build(ctx context.Context, params *protocol.BuildParams, emit Emitter) (*protocol.BuildResult, error) {
	if params.Repo == "" {
		return nil, fmt.Errorf("repo is required")
	}
	if params.Image == "" {
		return nil, fmt.Errorf("image tag is required")
	}

	buildContext := params.Repo
	if params.Branch != "" {
		buildContext += "#" + params.Branch
	}

	args := []string{"build", "-t", params.Image}
	if params.Dockerfile != "" {
		args = append(args, "-f", params.Dockerfile)
	}
	args = append(args, buildContext)

	if _, err := h.run(ctx, emit, args...); err != nil {
		return nil, err
	}

	digest, err := h.runQuiet(ctx, "inspect", "-f", "{{.Id}}", params.Image)
	if err != nil {
		// The image built; a missing digest is not fatal.
		digest = ""
	}
	return &protocol.BuildResult{
		Image:  params.Image,
		Digest: strings.TrimSpace(digest),
	}, nil
}

// Logs fetches the tail of a container's logs.
func (h *ContainerHandler) Logs(ctx context.Context, params *protocol.LogsParams) (*protocol.LogsResult, error) {
	if params.ContainerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	args := []string{"logs"}
	if params.Tail > 0 {
		args = append(args, "--tail", fmt.Sprintf("%d", params.Tail))
	}
	args = append(args, params.ContainerName)

	var combined strings.Builder
	_, err := h.run(ctx, func(_, chunk string) {
		combined.WriteString(chunk)
		combined.WriteByte('\n')
	}, args...)
	if err != nil {
		return nil, err
	}
	return &protocol.LogsResult{Logs: combined.String()}, nil
}

// Stats fetches one resource usage sample for a container.
func (h *ContainerHandler) Stats(ctx context.Context, params *protocol.StatsParams) (*protocol.StatsResult, error) {
	if params.ContainerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	out, err := h.runQuiet(ctx, "stats", "--no-stream", "--format",
		"{{.CPUPerc}}\t{{.MemUsage}}\t{{.NetIO}}", params.ContainerName)
	if err != nil {
		return nil, err
	}

	fields := strings.Split(strings.TrimSpace(out), "\t")
	result := &protocol.StatsResult{}
	if len(fields) > 0 {
		result.CPUPercent = fields[0]
	}
	if len(fields) > 1 {
		result.MemUsage = fields[1]
	}
	if len(fields) > 2 {
		result.NetIO = fields[2]
	}
	return result, nil
}

func isNoSuchContainer(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "no container with name")
}
