package handlers

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stevedore-io/stevedore/pkg/agent/protocol"
)

// stubRuntime writes a shell script that stands in for the container
// runtime binary and returns a handler pointed at it. Invocations are
// appended to args.log in the same directory.
func stubRuntime(t *testing.T, script string) (*ContainerHandler, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub runtime requires a POSIX shell")
	}

	dir := t.TempDir()
	argLog := filepath.Join(dir, "args.log")
	bin := filepath.Join(dir, "runtime")

	full := "#!/bin/sh\necho \"$@\" >> \"" + argLog + "\"\n" + script
	if err := os.WriteFile(bin, []byte(full), 0o755); err != nil {
		t.Fatalf("writing stub runtime: %v", err)
	}

	h, err := NewContainerHandler(bin)
	if err != nil {
		t.Fatalf("NewContainerHandler() error = %v", err)
	}
	return h, argLog
}

func loggedArgs(t *testing.T, argLog string) []string {
	t.Helper()
	data, err := os.ReadFile(argLog)
	if err != nil {
		t.Fatalf("reading arg log: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestDeploy(t *testing.T) {
	h, argLog := stubRuntime(t, `
case "$1" in
  pull) echo "pulling layer 1/3" ;;
  rm) echo "web" ;;
  run) echo "abc123def456" ;;
esac
`)

	var chunks []string
	result, err := h.Deploy(context.Background(), &protocol.DeployParams{
		Image:         "nginx:1.25",
		ContainerName: "web",
		Env:           map[string]string{"MODE": "prod"},
		Ports:         []string{"8080:80"},
		Volumes:       []string{"/data:/var/lib/data"},
		Restart:       "unless-stopped",
	}, func(_, chunk string) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if result.ContainerID != "abc123def456" {
		t.Errorf("container id = %q", result.ContainerID)
	}
	if !result.Recreated {
		t.Error("expected recreated = true when rm succeeds")
	}
	if len(chunks) == 0 || chunks[0] != "pulling layer 1/3" {
		t.Errorf("streamed chunks = %v", chunks)
	}

	calls := loggedArgs(t, argLog)
	if len(calls) != 3 {
		t.Fatalf("runtime invocations = %v", calls)
	}
	if calls[0] != "pull nginx:1.25" {
		t.Errorf("first call = %q", calls[0])
	}
	runCall := calls[2]
	for _, want := range []string{"run -d --name web", "--restart unless-stopped",
		"-e MODE=prod", "-p 8080:80", "-v /data:/var/lib/data", "nginx:1.25"} {
		if !strings.Contains(runCall, want) {
			t.Errorf("run call %q missing %q", runCall, want)
		}
	}
}

func TestDeployRequiresImage(t *testing.T) {
	h, _ := stubRuntime(t, "")
	if _, err := h.Deploy(context.Background(), &protocol.DeployParams{ContainerName: "web"}, nil); err == nil {
		t.Error("Deploy() without image succeeded")
	}
	if _, err := h.Deploy(context.Background(), &protocol.DeployParams{Image: "nginx"}, nil); err == nil {
		t.Error("Deploy() without container name succeeded")
	}
}

func TestStopAbsentContainer(t *testing.T) {
	h, _ := stubRuntime(t, `
echo "Error response from daemon: No such container: web" >&2
exit 1
`)

	result, err := h.Stop(context.Background(), &protocol.StopParams{ContainerName: "web"}, nil)
	if err != nil {
		t.Fatalf("Stop() on absent container error = %v", err)
	}
	if result.Changed {
		t.Error("expected changed = false for absent container")
	}
}

func TestStopGracePeriod(t *testing.T) {
	h, argLog := stubRuntime(t, `echo web`)

	result, err := h.Stop(context.Background(), &protocol.StopParams{ContainerName: "web", GraceSeconds: 30}, nil)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !result.Changed {
		t.Error("expected changed = true")
	}
	calls := loggedArgs(t, argLog)
	if calls[0] != "stop -t 30 web" {
		t.Errorf("stop call = %q", calls[0])
	}
}

func TestRemoveAbsentContainer(t *testing.T) {
	h, _ := stubRuntime(t, `
echo "Error: no container with name or ID web found" >&2
exit 1
`)

	result, err := h.Remove(context.Background(), &protocol.RemoveParams{ContainerName: "web", Force: true}, nil)
	if err != nil {
		t.Fatalf("Remove() on absent container error = %v", err)
	}
	if result.Changed {
		t.Error("expected changed = false for absent container")
	}
}

func TestRemoveRuntimeFailure(t *testing.T) {
	h, _ := stubRuntime(t, `
echo "Error response from daemon: container is running" >&2
exit 1
`)

	if _, err := h.Remove(context.Background(), &protocol.RemoveParams{ContainerName: "web"}, nil); err == nil {
		t.Error("Remove() of running container without force succeeded")
	}
}

func TestPruneParsesOutput(t *testing.T) {
	h, _ := stubRuntime(t, `
echo "Deleted Containers:"
echo "1a2b3c"
echo "4d5e6f"
echo "Total reclaimed space: 1.2GB"
`)

	result, err := h.Prune(context.Background(), nil)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if result.ContainersRemoved != 2 {
		t.Errorf("containers removed = %d, want 2", result.ContainersRemoved)
	}
	if result.SpaceReclaimed != "1.2GB" {
		t.Errorf("space reclaimed = %q", result.SpaceReclaimed)
	}
}

func TestBuildFromRepo(t *testing.T) {
	h, argLog := stubRuntime(t, `
case "$1" in
  build) echo "Successfully built" ;;
  inspect) echo "sha256:deadbeef" ;;
esac
`)

	result, err := h.Build(context.Background(), &protocol.BuildParams{
		Repo:       "https://git.example.com/app.git",
		Branch:     "release",
		Dockerfile: "build/Dockerfile",
		Image:      "registry.example.com/app:v2",
	}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if result.Image != "registry.example.com/app:v2" || result.Digest != "sha256:deadbeef" {
		t.Errorf("result = %+v", result)
	}

	calls := loggedArgs(t, argLog)
	want := "build -t registry.example.com/app:v2 -f build/Dockerfile https://git.example.com/app.git#release"
	if calls[0] != want {
		t.Errorf("build call = %q, want %q", calls[0], want)
	}
}

func TestLogsTail(t *testing.T) {
	h, argLog := stubRuntime(t, `
echo "line one"
echo "line two"
`)

	result, err := h.Logs(context.Background(), &protocol.LogsParams{ContainerName: "web", Tail: 50})
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if result.Logs != "line one\nline two\n" {
		t.Errorf("logs = %q", result.Logs)
	}
	calls := loggedArgs(t, argLog)
	if calls[0] != "logs --tail 50 web" {
		t.Errorf("logs call = %q", calls[0])
	}
}

func TestStatsParsesFields(t *testing.T) {
	h, _ := stubRuntime(t, `printf '1.5%%\t120MiB / 2GiB\t10kB / 4kB\n'`)

	result, err := h.Stats(context.Background(), &protocol.StatsParams{ContainerName: "web"})
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if result.CPUPercent != "1.5%" {
		t.Errorf("cpu = %q", result.CPUPercent)
	}
	if result.MemUsage != "120MiB / 2GiB" {
		t.Errorf("mem = %q", result.MemUsage)
	}
	if result.NetIO != "10kB / 4kB" {
		t.Errorf("net = %q", result.NetIO)
	}
}

func TestStderrInErrorDetail(t *testing.T) {
	h, _ := stubRuntime(t, `
echo "permission denied while trying to connect to the Docker daemon" >&2
exit 1
`)

	_, err := h.Start(context.Background(), &protocol.StartParams{ContainerName: "web"}, nil)
	if err == nil {
		t.Fatal("Start() against broken daemon succeeded")
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("error %q does not carry stderr detail", err)
	}
}
