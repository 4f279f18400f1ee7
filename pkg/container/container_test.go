package container

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/geotoolkit/geotoolkit/pkg/errors"
	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/policy"
)

// fakeRunner scripts responses per invocation and records every argv.
type fakeRunner struct {
	calls     [][]string
	responses []fakeResponse
}

type fakeResponse struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
	block    bool // block until the context is done
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if len(f.responses) == 0 {
		return nil, nil, 0, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	if resp.block {
		<-ctx.Done()
		return nil, nil, -1, ctx.Err()
	}
	return []byte(resp.stdout), []byte(resp.stderr), resp.exitCode, resp.err
}

func (f *fakeRunner) call(i int) string {
	if i >= len(f.calls) {
		return ""
	}
	return strings.Join(f.calls[i], " ")
}

func hardenedPolicy(tool models.Tool) *policy.Policy {
	return &policy.Policy{
		Tool:        tool,
		Image:       string(tool) + ":test",
		NetworkMode: policy.NetworkNone,
		CapDrop:     []string{"ALL"},
		Tmpfs:       []string{"/tmp"},
		Mounts: []policy.Mount{
			{Source: "/work/src", Target: "/src", ReadOnly: true},
		},
		UsernsKeepID: true,
		Timeout:      time.Minute,
	}
}

func TestRunBuildsHardenedArgv(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{{stdout: "{}"}}}
	engine := NewEngine(EngineConfig{Binary: "podman", Runner: runner})

	res, err := engine.Run(context.Background(), hardenedPolicy(models.ToolSemgrep), []string{"semgrep", "scan"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	argv := runner.call(0)
	for _, want := range []string{
		"podman run --rm",
		"--network=none",
		"--cap-drop=ALL",
		"--userns=keep-id",
		"--tmpfs /tmp",
		"-v /work/src:/src:ro",
		"semgrep:test semgrep scan",
	} {
		if !strings.Contains(argv, want) {
			t.Errorf("argv missing %q:\n%s", want, argv)
		}
	}
	if res.TimedOut || res.LaunchFailed {
		t.Errorf("unexpected result flags: %+v", res)
	}
	if len(res.Command) == 0 || res.Command[0] != "podman" {
		t.Errorf("result must carry the resolved command, got %v", res.Command)
	}
}

func TestRunSeccompArg(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{{}}}
	engine := NewEngine(EngineConfig{Runner: runner})

	pol := hardenedPolicy(models.ToolTrivy)
	pol.SeccompProfile = "/etc/seccomp/trivy.json"

	if _, err := engine.Run(context.Background(), pol, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(runner.call(0), "--security-opt seccomp=/etc/seccomp/trivy.json") {
		t.Errorf("argv missing seccomp option:\n%s", runner.call(0))
	}
}

func TestRunSeccompFallbackRetriesUnconfined(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{stderr: "OCI runtime error: seccomp profile rejected", exitCode: 125},
		{stdout: "ok"},
	}}
	engine := NewEngine(EngineConfig{Runner: runner})

	pol := hardenedPolicy(models.ToolSemgrep)
	pol.SeccompProfile = "/etc/seccomp/semgrep.json"
	pol.SeccompFallback = true

	res, err := engine.Run(context.Background(), pol, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.SeccompFallback {
		t.Error("result should record the fallback")
	}
	if len(runner.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(runner.calls))
	}
	if strings.Contains(runner.call(1), "seccomp=") {
		t.Errorf("retry must drop the profile:\n%s", runner.call(1))
	}
}

func TestRunSeccompFallbackDisabledKeepsFailure(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{stderr: "seccomp profile rejected", exitCode: 125},
	}}
	engine := NewEngine(EngineConfig{Runner: runner})

	pol := hardenedPolicy(models.ToolSemgrep)
	pol.SeccompProfile = "/etc/seccomp/semgrep.json"
	pol.SeccompFallback = false

	res, err := engine.Run(context.Background(), pol, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.LaunchFailed {
		t.Error("launch failure should be reported")
	}
	if len(runner.calls) != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", len(runner.calls))
	}
}

func TestRunTimeoutForcesRemoval(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{{block: true}}}
	engine := NewEngine(EngineConfig{Runner: runner})

	pol := hardenedPolicy(models.ToolSemgrep)
	pol.Timeout = 20 * time.Millisecond

	res, err := engine.Run(context.Background(), pol, nil)
	if !errors.IsTimeout(err) {
		t.Fatalf("want timeout error, got %v", err)
	}
	if !res.TimedOut {
		t.Error("result should be marked timed out")
	}

	// Second call must be the forced removal of the leftover container.
	if len(runner.calls) != 2 || !strings.Contains(runner.call(1), "rm -f") {
		t.Errorf("expected forced removal, calls: %v", runner.calls)
	}
}

func TestRunLaunchFailureExitCodes(t *testing.T) {
	for _, code := range []int{125, 126, 127} {
		runner := &fakeRunner{responses: []fakeResponse{{exitCode: code, stderr: "engine error"}}}
		engine := NewEngine(EngineConfig{Runner: runner})

		res, err := engine.Run(context.Background(), hardenedPolicy(models.ToolTrivy), nil)
		if err != nil {
			t.Fatalf("exit %d: %v", code, err)
		}
		if !res.LaunchFailed {
			t.Errorf("exit %d should mark launch failure", code)
		}
	}

	// Ordinary non-zero exits are the tool's business, not a launch failure.
	runner := &fakeRunner{responses: []fakeResponse{{exitCode: 1}}}
	engine := NewEngine(EngineConfig{Runner: runner})
	res, err := engine.Run(context.Background(), hardenedPolicy(models.ToolTrivy), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.LaunchFailed {
		t.Error("exit 1 is not a launch failure")
	}
}

func TestDaemonLifecycle(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{
		{stdout: "abc123"}, // run -d
		{},                 // stop
		{},                 // rm -f
	}}
	engine := NewEngine(EngineConfig{Runner: runner})

	pol := hardenedPolicy(models.ToolZAP)
	pol.NetworkMode = policy.NetworkIsolated
	pol.Mounts = nil

	daemon, err := engine.StartDaemon(context.Background(), pol, []string{"127.0.0.1:8090:8090"}, []string{"zap.sh", "-daemon"})
	if err != nil {
		t.Fatalf("StartDaemon: %v", err)
	}

	argv := runner.call(0)
	for _, want := range []string{"run -d", "--network=private", "-p 127.0.0.1:8090:8090", "zap:test zap.sh -daemon"} {
		if !strings.Contains(argv, want) {
			t.Errorf("argv missing %q:\n%s", want, argv)
		}
	}

	daemon.Stop()
	if len(runner.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(runner.calls))
	}
	if !strings.Contains(runner.call(1), "stop") || !strings.Contains(runner.call(2), "rm -f") {
		t.Errorf("teardown calls: %v", runner.calls[1:])
	}
}

func TestStartDaemonLaunchFailure(t *testing.T) {
	runner := &fakeRunner{responses: []fakeResponse{{exitCode: 125, stderr: "image not found"}}}
	engine := NewEngine(EngineConfig{Runner: runner})

	_, err := engine.StartDaemon(context.Background(), hardenedPolicy(models.ToolZAP), nil, nil)
	if !errors.IsLaunchFailure(err) {
		t.Errorf("want launch failure, got %v", err)
	}
}
