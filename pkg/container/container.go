// Package container executes scanner tools in hardened podman
// containers.
//
// Every tool invocation gets a fresh container that is removed when the
// invocation ends, on every path including timeout and cancellation.
// The argv passed to the engine is derived from the resolved security
// policy and logged verbatim to the audit trail.
package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/geotoolkit/geotoolkit/pkg/audit"
	"github.com/geotoolkit/geotoolkit/pkg/errors"
	"github.com/geotoolkit/geotoolkit/pkg/metrics"
	"github.com/geotoolkit/geotoolkit/pkg/policy"
)

// Podman uses 125 for engine-level failures, 126 and 127 for
// unrunnable or missing entrypoints.
const (
	exitEngineError    = 125
	exitNotExecutable  = 126
	exitCommandMissing = 127
)

// CommandRunner abstracts process execution so tests can run without a
// container engine.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			err = nil
		}
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// Result captures one container invocation.
type Result struct {
	// Command is the full engine argv, as logged to the audit trail.
	Command []string

	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration

	// TimedOut is set when the context deadline expired and the
	// container was forcibly removed.
	TimedOut bool

	// LaunchFailed is set when the engine rejected the launch rather
	// than the tool failing.
	LaunchFailed bool

	// SeccompFallback is set when the launch was retried without the
	// seccomp profile.
	SeccompFallback bool
}

// EngineConfig configures the container engine.
type EngineConfig struct {
	// Binary is the container engine executable (default: podman).
	Binary string

	// Runner executes commands (default: ExecRunner).
	Runner CommandRunner

	// Audit receives container lifecycle events (default: discard).
	Audit audit.Recorder

	// Metrics receives launch counters (default: discard).
	Metrics metrics.Collector
}

// Engine launches tool containers according to security policies.
type Engine struct {
	binary  string
	runner  CommandRunner
	audit   audit.Recorder
	metrics metrics.Collector
}

// NewEngine creates a container engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Binary == "" {
		cfg.Binary = "podman"
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &metrics.NopCollector{}
	}
	return &Engine{
		binary:  cfg.Binary,
		runner:  cfg.Runner,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
	}
}

// Run executes a tool to completion in a one-shot container. The
// container is always removed: --rm covers normal exit, and timeout or
// cancellation kills the process and forces removal of the leftover.
func (e *Engine) Run(ctx context.Context, pol *policy.Policy, toolArgs []string) (*Result, error) {
	res, err := e.runOnce(ctx, pol, toolArgs, pol.SeccompProfile)
	if err != nil {
		return res, err
	}

	if res.LaunchFailed && pol.SeccompProfile != "" && pol.SeccompFallback && mentionsSeccomp(res.Stderr) {
		e.audit.Log(audit.Event{
			Type:     audit.EventSeccompFallback,
			Severity: audit.SeverityWarning,
			Tool:     string(pol.Tool),
			Message:  "engine rejected seccomp profile, retrying unconfined",
			Details:  map[string]interface{}{"profile": pol.SeccompProfile},
		})
		e.metrics.CounterInc(metrics.SeccompFallbacksTotal.Name, "tool", string(pol.Tool))

		res, err = e.runOnce(ctx, pol, toolArgs, "")
		if res != nil {
			res.SeccompFallback = true
		}
		return res, err
	}

	return res, nil
}

func (e *Engine) runOnce(ctx context.Context, pol *policy.Policy, toolArgs []string, seccompProfile string) (*Result, error) {
	const op = "container.Run"

	name := containerName(string(pol.Tool))
	args := e.runArgs(pol, name, seccompProfile, toolArgs)

	runCtx := ctx
	cancel := func() {}
	if pol.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, pol.Timeout)
	}
	defer cancel()

	e.audit.Log(audit.Event{
		Type:    audit.EventContainerLaunched,
		Tool:    string(pol.Tool),
		Message: fmt.Sprintf("launching %s", pol.Image),
		Details: map[string]interface{}{
			"command": append([]string{e.binary}, args...),
			"network": pol.NetworkMode,
			"seccomp": seccompProfile,
			"timeout": pol.Timeout.String(),
		},
	})

	start := time.Now()
	stdout, stderr, exitCode, err := e.runner.Run(runCtx, e.binary, args...)
	res := &Result{
		Command:  append([]string{e.binary}, args...),
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		e.forceRemove(name)
		e.audit.Log(audit.Event{
			Type:     audit.EventContainerTimeout,
			Severity: audit.SeverityWarning,
			Tool:     string(pol.Tool),
			Message:  fmt.Sprintf("wall-clock limit %s exceeded, container removed", pol.Timeout),
			Duration: res.Duration,
		})
		e.metrics.CounterInc(metrics.ContainerLaunchesTotal.Name, "result", "timeout")
		return res, errors.E(op, errors.KindTimeout,
			fmt.Sprintf("%s exceeded %s", pol.Tool, pol.Timeout))
	}
	if ctx.Err() == context.Canceled {
		e.forceRemove(name)
		return res, errors.E(op, errors.KindInternal, "scan cancelled", ctx.Err())
	}
	if err != nil {
		// The engine binary itself could not run.
		res.LaunchFailed = true
		e.forceRemove(name)
		e.metrics.CounterInc(metrics.ContainerLaunchesTotal.Name, "result", "launch_failure")
		return res, errors.E(op, errors.KindLaunch, "container engine unavailable", err)
	}

	switch exitCode {
	case exitEngineError, exitNotExecutable, exitCommandMissing:
		res.LaunchFailed = true
		e.metrics.CounterInc(metrics.ContainerLaunchesTotal.Name, "result", "launch_failure")
	default:
		e.metrics.CounterInc(metrics.ContainerLaunchesTotal.Name, "result", "ok")
	}
	return res, nil
}

// runArgs builds the podman run argv from the policy.
func (e *Engine) runArgs(pol *policy.Policy, name, seccompProfile string, toolArgs []string) []string {
	args := []string{
		"run", "--rm",
		"--name", name,
		"--network=" + pol.NetworkMode,
	}
	for _, c := range pol.CapDrop {
		args = append(args, "--cap-drop="+c)
	}
	if pol.UsernsKeepID {
		args = append(args, "--userns=keep-id")
	}
	if seccompProfile != "" {
		args = append(args, "--security-opt", "seccomp="+seccompProfile)
	}
	for _, tmpfs := range pol.Tmpfs {
		args = append(args, "--tmpfs", tmpfs)
	}
	for _, m := range pol.Mounts {
		args = append(args, "-v", m.Option())
	}
	args = append(args, pol.Image)
	return append(args, toolArgs...)
}

// =============================================================================
// Daemon containers - used for the dynamic-testing proxy
// =============================================================================

// Daemon is a running background container.
type Daemon struct {
	Name   string
	engine *Engine
	tool   string
}

// StartDaemon launches a long-lived container in the background and
// returns a handle whose Stop must always run, normally via defer.
func (e *Engine) StartDaemon(ctx context.Context, pol *policy.Policy, publish []string, toolArgs []string) (*Daemon, error) {
	const op = "container.StartDaemon"

	name := containerName(string(pol.Tool))
	args := []string{
		"run", "-d",
		"--name", name,
		"--network=" + pol.NetworkMode,
	}
	for _, c := range pol.CapDrop {
		args = append(args, "--cap-drop="+c)
	}
	if pol.SeccompProfile != "" {
		args = append(args, "--security-opt", "seccomp="+pol.SeccompProfile)
	}
	for _, p := range publish {
		args = append(args, "-p", p)
	}
	for _, m := range pol.Mounts {
		args = append(args, "-v", m.Option())
	}
	args = append(args, pol.Image)
	args = append(args, toolArgs...)

	e.audit.Log(audit.Event{
		Type:    audit.EventContainerLaunched,
		Tool:    string(pol.Tool),
		Message: fmt.Sprintf("starting daemon %s", pol.Image),
		Details: map[string]interface{}{
			"command": append([]string{e.binary}, args...),
			"network": pol.NetworkMode,
		},
	})

	_, stderr, exitCode, err := e.runner.Run(ctx, e.binary, args...)
	if err != nil {
		e.metrics.CounterInc(metrics.ContainerLaunchesTotal.Name, "result", "launch_failure")
		return nil, errors.E(op, errors.KindLaunch, "container engine unavailable", err)
	}
	if exitCode != 0 {
		e.metrics.CounterInc(metrics.ContainerLaunchesTotal.Name, "result", "launch_failure")
		return nil, errors.E(op, errors.KindLaunch,
			fmt.Sprintf("daemon launch exited %d: %s", exitCode, truncate(stderr, 512)))
	}

	e.metrics.CounterInc(metrics.ContainerLaunchesTotal.Name, "result", "ok")
	return &Daemon{Name: name, engine: e, tool: string(pol.Tool)}, nil
}

// Stop stops and removes the daemon container. Removal is forced so a
// wedged container cannot outlive its scan. Uses a fresh context so
// teardown still runs when the scan context is already cancelled.
func (d *Daemon) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, _, _, _ = d.engine.runner.Run(ctx, d.engine.binary, "stop", "--time", "10", d.Name)
	d.engine.forceRemove(d.Name)

	d.engine.audit.Log(audit.Event{
		Type:    audit.EventContainerRemoved,
		Tool:    d.tool,
		Message: fmt.Sprintf("daemon %s removed", d.Name),
	})
}

// forceRemove removes a container that --rm did not clean up, such as
// after a kill on timeout. Best effort with its own deadline.
func (e *Engine) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, _, _, _ = e.runner.Run(ctx, e.binary, "rm", "-f", name)
}

func containerName(tool string) string {
	return fmt.Sprintf("geotoolkit-%s-%d", tool, time.Now().UnixNano())
}

func mentionsSeccomp(stderr []byte) bool {
	return bytes.Contains(bytes.ToLower(stderr), []byte("seccomp"))
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
