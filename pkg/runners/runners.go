// Package runners implements the per-tool execution strategies.
//
// A Runner knows how to decide whether its tool applies to a project,
// how to invoke the tool inside its hardened container and how to hand
// the native output back for normalization. Runners never mutate the
// scan; the workflow engine owns all state transitions.
package runners

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/geotoolkit/geotoolkit/pkg/container"
	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/policy"
)

// Target is the resolved scan input handed to a runner.
type Target struct {
	// Project being scanned.
	Project *models.Project

	// SourceDir is the checked-out source tree on the host. Empty for
	// DAST-only scans of live applications.
	SourceDir string

	// DASTTargets lists live URLs for dynamic testing, already
	// rewritten for container reachability.
	DASTTargets []string
}

// Execution is a runner's terminal result. Raw carries the native tool
// output for normalization; it is meaningful only for OutcomeSuccess.
type Execution struct {
	Outcome  models.Outcome
	Raw      []byte
	Duration time.Duration

	// Detail carries the diagnostic for degraded outcomes.
	Detail string
}

// Runner is one tool execution strategy.
type Runner interface {
	// Tool identifies the runner's tool.
	Tool() models.Tool

	// Category is the runner's scan category.
	Category() models.Category

	// Applicable reports whether this runner should execute for the
	// target. Inapplicable runners are recorded as skipped.
	Applicable(t Target) bool

	// Execute runs the tool under the given policy. Errors are
	// reserved for failures the runner cannot express as a degraded
	// Execution outcome.
	Execute(ctx context.Context, pol *policy.Policy, t Target) (*Execution, error)
}

// manifestNames are the dependency manifests that make composition
// analysis worthwhile.
var manifestNames = []string{
	"go.mod", "go.sum",
	"requirements.txt", "Pipfile.lock", "poetry.lock",
	"package.json", "package-lock.json", "yarn.lock", "pnpm-lock.yaml",
	"pom.xml", "build.gradle", "build.gradle.kts",
	"Gemfile.lock",
	"Cargo.lock",
	"composer.lock",
}

// hasDependencyManifest reports whether the source tree root carries a
// recognizable dependency manifest.
func hasDependencyManifest(sourceDir string) bool {
	if sourceDir == "" {
		return false
	}
	for _, name := range manifestNames {
		if _, err := os.Stat(filepath.Join(sourceDir, name)); err == nil {
			return true
		}
	}
	return false
}

// finish folds a container run into an Execution. Timeouts and launch
// failures become degraded outcomes; anything else the container layer
// reported as an error, such as cancellation, propagates.
func finish(res *container.Result, err error, okExits ...int) (*Execution, error) {
	if err != nil {
		if res == nil || (!res.TimedOut && !res.LaunchFailed) {
			return nil, err
		}
	}
	return classifyRunResult(res, okExits...), nil
}

// classifyRunResult folds a container result into the shared outcome
// taxonomy. okExits lists tool exit codes that still produced a valid
// report, such as "findings present".
func classifyRunResult(res *container.Result, okExits ...int) *Execution {
	exec := &Execution{Duration: res.Duration}

	switch {
	case res.TimedOut:
		exec.Outcome = models.OutcomeTimeout
		exec.Detail = "wall-clock limit exceeded"
	case res.LaunchFailed:
		exec.Outcome = models.OutcomeLaunchFailure
		exec.Detail = truncateDetail(res.Stderr)
	case exitOK(res.ExitCode, okExits):
		exec.Outcome = models.OutcomeSuccess
		exec.Raw = res.Stdout
	default:
		exec.Outcome = models.OutcomeToolError
		exec.Detail = truncateDetail(res.Stderr)
	}
	return exec
}

func exitOK(code int, okExits []int) bool {
	if code == 0 {
		return true
	}
	for _, ok := range okExits {
		if code == ok {
			return true
		}
	}
	return false
}

func truncateDetail(stderr []byte) string {
	const max = 1024
	s := string(stderr)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
