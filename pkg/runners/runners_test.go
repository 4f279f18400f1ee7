package runners

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/geotoolkit/geotoolkit/pkg/container"
	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/policy"
)

// scriptedRunner feeds canned container results and records argv.
type scriptedRunner struct {
	calls     [][]string
	responses []scriptedResponse
}

type scriptedResponse struct {
	stdout   string
	stderr   string
	exitCode int
}

func (s *scriptedRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	s.calls = append(s.calls, append([]string{name}, args...))
	if len(s.responses) == 0 {
		return nil, nil, 0, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return []byte(resp.stdout), []byte(resp.stderr), resp.exitCode, nil
}

func (s *scriptedRunner) argv(i int) string {
	if i >= len(s.calls) {
		return ""
	}
	return strings.Join(s.calls[i], " ")
}

func testEngine(r container.CommandRunner) *container.Engine {
	return container.NewEngine(container.EngineConfig{Runner: r})
}

func testPolicy(tool models.Tool) *policy.Policy {
	return &policy.Policy{
		Tool:        tool,
		Image:       string(tool) + ":test",
		NetworkMode: policy.NetworkNone,
		CapDrop:     []string{"ALL"},
		Timeout:     time.Minute,
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// =============================================================================
// Semgrep
// =============================================================================

func TestSemgrepProjectConfigWins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".semgrep.yml", "rules: []")

	runner := &scriptedRunner{responses: []scriptedResponse{{stdout: `{"results":[]}`}}}
	s := NewSemgrep(testEngine(runner), "/opt/rules/default.yml")

	exec, err := s.Execute(context.Background(), testPolicy(models.ToolSemgrep), Target{SourceDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Outcome != models.OutcomeSuccess {
		t.Fatalf("outcome = %q: %s", exec.Outcome, exec.Detail)
	}
	if !strings.Contains(runner.argv(0), "--config /src/.semgrep.yml") {
		t.Errorf("project config should win:\n%s", runner.argv(0))
	}
}

func TestSemgrepFallsBackToPackagedRules(t *testing.T) {
	srcDir := t.TempDir()
	rulesDir := t.TempDir()
	rules := filepath.Join(rulesDir, "default.yml")
	if err := os.WriteFile(rules, []byte("rules: []"), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := &scriptedRunner{responses: []scriptedResponse{{stdout: `{"results":[]}`}}}
	s := NewSemgrep(testEngine(runner), rules)

	pol := testPolicy(models.ToolSemgrep)
	exec, err := s.Execute(context.Background(), pol, Target{SourceDir: srcDir})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Outcome != models.OutcomeSuccess {
		t.Fatalf("outcome = %q", exec.Outcome)
	}
	if !strings.Contains(runner.argv(0), "--config /rules/default.yml") {
		t.Errorf("packaged default expected:\n%s", runner.argv(0))
	}
	found := false
	for _, m := range pol.Mounts {
		if m.Source == rules && m.ReadOnly {
			found = true
		}
	}
	if !found {
		t.Errorf("packaged rules must be mounted read-only, mounts: %v", pol.Mounts)
	}
}

func TestSemgrepSkipsWithoutAnyConfig(t *testing.T) {
	runner := &scriptedRunner{}
	s := NewSemgrep(testEngine(runner), "")

	exec, err := s.Execute(context.Background(), testPolicy(models.ToolSemgrep), Target{SourceDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Outcome != models.OutcomeSkipped {
		t.Errorf("outcome = %q, want skipped", exec.Outcome)
	}
	if len(runner.calls) != 0 {
		t.Error("no container should launch without a ruleset")
	}
}

func TestSemgrepFindingsExitIsSuccess(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "semgrep.yaml", "rules: []")

	runner := &scriptedRunner{responses: []scriptedResponse{{stdout: `{"results":[]}`, exitCode: 1}}}
	s := NewSemgrep(testEngine(runner), "")

	exec, err := s.Execute(context.Background(), testPolicy(models.ToolSemgrep), Target{SourceDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Outcome != models.OutcomeSuccess {
		t.Errorf("exit 1 with findings is success, got %q", exec.Outcome)
	}
}

// =============================================================================
// Trivy and OSV
// =============================================================================

func TestTrivyMissingDatabaseDegrades(t *testing.T) {
	runner := &scriptedRunner{}
	tr := NewTrivy(testEngine(runner), filepath.Join(t.TempDir(), "missing"))

	exec, err := tr.Execute(context.Background(), testPolicy(models.ToolTrivy), Target{SourceDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Outcome != models.OutcomeSkippedNoDatabase {
		t.Errorf("outcome = %q, want skipped_no_database", exec.Outcome)
	}
	if len(runner.calls) != 0 {
		t.Error("no container should launch without a database")
	}
}

func TestTrivyOfflineInvocation(t *testing.T) {
	cache := t.TempDir()
	runner := &scriptedRunner{responses: []scriptedResponse{{stdout: `{"Results":[]}`}}}
	tr := NewTrivy(testEngine(runner), cache)

	pol := testPolicy(models.ToolTrivy)
	exec, err := tr.Execute(context.Background(), pol, Target{SourceDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Outcome != models.OutcomeSuccess {
		t.Fatalf("outcome = %q", exec.Outcome)
	}
	argv := runner.argv(0)
	for _, want := range []string{"trivy fs", "--skip-db-update", "--offline-scan", "--cache-dir /trivy-cache"} {
		if !strings.Contains(argv, want) {
			t.Errorf("argv missing %q:\n%s", want, argv)
		}
	}
}

func TestOSVMissingDatabaseDegrades(t *testing.T) {
	o := NewOSV(testEngine(&scriptedRunner{}), "")

	exec, err := o.Execute(context.Background(), testPolicy(models.ToolOSV), Target{SourceDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Outcome != models.OutcomeSkippedNoDatabase {
		t.Errorf("outcome = %q, want skipped_no_database", exec.Outcome)
	}
}

func TestOSVOfflineInvocation(t *testing.T) {
	db := t.TempDir()
	runner := &scriptedRunner{responses: []scriptedResponse{{stdout: `{"results":[]}`, exitCode: 1}}}
	o := NewOSV(testEngine(runner), db)

	exec, err := o.Execute(context.Background(), testPolicy(models.ToolOSV), Target{SourceDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Outcome != models.OutcomeSuccess {
		t.Errorf("exit 1 means vulnerabilities found, still success: %q", exec.Outcome)
	}
	if !strings.Contains(runner.argv(0), "--experimental-offline") {
		t.Errorf("argv missing offline flag:\n%s", runner.argv(0))
	}
}

// =============================================================================
// Applicability
// =============================================================================

func TestSCAApplicabilityNeedsManifest(t *testing.T) {
	empty := t.TempDir()
	withManifest := t.TempDir()
	writeFile(t, withManifest, "go.mod", "module example.com/x")

	tr := NewTrivy(testEngine(&scriptedRunner{}), "")
	o := NewOSV(testEngine(&scriptedRunner{}), "")

	if tr.Applicable(Target{SourceDir: empty}) || o.Applicable(Target{SourceDir: empty}) {
		t.Error("no manifest means not applicable")
	}
	if !tr.Applicable(Target{SourceDir: withManifest}) || !o.Applicable(Target{SourceDir: withManifest}) {
		t.Error("go.mod should make composition analysis applicable")
	}
}

func TestToolErrorOutcome(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".semgrep.yml", "rules: []")

	runner := &scriptedRunner{responses: []scriptedResponse{{stderr: "fatal: parser crashed", exitCode: 2}}}
	s := NewSemgrep(testEngine(runner), "")

	exec, err := s.Execute(context.Background(), testPolicy(models.ToolSemgrep), Target{SourceDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Outcome != models.OutcomeToolError {
		t.Errorf("outcome = %q, want tool_error", exec.Outcome)
	}
	if !strings.Contains(exec.Detail, "parser crashed") {
		t.Errorf("detail should carry stderr: %q", exec.Detail)
	}
}
