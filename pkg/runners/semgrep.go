package runners

import (
	"context"
	"os"
	"path/filepath"

	"github.com/geotoolkit/geotoolkit/pkg/container"
	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/policy"
)

// projectConfigNames are checked in order; the first match wins.
var projectConfigNames = []string{
	".semgrep.yml", ".semgrep.yaml", "semgrep.yml", "semgrep.yaml",
}

// containerRulesPath is where the packaged default ruleset is mounted
// when a project ships no configuration of its own.
const containerRulesPath = "/rules/default.yml"

// Semgrep runs static analysis over the checked-out source tree.
type Semgrep struct {
	engine *container.Engine

	// defaultRules is the host path of the packaged ruleset. Empty
	// means projects without their own configuration are skipped.
	defaultRules string
}

// NewSemgrep creates the static analysis runner.
func NewSemgrep(engine *container.Engine, defaultRules string) *Semgrep {
	return &Semgrep{engine: engine, defaultRules: defaultRules}
}

func (s *Semgrep) Tool() models.Tool         { return models.ToolSemgrep }
func (s *Semgrep) Category() models.Category { return models.CategorySAST }

// Applicable: static analysis runs for every project with source.
func (s *Semgrep) Applicable(t Target) bool {
	return t.SourceDir != ""
}

// Execute picks the rule configuration and runs semgrep to completion.
// A project-level configuration always wins over the packaged default.
func (s *Semgrep) Execute(ctx context.Context, pol *policy.Policy, t Target) (*Execution, error) {
	configPath, found := s.resolveConfig(pol, t.SourceDir)
	if !found {
		return &Execution{
			Outcome: models.OutcomeSkipped,
			Detail:  "no semgrep configuration and no packaged default ruleset",
		}, nil
	}

	args := []string{
		"semgrep", "scan",
		"--json",
		"--config", configPath,
		"--metrics", "off",
		policy.ContainerSourceDir,
	}

	res, err := s.engine.Run(ctx, pol, args)
	// Exit 1 means findings when --error is set; harmless to accept.
	return finish(res, err, 1)
}

// resolveConfig returns the in-container config path. A ruleset in the
// repository is used through the read-only source mount; the packaged
// default needs its own mount.
func (s *Semgrep) resolveConfig(pol *policy.Policy, sourceDir string) (string, bool) {
	for _, name := range projectConfigNames {
		if _, err := os.Stat(filepath.Join(sourceDir, name)); err == nil {
			return filepath.Join(policy.ContainerSourceDir, name), true
		}
	}
	if s.defaultRules == "" {
		return "", false
	}
	if _, err := os.Stat(s.defaultRules); err != nil {
		return "", false
	}
	pol.AddReadOnlyMount(s.defaultRules, containerRulesPath)
	return containerRulesPath, true
}
