package runners

import (
	"context"
	"os"

	"github.com/geotoolkit/geotoolkit/pkg/container"
	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/policy"
)

const containerTrivyCache = "/trivy-cache"

// Trivy runs composition analysis in filesystem mode against the
// checked-out source tree, using a pre-populated offline vulnerability
// database.
type Trivy struct {
	engine *container.Engine

	// cacheDir is the host directory holding the offline database.
	cacheDir string
}

// NewTrivy creates the composition analysis runner.
func NewTrivy(engine *container.Engine, cacheDir string) *Trivy {
	return &Trivy{engine: engine, cacheDir: cacheDir}
}

func (t *Trivy) Tool() models.Tool         { return models.ToolTrivy }
func (t *Trivy) Category() models.Category { return models.CategorySCA }

// Applicable: composition analysis needs a dependency manifest to chew on.
func (t *Trivy) Applicable(target Target) bool {
	return hasDependencyManifest(target.SourceDir)
}

// Execute runs trivy fs with database updates disabled. A missing
// offline database degrades coverage instead of failing the scan.
func (t *Trivy) Execute(ctx context.Context, pol *policy.Policy, target Target) (*Execution, error) {
	if t.cacheDir == "" {
		return &Execution{
			Outcome: models.OutcomeSkippedNoDatabase,
			Detail:  "no trivy cache directory configured",
		}, nil
	}
	if _, err := os.Stat(t.cacheDir); err != nil {
		return &Execution{
			Outcome: models.OutcomeSkippedNoDatabase,
			Detail:  "trivy cache directory missing: " + t.cacheDir,
		}, nil
	}

	pol.AddReadOnlyMount(t.cacheDir, containerTrivyCache)

	args := []string{
		"trivy", "fs",
		"--format", "json",
		"--cache-dir", containerTrivyCache,
		"--skip-db-update",
		"--offline-scan",
		"--scanners", "vuln,misconfig",
		policy.ContainerSourceDir,
	}

	res, err := t.engine.Run(ctx, pol, args)
	return finish(res, err)
}
