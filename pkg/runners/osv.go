package runners

import (
	"context"
	"os"

	"github.com/geotoolkit/geotoolkit/pkg/container"
	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/policy"
)

const containerOSVDB = "/osv-db"

// OSV runs osv-scanner against the project's lockfiles using a local
// offline advisory database.
type OSV struct {
	engine *container.Engine

	// dbDir is the host directory holding the offline database.
	dbDir string
}

// NewOSV creates the osv-scanner runner.
func NewOSV(engine *container.Engine, dbDir string) *OSV {
	return &OSV{engine: engine, dbDir: dbDir}
}

func (o *OSV) Tool() models.Tool         { return models.ToolOSV }
func (o *OSV) Category() models.Category { return models.CategorySCA }

// Applicable: like trivy, needs a dependency manifest.
func (o *OSV) Applicable(target Target) bool {
	return hasDependencyManifest(target.SourceDir)
}

// Execute runs osv-scanner in offline mode. A missing database is a
// degraded outcome, not a scan failure.
func (o *OSV) Execute(ctx context.Context, pol *policy.Policy, target Target) (*Execution, error) {
	if o.dbDir == "" {
		return &Execution{
			Outcome: models.OutcomeSkippedNoDatabase,
			Detail:  "no osv database directory configured",
		}, nil
	}
	if _, err := os.Stat(o.dbDir); err != nil {
		return &Execution{
			Outcome: models.OutcomeSkippedNoDatabase,
			Detail:  "osv database directory missing: " + o.dbDir,
		}, nil
	}

	pol.AddReadOnlyMount(o.dbDir, containerOSVDB)

	args := []string{
		"osv-scanner",
		"--format", "json",
		"--experimental-offline",
		"--experimental-local-db-path", containerOSVDB,
		"--recursive", policy.ContainerSourceDir,
	}

	res, err := o.engine.Run(ctx, pol, args)
	// osv-scanner exits 1 when vulnerabilities were found.
	return finish(res, err, 1)
}
