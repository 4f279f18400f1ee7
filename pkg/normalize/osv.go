package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/shared/severity"
)

// osvReport mirrors the fields we consume from `osv-scanner --json`.
type osvReport struct {
	Results []osvResult `json:"results"`
}

type osvResult struct {
	Source struct {
		Path string `json:"path"`
	} `json:"source"`
	Packages []osvPackage `json:"packages"`
}

type osvPackage struct {
	Package struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"package"`
	Vulnerabilities []osvVulnerability `json:"vulnerabilities"`
}

type osvVulnerability struct {
	ID               string `json:"id"`
	Summary          string `json:"summary"`
	Details          string `json:"details"`
	DatabaseSpecific struct {
		Severity string `json:"severity"`
	} `json:"database_specific"`
}

// ParseOSV converts osv-scanner JSON output into findings, one per
// vulnerability per affected package. OSV advisories often carry no
// usable severity; those default to medium rather than dropping to low.
func ParseOSV(raw []byte) ([]models.Finding, error) {
	const op = "normalize.ParseOSV"

	var report osvReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, parseError(op, models.ToolOSV, err)
	}

	var findings []models.Finding
	for _, result := range report.Results {
		for _, pkg := range result.Packages {
			for _, v := range pkg.Vulnerabilities {
				desc := fmt.Sprintf("%s in %s@%s: %s", v.ID, pkg.Package.Name, pkg.Package.Version, v.Summary)
				if details := strings.TrimSpace(v.Details); details != "" {
					desc = fmt.Sprintf("%s. Details: %s", desc, details)
				}
				f := models.NewFinding(models.ToolOSV, desc,
					severity.OSVMapping.Resolve(v.DatabaseSpecific.Severity))
				f.FilePath = relativeToRoot(result.Source.Path)
				findings = append(findings, f)
			}
		}
	}
	return findings, nil
}
