package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/shared/severity"
)

// trivyReport mirrors the fields we consume from `trivy --format json`.
type trivyReport struct {
	Results []trivyResult `json:"Results"`
}

type trivyResult struct {
	Target            string               `json:"Target"`
	Vulnerabilities   []trivyVulnerability `json:"Vulnerabilities"`
	Misconfigurations []trivyMisconfig     `json:"Misconfigurations"`
}

type trivyVulnerability struct {
	VulnerabilityID  string `json:"VulnerabilityID"`
	PkgName          string `json:"PkgName"`
	InstalledVersion string `json:"InstalledVersion"`
	Title            string `json:"Title"`
	Description      string `json:"Description"`
	Severity         string `json:"Severity"`
}

type trivyMisconfig struct {
	ID            string `json:"ID"`
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	Severity      string `json:"Severity"`
	CauseMetadata struct {
		StartLine int `json:"StartLine"`
	} `json:"CauseMetadata"`
}

// ParseTrivy converts trivy JSON output into findings. Dependency
// vulnerabilities carry no line pointer; misconfigurations point at the
// offending line of the config file.
func ParseTrivy(raw []byte) ([]models.Finding, error) {
	const op = "normalize.ParseTrivy"

	var report trivyReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, parseError(op, models.ToolTrivy, err)
	}

	var findings []models.Finding
	for _, result := range report.Results {
		for _, v := range result.Vulnerabilities {
			desc := v.Title
			if desc == "" {
				desc = v.Description
			}
			f := models.NewFinding(models.ToolTrivy,
				fmt.Sprintf("%s in %s@%s: %s", v.VulnerabilityID, v.PkgName, v.InstalledVersion, desc),
				severity.TrivyMapping.Resolve(v.Severity))
			f.FilePath = relativeToRoot(result.Target)
			findings = append(findings, f)
		}
		for _, m := range result.Misconfigurations {
			f := models.NewFinding(models.ToolTrivy,
				fmt.Sprintf("%s: %s. %s", m.ID, m.Title, m.Description),
				severity.TrivyMapping.Resolve(m.Severity))
			f.FilePath = relativeToRoot(result.Target)
			if m.CauseMetadata.StartLine > 0 {
				line := m.CauseMetadata.StartLine
				f.Line = &line
			}
			findings = append(findings, f)
		}
	}
	return findings, nil
}
