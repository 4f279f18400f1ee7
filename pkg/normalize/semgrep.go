package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/shared/severity"
)

// semgrepReport mirrors the fields we consume from `semgrep --json`.
type semgrepReport struct {
	Results []semgrepResult `json:"results"`
}

type semgrepResult struct {
	CheckID string `json:"check_id"`
	Path    string `json:"path"`
	Start   struct {
		Line int `json:"line"`
	} `json:"start"`
	Extra struct {
		Message  string          `json:"message"`
		Severity string          `json:"severity"`
		Metadata semgrepMetadata `json:"metadata"`
	} `json:"extra"`
}

// semgrepMetadata carries rule compliance tags. Both fields accept a
// single string or a list, depending on the rule author.
type semgrepMetadata struct {
	OWASP stringList `json:"owasp"`
	CWE   stringList `json:"cwe"`
}

// stringList tolerates JSON values that are either a string or an
// array of strings.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one != "" {
			*s = []string{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseSemgrep converts semgrep JSON output into findings, one per
// result, in report order.
func ParseSemgrep(raw []byte) ([]models.Finding, error) {
	const op = "normalize.ParseSemgrep"

	var report semgrepReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, parseError(op, models.ToolSemgrep, err)
	}

	findings := make([]models.Finding, 0, len(report.Results))
	for _, r := range report.Results {
		f := models.NewFinding(models.ToolSemgrep,
			fmt.Sprintf("%s: %s", r.CheckID, r.Extra.Message),
			severity.SemgrepMapping.Resolve(r.Extra.Severity))
		f.FilePath = relativeToRoot(r.Path)
		if r.Start.Line > 0 {
			line := r.Start.Line
			f.Line = &line
		}
		f.ComplianceMappings = append(f.ComplianceMappings, r.Extra.Metadata.OWASP...)
		f.ComplianceMappings = append(f.ComplianceMappings, r.Extra.Metadata.CWE...)
		findings = append(findings, f)
	}
	return findings, nil
}
