package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/shared/severity"
)

// zapReport mirrors the fields we consume from the ZAP JSON report and
// the alerts API.
type zapReport struct {
	Site []zapSite `json:"site"`
}

type zapSite struct {
	Alerts []zapAlert `json:"alerts"`
}

type zapAlert struct {
	Alert     string        `json:"alert"`
	Name      string        `json:"name"`
	RiskDesc  string        `json:"riskdesc"`
	Desc      string        `json:"desc"`
	CWEID     string        `json:"cweid"`
	Instances []zapInstance `json:"instances"`
}

type zapInstance struct {
	URI    string `json:"uri"`
	Method string `json:"method"`
	Param  string `json:"param"`
}

// ParseZAP converts a ZAP JSON report into findings, one per alert
// instance. The riskdesc field arrives as "High (Medium)" where the
// first word is the risk and the parenthesized part the confidence;
// only the risk maps to severity.
func ParseZAP(raw []byte) ([]models.Finding, error) {
	const op = "normalize.ParseZAP"

	var report zapReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, parseError(op, models.ToolZAP, err)
	}

	var findings []models.Finding
	for _, site := range report.Site {
		for _, alert := range site.Alerts {
			name := alert.Alert
			if name == "" {
				name = alert.Name
			}
			level := severity.ZAPMapping.Resolve(alert.RiskDesc)

			instances := alert.Instances
			if len(instances) == 0 {
				// Keep alerts that arrive without instance detail.
				instances = []zapInstance{{}}
			}
			for _, inst := range instances {
				desc := fmt.Sprintf("%s: %s", name, stripTags(alert.Desc))
				if inst.Param != "" {
					desc = fmt.Sprintf("%s (parameter: %s)", desc, inst.Param)
				}
				f := models.NewFinding(models.ToolZAP, desc, level)
				f.FilePath = inst.URI
				if cwe := strings.TrimSpace(alert.CWEID); cwe != "" && cwe != "-1" && cwe != "0" {
					f.ComplianceMappings = append(f.ComplianceMappings, "CWE-"+cwe)
				}
				findings = append(findings, f)
			}
		}
	}
	return findings, nil
}

// stripTags removes the HTML paragraph markup ZAP embeds in alert
// descriptions.
func stripTags(s string) string {
	replacer := strings.NewReplacer("<p>", "", "</p>", " ", "<br>", " ", "<br/>", " ")
	return strings.TrimSpace(replacer.Replace(s))
}
