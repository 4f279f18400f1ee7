package models

import (
	"testing"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

func TestScanLifecycle(t *testing.T) {
	scan := NewScan(uuid.New())
	if scan.Status != ScanPending {
		t.Fatalf("new scan status = %q, want pending", scan.Status)
	}

	if err := scan.AppendFindings(NewFinding(ToolSemgrep, "x", "high")); err == nil {
		t.Error("appending to a pending scan must fail")
	}

	if err := scan.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := scan.Start(); err == nil {
		t.Error("double start must fail")
	}

	if err := scan.AppendFindings(NewFinding(ToolTrivy, "vuln", "medium")); err != nil {
		t.Fatalf("AppendFindings: %v", err)
	}
	if err := scan.RecordOutcome(RunnerOutcome{Tool: ToolTrivy, Outcome: OutcomeSuccess, Findings: 1}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	if err := scan.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := scan.AppendFindings(NewFinding(ToolZAP, "y", "low")); err == nil {
		t.Error("completed scan must be immutable")
	}
	if err := scan.Fail(); err == nil {
		t.Error("terminal scan cannot transition to failed")
	}
}

func TestScanOutcomeFor(t *testing.T) {
	scan := NewScan(uuid.New())
	_ = scan.Start()
	_ = scan.RecordOutcome(RunnerOutcome{Tool: ToolOSV, Outcome: OutcomeSkippedNoDatabase})

	if o, ok := scan.OutcomeFor(ToolOSV); !ok || o.Outcome != OutcomeSkippedNoDatabase {
		t.Errorf("OutcomeFor(osv-scanner) = %+v, %v", o, ok)
	}
	if _, ok := scan.OutcomeFor(ToolZAP); ok {
		t.Error("OutcomeFor(zap) should not be recorded")
	}
}

func TestToolSet(t *testing.T) {
	for _, tool := range AllTools() {
		if !ValidTool(tool) {
			t.Errorf("%q should be valid", tool)
		}
	}
	if ValidTool(Tool("nuclei")) {
		t.Error("nuclei is outside the closed tool set")
	}

	if ToolSemgrep.Category() != CategorySAST {
		t.Error("semgrep is SAST")
	}
	if ToolTrivy.Category() != CategorySCA || ToolOSV.Category() != CategorySCA {
		t.Error("trivy and osv-scanner are SCA")
	}
	if ToolZAP.Category() != CategoryDAST {
		t.Error("zap is DAST")
	}
}

func TestContainerCapable(t *testing.T) {
	tests := []struct {
		name    string
		project Project
		want    bool
	}{
		{
			name: "dockerfile and ports",
			project: Project{
				HasDockerfile: true,
				Ports:         []string{"8000"},
			},
			want: true,
		},
		{
			name: "dockerfile and intent ports",
			project: Project{
				HasDockerfile: true,
				NetworkConfig: &NetworkConfig{Ports: []string{"3000"}},
			},
			want: true,
		},
		{
			name:    "dockerfile without ports",
			project: Project{HasDockerfile: true},
			want:    false,
		},
		{
			name:    "ports without dockerfile",
			project: Project{Ports: []string{"8000"}},
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.project.ContainerCapable(); got != tt.want {
				t.Errorf("ContainerCapable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLanguageSet(t *testing.T) {
	p := Project{
		Language:  "Python",
		Languages: []string{"python", "Go", "JavaScript", "go"},
	}
	got := p.LanguageSet()
	want := []string{"Python", "Go", "JavaScript"}
	if len(got) != len(want) {
		t.Fatalf("LanguageSet() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("LanguageSet()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEgressRulesUnmarshalPreservesOrder(t *testing.T) {
	doc := `
external_hosts:
  - example.com
10.0.0.0/24: []
api.internal:
  - "9000"
  - "9443"
cache.internal: "6379"
`
	var rules EgressRules
	if err := yaml.Unmarshal([]byte(doc), &rules); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rules) != 4 {
		t.Fatalf("got %d rules, want 4", len(rules))
	}

	if rules[0].Kind != EgressExternalHosts || rules[0].Hosts[0] != "example.com" {
		t.Errorf("rule 0 = %+v", rules[0])
	}
	if rules[1].Kind != EgressCIDR || rules[1].CIDR != "10.0.0.0/24" {
		t.Errorf("rule 1 = %+v", rules[1])
	}
	if rules[2].Kind != EgressHostPorts || rules[2].Host != "api.internal" || len(rules[2].Ports) != 2 {
		t.Errorf("rule 2 = %+v", rules[2])
	}
	if rules[3].Kind != EgressHostPorts || rules[3].Host != "cache.internal" || rules[3].Ports[0] != "6379" {
		t.Errorf("rule 3 = %+v", rules[3])
	}
}

func TestNetworkConfigDefaultPort(t *testing.T) {
	if (&NetworkConfig{Protocol: "https"}).DefaultPort() != "443" {
		t.Error("https default port is 443")
	}
	if (&NetworkConfig{Protocol: "http"}).DefaultPort() != "80" {
		t.Error("http default port is 80")
	}
	if (&NetworkConfig{}).DefaultPort() != "80" {
		t.Error("unset protocol defaults to 80")
	}
}
