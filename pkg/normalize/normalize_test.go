package normalize

import (
	"testing"

	"github.com/geotoolkit/geotoolkit/pkg/errors"
	"github.com/geotoolkit/geotoolkit/pkg/models"
)

func TestParseSemgrep(t *testing.T) {
	raw := []byte(`{
		"results": [
			{
				"check_id": "python.lang.security.audit.dangerous-subprocess-use",
				"path": "app/runner.py",
				"start": {"line": 42},
				"extra": {
					"message": "Detected subprocess with shell=True",
					"severity": "ERROR",
					"metadata": {
						"owasp": ["A03:2021 - Injection"],
						"cwe": "CWE-78"
					}
				}
			},
			{
				"check_id": "python.flask.debug-enabled",
				"path": "app/main.py",
				"start": {"line": 7},
				"extra": {"message": "Flask debug mode", "severity": "WARNING"}
			}
		]
	}`)

	findings, err := ParseSemgrep(raw)
	if err != nil {
		t.Fatalf("ParseSemgrep: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(findings))
	}

	f := findings[0]
	if f.Tool != models.ToolSemgrep {
		t.Errorf("tool = %q", f.Tool)
	}
	if f.Severity != "high" {
		t.Errorf("severity = %q, want high for ERROR", f.Severity)
	}
	if f.FilePath != "app/runner.py" || f.Line == nil || *f.Line != 42 {
		t.Errorf("location = %s:%v", f.FilePath, f.Line)
	}
	want := "python.lang.security.audit.dangerous-subprocess-use: Detected subprocess with shell=True"
	if f.Description != want {
		t.Errorf("description = %q, want %q", f.Description, want)
	}
	if len(f.ComplianceMappings) != 2 || f.ComplianceMappings[1] != "CWE-78" {
		t.Errorf("compliance = %v", f.ComplianceMappings)
	}

	if findings[1].Severity != "medium" {
		t.Errorf("WARNING should map to medium, got %q", findings[1].Severity)
	}
}

func TestParseTrivy(t *testing.T) {
	raw := []byte(`{
		"Results": [
			{
				"Target": "requirements.txt",
				"Vulnerabilities": [
					{
						"VulnerabilityID": "CVE-2023-30861",
						"PkgName": "flask",
						"InstalledVersion": "2.2.2",
						"Title": "flask: possible disclosure of permanent session cookie",
						"Severity": "CRITICAL"
					}
				]
			},
			{
				"Target": "Dockerfile",
				"Misconfigurations": [
					{
						"ID": "DS002",
						"Title": "Image user should not be root",
						"Description": "Running containers as root increases attack surface.",
						"Severity": "HIGH",
						"CauseMetadata": {"StartLine": 3}
					}
				]
			}
		]
	}`)

	findings, err := ParseTrivy(raw)
	if err != nil {
		t.Fatalf("ParseTrivy: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(findings))
	}

	vuln := findings[0]
	if vuln.Severity != "high" {
		t.Errorf("CRITICAL collapses to high, got %q", vuln.Severity)
	}
	if vuln.Line != nil {
		t.Error("dependency vulnerability has no line pointer")
	}
	wantDesc := "CVE-2023-30861 in flask@2.2.2: flask: possible disclosure of permanent session cookie"
	if vuln.Description != wantDesc {
		t.Errorf("description = %q", vuln.Description)
	}

	misc := findings[1]
	if misc.FilePath != "Dockerfile" || misc.Line == nil || *misc.Line != 3 {
		t.Errorf("misconfiguration location = %s:%v", misc.FilePath, misc.Line)
	}
}

func TestParseOSV(t *testing.T) {
	raw := []byte(`{
		"results": [
			{
				"source": {"path": "go.sum"},
				"packages": [
					{
						"package": {"name": "golang.org/x/net", "version": "0.7.0"},
						"vulnerabilities": [
							{
								"id": "GO-2023-1988",
								"summary": "Improper rendering of text nodes",
								"details": "Text nodes not in the HTML namespace are incorrectly rendered."
							}
						]
					}
				]
			}
		]
	}`)

	findings, err := ParseOSV(raw)
	if err != nil {
		t.Fatalf("ParseOSV: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}

	f := findings[0]
	if f.Severity != "medium" {
		t.Errorf("missing severity defaults to medium, got %q", f.Severity)
	}
	if f.FilePath != "go.sum" {
		t.Errorf("path = %q", f.FilePath)
	}
	want := "GO-2023-1988 in golang.org/x/net@0.7.0: Improper rendering of text nodes. Details: Text nodes not in the HTML namespace are incorrectly rendered."
	if f.Description != want {
		t.Errorf("description = %q", f.Description)
	}
}

func TestParseZAP(t *testing.T) {
	raw := []byte(`{
		"site": [
			{
				"alerts": [
					{
						"alert": "X-Content-Type-Options Header Missing",
						"riskdesc": "Low (Medium)",
						"desc": "<p>The Anti-MIME-Sniffing header was not set.</p>",
						"cweid": "693",
						"instances": [
							{"uri": "http://localhost:8000/", "method": "GET"},
							{"uri": "http://localhost:8000/login", "method": "GET", "param": "next"}
						]
					},
					{
						"name": "SQL Injection",
						"riskdesc": "High (Medium)",
						"desc": "SQL injection may be possible.",
						"cweid": "89",
						"instances": [{"uri": "http://localhost:8000/search"}]
					}
				]
			}
		]
	}`)

	findings, err := ParseZAP(raw)
	if err != nil {
		t.Fatalf("ParseZAP: %v", err)
	}
	if len(findings) != 3 {
		t.Fatalf("findings = %d, want one per instance", len(findings))
	}

	if findings[0].Severity != "low" {
		t.Errorf("riskdesc Low (Medium) maps on risk, got %q", findings[0].Severity)
	}
	if findings[0].FilePath != "http://localhost:8000/" {
		t.Errorf("uri = %q", findings[0].FilePath)
	}
	if len(findings[0].ComplianceMappings) != 1 || findings[0].ComplianceMappings[0] != "CWE-693" {
		t.Errorf("compliance = %v", findings[0].ComplianceMappings)
	}

	if findings[2].Severity != "high" {
		t.Errorf("sql injection severity = %q", findings[2].Severity)
	}
	if got := findings[1].Description; got == "" || got[len(got)-1:] != ")" {
		t.Errorf("instance parameter should be appended: %q", got)
	}
}

func TestFindingPathsRelativeToProjectRoot(t *testing.T) {
	// Tools run against the container mount and may report absolute
	// paths under it; findings must come out relative to the project root.
	cases := []struct {
		tool models.Tool
		raw  string
		want string
	}{
		{
			models.ToolSemgrep,
			`{"results":[{"check_id":"r","path":"/src/app/main.py","start":{"line":1},"extra":{"message":"m","severity":"ERROR"}}]}`,
			"app/main.py",
		},
		{
			models.ToolOSV,
			`{"results":[{"source":{"path":"/src/go.sum"},"packages":[{"package":{"name":"p","version":"1"},"vulnerabilities":[{"id":"V-1","summary":"s"}]}]}]}`,
			"go.sum",
		},
		{
			models.ToolTrivy,
			`{"Results":[{"Target":"/src/Dockerfile","Misconfigurations":[{"ID":"DS002","Title":"t","Severity":"HIGH"}]}]}`,
			"Dockerfile",
		},
	}
	for _, tt := range cases {
		findings, err := Parse(tt.tool, []byte(tt.raw))
		if err != nil {
			t.Fatalf("%s: %v", tt.tool, err)
		}
		if len(findings) != 1 {
			t.Fatalf("%s: findings = %d", tt.tool, len(findings))
		}
		if findings[0].FilePath != tt.want {
			t.Errorf("%s: path = %q, want %q", tt.tool, findings[0].FilePath, tt.want)
		}
	}
}

func TestParseMalformedOutput(t *testing.T) {
	for _, tool := range models.AllTools() {
		_, err := Parse(tool, []byte("Fatal error: tool crashed\n"))
		if !errors.IsParseError(err) {
			t.Errorf("%s: want parse error, got %v", tool, err)
		}
	}
}

func TestParseEmptyReports(t *testing.T) {
	cases := map[models.Tool]string{
		models.ToolSemgrep: `{"results": []}`,
		models.ToolTrivy:   `{"Results": null}`,
		models.ToolOSV:     `{"results": []}`,
		models.ToolZAP:     `{"site": []}`,
	}
	for tool, raw := range cases {
		findings, err := Parse(tool, []byte(raw))
		if err != nil {
			t.Errorf("%s: %v", tool, err)
		}
		if len(findings) != 0 {
			t.Errorf("%s: findings = %d, want 0", tool, len(findings))
		}
	}
}
