package models

import (
	"github.com/google/uuid"

	"github.com/geotoolkit/geotoolkit/pkg/shared/severity"
)

// Tool identifies the scanning tool that produced a finding. The set is
// closed; ValidTool rejects anything else.
type Tool string

const (
	ToolSemgrep Tool = "semgrep"
	ToolTrivy   Tool = "trivy"
	ToolOSV     Tool = "osv-scanner"
	ToolZAP     Tool = "zap"
)

// AllTools returns the closed tool set in invocation order.
func AllTools() []Tool {
	return []Tool{ToolSemgrep, ToolTrivy, ToolOSV, ToolZAP}
}

// ValidTool reports whether t belongs to the closed tool set.
func ValidTool(t Tool) bool {
	switch t {
	case ToolSemgrep, ToolTrivy, ToolOSV, ToolZAP:
		return true
	default:
		return false
	}
}

// Category is the tool's analysis category.
type Category string

const (
	CategorySAST Category = "sast"
	CategorySCA  Category = "sca"
	CategoryDAST Category = "dast"
)

// Category returns the analysis category of the tool.
func (t Tool) Category() Category {
	switch t {
	case ToolSemgrep:
		return CategorySAST
	case ToolTrivy, ToolOSV:
		return CategorySCA
	case ToolZAP:
		return CategoryDAST
	default:
		return CategorySAST
	}
}

func (t Tool) String() string { return string(t) }

// Finding represents a single normalized vulnerability or issue
// discovered by a tool. Findings are immutable once created; they are
// produced exclusively by the result normalizer and appended to exactly
// one Scan.
type Finding struct {
	// ID is the unique identifier for the finding.
	ID uuid.UUID `json:"id"`

	// Tool is the name of the tool that discovered the finding.
	Tool Tool `json:"tool"`

	// Description is a human-readable description of the finding.
	Description string `json:"description"`

	// Severity is the canonical severity level.
	Severity severity.Level `json:"severity"`

	// FilePath is the path, relative to the scanned project root, where
	// the finding was discovered. For dynamic findings this is the URI.
	FilePath string `json:"file_path,omitempty"`

	// Line is the 1-based line number, or nil when the tool does not
	// report one.
	Line *int `json:"line,omitempty"`

	// ComplianceMappings lists framework-control identifiers the
	// finding maps to (e.g. "CWE-89", "OWASP-A01:2021").
	ComplianceMappings []string `json:"compliance_mappings,omitempty"`
}

// NewFinding creates a Finding with a fresh identifier.
func NewFinding(tool Tool, description string, level severity.Level) Finding {
	return Finding{
		ID:          uuid.New(),
		Tool:        tool,
		Description: description,
		Severity:    level,
	}
}
