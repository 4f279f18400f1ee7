// Package severity provides the canonical severity scale for normalized
// findings and the per-tool mapping tables used to translate each
// scanner's native severity vocabulary onto it.
//
// The mapping tables are data, not logic: callers may replace or extend
// them from configuration. Tokens absent from a table resolve to Medium.
package severity

import "strings"

// Level represents a canonical severity level.
type Level string

const (
	// High - serious issue that should be addressed urgently.
	High Level = "high"

	// Medium - moderate risk, address in the normal development cycle.
	Medium Level = "medium"

	// Low - minor issue, address when convenient.
	Low Level = "low"
)

// AllLevels returns all severity levels in order of priority (highest first).
func AllLevels() []Level {
	return []Level{High, Medium, Low}
}

// String returns the string representation of the severity level.
func (l Level) String() string {
	return string(l)
}

// Priority returns the numeric priority of the severity level.
// Higher numbers = higher priority.
func (l Level) Priority() int {
	switch l {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

// IsHigherThan returns true if this severity is higher than the other.
func (l Level) IsHigherThan(other Level) bool {
	return l.Priority() > other.Priority()
}

// Valid reports whether l is one of the three canonical levels.
func (l Level) Valid() bool {
	return l == High || l == Medium || l == Low
}

// Max returns the higher severity of two levels.
func Max(a, b Level) Level {
	if a.IsHigherThan(b) {
		return a
	}
	return b
}

// Compare returns -1, 0 or +1 as a is lower than, equal to, or higher
// than b.
func Compare(a, b Level) int {
	pa, pb := a.Priority(), b.Priority()
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	default:
		return 0
	}
}

// =============================================================================
// Per-Tool Mapping Tables
// =============================================================================

// Mapping translates a tool's native severity tokens to canonical levels.
// Lookup is case-insensitive on the trimmed token.
type Mapping map[string]Level

// Resolve maps a native severity token to a canonical level.
//
// Composite tokens such as ZAP's "High (Medium)" resolve on their first
// word, which is the higher of the two components. Unknown or empty
// tokens resolve to Medium so that a tool with a vocabulary we have not
// seen never silently drops below the middle of the scale.
func (m Mapping) Resolve(token string) Level {
	token = strings.TrimSpace(token)
	if i := strings.IndexAny(token, " ("); i > 0 {
		token = token[:i]
	}
	if lvl, ok := m[strings.ToUpper(token)]; ok {
		return lvl
	}
	return Medium
}

// Default mapping tables for the supported tools. CRITICAL collapses to
// High because the canonical scale tops out there.
var (
	// SemgrepMapping covers semgrep's ERROR/WARNING/INFO vocabulary.
	SemgrepMapping = Mapping{
		"ERROR":   High,
		"WARNING": Medium,
		"INFO":    Low,
	}

	// TrivyMapping covers trivy's CRITICAL/HIGH/MEDIUM/LOW/UNKNOWN vocabulary.
	TrivyMapping = Mapping{
		"CRITICAL": High,
		"HIGH":     High,
		"MEDIUM":   Medium,
		"LOW":      Low,
		"UNKNOWN":  Medium,
	}

	// OSVMapping covers OSV ecosystem severities where present. OSV
	// records frequently omit a severity entirely; Resolve's Medium
	// fallback handles those.
	OSVMapping = Mapping{
		"CRITICAL": High,
		"HIGH":     High,
		"MODERATE": Medium,
		"MEDIUM":   Medium,
		"LOW":      Low,
	}

	// ZAPMapping covers ZAP's risk descriptions, including the composite
	// "High (Medium)" form which Resolve reduces to its first word.
	ZAPMapping = Mapping{
		"HIGH":          High,
		"MEDIUM":        Medium,
		"LOW":           Low,
		"INFORMATIONAL": Low,
	}
)

// MappingFor returns the default mapping table for a tool name, or nil
// when the tool is unknown.
func MappingFor(tool string) Mapping {
	switch strings.ToLower(tool) {
	case "semgrep":
		return SemgrepMapping
	case "trivy":
		return TrivyMapping
	case "osv-scanner":
		return OSVMapping
	case "zap":
		return ZAPMapping
	default:
		return nil
	}
}

// =============================================================================
// Counting
// =============================================================================

// CountBySeverity counts findings by severity level.
type CountBySeverity struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
	Total  int `json:"total"`
}

// Increment increases the count for the given severity.
func (c *CountBySeverity) Increment(level Level) {
	c.Total++
	switch level {
	case High:
		c.High++
	case Low:
		c.Low++
	default:
		c.Medium++
	}
}

// HighestSeverity returns the highest severity level with a non-zero count.
func (c *CountBySeverity) HighestSeverity() Level {
	switch {
	case c.High > 0:
		return High
	case c.Medium > 0:
		return Medium
	default:
		return Low
	}
}
