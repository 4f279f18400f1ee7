// Package normalize converts native tool output into canonical
// findings.
//
// Each supported tool has its own parser for the JSON it emits; the
// output is an ordered finding list in the tool's own reporting order.
// Malformed output is a parse error, never a panic, and never findings.
package normalize

import (
	"fmt"
	"strings"

	"github.com/geotoolkit/geotoolkit/pkg/errors"
	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/policy"
)

// Parse dispatches raw tool output to the right parser.
func Parse(tool models.Tool, raw []byte) ([]models.Finding, error) {
	switch tool {
	case models.ToolSemgrep:
		return ParseSemgrep(raw)
	case models.ToolTrivy:
		return ParseTrivy(raw)
	case models.ToolOSV:
		return ParseOSV(raw)
	case models.ToolZAP:
		return ParseZAP(raw)
	default:
		return nil, errors.E("normalize.Parse", errors.KindInvalidInput,
			fmt.Sprintf("unknown tool %q", tool))
	}
}

func parseError(op string, tool models.Tool, err error) error {
	return errors.E(op, errors.KindParse,
		fmt.Sprintf("malformed %s output", tool), err)
}

// relativeToRoot strips the in-container source mount prefix so finding
// paths are relative to the scanned project root. Paths the tool already
// reports relative pass through unchanged.
func relativeToRoot(path string) string {
	if path == policy.ContainerSourceDir {
		return "."
	}
	return strings.TrimPrefix(path, policy.ContainerSourceDir+"/")
}
