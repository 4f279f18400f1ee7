package workflow

import (
	"context"
	"fmt"
	"os"

	"github.com/geotoolkit/geotoolkit/pkg/errors"
	"github.com/geotoolkit/geotoolkit/pkg/models"
)

// Acquirer obtains a scannable checkout of a project. Acquisition is
// the only step whose failure is fatal to a scan.
type Acquirer interface {
	// Acquire returns the local source directory and a cleanup hook.
	// The cleanup hook is never nil.
	Acquire(ctx context.Context, p *models.Project) (dir string, cleanup func(), err error)
}

// LocalAcquirer serves projects whose URL is a directory on this host.
// Remote checkouts are prepared by external tooling before the scan.
type LocalAcquirer struct{}

func (LocalAcquirer) Acquire(ctx context.Context, p *models.Project) (string, func(), error) {
	const op = "workflow.Acquire"
	noop := func() {}

	info, err := os.Stat(p.URL)
	if err != nil {
		return "", noop, errors.E(op, errors.KindAcquisition,
			fmt.Sprintf("source for %s unavailable at %s", p.Name, p.URL), errors.ErrSourceUnavailable)
	}
	if !info.IsDir() {
		return "", noop, errors.E(op, errors.KindAcquisition,
			fmt.Sprintf("source path %s is not a directory", p.URL))
	}
	return p.URL, noop, nil
}
