// Package workflow drives the scan state machine.
//
// A scan moves pending -> running -> completed or failed, and never
// backwards. The engine selects the applicable runners, executes them
// under their security policies with bounded concurrency, normalizes
// their output and records a terminal outcome for every selected
// runner. Individual runner failures degrade coverage; only source
// acquisition failure or an empty runner selection fails the scan.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/geotoolkit/geotoolkit/pkg/audit"
	"github.com/geotoolkit/geotoolkit/pkg/errors"
	"github.com/geotoolkit/geotoolkit/pkg/metrics"
	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/netallow"
	"github.com/geotoolkit/geotoolkit/pkg/normalize"
	"github.com/geotoolkit/geotoolkit/pkg/policy"
	"github.com/geotoolkit/geotoolkit/pkg/runners"
)

// EngineConfig wires the workflow engine.
type EngineConfig struct {
	// Runners is the ordered tool selection. Findings are appended to
	// the scan in this order, each tool's block in its own report order.
	Runners []runners.Runner

	// Policies computes per-invocation security policies.
	Policies *policy.Config

	// Acquirer obtains source checkouts (default: LocalAcquirer).
	Acquirer Acquirer

	// MaxConcurrent bounds tool executions running at once (default 2).
	MaxConcurrent int

	// Audit receives scan lifecycle events (default: discard).
	Audit audit.Recorder

	// Metrics receives scan counters (default: discard).
	Metrics metrics.Collector
}

// Engine orchestrates scans.
type Engine struct {
	runners  []runners.Runner
	policies *policy.Config
	acquirer Acquirer
	sem      chan struct{}
	audit    audit.Recorder
	metrics  metrics.Collector
}

// NewEngine creates a workflow engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Acquirer == nil {
		cfg.Acquirer = LocalAcquirer{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &metrics.NopCollector{}
	}
	return &Engine{
		runners:  cfg.Runners,
		policies: cfg.Policies,
		acquirer: cfg.Acquirer,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
	}
}

// runnerResult carries one runner's contribution until the serial
// application phase.
type runnerResult struct {
	tool     models.Tool
	outcome  models.RunnerOutcome
	findings []models.Finding
	skipped  bool
}

// RunScan executes a full scan for one project and always returns the
// scan, terminal, alongside any fatal error.
func (e *Engine) RunScan(ctx context.Context, p *models.Project) (*models.Scan, error) {
	const op = "workflow.RunScan"

	scan := models.NewScan(p.ID)
	e.audit.Log(audit.Event{
		Type:      audit.EventScanStarted,
		ScanID:    scan.ID.String(),
		ProjectID: p.ID.String(),
		Message:   fmt.Sprintf("scan started for %s", p.Name),
	})
	e.metrics.GaugeInc(metrics.ScansActive.Name)
	defer e.metrics.GaugeDec(metrics.ScansActive.Name)
	timer := metrics.NewTimer(e.metrics, metrics.ScanDuration.Name)

	if netallow.Apply(p) {
		e.audit.Log(audit.Event{
			Type:      audit.EventAllowlistDerived,
			ScanID:    scan.ID.String(),
			ProjectID: p.ID.String(),
			Message:   "network allowlist derived from declarative intent",
			Details: map[string]interface{}{
				"hosts":  p.NetworkAllowHosts,
				"ranges": p.NetworkAllowIPRanges,
			},
		})
	}

	if err := scan.Start(); err != nil {
		return scan, errors.E(op, errors.KindInternal, "scan state", err)
	}

	if p.Timeouts != nil && p.Timeouts.FullScanSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.Timeouts.FullScanSeconds)*time.Second)
		defer cancel()
	}

	target, cleanup, err := e.resolveTarget(ctx, p)
	defer cleanup()
	if err != nil {
		return e.fail(scan, p, timer, err)
	}

	selected, skipped := e.selectRunners(target)
	if len(selected) == 0 {
		return e.fail(scan, p, timer,
			errors.E(op, errors.KindInvalidInput,
				fmt.Sprintf("no applicable runner for %s", p.Name), errors.ErrNoApplicableRunner))
	}

	results := make([]*runnerResult, len(selected))
	var wg sync.WaitGroup
	for i, r := range selected {
		wg.Add(1)
		go func(i int, r runners.Runner) {
			defer wg.Done()
			e.sem <- struct{}{}
			defer func() { <-e.sem }()
			results[i] = e.executeRunner(ctx, scan, r, target)
		}(i, r)
	}
	wg.Wait()

	// Serial application keeps the findings order deterministic: one
	// block per runner in selection order.
	for _, res := range results {
		if res.outcome.Findings > 0 {
			_ = scan.AppendFindings(res.findings...)
		}
		_ = scan.RecordOutcome(res.outcome)
	}
	for _, tool := range skipped {
		_ = scan.RecordOutcome(models.RunnerOutcome{Tool: tool, Outcome: models.OutcomeSkipped})
		e.metrics.CounterInc(metrics.RunnerExecutionsTotal.Name,
			"tool", string(tool), "outcome", string(models.OutcomeSkipped))
		e.audit.Log(audit.Event{
			Type:    audit.EventRunnerSkipped,
			ScanID:  scan.ID.String(),
			Tool:    string(tool),
			Message: fmt.Sprintf("%s not applicable to %s", tool, p.Name),
		})
	}

	if err := scan.Complete(); err != nil {
		return scan, errors.E(op, errors.KindInternal, "scan state", err)
	}

	duration := timer.ObserveDuration()
	e.metrics.CounterInc(metrics.ScansTotal.Name, "status", string(scan.Status))
	e.audit.Log(audit.Event{
		Type:      audit.EventScanCompleted,
		ScanID:    scan.ID.String(),
		ProjectID: p.ID.String(),
		Message:   fmt.Sprintf("scan completed with %d findings", len(scan.Findings)),
		Duration:  duration,
	})
	return scan, nil
}

// RunScans executes scans for several projects in parallel. Tool
// concurrency stays bounded by the shared semaphore regardless of how
// many projects run at once.
func (e *Engine) RunScans(ctx context.Context, projects []*models.Project) []*models.Scan {
	scans := make([]*models.Scan, len(projects))
	var wg sync.WaitGroup
	for i, p := range projects {
		wg.Add(1)
		go func(i int, p *models.Project) {
			defer wg.Done()
			scans[i], _ = e.RunScan(ctx, p)
		}(i, p)
	}
	wg.Wait()
	return scans
}

// resolveTarget acquires source when the project has any, and builds
// the runner target. Projects declaring only live URLs skip acquisition
// and scan DAST-only.
func (e *Engine) resolveTarget(ctx context.Context, p *models.Project) (runners.Target, func(), error) {
	noop := func() {}
	target := runners.Target{Project: p, DASTTargets: p.DASTTargets}

	if p.URL == "" && len(p.DASTTargets) > 0 {
		return target, noop, nil
	}

	dir, cleanup, err := e.acquirer.Acquire(ctx, p)
	if err != nil {
		return target, cleanup, err
	}
	target.SourceDir = dir
	return target, cleanup, nil
}

// selectRunners partitions the configured runners into those that will
// execute and those recorded as skipped.
func (e *Engine) selectRunners(target runners.Target) (selected []runners.Runner, skipped []models.Tool) {
	for _, r := range e.runners {
		if r.Applicable(target) {
			selected = append(selected, r)
		} else {
			skipped = append(skipped, r.Tool())
		}
	}
	return selected, skipped
}

// executeRunner runs one tool end to end: policy, execution,
// normalization. Every failure mode folds into a recorded outcome.
func (e *Engine) executeRunner(ctx context.Context, scan *models.Scan, r runners.Runner, target runners.Target) *runnerResult {
	tool := r.Tool()
	res := &runnerResult{tool: tool, outcome: models.RunnerOutcome{Tool: tool}}

	e.audit.Log(audit.Event{
		Type:    audit.EventRunnerStarted,
		ScanID:  scan.ID.String(),
		Tool:    string(tool),
		Message: fmt.Sprintf("%s selected (%s)", tool, tool.Category()),
	})

	pol, err := e.policies.For(tool, target.Project, target.SourceDir)
	if err != nil {
		res.outcome.Outcome = models.OutcomeLaunchFailure
		res.outcome.Error = err.Error()
		e.finishRunner(scan, res)
		return res
	}
	e.audit.Log(audit.Event{
		Type:   audit.EventPolicyComputed,
		ScanID: scan.ID.String(),
		Tool:   string(tool),
		Message: fmt.Sprintf("network=%s seccomp=%v relabel=%v timeout=%s",
			pol.NetworkMode, pol.SeccompProfile != "", pol.SELinuxRelabel, pol.Timeout),
		Details: map[string]interface{}{
			"network_override": pol.NetworkOverride,
			"allow_hosts":      pol.Allowlist.Hosts,
			"allow_cidrs":      pol.Allowlist.CIDRs,
		},
	})

	start := time.Now()
	exec, err := r.Execute(ctx, pol, target)
	if err != nil {
		res.outcome.Outcome = models.OutcomeToolError
		res.outcome.Duration = time.Since(start)
		res.outcome.Error = err.Error()
		e.finishRunner(scan, res)
		return res
	}

	res.outcome.Outcome = exec.Outcome
	res.outcome.Duration = exec.Duration
	res.outcome.Error = exec.Detail

	if exec.Outcome == models.OutcomeSuccess {
		findings, perr := normalize.Parse(tool, exec.Raw)
		if perr != nil {
			// Unusable output yields zero findings but keeps the
			// execution outcome, with the parse diagnostic attached.
			res.outcome.Error = perr.Error()
		} else {
			res.findings = findings
			res.outcome.Findings = len(findings)
			for _, f := range findings {
				e.metrics.CounterInc(metrics.FindingsTotal.Name,
					"tool", string(tool), "severity", string(f.Severity))
			}
		}
	}

	e.finishRunner(scan, res)
	return res
}

func (e *Engine) finishRunner(scan *models.Scan, res *runnerResult) {
	e.metrics.CounterInc(metrics.RunnerExecutionsTotal.Name,
		"tool", string(res.tool), "outcome", string(res.outcome.Outcome))
	e.metrics.HistogramObserve(metrics.RunnerDuration.Name,
		res.outcome.Duration.Seconds(), "tool", string(res.tool))

	sev := audit.SeverityInfo
	if res.outcome.Error != "" {
		sev = audit.SeverityWarning
	}
	e.audit.Log(audit.Event{
		Type:     audit.EventRunnerCompleted,
		Severity: sev,
		ScanID:   scan.ID.String(),
		Tool:     string(res.tool),
		Message:  fmt.Sprintf("%s finished: %s, %d findings", res.tool, res.outcome.Outcome, res.outcome.Findings),
		Error:    res.outcome.Error,
		Duration: res.outcome.Duration,
	})
}

// fail drives the scan to its failed terminal state.
func (e *Engine) fail(scan *models.Scan, p *models.Project, timer *metrics.Timer, err error) (*models.Scan, error) {
	_ = scan.Fail()
	timer.ObserveDuration()
	e.metrics.CounterInc(metrics.ScansTotal.Name, "status", string(scan.Status))
	e.audit.Log(audit.Event{
		Type:      audit.EventScanFailed,
		Severity:  audit.SeverityError,
		ScanID:    scan.ID.String(),
		ProjectID: p.ID.String(),
		Message:   fmt.Sprintf("scan failed for %s", p.Name),
		Error:     err.Error(),
	})
	return scan, err
}
