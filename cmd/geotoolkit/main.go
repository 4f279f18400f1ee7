// Command geotoolkit runs security scans for a collection of projects.
//
// Each project is scanned by the applicable tools inside hardened
// containers; normalized findings and per-tool outcomes are archived
// and summarized as JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geotoolkit/geotoolkit/pkg/audit"
	"github.com/geotoolkit/geotoolkit/pkg/config"
	"github.com/geotoolkit/geotoolkit/pkg/container"
	"github.com/geotoolkit/geotoolkit/pkg/history"
	"github.com/geotoolkit/geotoolkit/pkg/metrics"
	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/policy"
	"github.com/geotoolkit/geotoolkit/pkg/runners"
	"github.com/geotoolkit/geotoolkit/pkg/shared/severity"
	"github.com/geotoolkit/geotoolkit/pkg/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "geotoolkit:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = flag.String("config", "", "engine configuration file (YAML)")
		projectsPath = flag.String("projects", "", "additional project collection file (YAML)")
		metricsAddr  = flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
		verbose      = flag.Bool("verbose", false, "mirror audit events to stderr")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *verbose {
		cfg.Engine.Verbose = true
	}

	projects := make([]*models.Project, 0, len(cfg.Projects))
	for i := range cfg.Projects {
		projects = append(projects, &cfg.Projects[i])
	}
	if *projectsPath != "" {
		extra, err := config.LoadProjects(*projectsPath)
		if err != nil {
			return err
		}
		for i := range extra {
			projects = append(projects, &extra[i])
		}
	}
	if len(projects) == 0 {
		return fmt.Errorf("no projects configured")
	}

	logger, err := audit.NewLogger(&audit.LoggerConfig{
		LogFile: cfg.Engine.AuditLogPath,
		Verbose: cfg.Engine.Verbose,
	})
	if err != nil {
		return err
	}
	logger.Start()
	defer logger.Stop()

	collector := metrics.NewPrometheusCollector(&metrics.PrometheusConfig{
		RegisterDefaultMetrics: true,
	})
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", collector.Handler())
			srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintln(os.Stderr, "metrics server:", err)
			}
		}()
	}

	engine := container.NewEngine(container.EngineConfig{
		Binary:  cfg.Engine.PodmanBinary,
		Audit:   logger,
		Metrics: collector,
	})

	policies := &policy.Config{
		Images:               cfg.Engine.Images,
		SeccompDir:           cfg.Engine.SeccompDir,
		SeccompFallback:      cfg.Engine.SeccompFallback,
		AllowNetworkOverride: cfg.Engine.AllowNetworkOverride,
		SASTTimeout:          cfg.Engine.Timeouts.ForCategory(models.CategorySAST),
		SCATimeout:           cfg.Engine.Timeouts.ForCategory(models.CategorySCA),
		DASTTimeout:          cfg.Engine.Timeouts.ForCategory(models.CategoryDAST),
	}

	wf := workflow.NewEngine(workflow.EngineConfig{
		Runners: []runners.Runner{
			runners.NewSemgrep(engine, cfg.Engine.SemgrepRulesPath),
			runners.NewTrivy(engine, cfg.Engine.TrivyCacheDir),
			runners.NewOSV(engine, cfg.Engine.OSVDatabaseDir),
			runners.NewZAP(engine, runners.ZAPConfig{
				ReadinessTimeout: cfg.Engine.Timeouts.Readiness(),
			}),
		},
		Policies:      policies,
		MaxConcurrent: cfg.Engine.MaxConcurrentRunners,
		Audit:         logger,
		Metrics:       collector,
	})

	store, err := history.Open(cfg.Engine.HistoryDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scans := wf.RunScans(ctx, projects)

	failed := 0
	summaries := make([]scanSummary, 0, len(scans))
	for i, scan := range scans {
		if scan == nil {
			continue
		}
		if scan.Status == models.ScanFailed {
			failed++
		}
		if err := store.Save(ctx, projects[i], scan); err != nil {
			fmt.Fprintln(os.Stderr, "archive:", err)
		}
		summaries = append(summaries, summarize(projects[i], scan))
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	if err := out.Encode(summaries); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scans failed", failed, len(scans))
	}
	return nil
}

type scanSummary struct {
	Project  string                   `json:"project"`
	ScanID   string                   `json:"scan_id"`
	Status   models.ScanStatus        `json:"status"`
	Counts   severity.CountBySeverity `json:"findings"`
	Runners  []models.RunnerOutcome   `json:"runners"`
	Findings []models.Finding         `json:"details,omitempty"`
}

func summarize(p *models.Project, scan *models.Scan) scanSummary {
	counts := severity.CountBySeverity{}
	for _, f := range scan.Findings {
		counts.Increment(f.Severity)
	}
	return scanSummary{
		Project: p.Name,
		ScanID:  scan.ID.String(),
		Status:  scan.Status,
		Counts:  counts,
		Runners: scan.RunnerOutcomes,
	}
}
