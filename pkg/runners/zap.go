package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/geotoolkit/geotoolkit/pkg/container"
	"github.com/geotoolkit/geotoolkit/pkg/errors"
	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/policy"
)

// hostGateway is how containers reach services on the host.
const hostGateway = "host.containers.internal"

// ZAPConfig configures the dynamic-testing runner.
type ZAPConfig struct {
	// APIAddr is the host address the daemon API is published on.
	// Default: 127.0.0.1:8090
	APIAddr string

	// ReadinessTimeout bounds how long to wait for the daemon API.
	// Default: 300 seconds
	ReadinessTimeout time.Duration

	// PollInterval paces the spider and active-scan status polls.
	// Default: 2 seconds
	PollInterval time.Duration
}

// ZAP runs dynamic testing: it starts the proxy daemon in its own
// container, drives the spider and the active scan over the API and
// collects the JSON report. The daemon container is always torn down,
// on success, error, timeout and cancellation alike.
type ZAP struct {
	engine *container.Engine
	cfg    ZAPConfig
	client *retryablehttp.Client
}

// NewZAP creates the dynamic-testing runner.
func NewZAP(engine *container.Engine, cfg ZAPConfig) *ZAP {
	if cfg.APIAddr == "" {
		cfg.APIAddr = "127.0.0.1:8090"
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = 300 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil

	return &ZAP{engine: engine, cfg: cfg, client: client}
}

func (z *ZAP) Tool() models.Tool         { return models.ToolZAP }
func (z *ZAP) Category() models.Category { return models.CategoryDAST }

// Applicable: dynamic testing needs something to aim at, either a
// project that can run as a service or explicitly declared live
// targets.
func (z *ZAP) Applicable(t Target) bool {
	if len(t.DASTTargets) > 0 {
		return true
	}
	if t.Project == nil {
		return false
	}
	return t.Project.ContainerCapable() || t.Project.HasExplicitAllowlist()
}

// Execute drives one full dynamic-testing pass. The wall-clock budget
// in the policy is cumulative across readiness, spidering, scanning and
// report collection.
func (z *ZAP) Execute(ctx context.Context, pol *policy.Policy, t Target) (*Execution, error) {
	targets := z.resolveTargets(t)
	if len(targets) == 0 {
		return &Execution{
			Outcome: models.OutcomeSkipped,
			Detail:  "no reachable targets for dynamic testing",
		}, nil
	}

	start := time.Now()
	runCtx := ctx
	cancel := func() {}
	if pol.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, pol.Timeout)
	}
	defer cancel()

	port := apiPort(z.cfg.APIAddr)
	daemon, err := z.engine.StartDaemon(runCtx, pol,
		[]string{z.cfg.APIAddr + ":" + port},
		[]string{
			"zap.sh", "-daemon",
			"-host", "0.0.0.0",
			"-port", port,
			"-config", "api.disablekey=true",
			"-config", "api.addrs.addr.name=.*",
			"-config", "api.addrs.addr.regex=true",
		})
	if err != nil {
		if errors.IsLaunchFailure(err) {
			return &Execution{
				Outcome:  models.OutcomeLaunchFailure,
				Duration: time.Since(start),
				Detail:   err.Error(),
			}, nil
		}
		return nil, err
	}
	defer daemon.Stop()

	if t.Project != nil && t.Project.NetworkConfig != nil && t.Project.NetworkConfig.StartupDelaySeconds > 0 {
		if err := sleepCtx(runCtx, time.Duration(t.Project.NetworkConfig.StartupDelaySeconds)*time.Second); err != nil {
			return z.timedOutOrErr(runCtx, start, err)
		}
	}

	if err := z.waitReady(runCtx); err != nil {
		return z.timedOutOrErr(runCtx, start, err)
	}

	limiter := rate.NewLimiter(rate.Every(z.cfg.PollInterval), 1)
	for _, target := range targets {
		if err := z.spider(runCtx, limiter, target); err != nil {
			return z.timedOutOrErr(runCtx, start, err)
		}
		if err := z.activeScan(runCtx, limiter, target); err != nil {
			return z.timedOutOrErr(runCtx, start, err)
		}
	}

	report, err := z.report(runCtx)
	if err != nil {
		return z.timedOutOrErr(runCtx, start, err)
	}

	return &Execution{
		Outcome:  models.OutcomeSuccess,
		Raw:      report,
		Duration: time.Since(start),
	}, nil
}

// resolveTargets picks explicit live URLs first, rewritten so the
// daemon container can reach services on the host, and otherwise
// synthesizes loopback targets from the declared ports.
func (z *ZAP) resolveTargets(t Target) []string {
	if len(t.DASTTargets) > 0 {
		out := make([]string, 0, len(t.DASTTargets))
		for _, raw := range t.DASTTargets {
			out = append(out, rewriteLoopback(raw))
		}
		return out
	}
	if t.Project == nil {
		return nil
	}
	var out []string
	scheme := "http"
	if t.Project.NetworkConfig != nil && strings.EqualFold(t.Project.NetworkConfig.Protocol, "https") {
		scheme = "https"
	}
	for _, port := range t.Project.DeclaredPorts() {
		out = append(out, fmt.Sprintf("%s://%s:%s", scheme, hostGateway, port))
	}
	return out
}

// rewriteLoopback maps host loopback names to the container gateway.
func rewriteLoopback(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" {
		return raw
	}
	if port := u.Port(); port != "" {
		u.Host = hostGateway + ":" + port
	} else {
		u.Host = hostGateway
	}
	return u.String()
}

// waitReady polls the version endpoint until the daemon answers.
func (z *ZAP) waitReady(ctx context.Context) error {
	const op = "zap.waitReady"

	readyCtx, cancel := context.WithTimeout(ctx, z.cfg.ReadinessTimeout)
	defer cancel()

	ticker := time.NewTicker(z.cfg.PollInterval)
	defer ticker.Stop()
	for {
		var version struct {
			Version string `json:"version"`
		}
		if err := z.apiGet(readyCtx, "/JSON/core/view/version/", nil, &version); err == nil && version.Version != "" {
			return nil
		}
		select {
		case <-readyCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.E(op, errors.KindTool,
				fmt.Sprintf("daemon not ready within %s", z.cfg.ReadinessTimeout))
		case <-ticker.C:
		}
	}
}

// spider crawls one target and waits for completion.
func (z *ZAP) spider(ctx context.Context, limiter *rate.Limiter, target string) error {
	var started struct {
		Scan string `json:"scan"`
	}
	if err := z.apiGet(ctx, "/JSON/spider/action/scan/", url.Values{"url": {target}}, &started); err != nil {
		return err
	}
	return z.pollStatus(ctx, limiter, "/JSON/spider/view/status/", started.Scan)
}

// activeScan attacks one target and waits for completion.
func (z *ZAP) activeScan(ctx context.Context, limiter *rate.Limiter, target string) error {
	var started struct {
		Scan string `json:"scan"`
	}
	if err := z.apiGet(ctx, "/JSON/ascan/action/scan/", url.Values{"url": {target}}, &started); err != nil {
		return err
	}
	return z.pollStatus(ctx, limiter, "/JSON/ascan/view/status/", started.Scan)
}

// pollStatus rate-limits progress polls until the job reports 100.
func (z *ZAP) pollStatus(ctx context.Context, limiter *rate.Limiter, path, scanID string) error {
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		var status struct {
			Status string `json:"status"`
		}
		if err := z.apiGet(ctx, path, url.Values{"scanId": {scanID}}, &status); err != nil {
			return err
		}
		if status.Status == "100" {
			return nil
		}
	}
}

// report fetches the full JSON report with all accumulated alerts.
func (z *ZAP) report(ctx context.Context) ([]byte, error) {
	return z.apiGetRaw(ctx, "/OTHER/core/other/jsonreport/", nil)
}

func (z *ZAP) apiGet(ctx context.Context, path string, query url.Values, out interface{}) error {
	body, err := z.apiGetRaw(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.E("zap.apiGet", errors.KindTool, "unexpected API response", err)
	}
	return nil
}

func (z *ZAP) apiGetRaw(ctx context.Context, path string, query url.Values) ([]byte, error) {
	const op = "zap.api"

	u := "http://" + z.cfg.APIAddr + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, errors.E(op, errors.KindInternal, "build request", err)
	}

	resp, err := z.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.E(op, errors.KindTool, "daemon API unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.E(op, errors.KindTool, "read API response", err)
	}
	if resp.StatusCode != 200 {
		return nil, errors.E(op, errors.KindTool,
			fmt.Sprintf("API returned %d for %s", resp.StatusCode, path))
	}
	return body, nil
}

// timedOutOrErr maps a mid-flight failure to the right terminal state:
// budget exhaustion is a timeout outcome, daemon trouble is a tool
// error and caller cancellation propagates.
func (z *ZAP) timedOutOrErr(ctx context.Context, start time.Time, err error) (*Execution, error) {
	if ctx.Err() == context.DeadlineExceeded {
		return &Execution{
			Outcome:  models.OutcomeTimeout,
			Duration: time.Since(start),
			Detail:   "dynamic testing budget exhausted",
		}, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	return &Execution{
		Outcome:  models.OutcomeToolError,
		Duration: time.Since(start),
		Detail:   err.Error(),
	}, nil
}

func apiPort(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i+1:]
	}
	return "8090"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
