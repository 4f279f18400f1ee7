// Package config loads and validates the engine configuration and the
// project collection.
//
// Configuration is YAML on disk. Engine settings (container images,
// seccomp profile directory, offline databases, concurrency, timeout
// defaults) live in one document; projects can be declared inline or in
// a separate file referenced by the CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/geotoolkit/geotoolkit/pkg/models"
)

// Config is the full engine configuration.
type Config struct {
	Engine   EngineConfig     `yaml:"engine"`
	Projects []models.Project `yaml:"projects"`
}

// EngineConfig configures container execution and scan behavior.
type EngineConfig struct {
	// PodmanBinary is the container engine executable (default: podman).
	PodmanBinary string `yaml:"podman_binary"`

	// Images maps tool name to the pinned container image reference.
	Images map[string]string `yaml:"images"`

	// SeccompDir is the directory holding per-tool seccomp profiles
	// (<tool>.json). Empty disables seccomp confinement.
	SeccompDir string `yaml:"seccomp_dir"`

	// SeccompFallback permits retrying a launch without the profile
	// when the declared profile is missing or rejected by the engine.
	SeccompFallback bool `yaml:"seccomp_fallback"`

	// TrivyCacheDir is the offline vulnerability database for trivy.
	// Missing directory degrades the runner to skipped_no_database.
	TrivyCacheDir string `yaml:"trivy_cache_dir"`

	// OSVDatabaseDir is the offline database directory for osv-scanner.
	OSVDatabaseDir string `yaml:"osv_database_dir"`

	// SemgrepRulesPath is the packaged default ruleset used when a
	// project ships no semgrep configuration of its own.
	SemgrepRulesPath string `yaml:"semgrep_rules_path"`

	// MaxConcurrentRunners bounds tool containers running at once.
	MaxConcurrentRunners int `yaml:"max_concurrent_runners"`

	// AllowNetworkOverride permits projects to request egress for
	// static and composition analysis. Off by default; every use is
	// audited. Dynamic testing is unaffected.
	AllowNetworkOverride bool `yaml:"allow_network_override"`

	// Timeouts holds the per-category wall-clock defaults. A project's
	// timeout override always wins over these.
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// HistoryDBPath is the SQLite scan history database.
	HistoryDBPath string `yaml:"history_db_path"`

	// AuditLogPath is the JSONL audit log file.
	AuditLogPath string `yaml:"audit_log_path"`

	// Verbose mirrors audit events to stderr.
	Verbose bool `yaml:"verbose"`
}

// TimeoutConfig holds per-category wall-clock limits in seconds.
type TimeoutConfig struct {
	SASTSeconds      int `yaml:"sast_seconds"`
	SCASeconds       int `yaml:"sca_seconds"`
	DASTSeconds      int `yaml:"dast_seconds"`
	ReadinessSeconds int `yaml:"readiness_seconds"`
}

// ForCategory returns the default wall-clock limit for a tool category.
func (t TimeoutConfig) ForCategory(cat models.Category) time.Duration {
	switch cat {
	case models.CategoryDAST:
		return time.Duration(t.DASTSeconds) * time.Second
	case models.CategorySCA:
		return time.Duration(t.SCASeconds) * time.Second
	default:
		return time.Duration(t.SASTSeconds) * time.Second
	}
}

// Readiness returns the daemon readiness limit for dynamic testing.
func (t TimeoutConfig) Readiness() time.Duration {
	return time.Duration(t.ReadinessSeconds) * time.Second
}

// Default returns sensible defaults for most environments.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			PodmanBinary: "podman",
			Images: map[string]string{
				"semgrep":     "docker.io/returntocorp/semgrep:latest",
				"trivy":       "docker.io/aquasec/trivy:latest",
				"osv-scanner": "ghcr.io/google/osv-scanner:latest",
				"zap":         "docker.io/zaproxy/zap-stable:latest",
			},
			SeccompFallback:      true,
			MaxConcurrentRunners: 2,
			Timeouts: TimeoutConfig{
				SASTSeconds:      600,
				SCASeconds:       600,
				DASTSeconds:      1800,
				ReadinessSeconds: 300,
			},
			HistoryDBPath: defaultHistoryPath(),
			AuditLogPath:  filepath.Join("logs", "audit.log"),
		},
	}
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	return filepath.Join(home, ".geotoolkit", "history.db")
}

// Load reads a YAML configuration file and merges it over defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes and merges them over defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadProjects reads a standalone project collection file. Projects are
// validated the same way as those declared inline in the engine config.
func LoadProjects(path string) ([]models.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read projects: %w", err)
	}
	var doc struct {
		Projects []models.Project `yaml:"projects"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse projects: %w", err)
	}
	for i := range doc.Projects {
		assignProjectDefaults(&doc.Projects[i])
	}
	v := NewValidator()
	validateProjects(v, doc.Projects)
	if err := v.Err(); err != nil {
		return nil, err
	}
	return doc.Projects, nil
}

// applyDefaults fills unset fields after a YAML merge.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Engine.PodmanBinary == "" {
		c.Engine.PodmanBinary = def.Engine.PodmanBinary
	}
	if c.Engine.MaxConcurrentRunners <= 0 {
		c.Engine.MaxConcurrentRunners = def.Engine.MaxConcurrentRunners
	}
	if c.Engine.Images == nil {
		c.Engine.Images = def.Engine.Images
	} else {
		for tool, image := range def.Engine.Images {
			if c.Engine.Images[tool] == "" {
				c.Engine.Images[tool] = image
			}
		}
	}
	if c.Engine.Timeouts.SASTSeconds <= 0 {
		c.Engine.Timeouts.SASTSeconds = def.Engine.Timeouts.SASTSeconds
	}
	if c.Engine.Timeouts.SCASeconds <= 0 {
		c.Engine.Timeouts.SCASeconds = def.Engine.Timeouts.SCASeconds
	}
	if c.Engine.Timeouts.DASTSeconds <= 0 {
		c.Engine.Timeouts.DASTSeconds = def.Engine.Timeouts.DASTSeconds
	}
	if c.Engine.Timeouts.ReadinessSeconds <= 0 {
		c.Engine.Timeouts.ReadinessSeconds = def.Engine.Timeouts.ReadinessSeconds
	}
	if c.Engine.HistoryDBPath == "" {
		c.Engine.HistoryDBPath = def.Engine.HistoryDBPath
	}
	if c.Engine.AuditLogPath == "" {
		c.Engine.AuditLogPath = def.Engine.AuditLogPath
	}
	for i := range c.Projects {
		assignProjectDefaults(&c.Projects[i])
	}
}

func assignProjectDefaults(p *models.Project) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Name == "" && p.URL != "" {
		p.Name = filepath.Base(p.URL)
	}
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	v := NewValidator()

	v.Required("engine.podman_binary", c.Engine.PodmanBinary)
	v.Min("engine.max_concurrent_runners", c.Engine.MaxConcurrentRunners, 1)
	v.Min("engine.timeouts.sast_seconds", c.Engine.Timeouts.SASTSeconds, 1)
	v.Min("engine.timeouts.sca_seconds", c.Engine.Timeouts.SCASeconds, 1)
	v.Min("engine.timeouts.dast_seconds", c.Engine.Timeouts.DASTSeconds, 1)
	v.Min("engine.timeouts.readiness_seconds", c.Engine.Timeouts.ReadinessSeconds, 1)

	for _, tool := range models.AllTools() {
		v.Required(fmt.Sprintf("engine.images.%s", tool), c.Engine.Images[string(tool)])
	}

	validateProjects(v, c.Projects)

	return v.Err()
}

// validateProjects checks a project collection. A source url is required
// unless the project scans live targets only.
func validateProjects(v *Validator, projects []models.Project) {
	for i, p := range projects {
		field := fmt.Sprintf("projects[%d]", i)
		v.Required(field+".name", p.Name)
		if len(p.DASTTargets) == 0 {
			v.Required(field+".url", p.URL)
		}
		if p.Timeouts != nil {
			if p.Timeouts.DASTSeconds < 0 || p.Timeouts.FullScanSeconds < 0 || p.Timeouts.RunnerSeconds < 0 {
				v.errors.Add(field+".timeouts", "must not be negative")
			}
		}
	}
}
