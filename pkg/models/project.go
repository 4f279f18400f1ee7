// Package models defines the canonical entities shared by every part of
// the scan orchestration engine: Project, Scan and Finding.
package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Project represents a single source code repository to be scanned.
// A Project is immutable once a Scan for it begins.
type Project struct {
	// ID is the stable identifier for the project.
	ID uuid.UUID `yaml:"id" json:"id"`

	// URL is the Git URL or local path of the repository.
	URL string `yaml:"url" json:"url"`

	// Name is the declared name of the repository.
	Name string `yaml:"name" json:"name"`

	// Language is the primary declared language, if any.
	Language string `yaml:"language,omitempty" json:"language,omitempty"`

	// Languages is the declared or detected language set. Ordered for
	// reproducible logs; membership is what matters.
	Languages []string `yaml:"languages,omitempty" json:"languages,omitempty"`

	// Description is an optional human-readable description.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// NetworkConfig is the optional declarative network intent used to
	// derive dynamic-test egress allowlists.
	NetworkConfig *NetworkConfig `yaml:"network_config,omitempty" json:"network_config,omitempty"`

	// Explicit allowlists. Once set, whether directly in configuration
	// or by the allowlist normalizer, these always win over anything
	// derived from NetworkConfig and are never auto-overwritten.
	NetworkAllowHosts    []string `yaml:"network_allow_hosts,omitempty" json:"network_allow_hosts,omitempty"`
	NetworkAllowIPRanges []string `yaml:"network_allow_ip_ranges,omitempty" json:"network_allow_ip_ranges,omitempty"`

	// Ports lists the ports relevant to the project's HTTP services.
	// Kept as strings to match tool command lines.
	Ports []string `yaml:"ports,omitempty" json:"ports,omitempty"`

	// DASTTargets optionally lists explicit live URLs for dynamic testing.
	DASTTargets []string `yaml:"dast_targets,omitempty" json:"dast_targets,omitempty"`

	// Timeouts holds optional per-category timeout overrides in seconds.
	Timeouts *TimeoutOverrides `yaml:"timeouts,omitempty" json:"timeouts,omitempty"`

	// HasDockerfile records whether the repository carries a container
	// build file.
	HasDockerfile bool `yaml:"has_dockerfile,omitempty" json:"has_dockerfile,omitempty"`
}

// TimeoutOverrides holds per-project timeout overrides in seconds.
// Zero means "use the category default".
type TimeoutOverrides struct {
	DASTSeconds     int `yaml:"dast_seconds,omitempty" json:"dast_seconds,omitempty"`
	FullScanSeconds int `yaml:"full_scan_seconds,omitempty" json:"full_scan_seconds,omitempty"`
	RunnerSeconds   int `yaml:"runner_seconds,omitempty" json:"runner_seconds,omitempty"`
}

// NetworkConfig is a project's declarative network intent.
type NetworkConfig struct {
	// Ports the service listens on.
	Ports []string `yaml:"ports,omitempty" json:"ports,omitempty"`

	// Protocol is "http" or "https"; selects the default port when an
	// egress rule declares none.
	Protocol string `yaml:"protocol,omitempty" json:"protocol,omitempty"`

	// HealthEndpoint is the path probed before dynamic testing begins.
	HealthEndpoint string `yaml:"health_endpoint,omitempty" json:"health_endpoint,omitempty"`

	// StartupDelaySeconds is waited after container start before the
	// first readiness probe.
	StartupDelaySeconds int `yaml:"startup_delay_seconds,omitempty" json:"startup_delay_seconds,omitempty"`

	// AllowedEgress is the ordered set of egress intent rules, parsed
	// once at configuration-load time.
	AllowedEgress EgressRules `yaml:"allowed_egress,omitempty" json:"allowed_egress,omitempty"`
}

// DefaultPort returns the protocol-default port for the intent.
func (nc *NetworkConfig) DefaultPort() string {
	if strings.EqualFold(nc.Protocol, "https") {
		return "443"
	}
	return "80"
}

// =============================================================================
// Egress Intent - closed variant set, parsed once from configuration
// =============================================================================

// EgressRuleKind discriminates the egress rule variants.
type EgressRuleKind string

const (
	// EgressExternalHosts - a list of hostnames reachable on the
	// project's declared ports (or the protocol default).
	EgressExternalHosts EgressRuleKind = "external_hosts"

	// EgressHostPorts - a single host or IP with its own port list.
	EgressHostPorts EgressRuleKind = "host_ports"

	// EgressCIDR - a CIDR range allowed verbatim.
	EgressCIDR EgressRuleKind = "cidr"
)

// EgressRule is one parsed egress intent entry. Exactly the fields for
// its Kind are populated.
type EgressRule struct {
	Kind EgressRuleKind `json:"kind"`

	// Hosts is set for EgressExternalHosts.
	Hosts []string `json:"hosts,omitempty"`

	// Host and Ports are set for EgressHostPorts. Ports may be empty,
	// in which case the normalizer falls back to declared ports or the
	// protocol default.
	Host  string   `json:"host,omitempty"`
	Ports []string `json:"ports,omitempty"`

	// CIDR is set for EgressCIDR.
	CIDR string `json:"cidr,omitempty"`
}

// EgressRules preserves the declaration order of the intent map so the
// derived allowlists are deterministic for identical input.
type EgressRules []EgressRule

// UnmarshalYAML parses the raw `allowed_egress` mapping into the rule
// variants, keeping document order.
func (r *EgressRules) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("allowed_egress: expected mapping, got %s", value.Tag)
	}
	rules := make(EgressRules, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key := value.Content[i].Value
		vals, err := scalarOrList(value.Content[i+1])
		if err != nil {
			return fmt.Errorf("allowed_egress[%s]: %w", key, err)
		}
		switch {
		case key == string(EgressExternalHosts):
			rules = append(rules, EgressRule{Kind: EgressExternalHosts, Hosts: vals})
		case strings.Contains(key, "/"):
			rules = append(rules, EgressRule{Kind: EgressCIDR, CIDR: key})
		default:
			rules = append(rules, EgressRule{Kind: EgressHostPorts, Host: key, Ports: vals})
		}
	}
	*r = rules
	return nil
}

// MarshalYAML renders the rules back to the declarative mapping form.
func (r EgressRules) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, rule := range r {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode}
		valNode := &yaml.Node{}
		switch rule.Kind {
		case EgressExternalHosts:
			keyNode.Value = string(EgressExternalHosts)
			if err := valNode.Encode(rule.Hosts); err != nil {
				return nil, err
			}
		case EgressCIDR:
			keyNode.Value = rule.CIDR
			if err := valNode.Encode([]string{}); err != nil {
				return nil, err
			}
		default:
			keyNode.Value = rule.Host
			if err := valNode.Encode(rule.Ports); err != nil {
				return nil, err
			}
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

// scalarOrList accepts a scalar, a sequence of scalars, or null, and
// returns the trimmed non-empty string values.
func scalarOrList(n *yaml.Node) ([]string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		v := strings.TrimSpace(n.Value)
		if v == "" || n.Tag == "!!null" {
			return nil, nil
		}
		return []string{v}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			v := strings.TrimSpace(c.Value)
			if v != "" {
				out = append(out, v)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected scalar or list, got %s", n.Tag)
	}
}

// =============================================================================
// Derived properties
// =============================================================================

// ContainerCapable reports whether the project can plausibly be built
// and run as a network service for dynamic testing: it carries a
// container build file and declares at least one service port.
func (p *Project) ContainerCapable() bool {
	if !p.HasDockerfile {
		return false
	}
	if len(p.Ports) > 0 {
		return true
	}
	return p.NetworkConfig != nil && len(p.NetworkConfig.Ports) > 0
}

// HasExplicitAllowlist reports whether any explicit allowlist field is set.
func (p *Project) HasExplicitAllowlist() bool {
	return len(p.NetworkAllowHosts) > 0 || len(p.NetworkAllowIPRanges) > 0
}

// LanguageSet returns the union of declared language and detected
// languages, deduplicated case-insensitively in first-seen order.
func (p *Project) LanguageSet() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(lang string) {
		key := strings.ToLower(strings.TrimSpace(lang))
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(lang))
	}
	add(p.Language)
	for _, l := range p.Languages {
		add(l)
	}
	return out
}

// DeclaredPorts returns explicit ports, falling back to network-intent
// ports when none are declared directly.
func (p *Project) DeclaredPorts() []string {
	if len(p.Ports) > 0 {
		return p.Ports
	}
	if p.NetworkConfig != nil {
		return p.NetworkConfig.Ports
	}
	return nil
}

func (p *Project) String() string {
	return fmt.Sprintf("Project(name=%s, url=%s, language=%s)", p.Name, p.URL, p.Language)
}
