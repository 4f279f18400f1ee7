// Package netallow expands a project's declarative network intent into
// the explicit host:port and CIDR allowlists consumed by the dynamic-test
// security policy.
//
// The expansion is deterministic: entries are emitted in declaration
// order, duplicates keep their first position, and normalizing the same
// project twice yields identical output. Static and composition analysis
// never consume this output; their network mode stays "none".
package netallow

import (
	"fmt"
	"strings"

	"github.com/geotoolkit/geotoolkit/pkg/models"
)

// Allowlist is the explicit egress rule set for dynamic testing.
// Everything not listed is denied.
type Allowlist struct {
	// Hosts lists allowed host:port entries.
	Hosts []string `json:"hosts"`

	// CIDRs lists allowed CIDR ranges.
	CIDRs []string `json:"cidrs"`

	// Ports echoes the project's declared service ports.
	Ports []string `json:"ports"`
}

// Empty reports whether the allowlist permits nothing.
func (a Allowlist) Empty() bool {
	return len(a.Hosts) == 0 && len(a.CIDRs) == 0
}

// Normalize derives the explicit allowlist for a project.
//
// Explicit wins: when the project already carries network_allow_hosts or
// network_allow_ip_ranges, those are returned verbatim and no derivation
// happens. Otherwise each egress intent rule expands in declaration
// order, and declared ports additionally synthesize localhost targets so
// that dynamic scans can reach services started by the external helper.
func Normalize(p *models.Project) Allowlist {
	ports := trimAll(p.DeclaredPorts())

	if p.HasExplicitAllowlist() {
		return Allowlist{
			Hosts: cloneList(p.NetworkAllowHosts),
			CIDRs: cloneList(p.NetworkAllowIPRanges),
			Ports: ports,
		}
	}

	hosts := newOrderedSet()
	cidrs := newOrderedSet()

	defaultPort := "80"
	if p.NetworkConfig != nil {
		defaultPort = p.NetworkConfig.DefaultPort()
		for _, rule := range p.NetworkConfig.AllowedEgress {
			switch rule.Kind {
			case models.EgressExternalHosts:
				for _, host := range trimAll(rule.Hosts) {
					addHostPorts(hosts, host, ports, defaultPort)
				}
			case models.EgressCIDR:
				cidrs.add(rule.CIDR)
			case models.EgressHostPorts:
				rulePorts := trimAll(rule.Ports)
				if len(rulePorts) == 0 {
					rulePorts = ports
				}
				addHostPorts(hosts, rule.Host, rulePorts, defaultPort)
			}
		}
	}

	// Local DAST targets started by the external helper listen on the
	// declared ports of the loopback interface.
	for _, port := range ports {
		hosts.add(fmt.Sprintf("localhost:%s", port))
		hosts.add(fmt.Sprintf("127.0.0.1:%s", port))
	}

	return Allowlist{Hosts: hosts.values(), CIDRs: cidrs.values(), Ports: ports}
}

// Apply writes the derived allowlist onto the project's explicit fields,
// honoring the invariant that explicit values are never auto-overwritten.
// It returns true when any field was populated.
func Apply(p *models.Project) bool {
	allow := Normalize(p)
	changed := false
	if len(p.NetworkAllowHosts) == 0 && len(allow.Hosts) > 0 {
		p.NetworkAllowHosts = allow.Hosts
		changed = true
	}
	if len(p.NetworkAllowIPRanges) == 0 && len(allow.CIDRs) > 0 {
		p.NetworkAllowIPRanges = allow.CIDRs
		changed = true
	}
	if len(p.Ports) == 0 && len(allow.Ports) > 0 {
		p.Ports = allow.Ports
		changed = true
	}
	return changed
}

func addHostPorts(set *orderedSet, host string, ports []string, defaultPort string) {
	host = strings.TrimSpace(host)
	if host == "" {
		return
	}
	if len(ports) == 0 {
		set.add(fmt.Sprintf("%s:%s", host, defaultPort))
		return
	}
	for _, port := range ports {
		set.add(fmt.Sprintf("%s:%s", host, port))
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func cloneList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// orderedSet deduplicates while preserving first-insertion order, which
// keeps derived allowlists reproducible for audit logs and tests.
type orderedSet struct {
	seen map[string]bool
	list []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]bool)}
}

func (s *orderedSet) add(v string) {
	if v == "" || s.seen[v] {
		return
	}
	s.seen[v] = true
	s.list = append(s.list, v)
}

func (s *orderedSet) values() []string { return s.list }
