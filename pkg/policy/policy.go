// Package policy computes the container security policy for each tool
// invocation.
//
// The policy is default-deny: no network for static and composition
// analysis, all capabilities dropped, the source tree mounted read-only
// and a seccomp profile applied when one is available. Dynamic testing
// gets an isolated network because it cannot work without one; its
// egress is bounded by the project's derived allowlist.
package policy

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/geotoolkit/geotoolkit/pkg/errors"
	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/netallow"
)

// Network modes passed to the container engine.
const (
	// NetworkNone disables all networking inside the container.
	NetworkNone = "none"

	// NetworkIsolated gives the container its own network namespace
	// with outbound connectivity. Used only for dynamic testing.
	NetworkIsolated = "private"
)

// ContainerSourceDir is where the project tree is mounted inside every
// tool container.
const ContainerSourceDir = "/src"

// Mount describes one bind mount in the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool

	// Relabel requests a :Z SELinux relabel on the mount.
	Relabel bool
}

// Option renders the mount as a podman --volume option value.
func (m Mount) Option() string {
	var flags []string
	if m.ReadOnly {
		flags = append(flags, "ro")
	}
	if m.Relabel {
		flags = append(flags, "Z")
	}
	opt := fmt.Sprintf("%s:%s", m.Source, m.Target)
	for i, f := range flags {
		if i == 0 {
			opt += ":" + f
		} else {
			opt += "," + f
		}
	}
	return opt
}

// Policy is the fully resolved security policy for one tool invocation.
// The container layer translates it into engine arguments verbatim and
// the audit log records it next to the resolved command.
type Policy struct {
	Tool  models.Tool
	Image string

	NetworkMode string

	// NetworkOverride is true when a static or composition tool was
	// granted egress through the audited global opt-in.
	NetworkOverride bool

	Mounts []Mount

	// Tmpfs lists writable tmpfs targets. Tools get a writable /tmp
	// even though everything else is read-only.
	Tmpfs []string

	// CapDrop lists dropped capability sets. Always ["ALL"].
	CapDrop []string

	// SeccompProfile is the path to the applied profile, empty when no
	// profile is in effect.
	SeccompProfile string

	// SeccompFallback permits one retry without the profile when the
	// engine rejects the launch because of it.
	SeccompFallback bool

	// SELinuxRelabel mirrors whether mounts carry the :Z flag.
	SELinuxRelabel bool

	// UsernsKeepID maps the invoking user into the container.
	UsernsKeepID bool

	// Timeout is the wall-clock limit for the invocation.
	Timeout time.Duration

	// Allowlist bounds egress for dynamic testing; empty otherwise.
	Allowlist netallow.Allowlist
}

// AddReadOnlyMount appends an extra read-only mount, such as an offline
// vulnerability database, using the policy's relabel setting.
func (p *Policy) AddReadOnlyMount(source, target string) {
	p.Mounts = append(p.Mounts, Mount{
		Source:   source,
		Target:   target,
		ReadOnly: true,
		Relabel:  p.SELinuxRelabel,
	})
}

// Config holds the inputs for policy computation. All state is explicit;
// there are no package-level settings.
type Config struct {
	// Images maps tool name to image reference.
	Images map[string]string

	// SeccompDir holds per-tool profiles named <tool>.json. Empty
	// disables seccomp confinement entirely.
	SeccompDir string

	// SeccompFallback permits retrying without the profile on launch
	// failure. When false a missing declared profile is a hard error.
	SeccompFallback bool

	// AllowNetworkOverride is the audited global opt-in letting static
	// and composition tools reach the network. Default-off.
	AllowNetworkOverride bool

	// Per-category wall-clock defaults.
	SASTTimeout time.Duration
	SCATimeout  time.Duration
	DASTTimeout time.Duration

	// Relabel forces SELinux relabeling on or off. Nil probes the host
	// once per Config.
	Relabel *bool

	selinuxOnce   sync.Once
	selinuxActive bool
}

// relabelMounts resolves the SELinux relabel decision: the explicit
// override wins, otherwise the host is probed once per Config.
func (c *Config) relabelMounts() bool {
	if c.Relabel != nil {
		return *c.Relabel
	}
	c.selinuxOnce.Do(func() { c.selinuxActive = probeSELinux() })
	return c.selinuxActive
}

// For computes the policy for running a tool against a checked-out
// source tree. The returned policy is self-contained; mutating the
// project afterwards does not affect it.
func (c *Config) For(tool models.Tool, p *models.Project, sourceDir string) (*Policy, error) {
	const op = "policy.For"

	image := c.Images[string(tool)]
	if image == "" {
		return nil, errors.E(op, errors.KindPolicy, fmt.Sprintf("no image configured for tool %q", tool))
	}

	relabel := c.relabelMounts()

	pol := &Policy{
		Tool:           tool,
		Image:          image,
		CapDrop:        []string{"ALL"},
		Tmpfs:          []string{"/tmp"},
		SELinuxRelabel: relabel,
		UsernsKeepID:   true,
		Timeout:        c.timeoutFor(tool, p),
	}

	if sourceDir != "" {
		pol.Mounts = append(pol.Mounts, Mount{
			Source:   sourceDir,
			Target:   ContainerSourceDir,
			ReadOnly: true,
			Relabel:  relabel,
		})
	}

	switch tool.Category() {
	case models.CategoryDAST:
		pol.NetworkMode = NetworkIsolated
		pol.Allowlist = netallow.Normalize(p)
	default:
		pol.NetworkMode = NetworkNone
		if c.AllowNetworkOverride && p.HasExplicitAllowlist() {
			pol.NetworkMode = NetworkIsolated
			pol.NetworkOverride = true
			pol.Allowlist = netallow.Normalize(p)
		}
	}

	profile, err := c.seccompProfile(tool)
	if err != nil {
		return nil, err
	}
	pol.SeccompProfile = profile
	pol.SeccompFallback = c.SeccompFallback

	return pol, nil
}

// seccompProfile resolves the per-tool profile path. A declared but
// unreadable profile is a hard policy error unless fallback is enabled,
// in which case confinement degrades to none.
func (c *Config) seccompProfile(tool models.Tool) (string, error) {
	const op = "policy.seccompProfile"

	if c.SeccompDir == "" {
		return "", nil
	}
	path := filepath.Join(c.SeccompDir, string(tool)+".json")
	if err := unix.Access(path, unix.R_OK); err != nil {
		if c.SeccompFallback {
			return "", nil
		}
		return "", errors.E(op, errors.KindPolicy,
			fmt.Sprintf("seccomp profile %s not readable and fallback disabled", path), err)
	}
	return path, nil
}

// timeoutFor applies the precedence: project override, then category
// default.
func (c *Config) timeoutFor(tool models.Tool, p *models.Project) time.Duration {
	cat := tool.Category()
	if p != nil && p.Timeouts != nil {
		if cat == models.CategoryDAST && p.Timeouts.DASTSeconds > 0 {
			return time.Duration(p.Timeouts.DASTSeconds) * time.Second
		}
		if cat != models.CategoryDAST && p.Timeouts.RunnerSeconds > 0 {
			return time.Duration(p.Timeouts.RunnerSeconds) * time.Second
		}
	}
	switch cat {
	case models.CategoryDAST:
		return c.DASTTimeout
	case models.CategorySCA:
		return c.SCATimeout
	default:
		return c.SASTTimeout
	}
}
