// Package sandbox compiles agent permission flags into per-run access
// policies and translates them to the host platform's enforcement
// mechanism (Seatbelt on macOS, Bubblewrap on Linux, no-op elsewhere).
//
// Policies are built fresh per run and never persisted — only violations
// are. A policy is portable: every rule carries platform tags, and rules
// that do not match the current OS are dropped at enforcement time, not
// at build time, so the same policy object is testable on any host.
package sandbox

import "path/filepath"

// Operation is the kind of access a rule grants.
type Operation string

const (
	OpFileRead        Operation = "file-read"
	OpFileWrite       Operation = "file-write"
	OpNetworkOutbound Operation = "network-outbound"
	OpSystemInfoRead  Operation = "system-info-read"
)

// PatternKind describes how a rule's pattern value matches resources.
type PatternKind string

const (
	PatternLiteral  PatternKind = "literal"  // Exact path.
	PatternSubpath  PatternKind = "subpath"  // The path and everything under it.
	PatternWildcard PatternKind = "wildcard" // Glob-style pattern.
	PatternAll      PatternKind = "all"      // Unconditional for the operation.
)

// Platform tags a rule with the OSes it applies to (GOOS values).
type Platform string

const (
	PlatformDarwin Platform = "darwin"
	PlatformLinux  Platform = "linux"
)

// Rule is one ordered entry in a sandbox policy.
type Rule struct {
	Operation Operation
	Pattern   PatternKind
	Value     string // Empty for PatternAll.
	Enabled   bool
	Platforms []Platform
}

// AppliesTo reports whether the rule is enabled and tagged for the given OS.
func (r Rule) AppliesTo(goos string) bool {
	if !r.Enabled {
		return false
	}
	for _, p := range r.Platforms {
		if string(p) == goos {
			return true
		}
	}
	return false
}

// Policy is the ordered rule list enforced on one run's process.
type Policy struct {
	Rules []Rule
}

// RulesFor returns the enabled rules applicable to the given OS,
// preserving order.
func (p *Policy) RulesFor(goos string) []Rule {
	var out []Rule
	for _, r := range p.Rules {
		if r.AppliesTo(goos) {
			out = append(out, r)
		}
	}
	return out
}

// HasOperation reports whether any enabled rule grants the operation.
func (p *Policy) HasOperation(op Operation) bool {
	for _, r := range p.Rules {
		if r.Enabled && r.Operation == op {
			return true
		}
	}
	return false
}

// allPlatforms tags a rule for every supported OS.
var allPlatforms = []Platform{PlatformDarwin, PlatformLinux}

// Permissions are the agent flags the policy builder compiles.
type Permissions struct {
	SandboxEnabled  bool
	EnableFileRead  bool
	EnableFileWrite bool
	EnableNetwork   bool
}

// BuildPolicy compiles permission flags into a policy scoped to the
// project path. Returns nil when the sandbox is disabled — callers must
// then launch unconstrained and surface a conspicuous signal.
//
// The baseline always grants read access to interpreter and runtime
// system directories so the agent binary can execute at all, regardless
// of the file-read flag. Pure: no process is spawned, no host state read.
func BuildPolicy(perms Permissions, projectPath string) *Policy {
	if !perms.SandboxEnabled {
		return nil
	}

	p := &Policy{}

	// Baseline: system directories the runtime needs to start.
	for _, dir := range systemReadPaths {
		p.Rules = append(p.Rules, Rule{
			Operation: OpFileRead,
			Pattern:   PatternSubpath,
			Value:     dir,
			Enabled:   true,
			Platforms: allPlatforms,
		})
	}
	p.Rules = append(p.Rules, Rule{
		Operation: OpSystemInfoRead,
		Pattern:   PatternAll,
		Enabled:   true,
		Platforms: []Platform{PlatformDarwin},
	})

	if perms.EnableFileRead {
		p.Rules = append(p.Rules, Rule{
			Operation: OpFileRead,
			Pattern:   PatternSubpath,
			Value:     filepath.Clean(projectPath),
			Enabled:   true,
			Platforms: allPlatforms,
		})
	}
	if perms.EnableFileWrite {
		p.Rules = append(p.Rules, Rule{
			Operation: OpFileWrite,
			Pattern:   PatternSubpath,
			Value:     filepath.Clean(projectPath),
			Enabled:   true,
			Platforms: allPlatforms,
		})
		// Scratch space: tool invocations expect a writable temp dir.
		p.Rules = append(p.Rules, Rule{
			Operation: OpFileWrite,
			Pattern:   PatternSubpath,
			Value:     "/tmp",
			Enabled:   true,
			Platforms: allPlatforms,
		})
	}
	if perms.EnableNetwork {
		p.Rules = append(p.Rules, Rule{
			Operation: OpNetworkOutbound,
			Pattern:   PatternAll,
			Enabled:   true,
			Platforms: allPlatforms,
		})
	}
	return p
}

// systemReadPaths are the interpreter/runtime directories every sandboxed
// run may read. Without these the agent binary cannot even start.
var systemReadPaths = []string{
	"/usr",
	"/bin",
	"/lib",
	"/lib64",
	"/etc",
	"/opt",
	"/System",
	"/Library",
	"/private/etc",
	"/dev/null",
	"/dev/urandom",
}
