package sandbox

import (
	"fmt"
	"sort"
)

// BubblewrapCompiler compiles policies to bwrap invocations on Linux.
// The mount namespace is built additively: nothing from the host is
// visible unless a rule binds it in, read-only by default.
type BubblewrapCompiler struct{}

// Platform returns "linux".
func (c *BubblewrapCompiler) Platform() string { return "linux" }

// Wrap renders the policy as a bwrap argument list:
//
//	bwrap --die-with-parent [--ro-bind ...] [--bind ...] [--unshare-net] -- <binary> <args...>
func (c *BubblewrapCompiler) Wrap(policy *Policy, binary string, args []string) (string, []string, error) {
	if policy == nil {
		return "", nil, fmt.Errorf("bubblewrap: nil policy")
	}

	bw := []string{"--die-with-parent", "--proc", "/proc", "--dev", "/dev"}

	// Collect binds. Writable paths win over read-only for the same root,
	// so apply read-only binds first and writable binds after.
	roBinds := map[string]bool{}
	rwBinds := map[string]bool{}
	network := false

	for _, r := range policy.RulesFor("linux") {
		switch r.Operation {
		case OpFileRead:
			if r.Pattern == PatternSubpath || r.Pattern == PatternLiteral {
				roBinds[r.Value] = true
			}
		case OpFileWrite:
			if r.Pattern == PatternSubpath || r.Pattern == PatternLiteral {
				rwBinds[r.Value] = true
			}
		case OpNetworkOutbound:
			if r.Pattern == PatternAll {
				network = true
			}
		}
	}

	for _, p := range sortedKeys(roBinds) {
		if rwBinds[p] {
			continue
		}
		bw = append(bw, "--ro-bind-try", p, p)
	}
	for _, p := range sortedKeys(rwBinds) {
		bw = append(bw, "--bind-try", p, p)
	}

	if !network {
		bw = append(bw, "--unshare-net")
	}

	bw = append(bw, "--")
	bw = append(bw, binary)
	bw = append(bw, args...)
	return "bwrap", bw, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
