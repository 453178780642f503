package sandbox

import (
	"fmt"
	"strings"
)

// SeatbeltCompiler compiles policies to macOS Seatbelt profiles executed
// through sandbox-exec. The profile is default-deny: only operations the
// policy grants are allowed, plus the minimum a process needs to start.
type SeatbeltCompiler struct{}

// Platform returns "darwin".
func (c *SeatbeltCompiler) Platform() string { return "darwin" }

// Wrap renders the policy as an inline Seatbelt profile:
//
//	sandbox-exec -p <profile> <binary> <args...>
func (c *SeatbeltCompiler) Wrap(policy *Policy, binary string, args []string) (string, []string, error) {
	if policy == nil {
		return "", nil, fmt.Errorf("seatbelt: nil policy")
	}
	profile := c.Profile(policy)
	wrapped := append([]string{"-p", profile, binary}, args...)
	return "sandbox-exec", wrapped, nil
}

// Profile renders the Seatbelt profile text for the policy's darwin rules.
func (c *SeatbeltCompiler) Profile(policy *Policy) string {
	var b strings.Builder
	b.WriteString("(version 1)\n")
	b.WriteString("(deny default)\n")
	// Process bootstrap: fork/exec and signalling to self are always
	// needed or the wrapped binary cannot run at all.
	b.WriteString("(allow process-exec)\n")
	b.WriteString("(allow process-fork)\n")
	b.WriteString("(allow signal (target self))\n")

	for _, r := range policy.RulesFor("darwin") {
		switch r.Operation {
		case OpFileRead:
			writeFileRule(&b, "file-read*", r)
		case OpFileWrite:
			writeFileRule(&b, "file-write*", r)
		case OpNetworkOutbound:
			if r.Pattern == PatternAll {
				b.WriteString("(allow network-outbound)\n")
				b.WriteString("(allow system-socket)\n")
			}
		case OpSystemInfoRead:
			b.WriteString("(allow sysctl-read)\n")
			b.WriteString("(allow mach-lookup)\n")
		}
	}
	return b.String()
}

func writeFileRule(b *strings.Builder, sbOp string, r Rule) {
	switch r.Pattern {
	case PatternLiteral:
		fmt.Fprintf(b, "(allow %s (literal %s))\n", sbOp, seatbeltQuote(r.Value))
	case PatternSubpath:
		fmt.Fprintf(b, "(allow %s (subpath %s))\n", sbOp, seatbeltQuote(r.Value))
	case PatternWildcard:
		fmt.Fprintf(b, "(allow %s (regex #%s))\n", sbOp, seatbeltQuote(globToRegex(r.Value)))
	case PatternAll:
		fmt.Fprintf(b, "(allow %s)\n", sbOp)
	}
}

// seatbeltQuote renders a Scheme string literal for profile embedding.
func seatbeltQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// globToRegex converts a glob pattern to the anchored regex form Seatbelt
// expects. Only '*' is treated as a metacharacter.
func globToRegex(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, ch := range glob {
		switch ch {
		case '*':
			b.WriteString(".*")
		case '.', '+', '(', ')', '[', ']', '{', '}', '^', '$', '?', '|':
			b.WriteByte('\\')
			b.WriteRune(ch)
		default:
			b.WriteRune(ch)
		}
	}
	b.WriteString("$")
	return b.String()
}
