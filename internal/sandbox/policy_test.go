package sandbox

import (
	"strings"
	"testing"
)

func TestBuildPolicy_DisabledReturnsNil(t *testing.T) {
	p := BuildPolicy(Permissions{SandboxEnabled: false, EnableFileRead: true, EnableNetwork: true}, "/p")
	if p != nil {
		t.Fatalf("expected nil policy when sandbox disabled, got %d rules", len(p.Rules))
	}
}

func TestBuildPolicy_BaselineAlwaysPresent(t *testing.T) {
	p := BuildPolicy(Permissions{SandboxEnabled: true}, "/p")
	if p == nil {
		t.Fatal("expected policy")
	}
	if !p.HasOperation(OpFileRead) {
		t.Error("baseline system read rules missing")
	}
	// No flag, no project-scoped rules.
	for _, r := range p.Rules {
		if r.Value == "/p" {
			t.Errorf("unexpected project-scoped rule without flags: %+v", r)
		}
	}
}

func TestBuildPolicy_NoWriteFlagNoWriteRule(t *testing.T) {
	p := BuildPolicy(Permissions{SandboxEnabled: true, EnableFileRead: true}, "/p")
	for _, r := range p.Rules {
		if r.Operation == OpFileWrite {
			t.Errorf("file-write rule present without flag: %+v", r)
		}
	}
}

func TestBuildPolicy_NetworkOffProjectReadOn(t *testing.T) {
	p := BuildPolicy(Permissions{SandboxEnabled: true, EnableFileRead: true, EnableNetwork: false}, "/p")
	if p.HasOperation(OpNetworkOutbound) {
		t.Error("network rule present with network disabled")
	}
	found := false
	for _, r := range p.Rules {
		if r.Operation == OpFileRead && r.Value == "/p" {
			found = true
		}
	}
	if !found {
		t.Error("no file-read rule scoped to the project path")
	}
}

func TestPolicy_PlatformFiltering(t *testing.T) {
	p := &Policy{Rules: []Rule{
		{Operation: OpFileRead, Pattern: PatternSubpath, Value: "/a", Enabled: true, Platforms: []Platform{PlatformDarwin}},
		{Operation: OpFileRead, Pattern: PatternSubpath, Value: "/b", Enabled: true, Platforms: []Platform{PlatformLinux}},
		{Operation: OpFileRead, Pattern: PatternSubpath, Value: "/c", Enabled: false, Platforms: allPlatforms},
	}}

	linux := p.RulesFor("linux")
	if len(linux) != 1 || linux[0].Value != "/b" {
		t.Errorf("linux rules = %+v, want only /b", linux)
	}
	darwin := p.RulesFor("darwin")
	if len(darwin) != 1 || darwin[0].Value != "/a" {
		t.Errorf("darwin rules = %+v, want only /a", darwin)
	}
	// The foreign-platform rule survives in the policy object itself.
	if len(p.Rules) != 3 {
		t.Errorf("rules dropped at build time: %d", len(p.Rules))
	}
}

func TestSeatbeltProfile(t *testing.T) {
	p := BuildPolicy(Permissions{SandboxEnabled: true, EnableFileRead: true, EnableFileWrite: true, EnableNetwork: true}, "/projects/demo")
	profile := (&SeatbeltCompiler{}).Profile(p)

	for _, want := range []string{
		"(deny default)",
		`(allow file-read* (subpath "/projects/demo"))`,
		`(allow file-write* (subpath "/projects/demo"))`,
		"(allow network-outbound)",
	} {
		if !strings.Contains(profile, want) {
			t.Errorf("profile missing %q:\n%s", want, profile)
		}
	}
}

func TestSeatbeltWrap(t *testing.T) {
	p := BuildPolicy(Permissions{SandboxEnabled: true, EnableFileRead: true}, "/p")
	prog, args, err := (&SeatbeltCompiler{}).Wrap(p, "/usr/local/bin/claude", []string{"-p", "task"})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if prog != "sandbox-exec" {
		t.Errorf("prog = %q, want sandbox-exec", prog)
	}
	if args[0] != "-p" || args[2] != "/usr/local/bin/claude" {
		t.Errorf("args = %v", args)
	}
}

func TestBubblewrapWrap_NetworkIsolation(t *testing.T) {
	p := BuildPolicy(Permissions{SandboxEnabled: true, EnableFileRead: true, EnableNetwork: false}, "/p")
	prog, args, err := (&BubblewrapCompiler{}).Wrap(p, "/usr/bin/claude", []string{"--version"})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if prog != "bwrap" {
		t.Errorf("prog = %q, want bwrap", prog)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--unshare-net") {
		t.Error("expected --unshare-net with network disabled")
	}
	if !strings.Contains(joined, "--ro-bind-try /p /p") {
		t.Errorf("expected project read bind, got: %s", joined)
	}
}

func TestBubblewrapWrap_WritableBindWinsOverReadOnly(t *testing.T) {
	p := BuildPolicy(Permissions{SandboxEnabled: true, EnableFileRead: true, EnableFileWrite: true}, "/p")
	_, args, err := (&BubblewrapCompiler{}).Wrap(p, "/usr/bin/claude", nil)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "--ro-bind-try /p /p") {
		t.Error("project bound read-only despite write flag")
	}
	if !strings.Contains(joined, "--bind-try /p /p") {
		t.Error("project writable bind missing")
	}
}

func TestNoopCompiler(t *testing.T) {
	p := BuildPolicy(Permissions{SandboxEnabled: true}, "/p")
	prog, args, err := CompilerFor("windows").Wrap(p, "claude", []string{"-p", "x"})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if prog != "claude" || len(args) != 2 {
		t.Errorf("noop compiler rewrote the command: %s %v", prog, args)
	}
}

func TestCompilerFor(t *testing.T) {
	if CompilerFor("darwin").Platform() != "darwin" {
		t.Error("darwin selects seatbelt")
	}
	if CompilerFor("linux").Platform() != "linux" {
		t.Error("linux selects bubblewrap")
	}
}

func TestViolationDetector(t *testing.T) {
	d := NewViolationDetector(7)

	v := d.Inspect("sandbox-exec: deny(1) file-write-create /etc/passwd")
	if v == nil {
		t.Fatal("seatbelt denial not detected")
	}
	if v.RunID != 7 || v.Operation != string(OpFileWrite) || v.Resource != "/etc/passwd" {
		t.Errorf("violation = %+v", v)
	}

	v = d.Inspect("touch: cannot touch '/x': Read-only file system")
	if v == nil {
		t.Error("read-only fs error not detected")
	}

	if d.Inspect("regular stderr noise") != nil {
		t.Error("false positive on benign line")
	}
}
