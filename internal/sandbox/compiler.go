package sandbox

// Compiler translates a policy into a wrapped command for one platform's
// enforcement mechanism. Implementations must be pure — the returned
// program and argument list describe the wrapped invocation; nothing is
// spawned here.
type Compiler interface {
	// Wrap returns the program and arguments that run binary+args under
	// the compiled policy. A nil policy is a caller bug; callers launch
	// bare commands themselves when no policy exists.
	Wrap(policy *Policy, binary string, args []string) (string, []string, error)

	// Platform returns the GOOS value this compiler enforces for.
	Platform() string
}

// CompilerFor selects the enforcement compiler for a GOOS, chosen once at
// startup. Unsupported platforms degrade to a pass-through compiler that
// enforces nothing but keeps the launch path uniform.
func CompilerFor(goos string) Compiler {
	switch goos {
	case "darwin":
		return &SeatbeltCompiler{}
	case "linux":
		return &BubblewrapCompiler{}
	default:
		return &NoopCompiler{goos: goos}
	}
}
