package sandbox

// NoopCompiler is the degrade-gracefully fallback for platforms without a
// supported enforcement mechanism. The command runs unwrapped; the engine
// records the run as unsandboxed so the condition is visible.
type NoopCompiler struct {
	goos string
}

// Platform returns the GOOS the compiler was selected for.
func (c *NoopCompiler) Platform() string { return c.goos }

// Wrap passes the command through unchanged.
func (c *NoopCompiler) Wrap(_ *Policy, binary string, args []string) (string, []string, error) {
	return binary, args, nil
}
