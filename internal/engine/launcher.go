package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/jkaninda/kazi/internal/sandbox"
)

// Launch error kinds. BinaryNotFound/BinaryUnusable surface before any
// run row exists; SpawnFailed surfaces after and moves the row to Failed.
var (
	ErrBinaryNotFound = errors.New("agent binary not found")
	ErrBinaryUnusable = errors.New("agent binary not runnable")
	ErrSpawnFailed    = errors.New("spawning agent process failed")
)

const probeTimeout = 10 * time.Second

// Launcher builds and spawns the external agent command, plain or
// wrapped by the platform's sandbox enforcement mechanism.
type Launcher struct {
	compiler sandbox.Compiler
	logger   *slog.Logger

	// probe results cached per binary path; a binary that answered
	// --version once does not get probed again for the process lifetime.
	probeMu sync.Mutex
	probed  map[string]error
}

// NewLauncher creates a Launcher enforcing through the given compiler.
func NewLauncher(compiler sandbox.Compiler, logger *slog.Logger) *Launcher {
	return &Launcher{
		compiler: compiler,
		logger:   logger,
		probed:   make(map[string]error),
	}
}

// Probe validates that the binary exists and runs, so failures are
// reported as BinaryNotFound/BinaryUnusable up front instead of
// surfacing confusingly inside stream parsing later.
func (l *Launcher) Probe(ctx context.Context, binary string) error {
	l.probeMu.Lock()
	defer l.probeMu.Unlock()

	if err, ok := l.probed[binary]; ok {
		return err
	}
	err := l.probe(ctx, binary)
	l.probed[binary] = err
	return err
}

func (l *Launcher) probe(ctx context.Context, binary string) error {
	path, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBinaryNotFound, binary)
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "--version")
	cmd.Stdout = &out
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s --version: %v", ErrBinaryUnusable, binary, err)
	}

	l.logger.Debug("agent binary probed",
		slog.String("binary", path),
		slog.String("version", firstLine(out.String())),
	)
	return nil
}

// ProcessHandle owns a spawned child. Ownership passes to the caller on
// a successful Launch; exactly one goroutine may call Wait.
type ProcessHandle struct {
	PID    int
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
	waitErr  error
	waitOnce sync.Once
}

// Wait blocks until the process exits and returns its exit code.
// A non-zero exit is a result, not an error.
func (h *ProcessHandle) Wait() (int, error) {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				h.exitCode = exitErr.ExitCode()
			} else {
				h.exitCode = -1
				h.waitErr = err
			}
		}
		close(h.done)
	})
	<-h.done
	return h.exitCode, h.waitErr
}

// Done is closed once Wait has reaped the process.
func (h *ProcessHandle) Done() <-chan struct{} { return h.done }

// Terminate signals graceful shutdown to the whole process group.
func (h *ProcessHandle) Terminate() error {
	return syscall.Kill(-h.PID, syscall.SIGTERM)
}

// Kill force-terminates the whole process group.
func (h *ProcessHandle) Kill() error {
	return syscall.Kill(-h.PID, syscall.SIGKILL)
}

// Launch spawns the agent command. A non-nil policy wraps the command
// with the platform's enforcement mechanism; nil launches the bare
// command. No retry lives here — retries, if any, are caller policy.
func (l *Launcher) Launch(policy *sandbox.Policy, binary string, args []string, cwd string, env []string) (*ProcessHandle, error) {
	prog := binary
	progArgs := args
	if policy != nil {
		var err error
		prog, progArgs, err = l.compiler.Wrap(policy, binary, args)
		if err != nil {
			return nil, fmt.Errorf("%w: compiling sandbox wrapper: %v", ErrSpawnFailed, err)
		}
	}

	cmd := exec.Command(prog, progArgs...)
	cmd.Dir = cwd
	cmd.Env = env
	// The child runs in its own process group so cancellation can kill
	// everything it spawned, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	l.logger.Info("agent process spawned",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("binary", binary),
		slog.Bool("sandboxed", policy != nil),
		slog.String("cwd", cwd),
	)

	return &ProcessHandle{
		PID:    cmd.Process.Pid,
		Stdout: stdout,
		Stderr: stderr,
		cmd:    cmd,
		done:   make(chan struct{}),
	}, nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
