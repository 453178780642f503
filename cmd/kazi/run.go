package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/engine"
)

// Exit codes for the run command.
const (
	ExitSuccess          = 0
	ExitFailure          = 1
	ExitUsageLimitPaused = 2
	ExitAgentUnavailable = 3
)

var (
	runConfigPath  string
	runAgent       string
	runTask        string
	runModel       string
	runProjectPath string
	runAutoResume  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute an agent locally and stream its output",
	Long: `Execute a stored agent against a project path and follow the output
until the process finishes. No server required.

Examples:
  kazi run --agent builder --project ~/src/service --task "run the test suite"
  kazi run --agent 6e9c... --project . --auto-resume

Exit codes:
  0  run completed
  1  run failed or was cancelled
  2  run paused on a provider usage limit
  3  agent or binary unavailable`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "agent name or ID (required)")
	runCmd.Flags().StringVar(&runTask, "task", "", "task to execute (default: agent's default task)")
	runCmd.Flags().StringVar(&runModel, "model", "", "model override")
	runCmd.Flags().StringVar(&runProjectPath, "project", "", "project path the agent works in (default: config default or cwd)")
	runCmd.Flags().BoolVar(&runAutoResume, "auto-resume", false, "auto-resume when a usage limit pauses the run")

	_ = runCmd.MarkFlagRequired("agent")
}

func runRun(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	model := runModel
	if model == "" {
		model = cfg.Engine.DefaultModel
	}
	project := runProjectPath
	if project == "" {
		project = cfg.Engine.DefaultProjectPath
	}
	if project == "" {
		project = "."
	}

	agentID, err := resolveAgent(ctx, sc, runAgent)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitAgentUnavailable)
	}

	runID, err := sc.Engine.Start(ctx, engine.StartOptions{
		AgentID:     agentID,
		ProjectPath: project,
		Task:        runTask,
		Model:       model,
		AutoResume:  runAutoResume,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, engine.ErrBinaryNotFound) || errors.Is(err, domain.ErrAgentNotFound) {
			os.Exit(ExitAgentUnavailable)
		}
		os.Exit(ExitFailure)
	}

	fmt.Fprintf(os.Stderr, "run %d started\n", runID)
	followRun(ctx, sc, runID)

	// Cancel on interrupt so the child process does not outlive the CLI.
	if ctx.Err() != nil {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = sc.Engine.Cancel(cancelCtx, runID)
	}

	final, err := sc.Store.Runs().GetRun(context.Background(), runID)
	if err != nil {
		os.Exit(ExitFailure)
	}
	switch final.Status {
	case domain.RunCompleted:
		os.Exit(ExitSuccess)
	case domain.RunPausedUsageLimit:
		if final.UsageLimitResetAt != nil {
			fmt.Fprintf(os.Stderr, "run paused on usage limit until %s\n", final.UsageLimitResetAt.Format(time.RFC3339))
		} else {
			fmt.Fprintln(os.Stderr, "run paused on usage limit")
		}
		os.Exit(ExitUsageLimitPaused)
	default:
		if final.FailureReason != "" {
			fmt.Fprintf(os.Stderr, "run %s: %s\n", final.Status, final.FailureReason)
		}
		os.Exit(ExitFailure)
	}
	return nil
}

// followRun prints run output until the process finishes.
// Subscription can race the launch goroutine, so it retries briefly
// before falling back to polling the run row.
func followRun(ctx context.Context, sc *SharedComponents, runID int64) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		events, cancel, ok := sc.Engine.Subscribe(runID)
		if ok {
			defer cancel()
			for {
				select {
				case rec, open := <-events:
					if !open {
						return
					}
					if rec.Stream == domain.StreamStderr {
						fmt.Fprintln(os.Stderr, rec.Line)
					} else {
						fmt.Println(rec.Line)
					}
				case <-ctx.Done():
					return
				}
			}
		}

		// Not live: either not started yet, or already finished.
		run, err := sc.Store.Runs().GetRun(ctx, runID)
		if err != nil {
			return
		}
		if run.Status.Terminal() || (run.Status != domain.RunRunning && time.Now().After(deadline)) {
			output, err := sc.Engine.GetLiveOutput(ctx, runID)
			if err == nil && output != "" {
				fmt.Println(output)
			}
			return
		}

		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

// resolveAgent accepts either an agent UUID or a unique agent name.
func resolveAgent(ctx context.Context, sc *SharedComponents, ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}

	agents, err := sc.Store.Agents().ListAgents(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	for _, a := range agents {
		if a.Name == ref {
			return a.ID, nil
		}
	}
	return uuid.Nil, fmt.Errorf("agent %q not found", ref)
}
