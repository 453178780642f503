package engine

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/kazi/internal/claude"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
)

const (
	// maxLineBytes caps a single output line. stream-json events can be
	// large (whole file contents inside tool results).
	maxLineBytes = 4 << 20 // 4 MB

	persistRetries = 3
	persistBackoff = 100 * time.Millisecond
)

// StreamResult is what the stream processor reports once both pipes hit
// EOF and the process has been reaped.
type StreamResult struct {
	ExitCode  int
	SessionID string
	// UsageLimitReset is the provider's raw reset time when a usage-limit
	// pattern was seen; the orchestrator adds the safety buffer.
	UsageLimitReset *time.Time
	// Live token totals accumulated while streaming.
	Usage claude.Usage
	// WaitErr is set when the process could not be reaped cleanly
	// (unexpected stream closure without a clean exit).
	WaitErr error
}

// streamLine is one raw line tagged with its source stream.
type streamLine struct {
	stream string
	line   string
}

// streamProcessor consumes a spawned process's two output streams
// concurrently, persists every line, and extracts session id, usage
// totals, usage-limit markers, and sandbox violations on the way through.
//
// Two reader goroutines feed a single persister goroutine that owns the
// sequence counter, so records for a run are written in strictly
// increasing sequence order.
type streamProcessor struct {
	runID      int64
	outputs    OutputStore
	violations ViolationStore
	detector   *sandbox.ViolationDetector
	live       *liveBuffer
	metrics    *Metrics
	logger     *slog.Logger

	mu    sync.Mutex
	usage claude.Usage
}

func newStreamProcessor(runID int64, outputs OutputStore, violations ViolationStore, live *liveBuffer, metrics *Metrics, logger *slog.Logger) *streamProcessor {
	return &streamProcessor{
		runID:      runID,
		outputs:    outputs,
		violations: violations,
		detector:   sandbox.NewViolationDetector(runID),
		live:       live,
		metrics:    metrics,
		logger:     logger.With(slog.Int64("run_id", runID)),
	}
}

// liveUsage returns a snapshot of the running token totals.
func (p *streamProcessor) liveUsage() claude.Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

// process reads both pipes until EOF, then reaps the process.
// onSession fires at most once, on the first session id seen.
func (p *streamProcessor) process(ctx context.Context, h *ProcessHandle, onSession func(string)) *StreamResult {
	lines := make(chan streamLine, 256)

	var readers sync.WaitGroup
	readers.Add(2)
	go p.readPipe(&readers, h.Stdout, domain.StreamStdout, lines)
	go p.readPipe(&readers, h.Stderr, domain.StreamStderr, lines)

	res := &StreamResult{}
	var persister sync.WaitGroup
	persister.Add(1)
	go func() {
		defer persister.Done()
		var seq int64
		sessionSeen := false
		for ln := range lines {
			rec := domain.OutputRecord{
				RunID:     p.runID,
				Seq:       seq,
				Line:      ln.line,
				Stream:    ln.stream,
				CreatedAt: time.Now().UTC(),
			}
			seq++

			p.persist(ctx, rec)
			p.live.publish(rec)
			if p.metrics != nil {
				p.metrics.OutputLines.WithLabelValues(ln.stream).Inc()
			}

			switch ln.stream {
			case domain.StreamStdout:
				p.inspectStdout(ln.line, res, &sessionSeen, onSession)
			case domain.StreamStderr:
				p.inspectStderr(ctx, ln.line, res)
			}
		}
	}()

	readers.Wait()
	close(lines)
	persister.Wait()

	exitCode, waitErr := h.Wait()
	res.ExitCode = exitCode
	res.WaitErr = waitErr
	res.Usage = p.liveUsage()
	return res
}

// readPipe scans one pipe line by line until EOF. A scanner error means
// the pipe broke mid-stream; the process reap decides what that means.
func (p *streamProcessor) readPipe(wg *sync.WaitGroup, pipe io.ReadCloser, stream string, out chan<- streamLine) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		out <- streamLine{stream: stream, line: scanner.Text()}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("stream read ended with error",
			slog.String("stream", stream),
			slog.String("error", err.Error()),
		)
	}
}

// persist writes one record, retrying with backoff. Losing a single
// write is preferable to losing the process: failures are logged and the
// loop continues.
func (p *streamProcessor) persist(ctx context.Context, rec domain.OutputRecord) {
	var err error
	for attempt := 1; attempt <= persistRetries; attempt++ {
		if err = p.outputs.AppendOutput(ctx, rec); err == nil {
			return
		}
		if p.metrics != nil {
			p.metrics.PersistRetries.Inc()
		}
		time.Sleep(time.Duration(attempt) * persistBackoff)
	}
	p.logger.Error("dropping output record after retries",
		slog.Int64("seq", rec.Seq),
		slog.String("error", err.Error()),
	)
}

// inspectStdout extracts the session id (first occurrence wins), the
// usage-limit marker, and live token totals. Lines that fail to parse
// are already persisted; they are only skipped for extraction.
func (p *streamProcessor) inspectStdout(line string, res *StreamResult, sessionSeen *bool, onSession func(string)) {
	if reset, ok := claude.DetectUsageLimit(line); ok {
		res.UsageLimitReset = &reset
		p.logger.Info("usage limit detected in output",
			slog.Time("reset_at", reset),
		)
	}

	ev, ok := claude.ParseEvent(line)
	if !ok {
		return
	}

	if !*sessionSeen && ev.SessionID != "" {
		*sessionSeen = true
		res.SessionID = ev.SessionID
		if onSession != nil {
			onSession(ev.SessionID)
		}
	}

	if ev.Message != nil && ev.Message.Usage != nil {
		p.mu.Lock()
		p.usage.InputTokens += ev.Message.Usage.InputTokens
		p.usage.OutputTokens += ev.Message.Usage.OutputTokens
		p.usage.CacheCreationTokens += ev.Message.Usage.CacheCreationTokens
		p.usage.CacheReadTokens += ev.Message.Usage.CacheReadTokens
		p.mu.Unlock()
	}
}

// inspectStderr scans for sandbox denials. Violations are logged, never
// enforcement feedback: the run continues regardless.
func (p *streamProcessor) inspectStderr(ctx context.Context, line string, res *StreamResult) {
	// The provider sometimes reports rate limiting on stderr too.
	if reset, ok := claude.DetectUsageLimit(line); ok {
		res.UsageLimitReset = &reset
	}

	v := p.detector.Inspect(line)
	if v == nil {
		return
	}
	if err := p.violations.RecordViolation(ctx, v); err != nil {
		p.logger.Warn("recording sandbox violation failed",
			slog.String("error", err.Error()),
		)
	}
	if p.metrics != nil {
		p.metrics.SandboxViolations.Inc()
	}
}
