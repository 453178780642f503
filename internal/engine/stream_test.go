package engine

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
)

// launchShell spawns an unsandboxed /bin/sh -c script for stream tests.
func launchShell(t *testing.T, script string) *ProcessHandle {
	t.Helper()
	l := NewLauncher(sandbox.CompilerFor(runtime.GOOS), discardLogger())
	h, err := l.Launch(nil, "/bin/sh", []string{"-c", script}, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	return h
}

func TestStreamProcessor_PersistsBothStreamsInSequence(t *testing.T) {
	st := NewInMemoryStore()
	sp := newStreamProcessor(1, st, st, newLiveBuffer(), nil, discardLogger())

	h := launchShell(t, `printf 'out-a\nout-b\n'; printf 'err-a\n' >&2; printf 'out-c\n'`)
	res := sp.process(context.Background(), h, nil)

	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d (waitErr=%v)", res.ExitCode, res.WaitErr)
	}

	records, err := st.ReadOutput(context.Background(), 1)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}
	for i, rec := range records {
		if rec.Seq != int64(i) {
			t.Fatalf("record %d: expected seq %d, got %d", i, i, rec.Seq)
		}
	}

	var stdout, stderr int
	for _, rec := range records {
		switch rec.Stream {
		case domain.StreamStdout:
			stdout++
		case domain.StreamStderr:
			stderr++
		}
	}
	if stdout != 3 || stderr != 1 {
		t.Fatalf("expected 3 stdout + 1 stderr records, got %d + %d", stdout, stderr)
	}
}

func TestStreamProcessor_ExtractsSessionAndUsage(t *testing.T) {
	st := NewInMemoryStore()
	sp := newStreamProcessor(2, st, st, newLiveBuffer(), nil, discardLogger())

	script := `printf '%s\n' \
'{"type":"system","subtype":"init","session_id":"sess-42"}' \
'{"type":"assistant","session_id":"sess-42","message":{"usage":{"input_tokens":100,"output_tokens":50}}}' \
'{"type":"assistant","session_id":"sess-42","message":{"usage":{"input_tokens":30,"output_tokens":20,"cache_read_input_tokens":500}}}'`

	var gotSession string
	h := launchShell(t, script)
	res := sp.process(context.Background(), h, func(sid string) { gotSession = sid })

	if res.SessionID != "sess-42" {
		t.Fatalf("expected session sess-42, got %q", res.SessionID)
	}
	if gotSession != "sess-42" {
		t.Fatalf("expected onSession callback with sess-42, got %q", gotSession)
	}
	if res.Usage.InputTokens != 130 || res.Usage.OutputTokens != 70 || res.Usage.CacheReadTokens != 500 {
		t.Fatalf("unexpected usage totals: %+v", res.Usage)
	}
}

func TestStreamProcessor_DetectsUsageLimit(t *testing.T) {
	st := NewInMemoryStore()
	sp := newStreamProcessor(3, st, st, newLiveBuffer(), nil, discardLogger())

	reset := time.Now().Add(2 * time.Hour).Unix()
	h := launchShell(t, fmt.Sprintf(`echo 'Claude AI usage limit reached|%d'; exit 1`, reset))
	res := sp.process(context.Background(), h, nil)

	if res.UsageLimitReset == nil {
		t.Fatal("expected usage limit reset to be detected")
	}
	if got := res.UsageLimitReset.Unix(); got != reset {
		t.Fatalf("expected reset %d, got %d", reset, got)
	}
	if res.ExitCode != 1 {
		t.Fatalf("expected exit 1, got %d", res.ExitCode)
	}
}

func TestStreamProcessor_RecordsSandboxViolations(t *testing.T) {
	st := NewInMemoryStore()
	sp := newStreamProcessor(4, st, st, newLiveBuffer(), nil, discardLogger())

	h := launchShell(t, `echo 'sandbox: deny(1) file-write-data /etc/passwd' >&2`)
	sp.process(context.Background(), h, nil)

	vs, err := st.ListViolations(context.Background(), 4)
	if err != nil {
		t.Fatalf("list violations: %v", err)
	}
	if len(vs) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(vs))
	}
	if vs[0].Operation != "file-write" {
		t.Fatalf("expected file-write operation, got %q", vs[0].Operation)
	}
	if vs[0].Resource != "/etc/passwd" {
		t.Fatalf("expected /etc/passwd resource, got %q", vs[0].Resource)
	}
}

func TestStreamProcessor_LiveBufferFollowsOutput(t *testing.T) {
	st := NewInMemoryStore()
	buf := newLiveBuffer()
	sp := newStreamProcessor(5, st, st, buf, nil, discardLogger())

	ch, cancel := buf.subscribe()
	defer cancel()

	h := launchShell(t, `printf 'line-1\nline-2\n'`)
	sp.process(context.Background(), h, nil)

	var lines []string
	timeout := time.After(5 * time.Second)
	for len(lines) < 2 {
		select {
		case rec := <-ch:
			lines = append(lines, rec.Line)
		case <-timeout:
			t.Fatalf("timed out waiting for live records, got %v", lines)
		}
	}
	if lines[0] != "line-1" || lines[1] != "line-2" {
		t.Fatalf("unexpected live lines: %v", lines)
	}
	if got := buf.text(); got != "line-1\nline-2\n" {
		t.Fatalf("unexpected buffer text: %q", got)
	}
}

func TestStreamProcessor_MalformedLinesStillPersisted(t *testing.T) {
	st := NewInMemoryStore()
	sp := newStreamProcessor(6, st, st, newLiveBuffer(), nil, discardLogger())

	h := launchShell(t, `printf 'not json at all\n{"broken\n'`)
	res := sp.process(context.Background(), h, nil)

	if res.SessionID != "" {
		t.Fatalf("expected no session id, got %q", res.SessionID)
	}
	records, _ := st.ReadOutput(context.Background(), 6)
	if len(records) != 2 {
		t.Fatalf("expected both malformed lines persisted, got %d", len(records))
	}
	if !strings.HasPrefix(records[1].Line, `{"broken`) {
		t.Fatalf("unexpected second record: %q", records[1].Line)
	}
}
