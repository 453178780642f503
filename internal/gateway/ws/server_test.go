package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/kazi/internal/domain"
)

type fakeSubscriber struct {
	events chan domain.OutputRecord
	live   bool
}

func (f *fakeSubscriber) Subscribe(runID int64) (<-chan domain.OutputRecord, func(), bool) {
	if !f.live {
		return nil, nil, false
	}
	return f.events, func() {}, true
}

type fakeRunStore struct {
	runs map[int64]*domain.AgentRun
}

func (f *fakeRunStore) GetRun(ctx context.Context, id int64) (*domain.AgentRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

type fakeOutputStore struct {
	records map[int64][]domain.OutputRecord
}

func (f *fakeOutputStore) ReadOutput(ctx context.Context, runID int64) ([]domain.OutputRecord, error) {
	return f.records[runID], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) Frame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return f
}

func TestServer_ReplaysStoredOutputForFinishedRun(t *testing.T) {
	runs := &fakeRunStore{runs: map[int64]*domain.AgentRun{
		7: {ID: 7, Status: domain.RunCompleted},
	}}
	outputs := &fakeOutputStore{records: map[int64][]domain.OutputRecord{
		7: {
			{RunID: 7, Seq: 0, Stream: domain.StreamStdout, Line: "first"},
			{RunID: 7, Seq: 1, Stream: domain.StreamStderr, Line: "second"},
		},
	}}
	srv := NewServer(&fakeSubscriber{}, runs, outputs, nil, discardLogger())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/runs/7"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f := readFrame(t, ctx, conn)
	if f.Type != "output" || f.Seq != 0 || f.Line != "first" {
		t.Fatalf("unexpected first frame: %+v", f)
	}
	f = readFrame(t, ctx, conn)
	if f.Type != "output" || f.Seq != 1 || f.Stream != domain.StreamStderr {
		t.Fatalf("unexpected second frame: %+v", f)
	}
	f = readFrame(t, ctx, conn)
	if f.Type != "done" || f.Status != string(domain.RunCompleted) {
		t.Fatalf("unexpected done frame: %+v", f)
	}
}

func TestServer_StreamsLiveOutput(t *testing.T) {
	sub := &fakeSubscriber{events: make(chan domain.OutputRecord, 4), live: true}
	runs := &fakeRunStore{runs: map[int64]*domain.AgentRun{
		9: {ID: 9, Status: domain.RunRunning},
	}}
	outputs := &fakeOutputStore{records: map[int64][]domain.OutputRecord{}}
	srv := NewServer(sub, runs, outputs, nil, discardLogger())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/runs/9"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub.events <- domain.OutputRecord{RunID: 9, Seq: 0, Stream: domain.StreamStdout, Line: "live-line"}

	f := readFrame(t, ctx, conn)
	if f.Type != "output" || f.Line != "live-line" {
		t.Fatalf("unexpected frame: %+v", f)
	}

	// Finishing the run closes the event channel; the server reports the
	// final status from the store.
	runs.runs[9].Status = domain.RunFailed
	close(sub.events)

	f = readFrame(t, ctx, conn)
	if f.Type != "done" || f.Status != string(domain.RunFailed) {
		t.Fatalf("unexpected done frame: %+v", f)
	}
}

func TestServer_UnknownRunRejectsHandshake(t *testing.T) {
	srv := NewServer(&fakeSubscriber{}, &fakeRunStore{runs: map[int64]*domain.AgentRun{}}, &fakeOutputStore{}, nil, discardLogger())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/runs/404"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown run")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake response, got %+v", resp)
	}
}

func TestServer_RequiresTokenWhenKeysConfigured(t *testing.T) {
	runs := &fakeRunStore{runs: map[int64]*domain.AgentRun{
		1: {ID: 1, Status: domain.RunCompleted},
	}}
	srv := NewServer(&fakeSubscriber{}, runs, &fakeOutputStore{}, map[string]string{"secret-key": "ops"}, discardLogger())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/runs/1"

	if _, resp, err := websocket.Dial(ctx, base, nil); err == nil {
		t.Fatal("expected dial without token to fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}

	conn, _, err := websocket.Dial(ctx, base+"?token=secret-key", nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestRunIDFromPath(t *testing.T) {
	cases := []struct {
		path    string
		want    int64
		wantErr bool
	}{
		{"/ws/runs/42", 42, false},
		{"/ws/runs/42/", 42, false},
		{"/ws/runs/abc", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := runIDFromPath(tc.path)
		if tc.wantErr {
			if err == nil {
				t.Errorf("runIDFromPath(%q): expected error", tc.path)
			}
			continue
		}
		if err != nil {
			t.Errorf("runIDFromPath(%q): %v", tc.path, err)
			continue
		}
		if got != tc.want {
			t.Errorf("runIDFromPath(%q) = %d, want %d", tc.path, got, tc.want)
		}
	}
}
