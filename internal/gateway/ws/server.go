// Package ws implements the WebSocket endpoint for live run output.
// Clients connect per run, receive the persisted output as history, then
// follow the live stream until the process finishes or they disconnect.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/kazi/internal/domain"
)

const writeTimeout = 10 * time.Second

// Frame is a single server → client message.
type Frame struct {
	Type   string `json:"type"` // "output", "done", "error", "ping"
	Seq    int64  `json:"seq,omitempty"`
	Stream string `json:"stream,omitempty"` // "stdout" or "stderr".
	Line   string `json:"line,omitempty"`
	Status string `json:"status,omitempty"` // Final run status on "done".
	Error  string `json:"error,omitempty"`
}

// Subscriber taps a run's live output buffer. The engine implements it;
// ok is false when the run has no live process.
type Subscriber interface {
	Subscribe(runID int64) (events <-chan domain.OutputRecord, cancel func(), ok bool)
}

// RunStore is the subset of run persistence the server reads.
type RunStore interface {
	GetRun(ctx context.Context, id int64) (*domain.AgentRun, error)
}

// OutputStore reads a run's persisted output records.
type OutputStore interface {
	ReadOutput(ctx context.Context, runID int64) ([]domain.OutputRecord, error)
}

// Server serves WebSocket connections for live run output.
type Server struct {
	live    Subscriber
	runs    RunStore
	outputs OutputStore
	apiKeys map[string]string // API key → client ID. Empty = no auth.
	logger  *slog.Logger
}

// NewServer creates a WebSocket server backed by the engine's live buffers.
func NewServer(live Subscriber, runs RunStore, outputs OutputStore, apiKeys map[string]string, logger *slog.Logger) *Server {
	return &Server{
		live:    live,
		runs:    runs,
		outputs: outputs,
		apiKeys: apiKeys,
		logger:  logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
// The run ID is the final path segment: /ws/runs/{id}.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	runID, err := runIDFromPath(r.URL.Path)
	if err != nil {
		http.Error(w, "invalid run ID", http.StatusBadRequest)
		return
	}

	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "run lookup failed", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"kazi-run-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Info("websocket client connected", slog.Int64("run_id", runID))
	s.streamRun(r.Context(), conn, run)
}

// authorize checks the API key from the query string or Authorization
// header using a constant-time comparison.
func (s *Server) authorize(r *http.Request) bool {
	if len(s.apiKeys) == 0 {
		return true
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if strings.HasPrefix(token, "Bearer ") {
			token = strings.TrimPrefix(token, "Bearer ")
		}
	}
	for key := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// streamRun replays persisted output and follows the live buffer.
func (s *Server) streamRun(ctx context.Context, conn *websocket.Conn, run *domain.AgentRun) {
	defer conn.Close(websocket.StatusNormalClosure, "stream finished")

	// Subscribe before replaying history so no live record is missed.
	events, cancel, live := s.live.Subscribe(run.ID)
	if live {
		defer cancel()
	}

	records, err := s.outputs.ReadOutput(ctx, run.ID)
	if err != nil {
		_ = s.write(ctx, conn, Frame{Type: "error", Error: "output read failed"})
		return
	}

	lastSeq := int64(-1)
	for _, rec := range records {
		if err := s.write(ctx, conn, Frame{Type: "output", Seq: rec.Seq, Stream: rec.Stream, Line: rec.Line}); err != nil {
			return
		}
		lastSeq = rec.Seq
	}

	if !live {
		_ = s.write(ctx, conn, Frame{Type: "done", Status: string(run.Status)})
		return
	}

	// Drain client frames so pings and close frames are processed.
	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()
	go func() {
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case rec, ok := <-events:
			if !ok {
				status := string(domain.RunCompleted)
				if final, err := s.runs.GetRun(ctx, run.ID); err == nil {
					status = string(final.Status)
				}
				_ = s.write(ctx, conn, Frame{Type: "done", Status: status})
				return
			}
			if rec.Seq <= lastSeq {
				continue
			}
			if err := s.write(ctx, conn, Frame{Type: "output", Seq: rec.Seq, Stream: rec.Stream, Line: rec.Line}); err != nil {
				return
			}
			lastSeq = rec.Seq
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
			if err := s.write(ctx, conn, Frame{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// runIDFromPath extracts the run ID from the final path segment.
func runIDFromPath(path string) (int64, error) {
	path = strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return 0, errors.New("no run ID in path")
	}
	return strconv.ParseInt(path[idx+1:], 10, 64)
}
