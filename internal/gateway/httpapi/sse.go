package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/okapi"
)

// SSEEvent represents a server-sent event for streaming run output.
type SSEEvent struct {
	Seq    int64  `json:"seq"`
	Stream string `json:"stream,omitempty"` // "stdout" or "stderr".
	Line   string `json:"line,omitempty"`
	Status string `json:"status,omitempty"` // Final run status on the "done" event.
}

// handleRunEvents handles GET /v1/runs/{id}/events with SSE responses.
// Streams the run's persisted output first, then follows the live buffer
// until the process finishes or the client disconnects.
func (g *Gateway) handleRunEvents(c *okapi.Context) error {
	runID, err := parseRunID(c)
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	run, err := g.store.Runs().GetRun(c.Context(), runID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
		}
		return c.AbortInternalServerError("run lookup failed")
	}

	// Subscribe before replaying history so no live record is missed.
	events, cancel, live := g.engine.Subscribe(runID)
	if live {
		defer cancel()
	}

	records, err := g.store.Outputs().ReadOutput(c.Context(), runID)
	if err != nil {
		return c.AbortInternalServerError("output read failed")
	}

	lastSeq := int64(-1)
	for _, rec := range records {
		c.SSEvent("output", SSEEvent{Seq: rec.Seq, Stream: rec.Stream, Line: rec.Line})
		lastSeq = rec.Seq
	}

	if !live {
		c.SSEvent("done", SSEEvent{Status: string(run.Status)})
		return nil
	}

	// Follow the live buffer. Skip records already replayed from the store.
	ctx := c.Context()
	for {
		select {
		case rec, ok := <-events:
			if !ok {
				// Process finished; report the final status.
				status := string(domain.RunCompleted)
				if final, err := g.store.Runs().GetRun(ctx, runID); err == nil {
					status = string(final.Status)
				}
				c.SSEvent("done", SSEEvent{Status: status})
				return nil
			}
			if rec.Seq <= lastSeq {
				continue
			}
			c.SSEvent("output", SSEEvent{Seq: rec.Seq, Stream: rec.Stream, Line: rec.Line})
			lastSeq = rec.Seq
		case <-ctx.Done():
			return nil
		case <-time.After(30 * time.Second):
			// Keep intermediaries from closing an idle stream.
			c.SSEvent("ping", SSEEvent{})
		}
	}
}
