package claude

import (
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

// RunMetrics is derived from a run's output records. It is never the
// source of truth — recomputation from the records always is.
type RunMetrics struct {
	DurationMS       int64   `json:"duration_ms"`
	TotalTokens      int64   `json:"total_tokens"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	MessageCount     int     `json:"message_count"`
}

// ComputeMetrics folds a run's output records into RunMetrics.
// Idempotent and side-effect-free: callable repeatedly for live polling
// and once more at completion for the final value.
//
// Records that fail to parse as events are skipped. Explicit cost fields
// on result events win; otherwise cost is derived from the accumulated
// token buckets at the model's per-million rates.
func ComputeMetrics(records []domain.OutputRecord, model string) RunMetrics {
	var (
		m        RunMetrics
		usage    Usage
		explicit float64
		hasCost  bool
		first    time.Time
		last     time.Time
	)

	for _, rec := range records {
		if rec.Stream == domain.StreamStderr {
			continue
		}
		ev, ok := ParseEvent(rec.Line)
		if !ok {
			continue
		}
		m.MessageCount++

		if ts, ok := ev.EventTime(); ok {
			if first.IsZero() || ts.Before(first) {
				first = ts
			}
			if ts.After(last) {
				last = ts
			}
		} else if !rec.CreatedAt.IsZero() {
			// Fall back to persistence time when the event carries none.
			if first.IsZero() || rec.CreatedAt.Before(first) {
				first = rec.CreatedAt
			}
			if rec.CreatedAt.After(last) {
				last = rec.CreatedAt
			}
		}

		// Per-message usage only. The final result event repeats a
		// cumulative total; accumulating it too would double-count.
		if ev.Message != nil && ev.Message.Usage != nil {
			accumulate(&usage, ev.Message.Usage)
		}
		if ev.TotalCostUSD != nil {
			explicit += *ev.TotalCostUSD
			hasCost = true
		}
	}

	m.InputTokens = usage.InputTokens
	m.OutputTokens = usage.OutputTokens
	m.CacheWriteTokens = usage.CacheCreationTokens
	m.CacheReadTokens = usage.CacheReadTokens
	m.TotalTokens = usage.Total()

	if hasCost {
		m.CostUSD = explicit
	} else {
		m.CostUSD = PricingFor(model).Cost(usage)
	}

	if !first.IsZero() && !last.IsZero() {
		m.DurationMS = last.Sub(first).Milliseconds()
	}
	return m
}

func accumulate(dst *Usage, src *Usage) {
	dst.InputTokens += src.InputTokens
	dst.OutputTokens += src.OutputTokens
	dst.CacheCreationTokens += src.CacheCreationTokens
	dst.CacheReadTokens += src.CacheReadTokens
}
