// Package claude understands the Claude Code CLI's stream-json output:
// parsing events off the wire, detecting provider usage-limit errors, and
// deriving token/cost metrics from persisted output records.
package claude

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"
)

// Event is one parsed line of stream-json output. Only the fields the
// engine acts on are decoded; everything else stays in the raw line.
type Event struct {
	Type      string `json:"type"`    // "system", "assistant", "user", "result".
	Subtype   string `json:"subtype"` // "init" on the first system event.
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"` // RFC 3339 when present.

	Message *Message `json:"message,omitempty"`

	// Result-event fields.
	Result       string   `json:"result,omitempty"`
	IsError      bool     `json:"is_error,omitempty"`
	TotalCostUSD *float64 `json:"total_cost_usd,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
	Usage        *Usage   `json:"usage,omitempty"`
}

// Message is the assistant/user message envelope inside an event.
type Message struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// Usage holds the four token buckets the provider reports per message.
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
}

// Total returns the sum of all four token buckets.
func (u *Usage) Total() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// ParseEvent decodes a single stream-json line. A parse failure means the
// line is not a structured event; callers persist it anyway and skip it
// for metrics and violation extraction.
func ParseEvent(line string) (*Event, bool) {
	if len(line) == 0 || line[0] != '{' {
		return nil, false
	}
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil, false
	}
	if ev.Type == "" {
		return nil, false
	}
	return &ev, true
}

// EventTime returns the event's timestamp if present and well-formed.
// Malformed timestamps are skipped, not fatal.
func (e *Event) EventTime() (time.Time, bool) {
	if e.Timestamp == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// usageLimitPattern matches the provider's rate-limit error shape:
// "Claude AI usage limit reached|<unix-seconds>". The timestamp after the
// pipe is when the provider's quota window resets.
var usageLimitPattern = regexp.MustCompile(`(?i)usage limit reached\|(\d{9,12})`)

// DetectUsageLimit scans a raw output line for the provider usage-limit
// error and returns the reset time it carries. The caller is responsible
// for adding a safety buffer before treating it as resume-eligible.
func DetectUsageLimit(line string) (time.Time, bool) {
	m := usageLimitPattern.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0).UTC(), true
}
