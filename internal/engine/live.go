package engine

import (
	"strings"
	"sync"

	"github.com/jkaninda/kazi/internal/domain"
)

// liveBuffer accumulates a run's output in memory for UI polling and
// pushes new records to subscribers in order. Storage remains the source
// of truth; the buffer only serves the "live" window while the run is in
// flight.
type liveBuffer struct {
	mu      sync.Mutex
	records []domain.OutputRecord
	subs    map[int]chan domain.OutputRecord
	nextSub int
	closed  bool
}

func newLiveBuffer() *liveBuffer {
	return &liveBuffer{subs: make(map[int]chan domain.OutputRecord)}
}

// publish appends a record and fans it out. Slow subscribers are dropped
// rather than allowed to stall the stream: their channel is closed and
// they are expected to re-subscribe (replay covers the gap).
func (b *liveBuffer) publish(rec domain.OutputRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.records = append(b.records, rec)
	for id, ch := range b.subs {
		select {
		case ch <- rec:
		default:
			close(ch)
			delete(b.subs, id)
		}
	}
}

// subscribe replays the buffered records and follows new ones. The
// returned cancel must be called when the consumer is done.
func (b *liveBuffer) subscribe() (<-chan domain.OutputRecord, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Replay capacity plus headroom for the live tail.
	ch := make(chan domain.OutputRecord, len(b.records)+256)
	for _, rec := range b.records {
		ch <- rec
	}
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			close(ch)
			delete(b.subs, id)
		}
	}
	return ch, cancel
}

// text returns the buffered stdout lines joined for polling consumers.
func (b *liveBuffer) text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	for _, rec := range b.records {
		if rec.Stream != domain.StreamStdout {
			continue
		}
		sb.WriteString(rec.Line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// close marks the run finished and closes all subscriber channels after
// the final record, preserving at-least-once delivery of the final state.
func (b *liveBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
