package dispatcher

import (
	"sort"
	"sync"
	"time"

	"github.com/xraph/herald/event"
)

// DefaultHistorySize is how many recent dispatches History keeps.
const DefaultHistorySize = 256

// Record is one entry of the recent-dispatch log.
type Record struct {
	EventID     string     `json:"event_id"`
	EventType   event.Kind `json:"event_type"`
	WorkspaceID string     `json:"workspace_id"`
	Triggered   int        `json:"triggered"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Skipped     int        `json:"skipped"`
	At          time.Time  `json:"at"`
}

// EventStats aggregates dispatches of one event kind.
type EventStats struct {
	EventType        event.Kind `json:"event_type"`
	Dispatches       int64      `json:"dispatches"`
	Triggered        int64      `json:"triggered"`
	Succeeded        int64      `json:"succeeded"`
	Failed           int64      `json:"failed"`
	Skipped          int64      `json:"skipped"`
	LastDispatchedAt time.Time  `json:"last_dispatched_at,omitzero"`
}

// HistoryStats aggregates every dispatch since the history was created.
type HistoryStats struct {
	Dispatches  int64            `json:"dispatches"`
	Triggered   int64            `json:"triggered"`
	Succeeded   int64            `json:"succeeded"`
	Failed      int64            `json:"failed"`
	Skipped     int64            `json:"skipped"`
	SkipReasons map[Reason]int64 `json:"skip_reasons"`
	ByEvent     []EventStats     `json:"by_event"`
}

// History keeps dispatch counters and a bounded log of recent dispatches.
type History struct {
	mu      sync.Mutex
	size    int
	recent  []Record
	next    int
	totals  EventStats
	reasons map[Reason]int64
	byKind  map[event.Kind]*EventStats
}

// NewHistory returns a history remembering the last size dispatches.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{
		size:    size,
		recent:  make([]Record, 0, size),
		reasons: make(map[Reason]int64),
		byKind:  make(map[event.Kind]*EventStats),
	}
}

// Record adds a finished dispatch.
func (h *History) Record(res *Result, at time.Time) {
	rec := Record{
		EventID:     res.EventID.String(),
		EventType:   res.EventType,
		WorkspaceID: res.WorkspaceID,
		Triggered:   res.Triggered,
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		Skipped:     res.Skipped,
		At:          at,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.recent) < h.size {
		h.recent = append(h.recent, rec)
	} else {
		h.recent[h.next] = rec
	}
	h.next = (h.next + 1) % h.size

	es, ok := h.byKind[res.EventType]
	if !ok {
		es = &EventStats{EventType: res.EventType}
		h.byKind[res.EventType] = es
	}
	es.add(rec)
	h.totals.add(rec)
	for _, s := range res.Skips {
		h.reasons[s.Reason]++
	}
}

func (s *EventStats) add(rec Record) {
	s.Dispatches++
	s.Triggered += int64(rec.Triggered)
	s.Succeeded += int64(rec.Succeeded)
	s.Failed += int64(rec.Failed)
	s.Skipped += int64(rec.Skipped)
	s.LastDispatchedAt = rec.At
}

// Recent returns up to n records, newest first. n <= 0 returns all.
func (h *History) Recent(n int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := len(h.recent)
	if n <= 0 || n > count {
		n = count
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, h.recent[(h.next-i+h.size)%h.size])
	}
	return out
}

// Stats returns the aggregate counters.
func (h *History) Stats() HistoryStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := HistoryStats{
		Dispatches:  h.totals.Dispatches,
		Triggered:   h.totals.Triggered,
		Succeeded:   h.totals.Succeeded,
		Failed:      h.totals.Failed,
		Skipped:     h.totals.Skipped,
		SkipReasons: make(map[Reason]int64, len(h.reasons)),
		ByEvent:     make([]EventStats, 0, len(h.byKind)),
	}
	for r, n := range h.reasons {
		st.SkipReasons[r] = n
	}
	for _, es := range h.byKind {
		st.ByEvent = append(st.ByEvent, *es)
	}
	sort.Slice(st.ByEvent, func(i, j int) bool { return st.ByEvent[i].EventType < st.ByEvent[j].EventType })
	return st
}

// EventStats returns the counters for one kind.
func (h *History) EventStats(kind event.Kind) EventStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if es, ok := h.byKind[kind]; ok {
		return *es
	}
	return EventStats{EventType: kind}
}

// Reset clears all counters and the recent log.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = h.recent[:0]
	h.next = 0
	h.totals = EventStats{}
	h.reasons = make(map[Reason]int64)
	h.byKind = make(map[event.Kind]*EventStats)
}
