package ratewatch

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultWindow = 15 * time.Second
	DefaultKeep   = 25
	pruneEvery    = 256
)

type bucket struct {
	sec int64
	n   int
}

type history struct {
	buckets []bucket
	last    time.Time
}

// HistoryCounter keeps a rolling count of calls per identifier over a
// window split into one-second buckets. Identifiers that stay idle for more
// than Keep windows are dropped.
type HistoryCounter struct {
	name   string
	window time.Duration
	keep   int
	slots  int
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*history
	calls   int
}

func NewHistoryCounter(name string, window time.Duration, keep int) *HistoryCounter {
	if window < time.Second {
		window = DefaultWindow
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &HistoryCounter{
		name:    strings.TrimSpace(name),
		window:  window,
		keep:    keep,
		slots:   int(window / time.Second),
		now:     time.Now,
		entries: map[string]*history{},
	}
}

func (h *HistoryCounter) WithClock(now func() time.Time) *HistoryCounter {
	if now != nil {
		h.now = now
	}
	return h
}

func (h *HistoryCounter) Name() string { return h.name }

func (h *HistoryCounter) Window() time.Duration { return h.window }

// CountAndGet records one call for identifier and returns how many calls
// it has seen inside the current window, this one included.
func (h *HistoryCounter) CountAndGet(identifier string) int {
	now := h.now()
	sec := now.Unix()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls++
	if h.calls%pruneEvery == 0 {
		h.pruneLocked(now)
	}

	e, ok := h.entries[identifier]
	if !ok {
		e = &history{buckets: make([]bucket, h.slots)}
		h.entries[identifier] = e
	}
	e.last = now
	b := &e.buckets[int(sec%int64(h.slots))]
	if b.sec != sec {
		b.sec = sec
		b.n = 0
	}
	b.n++
	return h.sumLocked(e, sec)
}

func (h *HistoryCounter) sumLocked(e *history, sec int64) int {
	floor := sec - int64(h.slots)
	total := 0
	for _, b := range e.buckets {
		if b.sec > floor && b.sec <= sec {
			total += b.n
		}
	}
	return total
}

func (h *HistoryCounter) pruneLocked(now time.Time) {
	idle := time.Duration(h.keep) * h.window
	for id, e := range h.entries {
		if now.Sub(e.last) > idle {
			delete(h.entries, id)
		}
	}
}

// Prune drops identifiers idle for longer than Keep windows.
func (h *HistoryCounter) Prune() {
	now := h.now()
	h.mu.Lock()
	h.pruneLocked(now)
	h.mu.Unlock()
}

type Count struct {
	Identifier string `json:"identifier"`
	Count      int    `json:"count"`
}

// Snapshot lists the current in-window counts, busiest first.
func (h *HistoryCounter) Snapshot() []Count {
	sec := h.now().Unix()
	h.mu.Lock()
	out := make([]Count, 0, len(h.entries))
	for id, e := range h.entries {
		if n := h.sumLocked(e, sec); n > 0 {
			out = append(out, Count{Identifier: id, Count: n})
		}
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out
}

// RoundDownExponentially maps count onto the largest base*2^k not above it,
// so a steadily growing count only changes its reported value at doubling
// points. Counts below base are returned as is.
func RoundDownExponentially(count, base int) int {
	if base <= 0 || count < base {
		return count
	}
	r := base
	for r <= count/2 {
		r *= 2
	}
	return r
}
