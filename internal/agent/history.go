package agent

import (
	"strings"
	"time"

	"github.com/xkilldash9x/coursepilot/api/schemas"
)

// HistoryEntry is one executed action and the screen it was taken on.
type HistoryEntry struct {
	Iteration   int            `json:"iteration"`
	Action      schemas.Action `json:"action"`
	Fingerprint string         `json:"fingerprint"`
	Status      ExecStatus     `json:"status"`
	At          time.Time      `json:"at"`
}

// History is a fixed-capacity ring of the most recent entries.
type History struct {
	entries []HistoryEntry
	next    int
	size    int
}

// NewHistory allocates a ring holding at most capacity entries.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{entries: make([]HistoryEntry, capacity)}
}

// Add appends e, evicting the oldest entry when full.
func (h *History) Add(e HistoryEntry) {
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.size < len(h.entries) {
		h.size++
	}
}

func (h *History) Len() int { return h.size }

// Last returns up to n most recent entries, oldest first.
func (h *History) Last(n int) []HistoryEntry {
	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]HistoryEntry, n)
	start := (h.next - n + len(h.entries)) % len(h.entries)
	for i := 0; i < n; i++ {
		out[i] = h.entries[(start+i)%len(h.entries)]
	}
	return out
}

// Summary renders the last n actions for the prompt, oldest first.
func (h *History) Summary(n int) string {
	last := h.Last(n)
	parts := make([]string, 0, len(last))
	for _, e := range last {
		s := e.Action.String()
		if e.Status == StatusFailed {
			s += " [failed]"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

// Repeats reports whether the last k entries all carry signature and were
// taken on the screen identified by fingerprint.
func (h *History) Repeats(signature, fingerprint string, k int) bool {
	if k <= 0 || h.size < k {
		return false
	}
	for _, e := range h.Last(k) {
		if e.Action.Signature() != signature || e.Fingerprint != fingerprint {
			return false
		}
	}
	return true
}
