package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/xkilldash9x/coursepilot/api/schemas"
)

func entry(i int, kind schemas.ActionKind, fp string, status ExecStatus) HistoryEntry {
	return HistoryEntry{Iteration: i, Action: schemas.Action{Kind: kind, ChoiceIndex: -1}, Fingerprint: fp, Status: status}
}

func TestHistory_EvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Add(entry(i, schemas.ActionNextPage, "fp", StatusSuccess))
	}

	assert.Equal(t, 3, h.Len())
	last := h.Last(10)
	assert.Len(t, last, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{last[0].Iteration, last[1].Iteration, last[2].Iteration})
	assert.Nil(t, NewHistory(2).Last(1))
}

func TestHistory_Summary(t *testing.T) {
	h := NewHistory(10)
	assert.Empty(t, h.Summary(5))

	target := button(0, "Next Page")
	h.Add(HistoryEntry{Action: schemas.Action{Kind: schemas.ActionNextPage, ChoiceIndex: -1, Target: &target}, Status: StatusSuccess})
	h.Add(entry(2, schemas.ActionWait, "fp", StatusSuccess))
	h.Add(HistoryEntry{Action: schemas.Action{Kind: schemas.ActionSelectAnswer, ChoiceIndex: 1}, Status: StatusFailed})

	assert.Equal(t, `next_page("Next Page"), wait, select_answer(#1) [failed]`, h.Summary(5))
	assert.Equal(t, `select_answer(#1) [failed]`, h.Summary(1))
}

func TestHistory_Repeats(t *testing.T) {
	h := NewHistory(10)
	h.Add(entry(1, schemas.ActionNextPage, "a", StatusSuccess))
	h.Add(entry(2, schemas.ActionNextPage, "a", StatusSuccess))
	assert.False(t, h.Repeats("next_page", "a", 3), "too few entries")

	h.Add(entry(3, schemas.ActionNextPage, "a", StatusFailed))
	assert.True(t, h.Repeats("next_page", "a", 3))
	assert.False(t, h.Repeats("next_page", "b", 3), "different screen")
	assert.False(t, h.Repeats("wait", "a", 3), "different action")
	assert.False(t, h.Repeats("next_page", "a", 0))

	h.Add(entry(4, schemas.ActionWait, "a", StatusSuccess))
	assert.False(t, h.Repeats("next_page", "a", 3))
}

// The ring never holds more than its capacity and Last always returns the
// most recent entries in insertion order.
func TestHistory_RingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 12).Draw(rt, "capacity")
		n := rapid.IntRange(0, 40).Draw(rt, "n")
		k := rapid.IntRange(0, 15).Draw(rt, "k")

		h := NewHistory(capacity)
		for i := 1; i <= n; i++ {
			h.Add(entry(i, schemas.ActionWait, "", StatusSuccess))
		}

		want := min(n, capacity)
		if h.Len() != want {
			rt.Fatalf("Len() = %d, want %d", h.Len(), want)
		}
		last := h.Last(k)
		if len(last) != min(k, want) {
			rt.Fatalf("Last(%d) returned %d entries", k, len(last))
		}
		for i, e := range last {
			if wantIter := n - len(last) + 1 + i; e.Iteration != wantIter {
				rt.Fatalf("Last(%d)[%d] is iteration %d, want %d", k, i, e.Iteration, wantIter)
			}
		}
	})
}
