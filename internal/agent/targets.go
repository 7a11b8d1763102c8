package agent

import (
	"regexp"
	"strings"

	"github.com/xkilldash9x/coursepilot/api/schemas"
)

// navigationKeywords are tried in order when an action has no resolved target.
var navigationKeywords = map[schemas.ActionKind][]string{
	schemas.ActionStart:      {"launch", "resume", "start", "begin"},
	schemas.ActionNextPage:   {"next page", "continue", "next"},
	schemas.ActionNextLesson: {"next lesson"},
	schemas.ActionSubmitTest: {"submit", "check answer"},
}

// sweepKeywords is the order controls are tried when the loop needs a nudge.
var sweepKeywords = []string{"launch", "resume", "start", "next page", "continue", "next lesson", "next"}

// launchKeywords open the course player; pointless once it is open.
var launchKeywords = []string{"launch", "resume"}

// forbiddenKeywords are never clicked, whatever the model asks for.
var forbiddenKeywords = []string{"suspend", "exit", "log out", "logout", "sign out"}

// roleSuffixes are stripped from element hints such as "Next Page button".
var roleSuffixes = []string{" button", " link", " tab", " option"}

var (
	optionLetterRe = regexp.MustCompile(`^(?:option |answer |choice )?\(?([a-z])\)?[.):]?$`)
	labelLetterRe  = regexp.MustCompile(`^\(?([a-z])[.):]\s*`)
)

// minContainmentLen stops one or two letter answers from matching by substring.
const minContainmentLen = 3

// normalizeText lowercases s, collapses whitespace and trims edge punctuation.
func normalizeText(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.Trim(s, " .,;:!?\"'")
}

func candidateText(c schemas.Candidate) string {
	if c.Label != "" {
		return normalizeText(c.Label)
	}
	return normalizeText(c.Value)
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func isForbidden(c schemas.Candidate) bool {
	return containsAny(candidateText(c), forbiddenKeywords)
}

func isLaunch(c schemas.Candidate) bool {
	return containsAny(candidateText(c), launchKeywords)
}

// kindFromHint maps a free-text element description onto a navigation kind.
func kindFromHint(hint string) schemas.ActionKind {
	h := normalizeText(hint)
	switch {
	case h == "":
		return schemas.ActionUnknown
	case containsAny(h, forbiddenKeywords):
		return schemas.ActionUnknown
	case strings.Contains(h, "next lesson"):
		return schemas.ActionNextLesson
	case containsAny(h, navigationKeywords[schemas.ActionSubmitTest]):
		return schemas.ActionSubmitTest
	case containsAny(h, navigationKeywords[schemas.ActionStart]):
		return schemas.ActionStart
	case containsAny(h, navigationKeywords[schemas.ActionNextPage]):
		return schemas.ActionNextPage
	}
	return schemas.ActionUnknown
}

// hintTarget resolves an element hint to exactly one candidate, or nil.
func hintTarget(hint string, candidates []schemas.Candidate) *schemas.Candidate {
	h := normalizeText(hint)
	for _, suffix := range roleSuffixes {
		h = strings.TrimSuffix(h, suffix)
	}
	if h == "" {
		return nil
	}

	if i := uniqueMatch(candidates, func(c schemas.Candidate, text string) bool {
		return !isForbidden(c) && text == h
	}); i >= 0 {
		return &candidates[i]
	}
	if i := uniqueMatch(candidates, func(c schemas.Candidate, text string) bool {
		return !isForbidden(c) && text != "" && (strings.Contains(text, h) || strings.Contains(h, text))
	}); i >= 0 {
		return &candidates[i]
	}
	return nil
}

// uniqueMatch returns the index of the only candidate accepted by match, or -1.
func uniqueMatch(candidates []schemas.Candidate, match func(c schemas.Candidate, text string) bool) int {
	found := -1
	for i, c := range candidates {
		if !match(c, candidateText(c)) {
			continue
		}
		if found >= 0 {
			return -1
		}
		found = i
	}
	return found
}

// keywordTarget sweeps the screen for a control matching kind's keyword list.
// Keywords are tried in order, candidates in screen order. Launch and Resume are
// ignored when skipLaunch is set.
func keywordTarget(kind schemas.ActionKind, candidates []schemas.Candidate, skipLaunch bool) *schemas.Candidate {
	for _, kw := range navigationKeywords[kind] {
		for i, c := range candidates {
			if c.Role.IsAnswer() || isForbidden(c) {
				continue
			}
			text := candidateText(c)
			if !strings.Contains(text, kw) {
				continue
			}
			if skipLaunch && isLaunch(c) {
				continue
			}
			if kind == schemas.ActionNextPage && strings.Contains(text, "next lesson") {
				continue
			}
			return &candidates[i]
		}
	}
	return nil
}

// sweepTarget walks sweepKeywords in order and returns the first matching
// control. Launch and Resume are left out once the player is open.
func sweepTarget(candidates []schemas.Candidate, inCourse bool) *schemas.Candidate {
	for _, kw := range sweepKeywords {
		for i, c := range candidates {
			if c.Role.IsAnswer() || isForbidden(c) {
				continue
			}
			if inCourse && isLaunch(c) {
				continue
			}
			if strings.Contains(candidateText(c), kw) {
				return &candidates[i]
			}
		}
	}
	return nil
}

// matchAnswer resolves free answer text to a position in answers, or -1 when
// nothing or more than one answer matches. Exact label match is tried first,
// then containment, then a leading option letter such as "B" or "B)".
func matchAnswer(answers []schemas.Candidate, text string) int {
	t := normalizeText(text)
	if t == "" {
		return -1
	}

	exact, n := indexWhere(answers, func(label string) bool { return label == t })
	if n == 1 {
		return exact
	}
	if n > 1 {
		return -1
	}

	if len([]rune(t)) >= minContainmentLen {
		contained, n := indexWhere(answers, func(label string) bool {
			return label != "" && (strings.Contains(label, t) || strings.Contains(t, label))
		})
		if n == 1 {
			return contained
		}
		if n > 1 {
			return -1
		}
	}

	m := optionLetterRe.FindStringSubmatch(t)
	if m == nil {
		return -1
	}
	letter := m[1]
	byLetter, n := indexWhere(answers, func(label string) bool {
		lm := labelLetterRe.FindStringSubmatch(label)
		return (lm != nil && lm[1] == letter) || label == letter
	})
	if n == 1 {
		return byLetter
	}
	return -1
}

// indexWhere returns the first index accepted by match and the number of matches.
func indexWhere(answers []schemas.Candidate, match func(label string) bool) (int, int) {
	first, n := -1, 0
	for i, a := range answers {
		if match(candidateText(a)) {
			if first < 0 {
				first = i
			}
			n++
		}
	}
	return first, n
}
