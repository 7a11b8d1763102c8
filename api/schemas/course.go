package schemas

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"time"
)

// -- Screen Observation Schemas --

// CandidateRole classifies what an interactive element does on a course page.
type CandidateRole string

const (
	RoleButton   CandidateRole = "button"
	RoleLink     CandidateRole = "link"
	RoleRadio    CandidateRole = "radio"
	RoleCheckbox CandidateRole = "checkbox"
	RoleOption   CandidateRole = "option"
	RoleAnswer   CandidateRole = "answer"
	RoleInput    CandidateRole = "input"
)

// IsAnswer reports whether the role represents a selectable answer choice.
func (r CandidateRole) IsAnswer() bool {
	switch r {
	case RoleRadio, RoleCheckbox, RoleOption, RoleAnswer:
		return true
	}
	return false
}

// BoundingBox is an element rectangle in viewport CSS pixels.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Visible reports whether the box has a positive area.
func (b BoundingBox) Visible() bool {
	return b.Width > 0 && b.Height > 0
}

// Candidate is one interactive element visible on the current screen.
type Candidate struct {
	Index int `json:"index"`
	// Locator is a unique XPath inside the document named by Frame.
	Locator string `json:"locator"`
	// Frame is the CSS selector of the containing iframe. Empty for the top document.
	Frame string        `json:"frame,omitempty"`
	Tag   string        `json:"tag"`
	Role  CandidateRole `json:"role"`
	Label string        `json:"label,omitempty"`
	Value string        `json:"value,omitempty"`
	// Owner is the XPath of the <select> that owns an option candidate.
	Owner string      `json:"owner,omitempty"`
	Group string      `json:"group,omitempty"`
	Box   BoundingBox `json:"box"`
}

// Describe renders the candidate the way it is presented to a cognition provider.
func (c Candidate) Describe() string {
	label := c.Label
	if label == "" {
		label = c.Value
	}
	return fmt.Sprintf("[%d] %s %q", c.Index, c.Role, label)
}

// ScreenObservation is one capture of the browser viewport plus structural hints.
// It is immutable once returned by a BrowserSession.
type ScreenObservation struct {
	Image      []byte      `json:"-"`
	URL        string      `json:"url"`
	Candidates []Candidate `json:"candidates"`
	// Markers lists the completion markers found on the page.
	Markers []string `json:"markers,omitempty"`
	// InCourse is true when the course player chrome is present.
	InCourse   bool      `json:"in_course"`
	CapturedAt time.Time `json:"captured_at"`
}

// Completed reports whether the observation carries a course completion marker.
func (o *ScreenObservation) Completed() bool {
	return o != nil && len(o.Markers) > 0
}

// Answers returns the answer-like candidates in screen order.
func (o *ScreenObservation) Answers() []Candidate {
	if o == nil {
		return nil
	}
	var out []Candidate
	for _, c := range o.Candidates {
		if c.Role.IsAnswer() {
			out = append(out, c)
		}
	}
	return out
}

// Fingerprint identifies what the screen shows: the URL, the candidate set
// (independent of element order and layout shifts) and the screenshot. Player
// pages often share identical controls and differ only in their content, so
// the image takes part.
func (o *ScreenObservation) Fingerprint() string {
	if o == nil {
		return ""
	}
	keys := make([]string, 0, len(o.Candidates))
	for _, c := range o.Candidates {
		keys = append(keys, c.Frame+"|"+c.Locator+"|"+string(c.Role)+"|"+strings.ToLower(c.Label))
	}
	sort.Strings(keys)

	h := fnv.New64a()
	_, _ = h.Write([]byte(o.URL))
	_, _ = h.Write([]byte{0})
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(o.Image)
	return strconv.FormatUint(h.Sum64(), 16)
}

// -- Action Schemas --

// ActionKind is the closed vocabulary of next-step instructions.
type ActionKind string

const (
	ActionStart        ActionKind = "start"
	ActionNextPage     ActionKind = "next_page"
	ActionNextLesson   ActionKind = "next_lesson"
	ActionSelectAnswer ActionKind = "select_answer"
	ActionSubmitTest   ActionKind = "submit_test"
	ActionWait         ActionKind = "wait"
	ActionUnknown      ActionKind = "unknown"
)

// ActionKinds lists the vocabulary in the order presented to providers.
var ActionKinds = []ActionKind{
	ActionStart, ActionNextPage, ActionNextLesson, ActionSelectAnswer,
	ActionSubmitTest, ActionWait, ActionUnknown,
}

// Valid reports whether k is part of the vocabulary.
func (k ActionKind) Valid() bool {
	for _, known := range ActionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Action is a validated instruction. Only the fields its kind needs are set.
type Action struct {
	Kind ActionKind `json:"kind"`
	// ChoiceIndex is the 0-based position among the screen's answers, or -1.
	ChoiceIndex int    `json:"choice_index"`
	ChoiceText  string `json:"choice_text,omitempty"`
	// Target is the candidate the action resolved to, if any.
	Target    *Candidate `json:"target,omitempty"`
	Element   string     `json:"element,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
	IsTest    bool       `json:"is_test,omitempty"`
	// Forced is set when the action replaced the provider's choice.
	Forced bool `json:"forced,omitempty"`
	// Sweep widens an untargeted navigation to the ordered control sweep
	// (launch, start, next page, continue, next lesson).
	Sweep bool `json:"sweep,omitempty"`
}

// UnknownAction is the fallback for anything that fails validation.
func UnknownAction(reason string) Action {
	return Action{Kind: ActionUnknown, ChoiceIndex: -1, Reasoning: reason}
}

// Signature identifies an action for repetition checks.
func (a Action) Signature() string {
	if a.Target != nil {
		return string(a.Kind) + "@" + a.Target.Frame + a.Target.Locator
	}
	return string(a.Kind)
}

func (a Action) String() string {
	switch {
	case a.Target != nil && a.Target.Label != "":
		return fmt.Sprintf("%s(%q)", a.Kind, a.Target.Label)
	case a.Kind == ActionSelectAnswer && a.ChoiceIndex >= 0:
		return fmt.Sprintf("%s(#%d)", a.Kind, a.ChoiceIndex)
	default:
		return string(a.Kind)
	}
}

// -- Cognition Schemas --

// DecisionRequest is everything a cognition provider sees for one decision.
type DecisionRequest struct {
	Image        []byte
	URL          string
	InCourse     bool
	Candidates   []Candidate
	PriorActions string
}

// ProviderResponse is the common envelope returned by every cognition backend.
type ProviderResponse struct {
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Text         string        `json:"text"`
	Err          error         `json:"-"`
	Latency      time.Duration `json:"latency"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
}

// -- Run Outcome Schemas --

// OutcomeKind is the terminal state of a run.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeExhausted OutcomeKind = "exhausted"
	OutcomeFatal     OutcomeKind = "fatal"
)

// FatalKind names the non-recoverable condition that ended a run.
type FatalKind string

const (
	FatalAuth             FatalKind = "auth"
	FatalConnection       FatalKind = "connection"
	FatalModelNotFound    FatalKind = "model_not_found"
	FatalBrowserLost      FatalKind = "browser_lost"
	FatalNavigation       FatalKind = "navigation"
	FatalRepeatedFailures FatalKind = "repeated_failures"
	FatalInvalidInput     FatalKind = "invalid_input"
)

// FatalClassifier is implemented by errors that end a run when they surface.
// An empty kind means the error is recoverable.
type FatalClassifier interface {
	error
	FatalKind() FatalKind
}

// RunOutcome is the terminal record of a run.
type RunOutcome struct {
	Kind       OutcomeKind `json:"kind"`
	Fatal      FatalKind   `json:"fatal,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Err        error       `json:"-"`
	Iterations int         `json:"iterations"`
}

// ExitCode maps the outcome to the process exit status.
func (o RunOutcome) ExitCode() int {
	if o.Kind == OutcomeFatal {
		return 1
	}
	return 0
}

func (o RunOutcome) String() string {
	if o.Kind == OutcomeFatal {
		return fmt.Sprintf("%s(%s): %s", o.Kind, o.Fatal, o.Reason)
	}
	if o.Reason != "" {
		return fmt.Sprintf("%s: %s", o.Kind, o.Reason)
	}
	return string(o.Kind)
}
