// internal/agent/parser.go
package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/llmutil"
)

// Parser turns free-form provider text into a validated Action. It never
// touches the browser and anything it cannot validate becomes unknown.
type Parser struct {
	logger *zap.Logger
}

func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger.Named("parser")}
}

// Parse validates resp against the observation it was produced for.
func (p *Parser) Parse(resp *schemas.ProviderResponse, obs *schemas.ScreenObservation) (action schemas.Action) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered from panic while parsing decision", zap.Any("panic", r))
			action = schemas.UnknownAction(fmt.Sprintf("parser panic: %v", r))
		}
	}()

	switch {
	case resp == nil:
		return schemas.UnknownAction("no provider response")
	case resp.Err != nil:
		return schemas.UnknownAction("provider error: " + resp.Err.Error())
	case strings.TrimSpace(resp.Text) == "":
		return schemas.UnknownAction("empty provider response")
	}

	obj, ok := llmutil.ExtractJSONObject(resp.Text)
	if !ok {
		p.logger.Debug("No JSON object in provider response", zap.String("text", llmutil.TruncateString(resp.Text, 200)))
		return schemas.UnknownAction("no JSON object in provider response")
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return schemas.UnknownAction("undecodable JSON: " + err.Error())
	}

	action = decodeDecision(raw, obs)
	if action.Kind == schemas.ActionUnknown {
		p.logger.Debug("Decision rejected", zap.String("reason", action.Reasoning), zap.String("json", llmutil.TruncateString(obj, 300)))
	}
	return action
}

func decodeDecision(raw map[string]interface{}, obs *schemas.ScreenObservation) schemas.Action {
	tag, ok := raw["action"].(string)
	if !ok {
		return schemas.UnknownAction("missing or non-string action field")
	}
	element, _ := raw["element"].(string)
	reasoning, _ := raw["reasoning"].(string)
	isTest, _ := raw["is_test"].(bool)

	kind := normalizeKind(tag, element)
	if kind == schemas.ActionUnknown {
		return schemas.UnknownAction(fmt.Sprintf("unrecognised action %q", tag))
	}

	action := schemas.Action{
		Kind:        kind,
		ChoiceIndex: -1,
		Element:     element,
		Reasoning:   reasoning,
		IsTest:      isTest,
		Sweep:       normalizeTag(tag) == "read",
	}

	var candidates []schemas.Candidate
	if obs != nil {
		candidates = obs.Candidates
	}

	switch kind {
	case schemas.ActionSelectAnswer:
		return resolveAnswer(raw, obs, action)
	case schemas.ActionWait:
		return action
	default:
		if t := hintTarget(element, candidates); t != nil && !t.Role.IsAnswer() {
			target := *t
			action.Target = &target
		}
		return action
	}
}

// normalizeKind maps a raw tag and its legacy aliases onto the vocabulary.
// "complete" maps to unknown; completion comes from page markers only.
func normalizeKind(tag, element string) schemas.ActionKind {
	t := normalizeTag(tag)

	if k := schemas.ActionKind(t); k.Valid() {
		return k
	}
	switch t {
	case "click", "click_button", "press":
		return kindFromHint(element)
	case "answer_question", "answer", "select", "choose_answer":
		return schemas.ActionSelectAnswer
	case "read":
		// Reading is done by moving on: sweep the navigation controls.
		return schemas.ActionNextPage
	case "launch", "resume", "begin":
		return schemas.ActionStart
	case "next", "continue":
		return schemas.ActionNextPage
	case "submit", "submit_answer":
		return schemas.ActionSubmitTest
	}
	return schemas.ActionUnknown
}

func normalizeTag(tag string) string {
	t := strings.ToLower(strings.TrimSpace(tag))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(t)
}

// resolveAnswer binds a select_answer decision to exactly one answer candidate.
func resolveAnswer(raw map[string]interface{}, obs *schemas.ScreenObservation, action schemas.Action) schemas.Action {
	answers := obs.Answers()
	if len(answers) == 0 {
		return schemas.UnknownAction("select_answer with no answers on screen")
	}

	byIndex := -1
	if v, present := raw["answer_index"]; present && v != nil {
		f, ok := v.(float64)
		if !ok {
			return schemas.UnknownAction(fmt.Sprintf("answer_index has type %T", v))
		}
		if f != math.Trunc(f) || f < 0 || f >= float64(len(answers)) {
			return schemas.UnknownAction(fmt.Sprintf("answer_index %v out of range [0,%d)", f, len(answers)))
		}
		byIndex = int(f)
	}

	byText := -1
	if v, present := raw["answer_text"]; present && v != nil {
		s, ok := v.(string)
		if !ok {
			return schemas.UnknownAction(fmt.Sprintf("answer_text has type %T", v))
		}
		if strings.TrimSpace(s) != "" {
			byText = matchAnswer(answers, s)
			if byText < 0 {
				return schemas.UnknownAction(fmt.Sprintf("answer_text %q does not match exactly one answer", s))
			}
		}
	}

	choice := byIndex
	switch {
	case byIndex < 0 && byText < 0:
		return schemas.UnknownAction("select_answer without a usable answer_index or answer_text")
	case byIndex < 0:
		choice = byText
	case byText >= 0 && byText != byIndex:
		return schemas.UnknownAction(fmt.Sprintf("answer_index %d disagrees with answer_text (answer %d)", byIndex, byText))
	}

	target := answers[choice]
	action.ChoiceIndex = choice
	action.ChoiceText = target.Label
	action.Target = &target
	return action
}
