// internal/browser/dom/harvest.go
package dom

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/config"
)

// Document is the serialized HTML of the top page or of one content frame.
type Document struct {
	// Frame is empty for the top document.
	Frame string `json:"frame"`
	HTML  string `json:"html"`
}

// Snapshot is what SnapshotScript returns.
type Snapshot struct {
	URL       string     `json:"url"`
	Documents []Document `json:"documents"`
}

// Analysis is the structural reading of a snapshot. Candidates carry no
// bounding boxes or indices until Assemble is called.
type Analysis struct {
	Candidates []schemas.Candidate
	Markers    []string
	InCourse   bool
}

// BoxTargets lists, per candidate, the element whose box should be measured.
// Options are measured through their owning <select>.
func (a *Analysis) BoxTargets() []BoxTarget {
	out := make([]BoxTarget, len(a.Candidates))
	for i, c := range a.Candidates {
		locator := c.Locator
		if c.Role == schemas.RoleOption && c.Owner != "" {
			locator = c.Owner
		}
		out[i] = BoxTarget{Frame: c.Frame, Locator: locator}
	}
	return out
}

// Assemble attaches boxes, drops candidates that are not rendered and assigns
// the final screen indices. A nil boxes slice keeps every candidate unboxed.
func Assemble(a *Analysis, boxes []schemas.BoundingBox) []schemas.Candidate {
	out := make([]schemas.Candidate, 0, len(a.Candidates))
	for i, c := range a.Candidates {
		if boxes != nil {
			if i >= len(boxes) || !boxes[i].Visible() {
				continue
			}
			c.Box = boxes[i]
		}
		c.Index = len(out)
		out = append(out, c)
	}
	return out
}

// -- Analyzer --

const candidateXPath = `//a[@href] | //button | //input | //select |
	//*[@role='button' or @role='link' or @role='tab' or @role='menuitem' or @role='radio' or @role='checkbox' or @role='option'] |
	//*[` + answerClassPredicate + `]`

const answerClassPredicate = `contains(@class,'answer') or contains(@class,'choice') or contains(@class,'option')`

const maxLabelRunes = 120

// Analyzer turns DOM snapshots into candidates, completion markers and the
// in-course flag.
type Analyzer struct {
	cfg    config.CourseConfig
	logger *zap.Logger
}

// NewAnalyzer checks every configured XPath expression up front.
func NewAnalyzer(cfg config.CourseConfig, logger *zap.Logger) (*Analyzer, error) {
	empty, err := htmlquery.Parse(strings.NewReader("<html><body></body></html>"))
	if err != nil {
		return nil, err
	}
	for _, expr := range append(append([]string{}, cfg.Indicators...), cfg.CompletionXPaths...) {
		if _, err := htmlquery.QueryAll(empty, expr); err != nil {
			return nil, fmt.Errorf("invalid course xpath %q: %w", expr, err)
		}
	}
	phrases := make([]string, 0, len(cfg.CompletionPhrases))
	for _, p := range cfg.CompletionPhrases {
		phrases = append(phrases, collapse(p))
	}
	cfg.CompletionPhrases = phrases
	return &Analyzer{cfg: cfg, logger: logger.Named("dom")}, nil
}

// ContentFrame is the CSS selector handed to SnapshotScript.
func (a *Analyzer) ContentFrame() string { return a.cfg.ContentFrame }

// Analyze parses every document in snap. A document that fails to parse is
// skipped; the top document failing is an error.
func (a *Analyzer) Analyze(snap Snapshot) (*Analysis, error) {
	result := &Analysis{}
	seenMarker := make(map[string]bool)

	for _, d := range snap.Documents {
		doc, err := htmlquery.Parse(strings.NewReader(d.HTML))
		if err != nil {
			if d.Frame == "" {
				return nil, fmt.Errorf("could not parse page HTML: %w", err)
			}
			a.logger.Debug("Skipping unparsable frame document", zap.String("frame", d.Frame), zap.Error(err))
			continue
		}

		if d.Frame == "" {
			result.InCourse = a.anyMatch(doc, a.cfg.Indicators)
		} else {
			// A reachable content frame only exists inside the player.
			result.InCourse = true
		}

		for _, m := range a.markers(doc) {
			if !seenMarker[m] {
				seenMarker[m] = true
				result.Markers = append(result.Markers, m)
			}
		}
		result.Candidates = append(result.Candidates, a.harvest(doc, d.Frame)...)
	}
	return result, nil
}

func (a *Analyzer) anyMatch(doc *html.Node, exprs []string) bool {
	for _, expr := range exprs {
		nodes, err := htmlquery.QueryAll(doc, expr)
		if err == nil && len(nodes) > 0 {
			return true
		}
	}
	return false
}

// markers returns the completion phrases in the visible text followed by the
// structural completion XPaths that matched.
func (a *Analyzer) markers(doc *html.Node) []string {
	var found []string
	text := VisibleText(doc)
	for _, phrase := range a.cfg.CompletionPhrases {
		if phrase != "" && strings.Contains(text, phrase) {
			found = append(found, phrase)
		}
	}
	for _, expr := range a.cfg.CompletionXPaths {
		nodes, err := htmlquery.QueryAll(doc, expr)
		if err != nil {
			continue
		}
		for _, n := range nodes {
			if !hidden(n) {
				found = append(found, expr)
				break
			}
		}
	}
	return found
}

// -- Candidate Harvesting --

func (a *Analyzer) harvest(doc *html.Node, frame string) []schemas.Candidate {
	nodes, err := htmlquery.QueryAll(doc, candidateXPath)
	if err != nil {
		a.logger.Error("Candidate query failed", zap.Error(err))
		return nil
	}
	sortDocumentOrder(doc, nodes)

	var out []schemas.Candidate
	for _, n := range nodes {
		if hidden(n) || disabled(n) {
			continue
		}
		tag := strings.ToLower(n.Data)
		if tag == "select" {
			out = append(out, selectOptions(n, frame)...)
			continue
		}
		if tag == "option" || insideControl(n) {
			continue
		}

		role := roleFor(n)
		if role == "" {
			continue
		}
		label := labelFor(n, doc)
		if label == "" && !role.IsAnswer() {
			continue
		}

		locator := GenerateUniqueXPath(n)
		if locator == "" {
			a.logger.Warn("Could not generate unique XPath for element", zap.String("tag", tag), zap.String("label", label))
			continue
		}

		c := schemas.Candidate{
			Locator: locator,
			Frame:   frame,
			Tag:     tag,
			Role:    role,
			Label:   label,
			Value:   htmlquery.SelectAttr(n, "value"),
		}
		if role == schemas.RoleRadio || role == schemas.RoleCheckbox {
			c.Group = htmlquery.SelectAttr(n, "name")
		}
		out = append(out, c)
	}
	return out
}

// sortDocumentOrder puts union query results back in screen order.
func sortDocumentOrder(doc *html.Node, nodes []*html.Node) {
	order := make(map[*html.Node]int)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		order[n] = len(order)
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	sort.SliceStable(nodes, func(i, j int) bool { return order[nodes[i]] < order[nodes[j]] })
}

// roleFor classifies an element, or returns "" when it is not actionable.
func roleFor(n *html.Node) schemas.CandidateRole {
	tag := strings.ToLower(n.Data)
	switch tag {
	case "input":
		switch strings.ToLower(htmlquery.SelectAttr(n, "type")) {
		case "hidden":
			return ""
		case "radio":
			return schemas.RoleRadio
		case "checkbox":
			return schemas.RoleCheckbox
		case "submit", "button", "reset", "image":
			return schemas.RoleButton
		}
		if hasAttr(n, "readonly") {
			return ""
		}
		return schemas.RoleInput
	case "button":
		return schemas.RoleButton
	case "a":
		return schemas.RoleLink
	}

	switch strings.ToLower(htmlquery.SelectAttr(n, "role")) {
	case "button", "tab", "menuitem":
		return schemas.RoleButton
	case "link":
		return schemas.RoleLink
	case "radio":
		return schemas.RoleRadio
	case "checkbox":
		return schemas.RoleCheckbox
	case "option":
		return schemas.RoleAnswer
	}

	// Class-based answer containers: innermost only, and only when no real
	// control inside them would be harvested on its own.
	if htmlquery.FindOne(n, `.//*[`+answerClassPredicate+`] | .//input | .//button | .//a[@href] | .//select`) != nil {
		return ""
	}
	return schemas.RoleAnswer
}

// insideControl reports whether n sits inside a button or link that is
// itself harvested.
func insideControl(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		switch strings.ToLower(p.Data) {
		case "button":
			return true
		case "a":
			if hasAttr(p, "href") {
				return true
			}
		}
	}
	return false
}

func selectOptions(sel *html.Node, frame string) []schemas.Candidate {
	owner := GenerateUniqueXPath(sel)
	var out []schemas.Candidate
	for _, opt := range htmlquery.Find(sel, ".//option") {
		if disabled(opt) {
			continue
		}
		label := collapseCase(htmlquery.InnerText(opt))
		value := htmlquery.SelectAttr(opt, "value")
		if !hasAttr(opt, "value") {
			value = label
		}
		if value == "" {
			// Placeholder entries such as "-- Select --".
			continue
		}
		out = append(out, schemas.Candidate{
			Locator: GenerateUniqueXPath(opt),
			Frame:   frame,
			Tag:     "option",
			Role:    schemas.RoleOption,
			Label:   truncate(label),
			Value:   value,
			Owner:   owner,
			Group:   owner,
		})
	}
	return out
}

// labelFor finds the human-readable name of an element.
func labelFor(n *html.Node, doc *html.Node) string {
	if v := htmlquery.SelectAttr(n, "aria-label"); strings.TrimSpace(v) != "" {
		return truncate(collapseCase(v))
	}

	tag := strings.ToLower(n.Data)
	if tag == "input" {
		switch strings.ToLower(htmlquery.SelectAttr(n, "type")) {
		case "radio", "checkbox":
			if l := labelElementText(n, doc); l != "" {
				return truncate(l)
			}
		case "submit", "button", "reset":
			if v := htmlquery.SelectAttr(n, "value"); strings.TrimSpace(v) != "" {
				return truncate(collapseCase(v))
			}
		default:
			if v := htmlquery.SelectAttr(n, "placeholder"); strings.TrimSpace(v) != "" {
				return truncate(collapseCase(v))
			}
			if l := labelElementText(n, doc); l != "" {
				return truncate(l)
			}
		}
	} else if text := collapseCase(textOf(n)); text != "" {
		return truncate(text)
	}

	for _, attr := range []string{"title", "alt", "value"} {
		if v := htmlquery.SelectAttr(n, attr); strings.TrimSpace(v) != "" {
			return truncate(collapseCase(v))
		}
	}
	if img := htmlquery.FindOne(n, ".//img[@alt]"); img != nil {
		return truncate(collapseCase(htmlquery.SelectAttr(img, "alt")))
	}
	return ""
}

// labelElementText resolves <label for=id> first, then a wrapping <label>.
func labelElementText(n *html.Node, doc *html.Node) string {
	if id := htmlquery.SelectAttr(n, "id"); id != "" && !strings.Contains(id, "'") {
		if l := htmlquery.FindOne(doc, fmt.Sprintf(`//label[@for='%s']`, id)); l != nil {
			if text := collapseCase(textOf(l)); text != "" {
				return text
			}
		}
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && strings.EqualFold(p.Data, "label") {
			return collapseCase(textOf(p))
		}
	}
	if sib := nextElementSibling(n); sib != nil && strings.EqualFold(sib.Data, "label") {
		return collapseCase(textOf(sib))
	}
	return ""
}

func nextElementSibling(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}

// -- Visibility & Text --

var skippedTextTags = map[string]bool{"script": true, "style": true, "noscript": true, "template": true, "head": true}

// VisibleText returns the lower-cased, whitespace-collapsed text of doc,
// leaving out scripts, styles and subtrees hidden through attributes.
func VisibleText(doc *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
			return
		case html.ElementNode:
			if skippedTextTags[strings.ToLower(n.Data)] || hiddenSelf(n) {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return collapse(sb.String())
}

// textOf is like htmlquery.InnerText but skips hidden descendants.
func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
			return
		}
		if n.Type == html.ElementNode && (skippedTextTags[strings.ToLower(n.Data)] || hiddenSelf(n)) {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func hidden(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && (hiddenSelf(p) || strings.EqualFold(p.Data, "template")) {
			return true
		}
	}
	return false
}

func hiddenSelf(n *html.Node) bool {
	if hasAttr(n, "hidden") || htmlquery.SelectAttr(n, "aria-hidden") == "true" {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(htmlquery.SelectAttr(n, "style")), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

func disabled(n *html.Node) bool {
	if hasAttr(n, "disabled") || htmlquery.SelectAttr(n, "aria-disabled") == "true" {
		return true
	}
	if n.Parent != nil && n.Parent.Type == html.ElementNode && strings.EqualFold(n.Parent.Data, "optgroup") {
		return hasAttr(n.Parent, "disabled")
	}
	return false
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.ToLower(collapseCase(s))
}

// collapseCase collapses whitespace but keeps case, for labels.
func collapseCase(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxLabelRunes {
		return s
	}
	return string(r[:maxLabelRunes]) + "..."
}
