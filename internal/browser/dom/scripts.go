// internal/browser/dom/scripts.go
package dom

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ArgsPlaceholder is replaced with the JSON-encoded arguments of a script.
const ArgsPlaceholder = "/*{{ARGS}}*/"

// Result values returned by ClickScript and SelectScript.
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultNoOption = "no_option"
)

// BoxTarget names one element to measure.
type BoxTarget struct {
	Frame   string `json:"frame"`
	Locator string `json:"locator"`
}

// prelude resolves a frame selector and an XPath inside it. The first
// content frame whose document is reachable wins, matching SnapshotScript.
const prelude = `
const __frame = (sel) => {
  if (!sel) return { doc: document, el: null };
  for (const f of document.querySelectorAll(sel)) {
    try {
      if (f.contentDocument && f.contentDocument.documentElement) return { doc: f.contentDocument, el: f };
    } catch (e) { /* cross-origin */ }
  }
  return null;
};
const __find = (sel, xp) => {
  const fr = __frame(sel);
  if (!fr) return null;
  const r = fr.doc.evaluate(xp, fr.doc, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null);
  return r.singleNodeValue ? { node: r.singleNodeValue, frame: fr.el } : null;
};
`

const snapshotTemplate = `(() => {` + prelude + `
  const args = /*{{ARGS}}*/;
  const docs = [{ frame: "", html: document.documentElement ? document.documentElement.outerHTML : "" }];
  if (args.frame) {
    const fr = __frame(args.frame);
    if (fr && fr.el) docs.push({ frame: args.frame, html: fr.doc.documentElement.outerHTML });
  }
  return { url: location.href, documents: docs };
})()`

const boxesTemplate = `(() => {` + prelude + `
  const zero = { x: 0, y: 0, width: 0, height: 0 };
  return (/*{{ARGS}}*/).map((t) => {
    const f = __find(t.frame, t.locator);
    if (!f || !f.node.getBoundingClientRect) return zero;
    const el = f.node;
    const view = el.ownerDocument.defaultView;
    const st = view ? view.getComputedStyle(el) : null;
    if (st && (st.display === "none" || st.visibility === "hidden")) return zero;
    const r = el.getBoundingClientRect();
    let ox = 0, oy = 0;
    if (f.frame) {
      const fr = f.frame.getBoundingClientRect();
      ox = fr.left + f.frame.clientLeft;
      oy = fr.top + f.frame.clientTop;
    }
    return { x: r.left + ox, y: r.top + oy, width: r.width, height: r.height };
  });
})()`

const clickTemplate = `(() => {` + prelude + `
  const args = /*{{ARGS}}*/;
  const f = __find(args.frame, args.locator);
  if (!f) return "not_found";
  if (f.node.scrollIntoView) f.node.scrollIntoView({ block: "center", inline: "center" });
  f.node.click();
  return "ok";
})()`

const selectTemplate = `(() => {` + prelude + `
  const args = /*{{ARGS}}*/;
  const f = __find(args.frame, args.locator);
  if (!f || f.node.tagName !== "SELECT") return "not_found";
  const sel = f.node;
  if (!Array.from(sel.options).some((o) => o.value === args.value && !o.disabled)) return "no_option";
  sel.value = args.value;
  sel.dispatchEvent(new Event("input", { bubbles: true }));
  sel.dispatchEvent(new Event("change", { bubbles: true }));
  return "ok";
})()`

// buildScript injects args into template as a JSON literal.
func buildScript(template string, args interface{}) (string, error) {
	if !strings.Contains(template, ArgsPlaceholder) {
		return "", fmt.Errorf("template does not contain the required placeholder: %s", ArgsPlaceholder)
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("could not encode script arguments: %w", err)
	}
	return strings.Replace(template, ArgsPlaceholder, string(encoded), 1), nil
}

func mustBuild(template string, args interface{}) string {
	script, err := buildScript(template, args)
	if err != nil {
		// Arguments are plain strings and structs of strings.
		panic(err)
	}
	return script
}

// SnapshotScript returns the top document HTML, plus the HTML of the first
// reachable iframe matching contentFrame when one is set.
func SnapshotScript(contentFrame string) string {
	return mustBuild(snapshotTemplate, map[string]string{"frame": contentFrame})
}

// BoxesScript measures each target in viewport coordinates. Missing or
// hidden elements measure as an empty box.
func BoxesScript(targets []BoxTarget) string {
	if targets == nil {
		targets = []BoxTarget{}
	}
	return mustBuild(boxesTemplate, targets)
}

// ClickScript scrolls the element into view and clicks it.
func ClickScript(frame, locator string) string {
	return mustBuild(clickTemplate, BoxTarget{Frame: frame, Locator: locator})
}

// SelectScript sets the value of a <select> and fires input and change.
func SelectScript(frame, locator, value string) string {
	return mustBuild(selectTemplate, map[string]string{"frame": frame, "locator": locator, "value": value})
}

// ScriptError maps a non-ok script result onto an error.
func ScriptError(result, frame, locator string) error {
	switch result {
	case ResultOK:
		return nil
	case ResultNotFound:
		return fmt.Errorf("no element found for locator %s (frame %q)", locator, frame)
	case ResultNoOption:
		return fmt.Errorf("no element found for option value in %s", locator)
	default:
		return fmt.Errorf("unexpected script result %q for %s", result, locator)
	}
}
