package stealth

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coursepilot/internal/config"
)

// EvasionsJS runs before any page script. Some course players refuse to
// start when they detect an automated browser.
var EvasionsJS = `(() => {
  try {
    Object.defineProperty(Navigator.prototype, "webdriver", { get: () => undefined, configurable: true });
  } catch (e) {}
})();`

// Persona defines the browser characteristics to emulate. Empty fields keep
// the browser's own value.
type Persona struct {
	UserAgent string
	Languages []string
	Timezone  string
	Locale    string
}

// PersonaFrom builds a persona from the browser configuration.
func PersonaFrom(cfg config.BrowserConfig) Persona {
	p := Persona{UserAgent: cfg.UserAgent, Timezone: cfg.Timezone, Locale: cfg.Locale}
	if cfg.Locale != "" {
		p.Languages = []string{cfg.Locale}
		if base, _, ok := strings.Cut(cfg.Locale, "-"); ok && base != "" {
			p.Languages = append(p.Languages, base)
		}
	}
	return p
}

// AcceptLanguage renders Languages as an Accept-Language header value.
func (p Persona) AcceptLanguage() string {
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s;q=0.%d", lang, max(9-i+1, 1)))
	}
	return strings.Join(parts, ",")
}

// Apply constructs the DevTools actions that present the persona.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Applying browser persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("locale", p.Locale),
		zap.String("timezone", p.Timezone),
	)

	tasks := chromedp.Tasks{
		// AddScriptToEvaluateOnNewDocument returns an identifier as well, so it
		// needs an ActionFunc wrapper.
		chromedp.ActionFunc(func(ctx context.Context) error {
			if EvasionsJS == "" {
				return nil
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(EvasionsJS).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}

	accept := p.AcceptLanguage()
	if p.UserAgent != "" {
		override := emulation.SetUserAgentOverride(p.UserAgent)
		if accept != "" {
			override = override.WithAcceptLanguage(accept)
		}
		tasks = append(tasks, override)
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if accept != "" {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": accept}))
	}
	return tasks
}
