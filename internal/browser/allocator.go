// internal/browser/allocator.go
package browser

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/coursepilot/internal/config"
)

// AllocatorOptions translates the browser config into chromedp allocator options.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	flags := allocatorFlags(cfg)
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	opts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+len(keys))
	opts = append(opts, chromedp.DefaultExecAllocatorOptions[:]...)
	for _, k := range keys {
		opts = append(opts, chromedp.Flag(k, flags[k]))
	}
	return opts
}

// allocatorFlags is applied on top of chromedp's defaults. A false value
// removes a default switch.
func allocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"no-sandbox":            true,
		"disable-dev-shm-usage": true,
		// Course players often open in popups.
		"disable-popup-blocking": true,
		"headless":               cfg.Headless,
	}
	if !cfg.Headless {
		flags["hide-scrollbars"] = false
		flags["mute-audio"] = false
	}
	if cfg.DisableGPU {
		flags["disable-gpu"] = true
	}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", cfg.Viewport.Width, cfg.Viewport.Height)
	}

	for _, arg := range cfg.Args {
		// chromedp adds the leading dashes itself.
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		if key, value, ok := strings.Cut(arg, "="); ok {
			flags[key] = value
		} else {
			flags[arg] = true
		}
	}
	return flags
}
