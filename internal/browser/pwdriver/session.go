// Package pwdriver drives Chromium through Playwright. It is the fallback for
// hosts where a bare Chrome binary is not available but Playwright can fetch one.
package pwdriver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/browser/dom"
	"github.com/xkilldash9x/coursepilot/internal/browser/stealth"
	"github.com/xkilldash9x/coursepilot/internal/config"
)

const installTimeout = 5 * time.Minute

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// defaultArgs keep Chromium stable inside containers.
var defaultArgs = []string{
	"--disable-gpu",
	"--no-sandbox",
	"--disable-dev-shm-usage",
	"--disable-popup-blocking",
}

// Session drives a single Playwright page.
type Session struct {
	id       string
	cfg      config.BrowserConfig
	analyzer *dom.Analyzer
	logger   *zap.Logger

	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page

	mu       sync.Mutex
	isClosed bool
}

var _ schemas.BrowserSession = (*Session)(nil)

// NewSession starts the Playwright driver, launches Chromium and opens a page.
func NewSession(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Session, error) {
	analyzer, err := dom.NewAnalyzer(cfg.Course(), logger)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	s := &Session{
		id:       id,
		cfg:      cfg.Browser(),
		analyzer: analyzer,
		logger:   logger.Named("browser").With(zap.String("session_id", id), zap.String("driver", string(config.DriverPlaywright))),
	}

	if s.cfg.InstallBrowsers {
		if err := s.ensureInstallation(ctx); err != nil {
			return nil, err
		}
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright driver: %w", err)
	}
	s.pw = pw

	browser, err := pw.Chromium.Launch(LaunchOptions(s.cfg))
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser instance: %w", err)
	}
	s.browser = browser

	bctx, err := browser.NewContext(ContextOptions(s.cfg))
	if err != nil {
		_ = s.teardown()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	s.context = bctx

	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(stealth.EvasionsJS)}); err != nil {
		_ = s.teardown()
		return nil, fmt.Errorf("failed to install init script: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = s.teardown()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	s.page = page

	// Players sometimes confirm before leaving a page.
	page.OnDialog(func(dialog playwright.Dialog) {
		_ = dialog.Accept()
	})

	s.logger.Debug("Browser session started.", zap.String("browser_version", browser.Version()))
	return s, nil
}

// LaunchOptions merges the stability defaults with the configured arguments.
func LaunchOptions(cfg config.BrowserConfig) playwright.BrowserTypeLaunchOptions {
	args := make([]string, 0, len(defaultArgs)+len(cfg.Args))
	args = append(args, defaultArgs...)
	for _, arg := range cfg.Args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		if !strings.HasPrefix(arg, "--") {
			arg = "--" + strings.TrimLeft(arg, "-")
		}
		args = append(args, arg)
	}
	return playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
		Args:     args,
		Timeout:  playwright.Float(60000),
	}
}

// ContextOptions maps the viewport and persona settings onto a browser context.
func ContextOptions(cfg config.BrowserConfig) playwright.BrowserNewContextOptions {
	opts := playwright.BrowserNewContextOptions{
		Viewport:          &playwright.Size{Width: cfg.Viewport.Width, Height: cfg.Viewport.Height},
		JavaScriptEnabled: playwright.Bool(true),
	}
	persona := stealth.PersonaFrom(cfg)
	if persona.UserAgent != "" {
		opts.UserAgent = playwright.String(persona.UserAgent)
	}
	if persona.Locale != "" {
		opts.Locale = playwright.String(persona.Locale)
	}
	if persona.Timezone != "" {
		opts.TimezoneId = playwright.String(persona.Timezone)
	}
	return opts
}

func (s *Session) ensureInstallation(ctx context.Context) error {
	s.logger.Info("Verifying Playwright browser installation...")
	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
			errCh <- fmt.Errorf("failed to install playwright browsers: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-installCtx.Done():
		return fmt.Errorf("timeout waiting for Playwright installation: %w", installCtx.Err())
	}
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating.", zap.String("url", url))
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(timeoutMillis(ctx, s.cfg.NavigationTimeout)),
	})
	if err != nil {
		return s.wrap(fmt.Errorf("navigation to %s failed: %w", url, err))
	}
	return s.stabilize(ctx)
}

// Capture takes the screenshot, then the DOM snapshot. Playwright serializes
// calls on one page, so there is nothing to gain from running them together.
func (s *Session) Capture(ctx context.Context) (*schemas.ScreenObservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	image, err := s.page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypePng,
		Timeout: playwright.Float(timeoutMillis(ctx, s.cfg.NavigationTimeout)),
	})
	if err != nil {
		return nil, s.wrap(fmt.Errorf("failed to capture screenshot: %w", err))
	}

	obs, err := s.analyzer.Observe(ctx, s.evaluate)
	if err != nil {
		return nil, s.wrap(err)
	}
	obs.Image = image
	if obs.URL == "" {
		obs.URL = s.page.URL()
	}
	return obs, nil
}

func (s *Session) Click(ctx context.Context, target schemas.Candidate) error {
	var result string
	if err := s.evaluate(ctx, dom.ClickScript(target.Frame, target.Locator), &result); err != nil {
		return s.wrap(fmt.Errorf("click on %s failed: %w", target.Locator, err))
	}
	return dom.ScriptError(result, target.Frame, target.Locator)
}

func (s *Session) ClickAt(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.page.Mouse().Click(x, y); err != nil {
		return s.wrap(fmt.Errorf("click at (%.0f, %.0f) failed: %w", x, y, err))
	}
	return nil
}

func (s *Session) SelectOption(ctx context.Context, frame, locator, value string) error {
	var result string
	if err := s.evaluate(ctx, dom.SelectScript(frame, locator, value), &result); err != nil {
		return s.wrap(fmt.Errorf("select on %s failed: %w", locator, err))
	}
	return dom.ScriptError(result, frame, locator)
}

// Settle waits for the load state, then pauses for d.
func (s *Session) Settle(ctx context.Context, d time.Duration) error {
	if err := s.stabilize(ctx); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) CurrentURL() string {
	if s.page == nil || s.page.IsClosed() {
		return ""
	}
	return s.page.URL()
}

// Close shuts down the page, the browser and the driver. It is safe to call
// more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	done := make(chan error, 1)
	go func() { done <- s.teardown() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) teardown() error {
	var errs []error
	if s.context != nil {
		errs = append(errs, ignoreClosed(s.context.Close()))
	}
	if s.browser != nil {
		errs = append(errs, ignoreClosed(s.browser.Close()))
	}
	if s.pw != nil {
		errs = append(errs, s.pw.Stop())
	}
	return errors.Join(errs...)
}

func (s *Session) stabilize(ctx context.Context) error {
	err := s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateLoad,
		Timeout: playwright.Float(timeoutMillis(ctx, s.cfg.IdleTimeout)),
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.lost(err) {
			return s.wrap(err)
		}
		s.logger.Debug("Load state wait failed during stabilization.", zap.Error(err))
	}
	return nil
}

// evaluate runs script and round-trips the result through JSON into out.
func (s *Session) evaluate(ctx context.Context, script string, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := s.page.Evaluate(script)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode script result: %w", err)
	}
	return json.Unmarshal(encoded, out)
}

func (s *Session) lost(err error) bool {
	if s.page != nil && s.page.IsClosed() {
		return true
	}
	return isClosedError(err)
}

func (s *Session) wrap(err error) error {
	if err == nil || !s.lost(err) {
		return err
	}
	return &schemas.SessionLostError{Err: err}
}

func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "target closed") ||
		strings.Contains(msg, "has been closed") ||
		strings.Contains(msg, "browser has disconnected")
}

func ignoreClosed(err error) error {
	if err == nil || strings.Contains(strings.ToLower(err.Error()), "closed") {
		return nil
	}
	return err
}

// timeoutMillis converts the time left on ctx, capped at limit, into the
// millisecond timeout Playwright expects. Zero means no timeout.
func timeoutMillis(ctx context.Context, limit time.Duration) float64 {
	d := limit
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); d <= 0 || left < d {
			// An expired deadline still has to time out, not wait forever.
			d = max(left, time.Millisecond)
		}
	}
	if d <= 0 {
		return 0
	}
	return float64(max(d.Milliseconds(), 1))
}
