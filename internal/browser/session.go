// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/browser/dom"
	"github.com/xkilldash9x/coursepilot/internal/browser/stealth"
	"github.com/xkilldash9x/coursepilot/internal/config"
)

// Session drives a single Chrome tab over the DevTools protocol.
type Session struct {
	id          string
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	cfg         config.BrowserConfig
	analyzer    *dom.Analyzer
	logger      *zap.Logger

	mu       sync.Mutex
	url      string
	isClosed bool
}

var _ schemas.BrowserSession = (*Session)(nil)

// NewSession launches Chrome and opens one tab. The browser outlives ctx so
// an action in flight can finish after a stop request; Close tears it down.
func NewSession(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Session, error) {
	analyzer, err := dom.NewAnalyzer(cfg.Course(), logger)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	sessionLogger := logger.Named("browser").With(zap.String("session_id", id), zap.String("driver", string(config.DriverChromedp)))
	browserCfg := cfg.Browser()

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), AllocatorOptions(browserCfg)...)
	sugar := sessionLogger.Sugar()
	tabCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)

	s := &Session{
		id:          id,
		ctx:         tabCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		cfg:         browserCfg,
		analyzer:    analyzer,
		logger:      sessionLogger,
	}

	s.acceptDialogs()
	setup := chromedp.Tasks{chromedp.EmulateViewport(int64(browserCfg.Viewport.Width), int64(browserCfg.Viewport.Height))}
	setup = append(setup, stealth.Apply(stealth.PersonaFrom(browserCfg), sessionLogger)...)
	if err := s.start(ctx, setup); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	sessionLogger.Debug("Browser session started.")
	return s, nil
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

func (s *Session) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancel()

	s.logger.Debug("Navigating.", zap.String("url", url))
	if err := s.runActions(navCtx, chromedp.Navigate(url)); err != nil {
		return s.wrap(fmt.Errorf("navigation to %s failed: %w", url, err))
	}
	s.setURL(url)
	return s.stabilize(ctx)
}

// Capture takes the screenshot and the DOM snapshot concurrently.
func (s *Session) Capture(ctx context.Context) (*schemas.ScreenObservation, error) {
	var (
		image []byte
		obs   *schemas.ScreenObservation
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.runActions(gctx, chromedp.CaptureScreenshot(&image)); err != nil {
			return fmt.Errorf("failed to capture screenshot: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		obs, err = s.analyzer.Observe(gctx, s.evaluate)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, s.wrap(err)
	}

	obs.Image = image
	if obs.URL != "" {
		s.setURL(obs.URL)
	}
	return obs, nil
}

func (s *Session) Click(ctx context.Context, target schemas.Candidate) error {
	var result string
	if err := s.runActions(ctx, chromedp.Evaluate(dom.ClickScript(target.Frame, target.Locator), &result)); err != nil {
		return s.wrap(fmt.Errorf("click on %s failed: %w", target.Locator, err))
	}
	return dom.ScriptError(result, target.Frame, target.Locator)
}

func (s *Session) ClickAt(ctx context.Context, x, y float64) error {
	if err := s.runActions(ctx, chromedp.MouseClickXY(x, y)); err != nil {
		return s.wrap(fmt.Errorf("click at (%.0f, %.0f) failed: %w", x, y, err))
	}
	return nil
}

func (s *Session) SelectOption(ctx context.Context, frame, locator, value string) error {
	var result string
	if err := s.runActions(ctx, chromedp.Evaluate(dom.SelectScript(frame, locator, value), &result)); err != nil {
		return s.wrap(fmt.Errorf("select on %s failed: %w", locator, err))
	}
	return dom.ScriptError(result, frame, locator)
}

// Settle waits for the document to be ready, then pauses for d.
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
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Close shuts down the tab and the browser process. It is safe to call more
// than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	// Cancel waits for the browser to exit; bound it by ctx.
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.cancel()
	s.allocCancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

// stabilize waits for the body to be ready. A timeout is not an error; slow
// players are captured as they are.
func (s *Session) stabilize(ctx context.Context) error {
	stabCtx, cancel := context.WithTimeout(ctx, s.cfg.IdleTimeout)
	defer cancel()

	if err := s.runActions(stabCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.lost(err) {
			return s.wrap(err)
		}
		s.logger.Debug("WaitReady failed during stabilization.", zap.Error(err))
	}
	return nil
}

// acceptDialogs confirms alert, confirm and beforeunload dialogs so a player
// prompt cannot stall the page.
func (s *Session) acceptDialogs() {
	chromedp.ListenTarget(s.ctx, func(ev interface{}) {
		opening, ok := ev.(*page.EventJavascriptDialogOpening)
		if !ok {
			return
		}
		s.logger.Debug("Accepting page dialog.", zap.String("type", string(opening.Type)), zap.String("message", opening.Message))
		// Listeners must not block; handle the dialog on its own goroutine.
		go func() {
			if err := chromedp.Run(s.ctx, page.HandleJavaScriptDialog(true)); err != nil && s.ctx.Err() == nil {
				s.logger.Debug("Failed to accept dialog.", zap.Error(err))
			}
		}()
	})
}

func (s *Session) evaluate(ctx context.Context, script string, out interface{}) error {
	return s.runActions(ctx, chromedp.Evaluate(script, out))
}

// runActions executes on the tab context, bounded by the caller's context.
// startTab performs the first Run on a tab.
var startTab = chromedp.Run

// start runs the first actions, which launch Chrome and attach to the tab.
// The browser process lives only as long as the context of that first Run, so
// it runs on the tab context itself; ctx and the navigation timeout are
// enforced by tearing the tab down instead.
func (s *Session) start(ctx context.Context, actions chromedp.Tasks) error {
	done := make(chan error, 1)
	go func() { done <- startTab(s.ctx, actions) }()

	var deadline <-chan time.Time
	if s.cfg.NavigationTimeout > 0 {
		timer := time.NewTimer(s.cfg.NavigationTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	case <-deadline:
		s.cancel()
		<-done
		return fmt.Errorf("browser did not start within %s", s.cfg.NavigationTimeout)
	}
}

func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	return chromedp.Run(runCtx, actions...)
}

func (s *Session) setURL(url string) {
	s.mu.Lock()
	s.url = url
	s.mu.Unlock()
}

// lost reports whether err means the tab or browser is gone.
func (s *Session) lost(err error) bool {
	if s.ctx.Err() != nil {
		return true
	}
	if errors.Is(err, chromedp.ErrChannelClosed) || errors.Is(err, chromedp.ErrInvalidContext) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "target closed") || strings.Contains(msg, "websocket: close")
}

func (s *Session) wrap(err error) error {
	if err == nil || !s.lost(err) {
		return err
	}
	var lost *schemas.SessionLostError
	if errors.As(err, &lost) {
		return err
	}
	return &schemas.SessionLostError{Err: err}
}
