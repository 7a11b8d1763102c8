// internal/agent/executor.go
package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/config"
)

// actionHandler performs one kind of action against the browser.
type actionHandler func(ctx context.Context, action schemas.Action, obs *schemas.ScreenObservation, result *ExecutionResult) error

// Executor performs validated actions against the browser session.
type Executor struct {
	session  schemas.BrowserSession
	cfg      config.ExecutorConfig
	logger   *zap.Logger
	handlers map[schemas.ActionKind]actionHandler
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor bound to one browser session.
func NewExecutor(session schemas.BrowserSession, cfg config.ExecutorConfig, logger *zap.Logger) *Executor {
	e := &Executor{
		session:  session,
		cfg:      cfg,
		logger:   logger.Named("executor"),
		handlers: make(map[schemas.ActionKind]actionHandler),
		sleep:    sleepCtx,
	}
	e.registerHandlers()
	return e
}

func (e *Executor) registerHandlers() {
	e.handlers[schemas.ActionStart] = e.handleNavigation
	e.handlers[schemas.ActionNextPage] = e.handleNavigation
	e.handlers[schemas.ActionNextLesson] = e.handleNavigation
	e.handlers[schemas.ActionSubmitTest] = e.handleNavigation
	e.handlers[schemas.ActionSelectAnswer] = e.handleSelectAnswer
}

// Execute runs action against the screen described by obs. Failures and
// panics are reported through the result.
func (e *Executor) Execute(ctx context.Context, action schemas.Action, obs *schemas.ScreenObservation) (result *ExecutionResult) {
	start := time.Now()
	result = &ExecutionResult{Status: StatusSuccess, Action: action}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered from panic during action execution",
				zap.String("action", string(action.Kind)),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			result.Status = StatusFailed
			result.Err = fmt.Errorf("panic while executing %s: %v", action.Kind, r)
			result.ErrorCode = ErrCodeExecutorPanic
			result.ErrorDetails = map[string]interface{}{"panic": fmt.Sprint(r), "action": string(action.Kind)}
		}
		result.Duration = time.Since(start)
	}()

	switch action.Kind {
	case schemas.ActionUnknown:
		result.Status = StatusNoop
		return result
	case schemas.ActionWait:
		// A pause has nothing half-done to protect, so it follows run cancellation.
		if err := e.sleep(ctx, e.cfg.WaitDuration); err != nil {
			e.fail(result, err)
		}
		return result
	}

	handler, ok := e.handlers[action.Kind]
	if !ok {
		result.Status = StatusFailed
		result.Err = fmt.Errorf("no handler registered for action kind: %s", action.Kind)
		result.ErrorCode = ErrCodeUnknownAction
		return result
	}

	// Clicks complete even if the run is being stopped.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ActionTimeout)
	defer cancel()

	if err := handler(actx, action, obs, result); err != nil {
		e.fail(result, err)
		return result
	}
	if result.Status == StatusSkipped {
		return result
	}

	if err := e.session.Settle(actx, e.cfg.SettleDelay); err != nil {
		if fatalKindOf(err) == schemas.FatalBrowserLost {
			e.fail(result, err)
			return result
		}
		e.logger.Debug("Page did not settle after action", zap.Error(err))
	}
	return result
}

func (e *Executor) fail(result *ExecutionResult, err error) {
	result.Status = StatusFailed
	result.Err = err
	result.ErrorCode, result.ErrorDetails = ParseBrowserError(err, result.Action)
	e.logger.Warn("Action execution failed",
		zap.String("action", string(result.Action.Kind)),
		zap.String("error_code", string(result.ErrorCode)),
		zap.Error(err),
	)
}

// -- Action Handlers --

func (e *Executor) handleNavigation(ctx context.Context, action schemas.Action, obs *schemas.ScreenObservation, result *ExecutionResult) error {
	inCourse := obs != nil && obs.InCourse
	target := action.Target

	if target == nil && obs != nil && action.Sweep {
		target = sweepTarget(obs.Candidates, inCourse)
	}
	if target == nil && obs != nil && !action.Sweep {
		target = keywordTarget(action.Kind, obs.Candidates, inCourse)
		if target == nil && action.Kind == schemas.ActionStart && inCourse && keywordTarget(action.Kind, obs.Candidates, false) != nil {
			// Only Launch or Resume is on screen and the player is already open.
			result.Status = StatusSkipped
			return nil
		}
	}
	if target == nil {
		return fmt.Errorf("%w for %s (hint %q)", ErrElementNotFound, action.Kind, action.Element)
	}
	if isForbidden(*target) {
		return fmt.Errorf("%w: refusing to click %q", ErrElementNotFound, target.Label)
	}
	if action.Kind == schemas.ActionStart && inCourse && isLaunch(*target) {
		e.logger.Info("Skipping launch control, course player already open", zap.String("label", target.Label))
		result.Status = StatusSkipped
		return nil
	}

	if err := e.click(ctx, *target); err != nil {
		return err
	}
	clicked := *target
	result.Clicked = &clicked
	return nil
}

func (e *Executor) handleSelectAnswer(ctx context.Context, action schemas.Action, obs *schemas.ScreenObservation, result *ExecutionResult) error {
	target := action.Target
	if target == nil {
		answers := obs.Answers()
		if action.ChoiceIndex < 0 || action.ChoiceIndex >= len(answers) {
			return fmt.Errorf("%w: answer %d of %d", ErrElementNotFound, action.ChoiceIndex, len(answers))
		}
		target = &answers[action.ChoiceIndex]
	}

	var err error
	if target.Role == schemas.RoleOption {
		err = e.session.SelectOption(ctx, target.Frame, target.Owner, target.Value)
	} else {
		err = e.click(ctx, *target)
	}
	if err != nil {
		return err
	}
	clicked := *target
	result.Clicked = &clicked

	if !e.cfg.SubmitAfterAnswer || obs == nil {
		return nil
	}
	submit := keywordTarget(schemas.ActionSubmitTest, obs.Candidates, false)
	if submit == nil {
		return nil
	}
	if err := e.session.Settle(ctx, 0); err != nil && fatalKindOf(err) == schemas.FatalBrowserLost {
		return err
	}
	if err := e.click(ctx, *submit); err != nil {
		if fatalKindOf(err) == schemas.FatalBrowserLost {
			return err
		}
		e.logger.Warn("Answer selected but submit click failed", zap.String("label", submit.Label), zap.Error(err))
		return nil
	}
	result.Submitted = true
	return nil
}

// click tries the locator first and falls back to the centre of the box.
func (e *Executor) click(ctx context.Context, c schemas.Candidate) error {
	err := e.session.Click(ctx, c)
	if err == nil {
		return nil
	}
	if fatalKindOf(err) != "" || !c.Box.Visible() || ctx.Err() != nil {
		return err
	}

	x, y := c.Box.Center()
	e.logger.Debug("Locator click failed, falling back to coordinates",
		zap.String("locator", c.Locator), zap.Float64("x", x), zap.Float64("y", y), zap.Error(err))
	if fallbackErr := e.session.ClickAt(ctx, x, y); fallbackErr != nil {
		return fmt.Errorf("locator click failed (%v) and coordinate click failed: %w", err, fallbackErr)
	}
	return nil
}

// sleepCtx pauses for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
