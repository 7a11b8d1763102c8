// internal/agent/controller.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/config"
)

// Controller owns the perception-action loop for one course run. It is the
// only component holding mutable run state.
type Controller struct {
	browser  schemas.BrowserSession
	provider schemas.CognitionProvider
	parser   *Parser
	executor *Executor
	sink     ArtifactSink
	loop     config.LoopConfig
	exec     config.ExecutorConfig
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewController wires the loop. sink may be nil.
func NewController(cfg config.Interface, browser schemas.BrowserSession, provider schemas.CognitionProvider, sink ArtifactSink, logger *zap.Logger) *Controller {
	if sink == nil {
		sink = MultiSink(nil)
	}
	return &Controller{
		browser:  browser,
		provider: provider,
		parser:   NewParser(logger),
		executor: NewExecutor(browser, cfg.Executor(), logger),
		sink:     sink,
		loop:     cfg.Loop(),
		exec:     cfg.Executor(),
		logger:   logger.Named("controller"),
		sleep:    sleepCtx,
	}
}

// Run drives the course at courseURL until a terminal outcome. It always
// returns a definite outcome; errors are carried inside it.
func (c *Controller) Run(ctx context.Context, courseURL string) schemas.RunOutcome {
	session := NewSession(courseURL, c.provider.Name(), c.loop.HistoryWindow)
	logger := c.logger.With(zap.String("session_id", session.ID))

	// Every exit path goes through finish, so the sink sees Begin first.
	if err := c.sink.Begin(ctx, session); err != nil {
		logger.Warn("Artifact sink failed to begin", zap.Error(err))
	}

	if err := validateCourseURL(courseURL); err != nil {
		return c.finish(ctx, session, fatalOutcome(schemas.FatalInvalidInput, err, 0))
	}
	if c.loop.MaxIterations <= 0 {
		return c.finish(ctx, session, fatalOutcome(schemas.FatalInvalidInput, errors.New("max_iterations must be greater than 0"), 0))
	}

	runCtx := ctx
	if c.loop.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.loop.RunTimeout)
		defer cancel()
	}

	session.State = StateRunning
	logger.Info("Starting course run", zap.String("url", courseURL), zap.String("provider", session.Provider), zap.Int("max_iterations", c.loop.MaxIterations))

	if err := c.browser.Navigate(runCtx, courseURL); err != nil {
		if runCtx.Err() != nil {
			return c.finish(ctx, session, cancelledOutcome(runCtx, 0))
		}
		kind := fatalKindOf(err)
		if kind == "" {
			kind = schemas.FatalNavigation
		}
		return c.finish(ctx, session, fatalOutcome(kind, fmt.Errorf("initial navigation failed: %w", err), 0))
	}
	if err := c.browser.Settle(runCtx, c.exec.SettleDelay); err != nil {
		logger.Debug("Initial page did not settle", zap.Error(err))
	}

	for {
		if runCtx.Err() != nil {
			return c.finish(ctx, session, cancelledOutcome(runCtx, session.Iteration))
		}
		if session.Iteration >= c.loop.MaxIterations {
			return c.finish(ctx, session, schemas.RunOutcome{
				Kind:       schemas.OutcomeExhausted,
				Reason:     "max_iterations",
				Iterations: session.Iteration,
			})
		}

		session.Iteration++
		outcome, failed := c.iterate(runCtx, session, logger.With(zap.Int("iteration", session.Iteration)))
		if outcome != nil {
			return c.finish(ctx, session, *outcome)
		}

		if failed {
			if session.ConsecutiveFailures >= c.loop.MaxConsecutiveFailures {
				return c.finish(ctx, session, fatalOutcome(schemas.FatalRepeatedFailures,
					fmt.Errorf("%d consecutive failed iterations", session.ConsecutiveFailures), session.Iteration))
			}
			_ = c.sleep(runCtx, c.loop.FailureBackoff)
		}
		_ = c.sleep(runCtx, c.loop.IterationDelay)
	}
}

// iterate runs one Capture, Decide, Parse, Execute cycle. It returns a
// terminal outcome when the run must end, and whether the iteration failed.
func (c *Controller) iterate(ctx context.Context, s *Session, logger *zap.Logger) (outcome *schemas.RunOutcome, failed bool) {
	rec := IterationRecord{SessionID: s.ID, Iteration: s.Iteration, Timestamp: time.Now().UTC(), Provider: s.Provider}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic in iteration", zap.Any("panic", r))
			rec.Error = fmt.Sprintf("panic: %v", r)
			outcome, failed = nil, true
			s.ConsecutiveFailures++
		}
		if err := c.sink.Record(context.WithoutCancel(ctx), rec); err != nil {
			logger.Warn("Artifact sink failed to record iteration", zap.Error(err))
		}
	}()

	// -- Capture --
	obs, err := c.browser.Capture(ctx)
	if err != nil {
		rec.Error = "capture: " + err.Error()
		return c.handleError(ctx, s, logger, "Screen capture failed", err)
	}
	rec.Image = obs.Image
	rec.URL = obs.URL
	rec.Fingerprint = obs.Fingerprint()
	rec.CandidateCount = len(obs.Candidates)
	rec.InCourse = obs.InCourse

	if obs.Completed() {
		rec.Completed = true
		logger.Info("Completion marker observed", zap.Strings("markers", obs.Markers))
		return &schemas.RunOutcome{
			Kind:       schemas.OutcomeCompleted,
			Reason:     obs.Markers[0],
			Iterations: s.Iteration,
		}, false
	}

	// -- Decide --
	resp, err := c.provider.Decide(ctx, schemas.DecisionRequest{
		Image:        obs.Image,
		URL:          obs.URL,
		InCourse:     obs.InCourse,
		Candidates:   obs.Candidates,
		PriorActions: s.History.Summary(c.loop.HistoryWindow),
	})
	if err != nil {
		rec.Error = "decide: " + err.Error()
		return c.handleError(ctx, s, logger, "Cognition provider failed", err)
	}
	rec.Model = resp.Model
	rec.RawResponse = resp.Text
	rec.Latency = resp.Latency

	// -- Parse --
	action := c.parser.Parse(resp, obs)

	var stuck *schemas.RunOutcome
	action, stuck = c.escalate(s, action, rec.Fingerprint, logger)
	if stuck != nil {
		rec.Action = &action
		return stuck, false
	}
	rec.Action = &action
	logger.Info("Executing action", zap.Stringer("action", action), zap.String("reasoning", action.Reasoning), zap.Bool("forced", action.Forced))

	// -- Execute --
	result := c.executor.Execute(ctx, action, obs)
	rec.Result = result
	s.History.Add(HistoryEntry{
		Iteration:   s.Iteration,
		Action:      action,
		Fingerprint: rec.Fingerprint,
		Status:      result.Status,
		At:          time.Now().UTC(),
	})

	switch {
	case result.ErrorCode == ErrCodeSessionLost:
		return &schemas.RunOutcome{
			Kind:       schemas.OutcomeFatal,
			Fatal:      schemas.FatalBrowserLost,
			Reason:     result.Err.Error(),
			Err:        result.Err,
			Iterations: s.Iteration,
		}, true
	case result.Failed():
		rec.Error = "execute: " + result.Err.Error()
		s.ConsecutiveFailures++
		return nil, true
	case result.Status == StatusNoop:
		return nil, false
	default:
		s.ConsecutiveFailures = 0
		return nil, false
	}
}

// handleError classifies a capture or provider error.
func (c *Controller) handleError(ctx context.Context, s *Session, logger *zap.Logger, msg string, err error) (*schemas.RunOutcome, bool) {
	if kind := fatalKindOf(err); kind != "" {
		logger.Error(msg+", stopping", zap.String("fatal", string(kind)), zap.Error(err))
		out := fatalOutcome(kind, err, s.Iteration)
		return &out, true
	}
	if ctx.Err() != nil {
		// Cancellation is reported by the loop, not counted as a failure.
		return nil, false
	}
	s.ConsecutiveFailures++
	logger.Warn(msg, zap.Error(err), zap.Int("consecutive_failures", s.ConsecutiveFailures))
	return nil, true
}

// escalate applies the stuck ladder: forced wait, then a forced sweep of the
// navigation controls, then giving up. Repeated waits skip the forced wait. A
// changed fingerprint resets the ladder.
func (c *Controller) escalate(s *Session, action schemas.Action, fingerprint string, logger *zap.Logger) (schemas.Action, *schemas.RunOutcome) {
	if s.stuckFingerprint != fingerprint {
		s.stuckFingerprint = fingerprint
		s.stuckLevel = 0
	}
	if action.Kind == schemas.ActionUnknown {
		return action, nil
	}
	if !s.History.Repeats(action.Signature(), fingerprint, c.loop.StuckThreshold) {
		return action, nil
	}

	s.stuckLevel++
	if s.stuckLevel == 1 && action.Kind == schemas.ActionWait {
		// Pausing again after repeated waits gains nothing.
		s.stuckLevel++
	}
	logger.Warn("Repeated action on an unchanged screen",
		zap.String("signature", action.Signature()),
		zap.Int("escalation", s.stuckLevel),
	)

	switch s.stuckLevel {
	case 1:
		return forced(schemas.ActionWait, "stuck: pausing before re-observing"), nil
	case 2:
		nudge := forced(schemas.ActionNextPage, "stuck: sweeping navigation controls")
		nudge.Sweep = true
		return nudge, nil
	default:
		return action, &schemas.RunOutcome{
			Kind:       schemas.OutcomeExhausted,
			Reason:     "stuck",
			Iterations: s.Iteration,
		}
	}
}

func forced(kind schemas.ActionKind, reason string) schemas.Action {
	return schemas.Action{Kind: kind, ChoiceIndex: -1, Reasoning: reason, Forced: true}
}

// finish records the terminal state and flushes the sink.
func (c *Controller) finish(ctx context.Context, s *Session, outcome schemas.RunOutcome) schemas.RunOutcome {
	s.State = stateFor(outcome.Kind)
	s.EndedAt = time.Now().UTC()
	s.Outcome = &outcome

	fields := []zap.Field{
		zap.String("session_id", s.ID),
		zap.String("outcome", string(outcome.Kind)),
		zap.String("reason", outcome.Reason),
		zap.Int("iterations", outcome.Iterations),
		zap.Duration("elapsed", s.EndedAt.Sub(s.StartedAt)),
	}
	if outcome.Kind == schemas.OutcomeFatal {
		c.logger.Error("Course run failed", append(fields, zap.String("fatal", string(outcome.Fatal)), zap.Error(outcome.Err))...)
	} else {
		c.logger.Info("Course run finished", fields...)
	}

	if err := c.sink.End(context.WithoutCancel(ctx), s, outcome); err != nil {
		c.logger.Warn("Artifact sink failed to finish", zap.Error(err))
	}
	return outcome
}

func validateCourseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid course URL %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("course URL must be an absolute http(s) URL, got %q", raw)
	}
	return nil
}

func fatalOutcome(kind schemas.FatalKind, err error, iterations int) schemas.RunOutcome {
	return schemas.RunOutcome{
		Kind:       schemas.OutcomeFatal,
		Fatal:      kind,
		Reason:     err.Error(),
		Err:        err,
		Iterations: iterations,
	}
}

func cancelledOutcome(ctx context.Context, iterations int) schemas.RunOutcome {
	reason := "cancelled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = "timeout"
	}
	return schemas.RunOutcome{Kind: schemas.OutcomeExhausted, Reason: reason, Iterations: iterations}
}
