package dom

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/coursepilot/api/schemas"
)

// Evaluator runs an expression in the page and decodes its JSON result into out.
type Evaluator func(ctx context.Context, script string, out interface{}) error

// Observe snapshots the page through eval, analyzes it and measures the
// candidates. The returned observation carries no image.
func (a *Analyzer) Observe(ctx context.Context, eval Evaluator) (*schemas.ScreenObservation, error) {
	var snap Snapshot
	if err := eval(ctx, SnapshotScript(a.ContentFrame()), &snap); err != nil {
		return nil, fmt.Errorf("failed to snapshot page: %w", err)
	}

	analysis, err := a.Analyze(snap)
	if err != nil {
		return nil, err
	}

	var boxes []schemas.BoundingBox
	if len(analysis.Candidates) > 0 {
		if err := eval(ctx, BoxesScript(analysis.BoxTargets()), &boxes); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Unmeasured candidates are still clickable by locator.
			a.logger.Debug("Could not measure candidates.", zap.Error(err))
			boxes = nil
		} else if len(boxes) != len(analysis.Candidates) {
			a.logger.Debug("Box count mismatch, ignoring measurements.",
				zap.Int("boxes", len(boxes)), zap.Int("candidates", len(analysis.Candidates)))
			boxes = nil
		}
	}

	return &schemas.ScreenObservation{
		URL:        snap.URL,
		Candidates: Assemble(analysis, boxes),
		Markers:    analysis.Markers,
		InCourse:   analysis.InCourse,
		CapturedAt: time.Now().UTC(),
	}, nil
}
