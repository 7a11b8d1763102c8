package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/xkilldash9x/coursepilot/api/schemas"
)

const courseURL = "https://lms.example.com/course/42"

func runController(t *testing.T, browser *fakeBrowser, provider *fakeProvider, mutate func(c *Controller)) (schemas.RunOutcome, *recordingSink) {
	t.Helper()
	cfg := testConfig(t)
	sink := &recordingSink{}
	logger, _ := newTestLogger()
	ctrl := NewController(cfg, browser, provider, sink, logger)
	if mutate != nil {
		mutate(ctrl)
	}
	return ctrl.Run(context.Background(), courseURL), sink
}

func TestController_ThreePageCourseCompletes(t *testing.T) {
	next := button(0, "Next Page")
	p0, p1 := page(next), page(next)
	p0.next = map[string]int{next.Locator: 1}
	p1.next = map[string]int{next.Locator: 2}
	p2 := page(button(0, "Exit Course"))
	p2.obs.Markers = []string{"course complete"}

	browser := &fakeBrowser{pages: []fakePage{p0, p1, p2}}
	provider := alwaysSay(`{"action":"next_page","element":"Next Page button","reasoning":"more content"}`)

	outcome, sink := runController(t, browser, provider, nil)

	assert.Equal(t, schemas.OutcomeCompleted, outcome.Kind)
	assert.Equal(t, 3, outcome.Iterations)
	assert.Equal(t, "course complete", outcome.Reason)
	assert.Equal(t, 0, outcome.ExitCode())
	assert.Equal(t, 2, provider.Calls(), "completion is detected before asking the provider")
	assert.Equal(t, []string{"Next Page", "Next Page"}, browser.clickedLabels())
	assert.Equal(t, []string{courseURL}, browser.navigated)

	require.Len(t, sink.records, 3)
	assert.True(t, sink.begun)
	assert.True(t, sink.records[2].Completed)
	assert.Equal(t, schemas.ActionNextPage, sink.records[0].Action.Kind)
	require.NotNil(t, sink.outcome)
	assert.Equal(t, schemas.OutcomeCompleted, sink.outcome.Kind)
}

func TestController_UnparseableResponsesExhaust(t *testing.T) {
	browser := &fakeBrowser{pages: []fakePage{page(button(0, "Next Page"))}}
	provider := alwaysSay("I am not sure what to do here.")

	outcome, sink := runController(t, browser, provider, func(c *Controller) { c.loop.MaxIterations = 5 })

	assert.Equal(t, schemas.OutcomeExhausted, outcome.Kind)
	assert.Equal(t, "max_iterations", outcome.Reason)
	assert.Equal(t, 5, outcome.Iterations)
	assert.Equal(t, 0, outcome.ExitCode())
	assert.Empty(t, browser.clicks)
	require.Len(t, sink.records, 5)
	for _, rec := range sink.records {
		require.NotNil(t, rec.Action)
		assert.Equal(t, schemas.ActionUnknown, rec.Action.Kind)
		assert.Equal(t, StatusNoop, rec.Result.Status)
	}
}

func TestController_SelectsOnlyTheChosenAnswer(t *testing.T) {
	browser := &fakeBrowser{pages: []fakePage{page(radio(0, "A"), radio(1, "B"), radio(2, "C"))}}
	provider := alwaysSay(`{"action":"select_answer","answer_text":"B","is_test":true}`)

	outcome, _ := runController(t, browser, provider, func(c *Controller) { c.loop.MaxIterations = 1 })

	assert.Equal(t, schemas.OutcomeExhausted, outcome.Kind)
	require.Len(t, browser.clicks, 1)
	assert.Equal(t, "B", browser.clicks[0].Label)
	assert.Equal(t, "//input[2]", browser.clicks[0].Locator)
}

func TestController_RejectedCredentialIsFatal(t *testing.T) {
	browser := &fakeBrowser{pages: []fakePage{page(button(0, "Start"))}}
	provider := &fakeProvider{decide: func(int, schemas.DecisionRequest) (*schemas.ProviderResponse, error) {
		return nil, &fatalError{kind: schemas.FatalAuth, msg: "claude: credential missing or rejected (status 401)"}
	}}

	outcome, sink := runController(t, browser, provider, nil)

	assert.Equal(t, schemas.OutcomeFatal, outcome.Kind)
	assert.Equal(t, schemas.FatalAuth, outcome.Fatal)
	assert.Equal(t, 1, outcome.Iterations)
	assert.Equal(t, 1, outcome.ExitCode())
	assert.Equal(t, 1, provider.Calls())
	require.Len(t, sink.records, 1)
	assert.Contains(t, sink.records[0].Error, "status 401")
}

func TestController_StuckEscalation(t *testing.T) {
	// Clicking Next Page never changes the screen.
	browser := &fakeBrowser{pages: []fakePage{page(button(0, "Next Page"), button(1, "Help"))}}
	provider := alwaysSay(`{"action":"next_page","element":"Next Page"}`)

	outcome, sink := runController(t, browser, provider, nil)

	assert.Equal(t, schemas.OutcomeExhausted, outcome.Kind)
	assert.Equal(t, "stuck", outcome.Reason)
	// K repeats, forced wait, K repeats, forced next page, K repeats, give up.
	assert.Equal(t, 12, outcome.Iterations)

	var forcedKinds []schemas.ActionKind
	for _, rec := range sink.records {
		if rec.Action != nil && rec.Action.Forced {
			forcedKinds = append(forcedKinds, rec.Action.Kind)
		}
	}
	assert.Equal(t, []schemas.ActionKind{schemas.ActionWait, schemas.ActionNextPage}, forcedKinds)
}

func TestController_LinearCourseWithIdenticalControls(t *testing.T) {
	// Every slide shows the same Next Page button; only the content changes.
	next := button(0, "Next Page")
	pages := make([]fakePage, 12)
	for i := range pages {
		pages[i] = page(next)
		if i+1 < len(pages) {
			pages[i].next = map[string]int{next.Locator: i + 1}
		}
	}
	pages[len(pages)-1].obs.Markers = []string{"course complete"}

	browser := &fakeBrowser{pages: pages}
	provider := alwaysSay(`{"action":"next_page","element":"Next Page"}`)

	outcome, sink := runController(t, browser, provider, nil)

	assert.Equal(t, schemas.OutcomeCompleted, outcome.Kind, "outcome: %s", outcome)
	assert.Equal(t, 12, outcome.Iterations)
	assert.Len(t, browser.clicks, 11)
	for _, rec := range sink.records {
		if rec.Action != nil {
			assert.False(t, rec.Action.Forced, "iteration %d was treated as stuck", rec.Iteration)
		}
	}
}

func TestController_RepeatedWaitsSweepNavigation(t *testing.T) {
	lesson := button(0, "Next Lesson")
	p0 := page(lesson)
	p0.next = map[string]int{lesson.Locator: 1}
	p1 := page(button(0, "Exit Course"))
	p1.obs.Markers = []string{"course complete"}

	browser := &fakeBrowser{pages: []fakePage{p0, p1}}
	provider := alwaysSay(`{"action":"wait","reasoning":"the narration is still playing"}`)

	outcome, sink := runController(t, browser, provider, nil)

	assert.Equal(t, schemas.OutcomeCompleted, outcome.Kind, "outcome: %s", outcome)
	// Three waits, then the sweep clicks Next Lesson, then the marker.
	assert.Equal(t, 5, outcome.Iterations)
	assert.Equal(t, []string{"Next Lesson"}, browser.clickedLabels())

	require.Len(t, sink.records, 5)
	nudge := sink.records[3].Action
	require.NotNil(t, nudge)
	assert.True(t, nudge.Forced)
	assert.True(t, nudge.Sweep)
}

func TestController_StuckLadderResetsWhenScreenChanges(t *testing.T) {
	next := button(0, "Next Page")
	pages := make([]fakePage, 8)
	for i := range pages {
		pages[i] = page(next, button(1, "Page "+string(rune('A'+i))))
		pages[i].next = map[string]int{next.Locator: (i + 1) % len(pages)}
	}
	browser := &fakeBrowser{pages: pages}
	provider := alwaysSay(`{"action":"next_page","element":"Next Page"}`)

	outcome, sink := runController(t, browser, provider, func(c *Controller) { c.loop.MaxIterations = 20 })

	assert.Equal(t, schemas.OutcomeExhausted, outcome.Kind)
	assert.Equal(t, "max_iterations", outcome.Reason)
	for _, rec := range sink.records {
		assert.False(t, rec.Action.Forced)
	}
}

func TestController_ConsecutiveFailuresAreFatal(t *testing.T) {
	browser := &fakeBrowser{
		pages:      []fakePage{page(button(0, "Next Page"))},
		captureErr: func(int) error { return errTransient },
	}
	provider := alwaysSay(`{"action":"wait"}`)

	outcome, _ := runController(t, browser, provider, nil)

	assert.Equal(t, schemas.OutcomeFatal, outcome.Kind)
	assert.Equal(t, schemas.FatalRepeatedFailures, outcome.Fatal)
	assert.Equal(t, 5, outcome.Iterations)
	assert.Equal(t, 0, provider.Calls())
}

func TestController_SuccessResetsFailureCount(t *testing.T) {
	next := button(0, "Next Page")
	pages := make([]fakePage, 12)
	for i := range pages {
		pages[i] = page(next, button(1, "Slide "+string(rune('A'+i))))
		pages[i].next = map[string]int{next.Locator: (i + 1) % len(pages)}
	}
	browser := &fakeBrowser{
		pages: pages,
		// Every other capture fails, so failures never run consecutively.
		captureErr: func(n int) error {
			if n%2 == 0 {
				return errTransient
			}
			return nil
		},
	}
	provider := alwaysSay(`{"action":"next_page","element":"Next Page"}`)

	outcome, _ := runController(t, browser, provider, func(c *Controller) {
		c.loop.MaxIterations = 12
		c.loop.MaxConsecutiveFailures = 2
	})

	assert.Equal(t, schemas.OutcomeExhausted, outcome.Kind)
	assert.Equal(t, 12, outcome.Iterations)
}

func TestController_CancellationBetweenIterations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := button(0, "Next Page")
	p0, p1 := page(next), page(next, button(1, "Back"))
	p0.next = map[string]int{next.Locator: 1}
	p1.next = map[string]int{next.Locator: 0}
	browser := &fakeBrowser{pages: []fakePage{p0, p1}}
	provider := &fakeProvider{decide: func(call int, _ schemas.DecisionRequest) (*schemas.ProviderResponse, error) {
		if call == 2 {
			cancel()
		}
		return &schemas.ProviderResponse{Text: `{"action":"next_page","element":"Next Page"}`}, nil
	}}

	logger, _ := newTestLogger()
	ctrl := NewController(testConfig(t), browser, provider, nil, logger)
	outcome := ctrl.Run(ctx, courseURL)

	assert.Equal(t, schemas.OutcomeExhausted, outcome.Kind)
	assert.Equal(t, "cancelled", outcome.Reason)
	assert.Equal(t, 2, outcome.Iterations)
	assert.Equal(t, 0, outcome.ExitCode())
	// The click decided before the stop signal still went through.
	assert.Len(t, browser.clicks, 2)
}

func TestController_InvalidInput(t *testing.T) {
	for _, raw := range []string{"", "lms.example.com/course", "ftp://lms.example.com/x", "https://"} {
		t.Run(raw, func(t *testing.T) {
			browser := &fakeBrowser{pages: []fakePage{page()}}
			logger, _ := newTestLogger()
			ctrl := NewController(testConfig(t), browser, alwaysSay("{}"), nil, logger)

			outcome := ctrl.Run(context.Background(), raw)
			assert.Equal(t, schemas.OutcomeFatal, outcome.Kind)
			assert.Equal(t, schemas.FatalInvalidInput, outcome.Fatal)
			assert.Empty(t, browser.navigated)
		})
	}
}

func TestController_InvalidInputIsRecordedAfterBegin(t *testing.T) {
	browser := &fakeBrowser{pages: []fakePage{page()}}
	sink := &recordingSink{}
	logger, _ := newTestLogger()
	cfg := testConfig(t)

	ctrl := NewController(cfg, browser, alwaysSay("{}"), sink, logger)
	ctrl.loop.MaxIterations = 0
	outcome := ctrl.Run(context.Background(), courseURL)

	assert.Equal(t, schemas.FatalInvalidInput, outcome.Fatal)
	assert.True(t, sink.begun, "the run is opened before it is closed")
	require.NotNil(t, sink.outcome)
	assert.Equal(t, schemas.FatalInvalidInput, sink.outcome.Fatal)
	assert.Empty(t, sink.records)
}

func TestController_NavigationFailureIsFatal(t *testing.T) {
	browser := &fakeBrowser{pages: []fakePage{page()}, navigateErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}

	outcome, _ := runController(t, browser, alwaysSay("{}"), nil)

	assert.Equal(t, schemas.OutcomeFatal, outcome.Kind)
	assert.Equal(t, schemas.FatalNavigation, outcome.Fatal)
	assert.Equal(t, 0, outcome.Iterations)
	assert.Contains(t, outcome.Reason, "ERR_NAME_NOT_RESOLVED")
}

func TestController_SessionLostDuringClickIsFatal(t *testing.T) {
	browser := &fakeBrowser{
		pages: []fakePage{page(button(0, "Next Page"))},
		clickErr: func(schemas.Candidate) error {
			return &fatalError{kind: schemas.FatalBrowserLost, msg: "browser session lost"}
		},
	}

	outcome, _ := runController(t, browser, alwaysSay(`{"action":"next_page"}`), nil)

	assert.Equal(t, schemas.OutcomeFatal, outcome.Kind)
	assert.Equal(t, schemas.FatalBrowserLost, outcome.Fatal)
	assert.Equal(t, 1, outcome.Iterations)
	assert.Empty(t, browser.clickAts, "no coordinate fallback on a dead session")
}

func TestController_ProviderPanicIsRecovered(t *testing.T) {
	browser := &fakeBrowser{pages: []fakePage{page(button(0, "Next Page"))}}
	provider := &fakeProvider{decide: func(call int, _ schemas.DecisionRequest) (*schemas.ProviderResponse, error) {
		if call == 1 {
			panic("provider exploded")
		}
		return &schemas.ProviderResponse{Text: `{"action":"wait"}`}, nil
	}}

	outcome, sink := runController(t, browser, provider, func(c *Controller) { c.loop.MaxIterations = 2 })

	assert.Equal(t, schemas.OutcomeExhausted, outcome.Kind)
	require.Len(t, sink.records, 2)
	assert.Contains(t, sink.records[0].Error, "provider exploded")
	assert.Equal(t, schemas.ActionWait, sink.records[1].Action.Kind)
}

func TestController_SinkErrorsAreNotFatal(t *testing.T) {
	p0 := page()
	p0.obs.Markers = []string{"you have completed"}
	browser := &fakeBrowser{pages: []fakePage{p0}}
	sink := &recordingSink{failWith: errors.New("disk full")}
	logger, logs := newTestLogger()

	ctrl := NewController(testConfig(t), browser, alwaysSay("{}"), sink, logger)
	outcome := ctrl.Run(context.Background(), courseURL)

	assert.Equal(t, schemas.OutcomeCompleted, outcome.Kind)
	assert.Equal(t, 1, outcome.Iterations)
	assert.Equal(t, 1, logs.FilterMessage("Artifact sink failed to record iteration").Len())
	assert.Equal(t, 1, logs.FilterMessage("Artifact sink failed to finish").Len())
}

// The loop never runs more than max_iterations iterations, and reaches
// completion exactly when a marker appears.
func TestController_IterationBoundProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxIter := rapid.IntRange(1, 15).Draw(rt, "max")
		numPages := rapid.IntRange(1, 20).Draw(rt, "pages")
		withMarker := rapid.Bool().Draw(rt, "marker")

		next := button(0, "Next Page")
		pages := make([]fakePage, numPages)
		for i := range pages {
			pages[i] = page(next, button(1, "Slide "+string(rune('A'+i))))
			if i+1 < numPages {
				pages[i].next = map[string]int{next.Locator: i + 1}
			}
		}
		if withMarker {
			pages[numPages-1].obs.Markers = []string{"course complete"}
		}

		browser := &fakeBrowser{pages: pages}
		cfg := testConfig(t)
		cfg.LoopCfg.MaxIterations = maxIter
		logger, _ := newTestLogger()
		ctrl := NewController(cfg, browser, alwaysSay(`{"action":"next_page","element":"Next Page"}`), nil, logger)

		outcome := ctrl.Run(context.Background(), courseURL)

		if outcome.Iterations > maxIter {
			rt.Fatalf("ran %d iterations with max %d", outcome.Iterations, maxIter)
		}
		reachable := withMarker && numPages <= maxIter
		if reachable != (outcome.Kind == schemas.OutcomeCompleted) {
			rt.Fatalf("pages=%d max=%d marker=%v got %s", numPages, maxIter, withMarker, outcome)
		}
		if outcome.Kind == schemas.OutcomeCompleted && outcome.Iterations != numPages {
			rt.Fatalf("completed after %d iterations, want %d", outcome.Iterations, numPages)
		}
	})
}
