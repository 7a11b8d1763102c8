package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/config"
)

// -- Browser Fake --

// fakePage is one scripted screen. Clicking a locator listed in next moves
// the browser to that page index.
type fakePage struct {
	obs  schemas.ScreenObservation
	next map[string]int
}

type fakeBrowser struct {
	mu sync.Mutex

	pages   []fakePage
	current int

	navigateErr error
	captureErr  func(n int) error
	clickErr    func(c schemas.Candidate) error

	navigated []string
	captures  int
	clicks    []schemas.Candidate
	clickAts  [][2]float64
	selects   []string
	settles   int
	closed    bool
}

var _ schemas.BrowserSession = (*fakeBrowser)(nil)

func (b *fakeBrowser) Navigate(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.navigated = append(b.navigated, url)
	return b.navigateErr
}

func (b *fakeBrowser) Capture(ctx context.Context) (*schemas.ScreenObservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.captures++
	if b.captureErr != nil {
		if err := b.captureErr(b.captures); err != nil {
			return nil, err
		}
	}
	obs := b.pages[b.current].obs
	obs.Image = []byte(fmt.Sprintf("png-%d", b.current))
	obs.CapturedAt = time.Now()
	return &obs, nil
}

func (b *fakeBrowser) Click(ctx context.Context, c schemas.Candidate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clickErr != nil {
		if err := b.clickErr(c); err != nil {
			return err
		}
	}
	b.clicks = append(b.clicks, c)
	if to, ok := b.pages[b.current].next[c.Locator]; ok {
		b.current = to
	}
	return nil
}

func (b *fakeBrowser) ClickAt(ctx context.Context, x, y float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clickAts = append(b.clickAts, [2]float64{x, y})
	return nil
}

func (b *fakeBrowser) SelectOption(ctx context.Context, frame, locator, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selects = append(b.selects, frame+"|"+locator+"="+value)
	return nil
}

func (b *fakeBrowser) Settle(ctx context.Context, d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settles++
	return nil
}

func (b *fakeBrowser) CurrentURL() string { return "https://lms.example.com/course" }

func (b *fakeBrowser) Close(ctx context.Context) error {
	b.closed = true
	return nil
}

func (b *fakeBrowser) clickedLabels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.clicks))
	for _, c := range b.clicks {
		out = append(out, c.Label)
	}
	return out
}

// -- Provider Fake --

type fakeProvider struct {
	mu     sync.Mutex
	calls  int
	decide func(call int, req schemas.DecisionRequest) (*schemas.ProviderResponse, error)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Decide(ctx context.Context, req schemas.DecisionRequest) (*schemas.ProviderResponse, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	return p.decide(call, req)
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// alwaysSay returns a provider that answers every call with text.
func alwaysSay(text string) *fakeProvider {
	return &fakeProvider{decide: func(int, schemas.DecisionRequest) (*schemas.ProviderResponse, error) {
		return &schemas.ProviderResponse{Provider: "fake", Model: "fake-1", Text: text}, nil
	}}
}

// -- Sink Fake --

type recordingSink struct {
	mu       sync.Mutex
	begun    bool
	records  []IterationRecord
	outcome  *schemas.RunOutcome
	failWith error
}

func (s *recordingSink) Begin(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begun = true
	return s.failWith
}

func (s *recordingSink) Record(ctx context.Context, rec IterationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.failWith
}

func (s *recordingSink) End(ctx context.Context, sess *Session, outcome schemas.RunOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = &outcome
	return s.failWith
}

// -- Errors --

// fatalError stands in for collaborator errors that end a run.
type fatalError struct {
	kind schemas.FatalKind
	msg  string
}

func (e *fatalError) Error() string                { return e.msg }
func (e *fatalError) FatalKind() schemas.FatalKind { return e.kind }

var errTransient = errors.New("transient failure")

// -- Builders --

func button(i int, label string) schemas.Candidate {
	return schemas.Candidate{
		Index:   i,
		Locator: fmt.Sprintf("//button[%d]", i+1),
		Tag:     "button",
		Role:    schemas.RoleButton,
		Label:   label,
		Box:     schemas.BoundingBox{X: 10, Y: float64(10 + 40*i), Width: 100, Height: 30},
	}
}

func radio(i int, label string) schemas.Candidate {
	return schemas.Candidate{
		Index:   i,
		Locator: fmt.Sprintf("//input[%d]", i+1),
		Tag:     "input",
		Role:    schemas.RoleRadio,
		Label:   label,
		Group:   "q1",
		Box:     schemas.BoundingBox{X: 20, Y: float64(100 + 30*i), Width: 16, Height: 16},
	}
}

func page(candidates ...schemas.Candidate) fakePage {
	return fakePage{obs: schemas.ScreenObservation{
		URL:        "https://lms.example.com/course",
		Candidates: candidates,
		InCourse:   true,
	}}
}

// testConfig returns defaults with every delay removed.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.LoopCfg.FailureBackoff = 0
	cfg.LoopCfg.IterationDelay = 0
	cfg.ExecutorCfg.SettleDelay = 0
	cfg.ExecutorCfg.WaitDuration = 0
	cfg.ExecutorCfg.ActionTimeout = 5 * time.Second
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}
