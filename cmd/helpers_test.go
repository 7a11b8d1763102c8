package cmd

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/config"
	"github.com/xkilldash9x/coursepilot/internal/llmclient"
	"github.com/xkilldash9x/coursepilot/internal/observability"
)

// resetForTest restores the seams and the global logger.
func resetForTest(t *testing.T) {
	t.Helper()
	observability.ResetForTest()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Cleanup(func() {
		newProvider = llmclient.NewClient
		openBrowser = defaultOpenBrowser
		openLedger = defaultOpenLedger
		observability.ResetForTest()
	})
}

var (
	defaultOpenBrowser = openBrowser
	defaultOpenLedger  = openLedger
)

// executeCommand runs a fresh command tree with args and returns its output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// Keep the test run away from any config.yaml or .env in the package dir.
	t.Chdir(t.TempDir())

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// stubProvider always answers with the same text.
type stubProvider struct {
	text  string
	err   error
	calls int
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Decide(context.Context, schemas.DecisionRequest) (*schemas.ProviderResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &schemas.ProviderResponse{Provider: "stub", Model: "stub-1", Text: p.text}, nil
}

// pingingProvider counts Ping calls.
type pingingProvider struct {
	stubProvider
	pingErr error
	pings   int
}

func (p *pingingProvider) Ping(context.Context) error {
	p.pings++
	return p.pingErr
}

// stubBrowser serves a fixed sequence of observations and clicks nothing real.
type stubBrowser struct {
	mu       sync.Mutex
	screens  []*schemas.ScreenObservation
	captures int
	clicks   []string
	closed   bool
}

func (b *stubBrowser) Navigate(context.Context, string) error { return nil }

func (b *stubBrowser) Capture(context.Context) (*schemas.ScreenObservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := min(b.captures, len(b.screens)-1)
	b.captures++
	return b.screens[i], nil
}

func (b *stubBrowser) Click(_ context.Context, c schemas.Candidate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clicks = append(b.clicks, c.Label)
	return nil
}

func (b *stubBrowser) ClickAt(context.Context, float64, float64) error            { return nil }
func (b *stubBrowser) SelectOption(context.Context, string, string, string) error { return nil }
func (b *stubBrowser) Settle(context.Context, time.Duration) error                { return nil }
func (b *stubBrowser) CurrentURL() string                                         { return "https://lms.example.com/course" }

func (b *stubBrowser) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func useStubs(provider schemas.CognitionProvider, b *stubBrowser) {
	newProvider = func(context.Context, config.CognitionConfig, *zap.Logger) (schemas.CognitionProvider, error) {
		return provider, nil
	}
	openBrowser = func(context.Context, config.Interface, *zap.Logger) (schemas.BrowserSession, func(context.Context) error, error) {
		return b, b.Close, nil
	}
}

func nextPageScreen() *schemas.ScreenObservation {
	return &schemas.ScreenObservation{
		URL:      "https://lms.example.com/course",
		InCourse: true,
		Candidates: []schemas.Candidate{{
			Index: 0, Locator: "//button[1]", Tag: "button", Role: schemas.RoleButton, Label: "Next Page",
			Box: schemas.BoundingBox{X: 10, Y: 10, Width: 80, Height: 20},
		}},
	}
}

func completedScreen() *schemas.ScreenObservation {
	return &schemas.ScreenObservation{URL: "https://lms.example.com/course/done", InCourse: true, Markers: []string{"course complete"}}
}
