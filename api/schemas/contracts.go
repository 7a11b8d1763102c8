package schemas

import (
	"context"
	"time"
)

// -- Collaborator Interfaces --

// CognitionProvider asks a vision-capable model for the next action.
// Implementations are stateless across calls beyond their construction config.
type CognitionProvider interface {
	// Decide sends the screenshot, structural hints and prior action summary to
	// the model and returns its raw answer in the common envelope.
	Decide(ctx context.Context, req DecisionRequest) (*ProviderResponse, error)
	// Name identifies the backend for logs and artifacts.
	Name() string
}

// BrowserSession is the single page the loop drives. It is owned by one loop
// controller for its whole lifetime.
type BrowserSession interface {
	Navigate(ctx context.Context, url string) error
	// Capture takes a screenshot and harvests the interactive elements.
	Capture(ctx context.Context) (*ScreenObservation, error)
	// Click activates a candidate through its locator.
	Click(ctx context.Context, target Candidate) error
	// ClickAt dispatches a mouse click at viewport coordinates.
	ClickAt(ctx context.Context, x, y float64) error
	// SelectOption sets the value of the <select> found at locator inside frame.
	SelectOption(ctx context.Context, frame, locator, value string) error
	// Settle waits for the page to become idle, then pauses for d.
	Settle(ctx context.Context, d time.Duration) error
	CurrentURL() string
	Close(ctx context.Context) error
}

// SessionLostError reports that the browser or its page went away. Browser
// drivers wrap any error observed after that point in it.
type SessionLostError struct {
	Err error
}

func (e *SessionLostError) Error() string {
	if e.Err == nil {
		return "browser session lost"
	}
	return "browser session lost: " + e.Err.Error()
}

func (e *SessionLostError) Unwrap() error { return e.Err }

func (e *SessionLostError) FatalKind() FatalKind { return FatalBrowserLost }
