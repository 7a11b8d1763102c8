// internal/agent/models.go
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/xkilldash9x/coursepilot/api/schemas"
)

// State is the lifecycle phase of a run.
type State string

const (
	StateIdle      State = "IDLE"      // Constructed, nothing navigated yet.
	StateRunning   State = "RUNNING"   // Iterating.
	StateCompleted State = "COMPLETED" // A completion marker was observed.
	StateExhausted State = "EXHAUSTED" // Gave up without a completion marker.
	StateFatal     State = "FATAL"     // A non-recoverable error ended the run.
)

func stateFor(kind schemas.OutcomeKind) State {
	switch kind {
	case schemas.OutcomeCompleted:
		return StateCompleted
	case schemas.OutcomeExhausted:
		return StateExhausted
	default:
		return StateFatal
	}
}

// Session is the mutable state of one run. It is owned by the controller
// goroutine and handed to sinks read-only.
type Session struct {
	ID                  string              `json:"id"`
	CourseURL           string              `json:"course_url"`
	Provider            string              `json:"provider"`
	State               State               `json:"state"`
	Iteration           int                 `json:"iteration"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	StartedAt           time.Time           `json:"started_at"`
	EndedAt             time.Time           `json:"ended_at,omitempty"`
	Outcome             *schemas.RunOutcome `json:"outcome,omitempty"`
	History             *History            `json:"-"`

	// Stuck escalation, reset whenever the screen fingerprint changes.
	stuckFingerprint string
	stuckLevel       int
}

// NewSession creates an idle session for courseURL.
func NewSession(courseURL, provider string, historyWindow int) *Session {
	return &Session{
		ID:        uuid.NewString(),
		CourseURL: courseURL,
		Provider:  provider,
		State:     StateIdle,
		StartedAt: time.Now().UTC(),
		History:   NewHistory(historyWindow),
	}
}

// ExecStatus is the result status of a single executed action.
type ExecStatus string

const (
	StatusSuccess ExecStatus = "success"
	StatusFailed  ExecStatus = "failed"
	StatusNoop    ExecStatus = "noop"    // Unknown actions.
	StatusSkipped ExecStatus = "skipped" // Valid but pointless in the current state.
)

// ExecutionResult is a standardized structure for reporting the outcome of an
// action. Failures are carried here, never raised.
type ExecutionResult struct {
	Status       ExecStatus             `json:"status"`
	Action       schemas.Action         `json:"action"`
	Clicked      *schemas.Candidate     `json:"clicked,omitempty"`
	Submitted    bool                   `json:"submitted,omitempty"`
	ErrorCode    ErrorCode              `json:"error_code,omitempty"`
	ErrorDetails map[string]interface{} `json:"error_details,omitempty"`
	Err          error                  `json:"-"`
	Duration     time.Duration          `json:"duration"`
}

// Failed reports whether the action was attempted and did not succeed.
func (r *ExecutionResult) Failed() bool {
	return r != nil && r.Status == StatusFailed
}

// IterationRecord is everything an artifact sink learns about one iteration.
type IterationRecord struct {
	SessionID      string           `json:"session_id"`
	Iteration      int              `json:"iteration"`
	Timestamp      time.Time        `json:"timestamp"`
	Image          []byte           `json:"-"`
	URL            string           `json:"url,omitempty"`
	Fingerprint    string           `json:"fingerprint,omitempty"`
	CandidateCount int              `json:"candidate_count"`
	InCourse       bool             `json:"in_course"`
	Completed      bool             `json:"completed,omitempty"`
	Provider       string           `json:"provider,omitempty"`
	Model          string           `json:"model,omitempty"`
	RawResponse    string           `json:"raw_response,omitempty"`
	Latency        time.Duration    `json:"latency,omitempty"`
	Action         *schemas.Action  `json:"action,omitempty"`
	Result         *ExecutionResult `json:"result,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// ActionLabel names the iteration for artifact file names.
func (r IterationRecord) ActionLabel() string {
	switch {
	case r.Completed:
		return "completed"
	case r.Action != nil:
		return string(r.Action.Kind)
	case r.Error != "":
		return "error"
	default:
		return "observe"
	}
}

// ArtifactSink receives a run's lifecycle. Errors are logged by the caller and
// never end a run.
type ArtifactSink interface {
	Begin(ctx context.Context, s *Session) error
	Record(ctx context.Context, rec IterationRecord) error
	End(ctx context.Context, s *Session, outcome schemas.RunOutcome) error
}

// MultiSink fans out to every sink and joins their errors.
type MultiSink []ArtifactSink

var _ ArtifactSink = MultiSink(nil)

func (m MultiSink) Begin(ctx context.Context, s *Session) error {
	var errs []error
	for _, sink := range m {
		errs = append(errs, sink.Begin(ctx, s))
	}
	return errors.Join(errs...)
}

func (m MultiSink) Record(ctx context.Context, rec IterationRecord) error {
	var errs []error
	for _, sink := range m {
		errs = append(errs, sink.Record(ctx, rec))
	}
	return errors.Join(errs...)
}

func (m MultiSink) End(ctx context.Context, s *Session, outcome schemas.RunOutcome) error {
	var errs []error
	for _, sink := range m {
		errs = append(errs, sink.End(ctx, s, outcome))
	}
	return errors.Join(errs...)
}
