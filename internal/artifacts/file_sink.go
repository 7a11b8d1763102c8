// internal/artifacts/file_sink.go
package artifacts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/agent"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	decisionsFile = "decisions.jsonl"
	summaryFile   = "summary.json"
)

// FileSink writes one directory per run under its root: a numbered screenshot
// per iteration, a JSON line per decision and a summary at the end.
type FileSink struct {
	root   string
	logger *zap.Logger

	mu        sync.Mutex
	dir       string
	decisions *os.File
	writer    *bufio.Writer
}

var _ agent.ArtifactSink = (*FileSink)(nil)

// NewFileSink creates root if needed.
func NewFileSink(root string, logger *zap.Logger) (*FileSink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory %s: %w", root, err)
	}
	return &FileSink{root: root, logger: logger.Named("artifacts")}, nil
}

// Dir is the directory of the current run, empty before Begin.
func (f *FileSink) Dir() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dir
}

func (f *FileSink) Begin(_ context.Context, s *agent.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.decisions != nil {
		return fmt.Errorf("artifact sink already recording run into %s", f.dir)
	}

	dir := filepath.Join(f.root, runDirName(s))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	file, err := os.Create(filepath.Join(dir, decisionsFile))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", decisionsFile, err)
	}

	f.dir = dir
	f.decisions = file
	f.writer = bufio.NewWriter(file)
	f.logger.Info("Recording run artifacts.", zap.String("dir", dir))
	return nil
}

func (f *FileSink) Record(_ context.Context, rec agent.IterationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writer == nil {
		return fmt.Errorf("artifact sink has no open run")
	}

	if len(rec.Image) > 0 {
		name := ScreenshotName(rec)
		if err := os.WriteFile(filepath.Join(f.dir, name), rec.Image, 0o644); err != nil {
			return fmt.Errorf("failed to write screenshot %s: %w", name, err)
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode iteration %d: %w", rec.Iteration, err)
	}
	if _, err := f.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append decision: %w", err)
	}
	// Flushed per line so a crashed run still leaves its decisions behind.
	return f.writer.Flush()
}

// runSummary is the content of summary.json.
type runSummary struct {
	Session  *agent.Session     `json:"session"`
	Outcome  schemas.RunOutcome `json:"outcome"`
	Error    string             `json:"error,omitempty"`
	Duration string             `json:"duration"`
}

func (f *FileSink) End(_ context.Context, s *agent.Session, outcome schemas.RunOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.decisions == nil {
		return fmt.Errorf("artifact sink has no open run")
	}

	var errs []error
	if err := f.writer.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := f.decisions.Close(); err != nil {
		errs = append(errs, err)
	}
	f.decisions, f.writer = nil, nil

	end := s.EndedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	summary := runSummary{Session: s, Outcome: outcome, Duration: end.Sub(s.StartedAt).Round(time.Millisecond).String()}
	if outcome.Err != nil {
		summary.Error = outcome.Err.Error()
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to encode summary: %w", err))
	} else if err := os.WriteFile(filepath.Join(f.dir, summaryFile), data, 0o644); err != nil {
		errs = append(errs, fmt.Errorf("failed to write summary: %w", err))
	}

	return errors.Join(errs...)
}

// ScreenshotName is "%04d_<action>.png".
func ScreenshotName(rec agent.IterationRecord) string {
	return fmt.Sprintf("%04d_%s.png", rec.Iteration, sanitize(rec.ActionLabel()))
}

func runDirName(s *agent.Session) string {
	id := s.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return s.StartedAt.UTC().Format("20060102-150405") + "_" + sanitize(id)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
