package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/agent"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the ledger tables when they are missing.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          UUID PRIMARY KEY,
    course_url  TEXT NOT NULL,
    provider    TEXT NOT NULL,
    state       TEXT NOT NULL,
    outcome     TEXT,
    fatal_kind  TEXT,
    reason      TEXT,
    iterations  INTEGER NOT NULL DEFAULT 0,
    started_at  TIMESTAMPTZ NOT NULL,
    ended_at    TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS run_iterations (
    run_id          UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    iteration       INTEGER NOT NULL,
    observed_at     TIMESTAMPTZ NOT NULL,
    url             TEXT,
    fingerprint     TEXT,
    candidate_count INTEGER NOT NULL,
    in_course       BOOLEAN NOT NULL,
    action          TEXT,
    status          TEXT,
    error_code      TEXT,
    latency_ms      BIGINT,
    raw_response    TEXT,
    error           TEXT,
    PRIMARY KEY (run_id, iteration)
);`

const (
	sqlInsertRun = `
        INSERT INTO runs (id, course_url, provider, state, started_at)
        VALUES ($1, $2, $3, $4, $5);
    `
	sqlFinishRun = `
        UPDATE runs SET state = $2, outcome = $3, fatal_kind = $4, reason = $5, iterations = $6, ended_at = $7
        WHERE id = $1;
    `
	sqlRecentRuns = `
        SELECT id::text, course_url, provider, state, COALESCE(outcome, ''), COALESCE(fatal_kind, ''),
               COALESCE(reason, ''), iterations, started_at, ended_at
        FROM runs
        ORDER BY started_at DESC
        LIMIT $1;
    `
)

var iterationColumns = []string{
	"run_id", "iteration", "observed_at", "url", "fingerprint", "candidate_count", "in_course",
	"action", "status", "error_code", "latency_ms", "raw_response", "error",
}

// Store is the Postgres run ledger. It implements agent.ArtifactSink: the run
// row is written on Begin, iterations are buffered and copied in one
// transaction on End.
type Store struct {
	pool DBPool
	log  *zap.Logger

	mu      sync.Mutex
	pending map[string][]agent.IterationRecord
}

var _ agent.ArtifactSink = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool:    pool,
		log:     logger.Named("store"),
		pending: make(map[string][]agent.IterationRecord),
	}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return nil
}

func (s *Store) Begin(ctx context.Context, run *agent.Session) error {
	_, err := s.pool.Exec(ctx, sqlInsertRun, run.ID, run.CourseURL, run.Provider, string(run.State), run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	s.mu.Lock()
	s.pending[run.ID] = nil
	s.mu.Unlock()
	return nil
}

func (s *Store) Record(_ context.Context, rec agent.IterationRecord) error {
	// The image is not stored.
	rec.Image = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[rec.SessionID]; !ok {
		return fmt.Errorf("run %s was not begun", rec.SessionID)
	}
	s.pending[rec.SessionID] = append(s.pending[rec.SessionID], rec)
	return nil
}

// End finalizes the run row and copies the buffered iterations.
func (s *Store) End(ctx context.Context, run *agent.Session, outcome schemas.RunOutcome) error {
	s.mu.Lock()
	records := s.pending[run.ID]
	delete(s.pending, run.ID)
	s.mu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	endedAt := run.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}
	if _, err := tx.Exec(ctx, sqlFinishRun,
		run.ID, string(run.State), string(outcome.Kind), string(outcome.Fatal), sanitizeText(outcome.Reason),
		outcome.Iterations, endedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to finish run %s: %w", run.ID, err)
	}

	if len(records) > 0 {
		if err := s.persistIterations(ctx, tx, run.ID, records); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) persistIterations(ctx context.Context, tx pgx.Tx, runID string, records []agent.IterationRecord) error {
	rows := make([][]interface{}, len(records))
	for i, r := range records {
		rows[i] = iterationRow(runID, r)
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"run_iterations"}, iterationColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy iterations: %w", err)
	}
	if int(copyCount) != len(records) {
		return fmt.Errorf("mismatch in copied iterations count: expected %d, got %d", len(records), copyCount)
	}
	return nil
}

// iterationRow lays out one record in iterationColumns order.
func iterationRow(runID string, r agent.IterationRecord) []interface{} {
	var action, status, code string
	if r.Action != nil {
		action = r.Action.String()
	}
	if r.Result != nil {
		status = string(r.Result.Status)
		code = string(r.Result.ErrorCode)
	}
	return []interface{}{
		runID, r.Iteration, r.Timestamp.UTC(), sanitizeText(r.URL), r.Fingerprint, r.CandidateCount, r.InCourse,
		sanitizeText(action), status, code, r.Latency.Milliseconds(), sanitizeText(r.RawResponse), sanitizeText(r.Error),
	}
}

// sanitizeText makes provider and page text storable in a TEXT column, which
// rejects NUL bytes and invalid UTF-8.
func sanitizeText(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
}

// RunSummary is one row of the ledger.
type RunSummary struct {
	ID         string
	CourseURL  string
	Provider   string
	State      string
	Outcome    string
	FatalKind  string
	Reason     string
	Iterations int
	StartedAt  time.Time
	EndedAt    *time.Time
}

// RecentRuns returns the newest runs first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.pool.Query(ctx, sqlRecentRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(
			&r.ID, &r.CourseURL, &r.Provider, &r.State, &r.Outcome, &r.FatalKind,
			&r.Reason, &r.Iterations, &r.StartedAt, &r.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}
