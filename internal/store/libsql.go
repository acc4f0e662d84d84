package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/chainrun/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/chainrun.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open libsql: %s", err.Error()).WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Chains ---

// SaveChain writes a run and its step results, replacing any earlier save of the
// same run.
func (s *LibSQLStore) SaveChain(ctx context.Context, res *schema.ChainResult) error {
	if res == nil || res.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "chain result has no run id")
	}
	chainErr, err := marshalNullable(res.Error)
	if err != nil {
		return fmt.Errorf("marshal chain error: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chains (run_id, chain_id, mode, failure_policy, status, error, completed_steps, total_steps, execution_time, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, error=excluded.error,
		   completed_steps=excluded.completed_steps, execution_time=excluded.execution_time,
		   completed_at=excluded.completed_at`,
		res.RunID, res.ChainID, string(res.Mode), string(res.Policy), string(res.Status), chainErr,
		res.CompletedSteps, res.TotalSteps, res.ExecutionTime, timeOrNow(res.StartedAt), nullTime(res.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert chain: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chain_steps WHERE run_id = ?`, res.RunID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	for _, r := range res.Steps {
		payload, err := marshalNullable(r.Payload)
		if err != nil {
			return fmt.Errorf("marshal step %d payload: %w", r.Index, err)
		}
		stepErr, err := marshalNullable(r.Error)
		if err != nil {
			return fmt.Errorf("marshal step %d error: %w", r.Index, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chain_steps (run_id, step_index, target, operation, success, skipped, payload, error, attempts, execution_time, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, r.Index, r.Target, r.Operation, boolInt(r.Success), boolInt(r.Skipped),
			payload, stepErr, r.Attempts, r.ExecutionTime, timeOrNow(r.StartedAt),
		)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", r.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chain: %w", err)
	}
	return nil
}

const chainColumns = `run_id, chain_id, mode, failure_policy, status, error, completed_steps, total_steps, execution_time, started_at, completed_at`

// GetChain returns a saved run with its steps.
func (s *LibSQLStore) GetChain(ctx context.Context, runID string) (*schema.ChainResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chainColumns+` FROM chains WHERE run_id = ?`, runID)
	res, err := scanChain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("chain run", runID)
	}
	if err != nil {
		return nil, err
	}
	if res.Steps, err = s.listSteps(ctx, runID); err != nil {
		return nil, err
	}
	return res, nil
}

// ListChains returns runs matching filter, newest first, with their steps.
func (s *LibSQLStore) ListChains(ctx context.Context, filter ChainFilter) ([]*schema.ChainResult, error) {
	var where []string
	var args []any

	if filter.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, filter.ChainID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Mode != nil {
		where = append(where, "mode = ?")
		args = append(args, string(*filter.Mode))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT ` + chainColumns + ` FROM chains`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, run_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var chains []*schema.ChainResult
	for rows.Next() {
		res, err := scanChain(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		chains = append(chains, res)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Steps are loaded after the cursor closes: the pool has a single connection.
	for _, res := range chains {
		if res.Steps, err = s.listSteps(ctx, res.RunID); err != nil {
			return nil, err
		}
	}
	return chains, nil
}

// DeleteChain removes a run, its steps and its events.
func (s *LibSQLStore) DeleteChain(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chain_steps WHERE run_id = ?`, runID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, runID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chains WHERE run_id = ?`, runID)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "chain run", runID); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChain(row rowScanner) (*schema.ChainResult, error) {
	res := &schema.ChainResult{}
	var (
		mode, policy, status string
		errJSON              sql.NullString
		completedAt          sql.NullTime
	)
	if err := row.Scan(&res.RunID, &res.ChainID, &mode, &policy, &status, &errJSON,
		&res.CompletedSteps, &res.TotalSteps, &res.ExecutionTime, &res.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	res.Mode = schema.Mode(mode)
	res.Policy = schema.FailurePolicy(policy)
	res.Status = schema.ChainStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		res.CompletedAt = &t
	}
	chainErr, err := unmarshalError(errJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal chain error: %w", err)
	}
	res.Error = chainErr
	res.Steps = []schema.StepResult{}
	return res, nil
}

func (s *LibSQLStore) listSteps(ctx context.Context, runID string) ([]schema.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_index, target, operation, success, skipped, payload, error, attempts, execution_time, started_at
		 FROM chain_steps WHERE run_id = ? ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []schema.StepResult{}
	for rows.Next() {
		var (
			r                schema.StepResult
			success, skipped int
			payload, errJSON sql.NullString
		)
		if err := rows.Scan(&r.Index, &r.Target, &r.Operation, &success, &skipped, &payload, &errJSON,
			&r.Attempts, &r.ExecutionTime, &r.StartedAt); err != nil {
			return nil, err
		}
		r.Success = success != 0
		r.Skipped = skipped != 0
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &r.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal step %d payload: %w", r.Index, err)
			}
		}
		if r.Error, err = unmarshalError(errJSON); err != nil {
			return nil, fmt.Errorf("unmarshal step %d error: %w", r.Index, err)
		}
		steps = append(steps, r)
	}
	return steps, rows.Err()
}

// --- Events ---

// AppendEvent stores ev with the next sequence number of its run and writes the
// assigned sequence back into ev.
func (s *LibSQLStore) AppendEvent(ctx context.Context, ev *schema.Event) error {
	if ev.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no run id")
	}
	payload, err := marshalNullable(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, ev.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	ts := timeOrNow(ev.Timestamp)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (chain_id, run_id, step_index, target, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ChainID, ev.RunID, ev.StepIndex, nullStr(ev.Target), ev.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	ev.Sequence = seq
	ev.Timestamp = ts
	return nil
}

const eventColumns = `chain_id, run_id, step_index, target, event_type, payload, timestamp, sequence`

// GetEvents returns events of a run with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns events of one type matching filter, newest first.
func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*schema.Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, filter.ChainID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.StepIndex != nil {
		where = append(where, "step_index = ?")
		args = append(args, *filter.StepIndex)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var target, payload sql.NullString
		if err := rows.Scan(&e.ChainID, &e.RunID, &e.StepIndex, &target, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Target = target.String
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	def, err := json.Marshal(job.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, cron_expression, definition, enabled, last_run_at, next_run_at, last_run_status, last_run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.CronExpression, string(def), boolInt(job.Enabled),
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), nullStr(job.LastRunID),
		timeOrNow(job.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already exists", job.ID).WithCause(err)
	}
	return err
}

const jobColumns = `id, cron_expression, definition, enabled, last_run_at, next_run_at, last_run_status, last_run_id, created_at`

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, update.LastRunAt.UTC())
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, update.NextRunAt.UTC())
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = ?")
		args = append(args, update.LastRunID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	var args []any
	if filter.Enabled != nil {
		query += " WHERE enabled = ?"
		args = append(args, boolInt(*filter.Enabled))
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func scanJob(row rowScanner) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var (
		defJSON             string
		enabled             int
		lastRun, nextRun    sql.NullTime
		lastStatus, lastRID sql.NullString
	)
	if err := row.Scan(&job.ID, &job.CronExpression, &defJSON, &enabled, &lastRun, &nextRun,
		&lastStatus, &lastRID, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.Enabled = enabled != 0
	job.LastRunStatus = lastStatus.String
	job.LastRunID = lastRID.String
	if lastRun.Valid {
		t := lastRun.Time
		job.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		job.NextRunAt = &t
	}
	if err := json.Unmarshal([]byte(defJSON), &job.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return job, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ChainError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalNullable encodes v as JSON text, mapping nil values to SQL NULL.
func marshalNullable(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *schema.ChainError:
		if x == nil {
			return nil, nil
		}
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalError(ns sql.NullString) (*schema.ChainError, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	ce := &schema.ChainError{}
	if err := json.Unmarshal([]byte(ns.String), ce); err != nil {
		return nil, err
	}
	return ce, nil
}

var _ Store = (*LibSQLStore)(nil)
