package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/struckoff/graphrun/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'idle',
			metadata TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS assistants (
			assistant_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			graph_id TEXT NOT NULL,
			config TEXT,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			assistant_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			config TEXT,
			context TEXT,
			output TEXT,
			error_message TEXT,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, seq)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, thread_id, assistant_id, status, input, config, context, output, error_message, user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ThreadID, run.AssistantID, run.Status,
		rawToNull(run.Input), rawToNull(run.Config), rawToNull(run.Context), rawToNull(run.Output),
		nullString(run.ErrorMessage), run.UserID, run.CreatedAt, run.UpdatedAt)
	return err
}

func (s *SQLiteStore) scanRun(row *sql.Row) (*domain.Run, error) {
	var run domain.Run
	var input, config, runContext, output, errMsg sql.NullString
	err := row.Scan(&run.RunID, &run.ThreadID, &run.AssistantID, &run.Status,
		&input, &config, &runContext, &output, &errMsg,
		&run.UserID, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.Input = nullToRaw(input)
	run.Config = nullToRaw(config)
	run.Context = nullToRaw(runContext)
	run.Output = nullToRaw(output)
	if errMsg.Valid {
		run.ErrorMessage = errMsg.String
	}
	return &run, nil
}

const runColumns = `run_id, thread_id, assistant_id, status, input, config, context, output, error_message, user_id, created_at, updated_at`

// GetRun retrieves a run by id, scoped to its thread and owner.
func (s *SQLiteStore) GetRun(ctx context.Context, runID, threadID, userID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ? AND thread_id = ? AND user_id = ?`,
		runID, threadID, userID)
	return s.scanRun(row)
}

// GetRunByID retrieves a run by id alone. Used by the executor and the
// coordinator, which already own the run.
func (s *SQLiteStore) GetRunByID(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	return s.scanRun(row)
}

// ListRuns lists runs for a thread, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, threadID, userID string, status domain.RunStatus, limit, offset int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE thread_id = ? AND user_id = ?`
	args := []interface{}{threadID, userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var run domain.Run
		var input, config, runContext, output, errMsg sql.NullString
		if err := rows.Scan(&run.RunID, &run.ThreadID, &run.AssistantID, &run.Status,
			&input, &config, &runContext, &output, &errMsg,
			&run.UserID, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.Input = nullToRaw(input)
		run.Config = nullToRaw(config)
		run.Context = nullToRaw(runContext)
		run.Output = nullToRaw(output)
		if errMsg.Valid {
			run.ErrorMessage = errMsg.String
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus updates the status of a run.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?`,
		status, time.Now().UTC(), runID)
	return err
}

// UpdateRunOutcome updates a run to a terminal state with its output and
// optional error message. A nil output leaves the column untouched.
func (s *SQLiteStore) UpdateRunOutcome(ctx context.Context, runID string, status domain.RunStatus, output json.RawMessage, errMsg string) error {
	query := `UPDATE runs SET status = ?, updated_at = ?`
	args := []interface{}{status, time.Now().UTC()}
	if output != nil {
		query += `, output = ?`
		args = append(args, string(output))
	}
	if errMsg != "" {
		query += `, error_message = ?`
		args = append(args, errMsg)
	}
	query += ` WHERE run_id = ?`
	args = append(args, runID)
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// DeleteRun removes a run record, scoped to its thread and owner.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID, threadID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE run_id = ? AND thread_id = ? AND user_id = ?`,
		runID, threadID, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateThread creates a new thread.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *domain.Thread) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (thread_id, user_id, status, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		thread.ThreadID, thread.UserID, thread.Status, rawToNull(thread.Metadata), thread.CreatedAt, thread.UpdatedAt)
	return err
}

// GetThread retrieves a thread by id.
func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	var thread domain.Thread
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, user_id, status, metadata, created_at, updated_at FROM threads WHERE thread_id = ?`,
		threadID).Scan(&thread.ThreadID, &thread.UserID, &thread.Status, &metadata, &thread.CreatedAt, &thread.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	thread.Metadata = nullToRaw(metadata)
	return &thread, nil
}

// GetOrCreateThread gets an existing thread or creates an idle one.
func (s *SQLiteStore) GetOrCreateThread(ctx context.Context, threadID, userID string) (*domain.Thread, error) {
	thread, err := s.GetThread(ctx, threadID)
	if err == nil {
		return thread, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	thread = &domain.Thread{
		ThreadID:  threadID,
		UserID:    userID,
		Status:    domain.ThreadStatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// SetThreadStatus updates the status column of a thread.
func (s *SQLiteStore) SetThreadStatus(ctx context.Context, threadID string, status domain.ThreadStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ?, updated_at = ? WHERE thread_id = ?`,
		status, time.Now().UTC(), threadID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeThreadMetadata merges a patch into the thread metadata map with a
// read-modify-write, avoiding driver-specific JSON operators.
func (s *SQLiteStore) MergeThreadMetadata(ctx context.Context, threadID string, patch map[string]any) error {
	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return err
	}

	merged := map[string]any{}
	if len(thread.Metadata) > 0 {
		if err := json.Unmarshal(thread.Metadata, &merged); err != nil {
			return fmt.Errorf("failed to decode thread metadata: %w", err)
		}
	}
	for k, v := range patch {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode thread metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE threads SET metadata = ?, updated_at = ? WHERE thread_id = ?`,
		string(data), time.Now().UTC(), threadID)
	return err
}

// CreateAssistant creates a new assistant.
func (s *SQLiteStore) CreateAssistant(ctx context.Context, assistant *domain.Assistant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assistants (assistant_id, name, description, graph_id, config, user_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		assistant.AssistantID, assistant.Name, nullString(assistant.Description), assistant.GraphID,
		rawToNull(assistant.Config), assistant.UserID, assistant.CreatedAt)
	return err
}

// GetAssistant retrieves an assistant by id.
func (s *SQLiteStore) GetAssistant(ctx context.Context, assistantID string) (*domain.Assistant, error) {
	var assistant domain.Assistant
	var description, config sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT assistant_id, name, description, graph_id, config, user_id, created_at FROM assistants WHERE assistant_id = ?`,
		assistantID).Scan(&assistant.AssistantID, &assistant.Name, &description, &assistant.GraphID,
		&config, &assistant.UserID, &assistant.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if description.Valid {
		assistant.Description = description.String
	}
	assistant.Config = nullToRaw(config)
	return &assistant, nil
}

// AppendEvent appends an event to the run's log. Appends are idempotent on
// event_id so a retried append cannot duplicate an entry.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO run_events (event_id, run_id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, event.RunID, event.Seq, event.Kind, rawToNull(event.Payload), event.CreatedAt)
	return err
}

// ListEventsAfter returns the run's events with seq strictly greater than
// afterSeq, in sequence order.
func (s *SQLiteStore) ListEventsAfter(ctx context.Context, runID string, afterSeq int) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, run_id, seq, kind, payload, created_at FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`,
		runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.RunID, &event.Seq, &event.Kind, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Payload = nullToRaw(payload)
		events = append(events, event)
	}
	return events, rows.Err()
}

// DeleteExpiredEvents evicts events created before the cutoff. Events of
// runs that are still active are never evicted.
func (s *SQLiteStore) DeleteExpiredEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM run_events
		 WHERE created_at < ?
		   AND run_id NOT IN (SELECT run_id FROM runs WHERE status IN (?, ?, ?))`,
		cutoff, domain.RunStatusPending, domain.RunStatusRunning, domain.RunStatusStreaming)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func rawToNull(raw json.RawMessage) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullToRaw(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
