// Package sqlite implements the storage interface on a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/fixloop/fixloop/internal/events"
	"github.com/fixloop/fixloop/internal/report"
	"github.com/fixloop/fixloop/internal/storage"
	"github.com/fixloop/fixloop/internal/types"
)

// SQLiteStorage implements storage.Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// New creates a SQLite storage backend at the given path.
func New(path string) (*SQLiteStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode for concurrent readers while the session loop writes.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateSession persists a new session.
func (s *SQLiteStorage) CreateSession(ctx context.Context, session *types.FixSession) error {
	config, err := json.Marshal(session.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, repo_path, config, status, current_cycle, safety_branch, stop_reason, error, pid, stop_requested, advance_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.RepoPath, string(config), string(session.Status),
		session.CurrentCycle, nullable(session.SafetyBranch), nullable(string(session.StopReason)),
		nullable(session.Error), session.PID, session.StopRequested, nullable(session.AdvanceURL),
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		// The active-repo unique index turns a concurrent second session
		// into a constraint violation.
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", types.ErrSessionActive, session.RepoPath)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*types.FixSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_path, config, status, current_cycle, safety_branch, stop_reason, error, pid, stop_requested, advance_url, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions retrieves sessions matching the filter, newest first.
func (s *SQLiteStorage) ListSessions(ctx context.Context, filter storage.SessionFilter) ([]*types.FixSession, error) {
	query := `
		SELECT id, repo_path, config, status, current_cycle, safety_branch, stop_reason, error, pid, stop_requested, advance_url, created_at, updated_at
		FROM sessions WHERE 1=1`
	var args []interface{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.RepoPath != "" {
		query += " AND repo_path = ?"
		args = append(args, filter.RepoPath)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.FixSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// UpdateSession persists the session's mutable fields.
func (s *SQLiteStorage) UpdateSession(ctx context.Context, session *types.FixSession) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, current_cycle = ?, safety_branch = ?, stop_reason = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		string(session.Status), session.CurrentCycle, nullable(session.SafetyBranch),
		nullable(string(session.StopReason)), nullable(session.Error), time.Now(), session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", session.ID, storage.ErrNotFound)
	}
	return nil
}

// SetStopRequested flags a session for cooperative stop. The session loop
// polls the flag between cycles and during manual-deploy pauses, so a stop
// issued from another process takes effect at the next checkpoint.
func (s *SQLiteStorage) SetStopRequested(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET stop_requested = 1, updated_at = ? WHERE id = ?`,
		time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to set stop flag: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	return nil
}

// SetAdvanceURL records the manually deployed URL for a paused session.
// The session loop consumes it by clearing the column.
func (s *SQLiteStorage) SetAdvanceURL(ctx context.Context, sessionID, url string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET advance_url = ?, updated_at = ? WHERE id = ?`,
		nullable(url), time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to set advance url: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	return nil
}

// GetRunningSessionForRepo returns the active session for a repo path.
// Paused sessions count as active: their repo is still claimed.
func (s *SQLiteStorage) GetRunningSessionForRepo(ctx context.Context, repoPath string) (*types.FixSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_path, config, status, current_cycle, safety_branch, stop_reason, error, pid, stop_requested, advance_url, created_at, updated_at
		FROM sessions WHERE repo_path = ? AND status IN ('running', 'paused')
		ORDER BY created_at DESC LIMIT 1`, repoPath)
	return scanSession(row)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*types.FixSession, error) {
	var session types.FixSession
	var config string
	var status string
	var safetyBranch, stopReason, errText, advanceURL sql.NullString

	err := row.Scan(&session.ID, &session.RepoPath, &config, &status, &session.CurrentCycle,
		&safetyBranch, &stopReason, &errText, &session.PID, &session.StopRequested, &advanceURL,
		&session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	if err := json.Unmarshal([]byte(config), &session.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	session.Status = types.SessionStatus(status)
	session.SafetyBranch = safetyBranch.String
	session.StopReason = types.StopReason(stopReason.String)
	session.Error = errText.String
	session.AdvanceURL = advanceURL.String

	return &session, nil
}

// CreateCycle persists a new cycle row.
func (s *SQLiteStorage) CreateCycle(ctx context.Context, cycle *types.FixCycle) error {
	invocation, deploy, delta, err := marshalCycleBlobs(cycle)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cycles (session_id, number, status, invocation, deploy, verdict, score, commit_id, delta, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cycle.SessionID, cycle.Number, string(cycle.Status), invocation, deploy,
		nullable(string(cycle.Verdict)), cycle.Score, nullable(cycle.CommitID), delta,
		nullable(cycle.Error), cycle.StartedAt, nullableTime(cycle.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to create cycle: %w", err)
	}
	return nil
}

// UpdateCycle persists the cycle's mutable fields.
func (s *SQLiteStorage) UpdateCycle(ctx context.Context, cycle *types.FixCycle) error {
	invocation, deploy, delta, err := marshalCycleBlobs(cycle)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE cycles
		SET status = ?, invocation = ?, deploy = ?, verdict = ?, score = ?, commit_id = ?, delta = ?, error = ?, finished_at = ?
		WHERE session_id = ? AND number = ?`,
		string(cycle.Status), invocation, deploy, nullable(string(cycle.Verdict)), cycle.Score,
		nullable(cycle.CommitID), delta, nullable(cycle.Error), nullableTime(cycle.FinishedAt),
		cycle.SessionID, cycle.Number)
	if err != nil {
		return fmt.Errorf("failed to update cycle: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("cycle %s/%d: %w", cycle.SessionID, cycle.Number, storage.ErrNotFound)
	}
	return nil
}

// GetCycles retrieves a session's cycles ordered by number.
func (s *SQLiteStorage) GetCycles(ctx context.Context, sessionID string) ([]*types.FixCycle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, number, status, invocation, deploy, verdict, score, commit_id, delta, error, started_at, finished_at
		FROM cycles WHERE session_id = ? ORDER BY number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cycles: %w", err)
	}
	defer rows.Close()

	var cycles []*types.FixCycle
	for rows.Next() {
		var cycle types.FixCycle
		var status string
		var invocation, deploy, verdict, commitID, delta, errText sql.NullString
		var finishedAt sql.NullTime

		if err := rows.Scan(&cycle.SessionID, &cycle.Number, &status, &invocation, &deploy,
			&verdict, &cycle.Score, &commitID, &delta, &errText, &cycle.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}

		cycle.Status = types.CycleStatus(status)
		cycle.Verdict = types.Verdict(verdict.String)
		cycle.CommitID = commitID.String
		cycle.Error = errText.String
		if finishedAt.Valid {
			cycle.FinishedAt = finishedAt.Time
		}
		if invocation.Valid {
			cycle.Invocation = &types.InvocationResult{}
			if err := json.Unmarshal([]byte(invocation.String), cycle.Invocation); err != nil {
				return nil, fmt.Errorf("failed to unmarshal invocation: %w", err)
			}
		}
		if deploy.Valid {
			cycle.Deploy = &types.DeployResult{}
			if err := json.Unmarshal([]byte(deploy.String), cycle.Deploy); err != nil {
				return nil, fmt.Errorf("failed to unmarshal deploy: %w", err)
			}
		}
		if delta.Valid {
			cycle.Delta = &types.DeltaSummary{}
			if err := json.Unmarshal([]byte(delta.String), cycle.Delta); err != nil {
				return nil, fmt.Errorf("failed to unmarshal delta: %w", err)
			}
		}

		cycles = append(cycles, &cycle)
	}
	return cycles, rows.Err()
}

func marshalCycleBlobs(cycle *types.FixCycle) (invocation, deploy, delta interface{}, err error) {
	if cycle.Invocation != nil {
		b, err := json.Marshal(cycle.Invocation)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal invocation: %w", err)
		}
		invocation = string(b)
	}
	if cycle.Deploy != nil {
		b, err := json.Marshal(cycle.Deploy)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal deploy: %w", err)
		}
		deploy = string(b)
	}
	if cycle.Delta != nil {
		b, err := json.Marshal(cycle.Delta)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal delta: %w", err)
		}
		delta = string(b)
	}
	return invocation, deploy, delta, nil
}

// StoreEvent appends an event to the audit trail.
func (s *SQLiteStorage) StoreEvent(ctx context.Context, event *events.FixEvent) error {
	var data interface{}
	if event.Data != nil {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		data = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, session_id, cycle_number, event_type, severity, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.SessionID, event.CycleNumber, string(event.Type),
		string(event.Severity), event.Message, data, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// GetEventsBySession retrieves a session's events in insertion order.
func (s *SQLiteStorage) GetEventsBySession(ctx context.Context, sessionID string, limit int) ([]*events.FixEvent, error) {
	query := `
		SELECT id, session_id, cycle_number, event_type, severity, message, data, created_at
		FROM events WHERE session_id = ? ORDER BY created_at`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

// GetRecentEvents retrieves the most recent events across all sessions.
func (s *SQLiteStorage) GetRecentEvents(ctx context.Context, limit int) ([]*events.FixEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEvents(ctx, `
		SELECT id, session_id, cycle_number, event_type, severity, message, data, created_at
		FROM events ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *SQLiteStorage) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*events.FixEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var result []*events.FixEvent
	for rows.Next() {
		var event events.FixEvent
		var eventType, severity string
		var data sql.NullString

		if err := rows.Scan(&event.ID, &event.SessionID, &event.CycleNumber,
			&eventType, &severity, &event.Message, &data, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.Type = events.EventType(eventType)
		event.Severity = events.EventSeverity(severity)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		result = append(result, &event)
	}
	return result, rows.Err()
}

// MarkSessionInterrupted transitions one abandoned session to stopped with
// reason interrupted, and its in-flight cycles to interrupted. The caller
// decides which sessions are abandoned; a terminal session is not touched.
func (s *SQLiteStorage) MarkSessionInterrupted(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = 'stopped', stop_reason = 'interrupted', updated_at = ?
		WHERE id = ? AND status IN ('running', 'paused')`, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark session interrupted: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check recovery result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s is not active: %w", sessionID, storage.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE cycles SET status = 'interrupted', finished_at = ?
		WHERE session_id = ? AND status NOT IN ('completed', 'failed', 'interrupted')`,
		time.Now(), sessionID); err != nil {
		return fmt.Errorf("failed to mark cycles interrupted: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recovery: %w", err)
	}
	return nil
}

// SaveBaseReport stores the evaluation report a session starts from.
func (s *SQLiteStorage) SaveBaseReport(ctx context.Context, sessionID string, r *report.Report) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO base_reports (session_id, report) VALUES (?, ?)
		ON CONFLICT(session_id) DO UPDATE SET report = excluded.report`,
		sessionID, string(b))
	if err != nil {
		return fmt.Errorf("failed to save base report: %w", err)
	}
	return nil
}

// GetBaseReport retrieves a session's base report.
func (s *SQLiteStorage) GetBaseReport(ctx context.Context, sessionID string) (*report.Report, error) {
	var b string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM base_reports WHERE session_id = ?`, sessionID).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get base report: %w", err)
	}

	var r report.Report
	if err := json.Unmarshal([]byte(b), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &r, nil
}

// nullable converts empty strings to NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime converts zero times to NULL.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
