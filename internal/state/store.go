// Package state is the durability boundary for sessions, task runs, and work
// items. Every mutating call writes through to sqlite before returning so a
// process crash never loses port ownership or run history.
package state

import (
	"database/sql"
	"errors"
	"time"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) UpsertSession(rec SessionRecord) error {
	now := time.Now().UTC().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	if rec.LastActivityAt == 0 {
		rec.LastActivityAt = now
	}
	if rec.Status == "" {
		rec.Status = SessionStatusActive
	}
	_, err := s.db.Exec(`
INSERT INTO sessions(session_id, backend_id, status, has_ports, control_port, display_port, server_url, display_url, has_run_task, created_at, last_activity_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  status = excluded.status,
  server_url = excluded.server_url,
  display_url = excluded.display_url,
  has_run_task = excluded.has_run_task,
  last_activity_at = excluded.last_activity_at
`, rec.SessionID, rec.BackendID, rec.Status, rec.HasPorts, rec.ControlPort, rec.DisplayPort,
		rec.ServerURL, rec.DisplayURL, rec.HasRunTask, rec.CreatedAt, rec.LastActivityAt)
	return err
}

func (s *Store) DeleteSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

func (s *Store) TouchSession(sessionID string, at int64) error {
	_, err := s.db.Exec(`UPDATE sessions SET last_activity_at = ? WHERE session_id = ?`, at, sessionID)
	return err
}

func (s *Store) MarkSessionTaskRun(sessionID string) error {
	_, err := s.db.Exec(`UPDATE sessions SET has_run_task = 1 WHERE session_id = ?`, sessionID)
	return err
}

func (s *Store) ListActiveSessions(backendID string) ([]SessionRecord, error) {
	rows, err := s.db.Query(`
SELECT session_id, backend_id, status, has_ports, control_port, display_port, server_url, display_url, has_run_task, created_at, last_activity_at
FROM sessions
WHERE backend_id = ? AND status = ?
ORDER BY created_at ASC, session_id ASC
`, backendID, SessionStatusActive)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

func (s *Store) ListAllActiveSessions() ([]SessionRecord, error) {
	rows, err := s.db.Query(`
SELECT session_id, backend_id, status, has_ports, control_port, display_port, server_url, display_url, has_run_task, created_at, last_activity_at
FROM sessions
WHERE status = ?
ORDER BY created_at ASC, session_id ASC
`, SessionStatusActive)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]SessionRecord, error) {
	out := []SessionRecord{}
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.SessionID, &rec.BackendID, &rec.Status, &rec.HasPorts,
			&rec.ControlPort, &rec.DisplayPort, &rec.ServerURL, &rec.DisplayURL,
			&rec.HasRunTask, &rec.CreatedAt, &rec.LastActivityAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) InsertRun(rec RunRecord) error {
	now := time.Now().UTC().Unix()
	if rec.StartedAt == 0 {
		rec.StartedAt = now
	}
	if rec.Status == "" {
		rec.Status = RunStatusPending
	}
	_, err := s.db.Exec(`
INSERT INTO task_runs(task_id, session_id, backend_id, task_text, status, server_url, display_url, last_error, started_at, completed_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.TaskID, rec.SessionID, rec.BackendID, rec.TaskText, rec.Status,
		rec.ServerURL, rec.DisplayURL, rec.LastError, rec.StartedAt, rec.CompletedAt, now)
	return err
}

func (s *Store) UpdateRunStatus(taskID, status string, completedAt int64, lastError string) error {
	_, err := s.db.Exec(`
UPDATE task_runs
SET status = ?, completed_at = ?, last_error = ?, updated_at = ?
WHERE task_id = ?
`, status, completedAt, lastError, time.Now().UTC().Unix(), taskID)
	return err
}

func (s *Store) UpdateRunEndpoints(taskID, serverURL, displayURL string) error {
	_, err := s.db.Exec(`
UPDATE task_runs
SET server_url = ?, display_url = ?, updated_at = ?
WHERE task_id = ?
`, serverURL, displayURL, time.Now().UTC().Unix(), taskID)
	return err
}

func (s *Store) GetRun(taskID string) (RunRecord, error) {
	var rec RunRecord
	err := s.db.QueryRow(`
SELECT task_id, session_id, backend_id, task_text, status, server_url, display_url, last_error, started_at, completed_at, updated_at
FROM task_runs
WHERE task_id = ?
`, taskID).Scan(&rec.TaskID, &rec.SessionID, &rec.BackendID, &rec.TaskText, &rec.Status,
		&rec.ServerURL, &rec.DisplayURL, &rec.LastError, &rec.StartedAt, &rec.CompletedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, err
	}
	return rec, nil
}

func (s *Store) ListRuns(status string) ([]RunRecord, error) {
	query := `
SELECT task_id, session_id, backend_id, task_text, status, server_url, display_url, last_error, started_at, completed_at, updated_at
FROM task_runs
`
	args := []any{}
	if status != "" {
		query += `WHERE status = ?
`
		args = append(args, status)
	}
	query += `ORDER BY started_at DESC, task_id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []RunRecord{}
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.TaskID, &rec.SessionID, &rec.BackendID, &rec.TaskText, &rec.Status,
			&rec.ServerURL, &rec.DisplayURL, &rec.LastError, &rec.StartedAt, &rec.CompletedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) AppendRunEvent(taskID, kind, message string, at int64) error {
	if at == 0 {
		at = time.Now().UTC().Unix()
	}
	_, err := s.db.Exec(`
INSERT INTO run_events(task_id, kind, message, created_at)
VALUES (?, ?, ?, ?)
`, taskID, kind, message, at)
	return err
}

func (s *Store) ListRunEvents(taskID string) ([]RunEventRecord, error) {
	rows, err := s.db.Query(`
SELECT id, task_id, kind, message, created_at
FROM run_events
WHERE task_id = ?
ORDER BY id ASC
`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []RunEventRecord{}
	for rows.Next() {
		var rec RunEventRecord
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Kind, &rec.Message, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
