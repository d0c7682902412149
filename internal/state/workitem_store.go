package state

import (
	"database/sql"
	"errors"
	"time"
)

func (s *Store) UpsertWorkItem(rec WorkItemRecord) error {
	now := time.Now().UTC().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = ItemStatusReady
	}
	if rec.StepsJSON == "" {
		rec.StepsJSON = "[]"
	}
	_, err := s.db.Exec(`
INSERT INTO work_items(item_id, reference, title, steps_json, status, total_runs, pass_count, fail_count, avg_duration_secs, last_duration_secs, last_result, last_run_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(item_id) DO UPDATE SET
  reference = excluded.reference,
  title = excluded.title,
  steps_json = excluded.steps_json,
  status = excluded.status,
  total_runs = excluded.total_runs,
  pass_count = excluded.pass_count,
  fail_count = excluded.fail_count,
  avg_duration_secs = excluded.avg_duration_secs,
  last_duration_secs = excluded.last_duration_secs,
  last_result = excluded.last_result,
  last_run_at = excluded.last_run_at,
  updated_at = excluded.updated_at
`, rec.ItemID, rec.Reference, rec.Title, rec.StepsJSON, rec.Status,
		rec.TotalRuns, rec.PassCount, rec.FailCount, rec.AvgDurationSecs, rec.LastDurationSec,
		rec.LastResult, rec.LastRunAt, rec.CreatedAt, now)
	return err
}

func (s *Store) GetWorkItem(itemID string) (WorkItemRecord, error) {
	var rec WorkItemRecord
	err := s.db.QueryRow(`
SELECT item_id, reference, title, steps_json, status, total_runs, pass_count, fail_count, avg_duration_secs, last_duration_secs, last_result, last_run_at, created_at, updated_at
FROM work_items
WHERE item_id = ?
`, itemID).Scan(&rec.ItemID, &rec.Reference, &rec.Title, &rec.StepsJSON, &rec.Status,
		&rec.TotalRuns, &rec.PassCount, &rec.FailCount, &rec.AvgDurationSecs, &rec.LastDurationSec,
		&rec.LastResult, &rec.LastRunAt, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkItemRecord{}, ErrNotFound
	}
	if err != nil {
		return WorkItemRecord{}, err
	}
	return rec, nil
}

func (s *Store) ListWorkItems() ([]WorkItemRecord, error) {
	rows, err := s.db.Query(`
SELECT item_id, reference, title, steps_json, status, total_runs, pass_count, fail_count, avg_duration_secs, last_duration_secs, last_result, last_run_at, created_at, updated_at
FROM work_items
ORDER BY created_at ASC, item_id ASC
`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []WorkItemRecord{}
	for rows.Next() {
		var rec WorkItemRecord
		if err := rows.Scan(&rec.ItemID, &rec.Reference, &rec.Title, &rec.StepsJSON, &rec.Status,
			&rec.TotalRuns, &rec.PassCount, &rec.FailCount, &rec.AvgDurationSecs, &rec.LastDurationSec,
			&rec.LastResult, &rec.LastRunAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UpdateWorkItemStatus(itemID, status string) error {
	_, err := s.db.Exec(`
UPDATE work_items SET status = ?, updated_at = ? WHERE item_id = ?
`, status, time.Now().UTC().Unix(), itemID)
	return err
}

// AppendWorkItemRun inserts a history record and trims the item's history to
// the newest keep rows inside one transaction.
func (s *Store) AppendWorkItemRun(rec WorkItemRunRecord, keep int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if rec.StartedAt == 0 {
		rec.StartedAt = time.Now().UTC().Unix()
	}
	if rec.StepResultsJSON == "" {
		rec.StepResultsJSON = "[]"
	}
	if _, err := tx.Exec(`
INSERT INTO work_item_runs(item_id, run_id, result, duration_secs, step_results_json, started_at)
VALUES (?, ?, ?, ?, ?, ?)
`, rec.ItemID, rec.RunID, rec.Result, rec.DurationSecs, rec.StepResultsJSON, rec.StartedAt); err != nil {
		return err
	}

	if keep > 0 {
		if _, err := tx.Exec(`
DELETE FROM work_item_runs
WHERE item_id = ? AND id NOT IN (
  SELECT id FROM work_item_runs WHERE item_id = ? ORDER BY id DESC LIMIT ?
)
`, rec.ItemID, rec.ItemID, keep); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListWorkItemRuns(itemID string, limit int) ([]WorkItemRunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
SELECT id, item_id, run_id, result, duration_secs, step_results_json, started_at
FROM work_item_runs
WHERE item_id = ?
ORDER BY id DESC
LIMIT ?
`, itemID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []WorkItemRunRecord{}
	for rows.Next() {
		var rec WorkItemRunRecord
		if err := rows.Scan(&rec.ID, &rec.ItemID, &rec.RunID, &rec.Result, &rec.DurationSecs,
			&rec.StepResultsJSON, &rec.StartedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResetInterruptedWorkItems requeues items a crash left mid-run.
func (s *Store) ResetInterruptedWorkItems() (int64, error) {
	res, err := s.db.Exec(`
UPDATE work_items SET status = ?, updated_at = ? WHERE status = ?
`, ItemStatusQueued, time.Now().UTC().Unix(), ItemStatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
