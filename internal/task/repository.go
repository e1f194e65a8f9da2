package task

import (
	"database/sql"
	"errors"
	"time"
)

// InitTable creates the tasks and task_item tables if they don't exist
func (m *Manager) InitTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		original_url TEXT NOT NULL,
		out_file TEXT NOT NULL,
		run_id TEXT,
		segments INTEGER NOT NULL DEFAULT 0,
		bytes INTEGER NOT NULL DEFAULT 0,
		created_time DATETIME,
		updated_time DATETIME,
		status TEXT,
		last_error TEXT
	);

	CREATE TABLE IF NOT EXISTS task_item (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		pathname TEXT NOT NULL,
		url TEXT NOT NULL,
		length INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		created_time DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_task_item_task_id ON task_item(task_id);
	`
	_, err := m.db.Exec(query)
	return err
}

const taskColumns = `id, original_url, out_file, run_id, segments, bytes, created_time, updated_time, status, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (TaskMetadata, error) {
	var meta TaskMetadata
	var runID, lastErr sql.NullString
	err := row.Scan(&meta.ID, &meta.OriginalURL, &meta.OutFile, &runID, &meta.Segments, &meta.Bytes,
		&meta.CreatedTime, &meta.UpdatedTime, &meta.Status, &lastErr)
	meta.RunID = runID.String
	meta.LastError = lastErr.String
	return meta, err
}

func (m *Manager) CreateTask(meta TaskMetadata) error {
	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := m.db.Exec(query, meta.ID, meta.OriginalURL, meta.OutFile, meta.RunID, meta.Segments, meta.Bytes,
		meta.CreatedTime, meta.UpdatedTime, meta.Status, meta.LastError)
	return err
}

// GetTask returns ErrTaskNotFound for an unknown id.
func (m *Manager) GetTask(id string) (*TaskMetadata, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	meta, err := scanTask(m.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (m *Manager) UpdateTaskStatus(id, status, lastError string) error {
	query := `UPDATE tasks SET status = ?, last_error = ?, updated_time = ? WHERE id = ?`
	_, err := m.db.Exec(query, status, lastError, time.Now(), id)
	return err
}

// StartRun marks the task as downloading under a new session id.
func (m *Manager) StartRun(id, runID string) error {
	query := `UPDATE tasks SET status = ?, run_id = ?, last_error = '', updated_time = ? WHERE id = ?`
	_, err := m.db.Exec(query, StatusDownloading, runID, time.Now(), id)
	return err
}

func (m *Manager) ListTasksDB() ([]TaskMetadata, error) {
	return m.queryTasks(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_time DESC`)
}

func (m *Manager) GetTasksByStatus(status string) ([]TaskMetadata, error) {
	return m.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_time`, status)
}

func (m *Manager) queryTasks(query string, args ...any) ([]TaskMetadata, error) {
	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []TaskMetadata
	for rows.Next() {
		meta, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, meta)
	}
	return tasks, rows.Err()
}

func (m *Manager) DeleteTaskDB(id string) error {
	query := `DELETE FROM tasks WHERE id = ?`
	_, err := m.db.Exec(query, id)
	return err
}

// CheckTaskExists checks if a task exists and returns its status
func (m *Manager) CheckTaskExists(id string) (bool, string, error) {
	query := `SELECT status FROM tasks WHERE id = ?`
	var status string
	err := m.db.QueryRow(query, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, status, nil
}

// Task Item operations

// RecordTaskItem stores a delivered segment and the task's new totals in one
// transaction.
func (m *Manager) RecordTaskItem(taskID string, item TaskItem) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO task_item (task_id, seq, pathname, url, length, end_offset, created_time) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		taskID, item.Seq, item.Pathname, item.URL, item.Length, item.Offset, time.Now())
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE tasks SET segments = segments + 1, bytes = ?, updated_time = ? WHERE id = ?`,
		item.Offset, time.Now(), taskID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetTaskItems returns all task items for a given task in output order
func (m *Manager) GetTaskItems(taskID string) ([]TaskItem, error) {
	query := `SELECT seq, pathname, url, length, end_offset FROM task_item WHERE task_id = ? ORDER BY end_offset, id`
	rows, err := m.db.Query(query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []TaskItem
	for rows.Next() {
		var item TaskItem
		if err := rows.Scan(&item.Seq, &item.Pathname, &item.URL, &item.Length, &item.Offset); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// TruncateTaskItems drops items past offset, the part of the output a resumed
// session rewrites, and recomputes the task totals.
func (m *Manager) TruncateTaskItems(taskID string, offset int64) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM task_item WHERE task_id = ? AND end_offset > ?`, taskID, offset); err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE tasks SET
		segments = (SELECT COUNT(*) FROM task_item WHERE task_id = ?),
		bytes = ?,
		updated_time = ?
		WHERE id = ?`, taskID, offset, time.Now(), taskID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteTaskItems removes all task items for a given task
func (m *Manager) DeleteTaskItems(taskID string) error {
	query := `DELETE FROM task_item WHERE task_id = ?`
	_, err := m.db.Exec(query, taskID)
	return err
}
