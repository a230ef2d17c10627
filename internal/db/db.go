package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a script or task does not exist
	ErrNotFound = errors.New("db: not found")

	// ErrInvalidTransition is returned when a task status change is not allowed,
	// most often because the task already reached a terminal state
	ErrInvalidTransition = errors.New("db: invalid task transition")

	// ErrDuplicateName is returned when a script name is already taken
	ErrDuplicateName = errors.New("db: duplicate script name")

	// ErrAlreadyQueued is returned when a task already carries a job id
	ErrAlreadyQueued = errors.New("db: task already queued")
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scripts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		cron_expr TEXT NOT NULL DEFAULT '',
		device_uri TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_run_at DATETIME,
		next_run_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		script_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		log TEXT NOT NULL DEFAULT '',
		latest_screenshot TEXT NOT NULL DEFAULT '',
		device_uri TEXT NOT NULL,
		external_job_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME,
		completed_at DATETIME,
		FOREIGN KEY (script_id) REFERENCES scripts(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_script_id ON tasks(script_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

const scriptColumns = `id, name, description, content, cron_expr, device_uri, enabled, created_at, updated_at, last_run_at, next_run_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanScript(row scanner) (*Script, error) {
	s := &Script{}
	var content string
	err := row.Scan(&s.ID, &s.Name, &s.Description, &content, &s.CronExpr, &s.DeviceURI, &s.Enabled,
		&s.CreatedAt, &s.UpdatedAt, &s.LastRunAt, &s.NextRunAt)
	if err != nil {
		return nil, err
	}
	s.Content = []byte(content)
	return s, nil
}

// CreateScript creates a new script
func (db *DB) CreateScript(ctx context.Context, s *Script) error {
	now := time.Now()
	result, err := db.conn.ExecContext(ctx, `
		INSERT INTO scripts (name, description, content, cron_expr, device_uri, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.Name, s.Description, string(s.Content), s.CronExpr, s.DeviceURI, s.Enabled, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = id
	s.CreatedAt = now
	s.UpdatedAt = now
	return nil
}

// GetScript retrieves a script by ID
func (db *DB) GetScript(ctx context.Context, id int64) (*Script, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, id)
	s, err := scanScript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// GetScriptByName retrieves a script by its unique name
func (db *DB) GetScriptByName(ctx context.Context, name string) (*Script, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE name = ?`, name)
	s, err := scanScript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListScripts retrieves all scripts, newest first
func (db *DB) ListScripts(ctx context.Context) ([]*Script, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+scriptColumns+` FROM scripts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scripts []*Script
	for rows.Next() {
		s, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, s)
	}
	return scripts, rows.Err()
}

// UpdateScript updates a script
func (db *DB) UpdateScript(ctx context.Context, s *Script) error {
	s.UpdatedAt = time.Now()
	result, err := db.conn.ExecContext(ctx, `
		UPDATE scripts SET name = ?, description = ?, content = ?, cron_expr = ?, device_uri = ?, enabled = ?,
			updated_at = ?, last_run_at = ?, next_run_at = ?
		WHERE id = ?
	`, s.Name, s.Description, string(s.Content), s.CronExpr, s.DeviceURI, s.Enabled, s.UpdatedAt, s.LastRunAt, s.NextRunAt, s.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return err
	}
	return expectRow(result)
}

// SetScriptLastRun records when a task of the script last finished
func (db *DB) SetScriptLastRun(ctx context.Context, id int64, at time.Time) error {
	result, err := db.conn.ExecContext(ctx, `UPDATE scripts SET last_run_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// SetScriptNextRun records the scheduler's next fire time; nil clears it
func (db *DB) SetScriptNextRun(ctx context.Context, id int64, at *time.Time) error {
	result, err := db.conn.ExecContext(ctx, `UPDATE scripts SET next_run_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// DeleteScript deletes a script and, by cascade, its tasks
func (db *DB) DeleteScript(ctx context.Context, id int64) error {
	result, err := db.conn.ExecContext(ctx, "DELETE FROM scripts WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectRow(result)
}

const taskColumns = `t.id, t.script_id, s.name, t.status, t.log, t.latest_screenshot, t.device_uri, t.external_job_id,
	t.created_at, t.started_at, t.completed_at`

const taskFrom = ` FROM tasks t JOIN scripts s ON s.id = t.script_id`

func scanTask(row scanner) (*Task, error) {
	t := &Task{}
	err := row.Scan(&t.ID, &t.ScriptID, &t.ScriptName, &t.Status, &t.Log, &t.LatestScreenshot, &t.DeviceURI,
		&t.ExternalJobID, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTask creates a new PENDING task for a script
func (db *DB) CreateTask(ctx context.Context, t *Task) error {
	now := time.Now()
	if t.Status == "" {
		t.Status = TaskPending
	}
	result, err := db.conn.ExecContext(ctx, `
		INSERT INTO tasks (script_id, status, log, device_uri, external_job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ScriptID, t.Status, t.Log, t.DeviceURI, t.ExternalJobID, now)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = id
	t.CreatedAt = now
	return nil
}

// GetTask retrieves a task by ID
func (db *DB) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+taskColumns+taskFrom+` WHERE t.id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTasks retrieves tasks, newest first
func (db *DB) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + taskFrom
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "t.status = ?")
		args = append(args, filter.Status)
	}
	if filter.ScriptID != 0 {
		where = append(where, "t.script_id = ?")
		args = append(args, filter.ScriptID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY t.created_at DESC, t.id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountTasksByStatus returns the number of tasks in each status
func (db *DB) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int64, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// SetTaskJob records the job queue reference used for out-of-band termination.
// A task gets at most one job; ErrAlreadyQueued is returned when it has one.
func (db *DB) SetTaskJob(ctx context.Context, id int64, jobID string) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE tasks SET external_job_id = ? WHERE id = ? AND external_job_id = ''`, jobID, id)
	if err != nil {
		return err
	}
	if err := expectRow(result); err != nil {
		if _, getErr := db.GetTask(ctx, id); getErr != nil {
			return getErr
		}
		return ErrAlreadyQueued
	}
	return nil
}

// ClearTaskJob forgets jobID when the job never reached the queue
func (db *DB) ClearTaskJob(ctx context.Context, id int64, jobID string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE tasks SET external_job_id = '' WHERE id = ? AND external_job_id = ?`, id, jobID)
	return err
}

// AppendTaskLog appends one line to the task log and returns the stored record.
// Only the log column is written so a concurrent status change is never lost.
func (db *DB) AppendTaskLog(ctx context.Context, id int64, line string) (*Task, error) {
	result, err := db.conn.ExecContext(ctx, `UPDATE tasks SET log = log || ? WHERE id = ?`, line+"\n", id)
	if err != nil {
		return nil, err
	}
	if err := expectRow(result); err != nil {
		return nil, err
	}
	return db.GetTask(ctx, id)
}

// SetTaskScreenshot stores the latest screenshot path and returns the stored record
func (db *DB) SetTaskScreenshot(ctx context.Context, id int64, path string) (*Task, error) {
	result, err := db.conn.ExecContext(ctx, `UPDATE tasks SET latest_screenshot = ? WHERE id = ?`, path, id)
	if err != nil {
		return nil, err
	}
	if err := expectRow(result); err != nil {
		return nil, err
	}
	return db.GetTask(ctx, id)
}

// TransitionTask moves a task to status `to`, appending line to the log in the same write.
//
// The update only applies when the current status may transition to `to`; otherwise
// ErrInvalidTransition is returned and nothing is written. started_at is set when entering
// RUNNING and completed_at when entering a terminal state, each at most once.
func (db *DB) TransitionTask(ctx context.Context, id int64, to TaskStatus, line string, at time.Time) (*Task, error) {
	sources := transitionSources[to]
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: nothing transitions to %s", ErrInvalidTransition, to)
	}

	var startedAt, completedAt any
	if to == TaskRunning {
		startedAt = at
	}
	if to.IsTerminal() {
		completedAt = at
	}
	if line != "" {
		line += "\n"
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sources)), ",")
	args := []any{to, line, startedAt, completedAt, id}
	for _, s := range sources {
		args = append(args, s)
	}

	result, err := db.conn.ExecContext(ctx, `
		UPDATE tasks SET status = ?, log = log || ?,
			started_at = COALESCE(started_at, ?),
			completed_at = COALESCE(completed_at, ?)
		WHERE id = ? AND status IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		current, err := db.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}
	return db.GetTask(ctx, id)
}

func expectRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
