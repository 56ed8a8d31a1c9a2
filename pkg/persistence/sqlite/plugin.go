package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/osvaldoandrade/pixelq/pkg/domain"
	"github.com/osvaldoandrade/pixelq/pkg/persistence"

	"modernc.org/sqlite"
)

const (
	sqliteConstraint           = 19
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
  job_id TEXT PRIMARY KEY,
  start_time INTEGER NOT NULL,         -- unix ms
  end_time INTEGER,                    -- unix ms, set once on terminal status
  status TEXT CHECK(status IN ('PROCESSING', 'COMPLETED', 'FAILED')) NOT NULL,
  num_images INTEGER NOT NULL,
  trace_parent TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_jobs_start ON jobs(start_time);

CREATE TABLE IF NOT EXISTS tasks (
  task_id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
  image_name TEXT NOT NULL,
  status TEXT CHECK(status IN ('PENDING', 'PROCESSING', 'COMPLETED', 'FAILED')) NOT NULL,
  output_file TEXT,
  error TEXT,
  start_time INTEGER NOT NULL,
  end_time INTEGER,
  UNIQUE(job_id, image_name)
);

CREATE INDEX IF NOT EXISTS idx_tasks_job_status ON tasks(job_id, status);
`

// Config holds SQLite-specific configuration
type Config struct {
	Path string `json:"path"`
}

// Plugin implements JobStore on a single SQLite database file.
//
// The pool is limited to one connection, so every statement and transaction
// is serialized by database/sql. UpdateTask and the completion check that
// follows it run in one transaction.
type Plugin struct {
	db *sql.DB
	tz *time.Location
}

// NewPlugin opens (creating if needed) the database and applies the schema
func NewPlugin(config persistence.PluginConfig) (persistence.JobStore, error) {
	var cfg Config
	if len(config.Config) > 0 {
		if err := json.Unmarshal(config.Config, &cfg); err != nil {
			return nil, fmt.Errorf("sqlite config: %w", err)
		}
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "master.db"
	}
	tz := config.Timezone
	if tz == nil {
		tz = time.UTC
	}
	return Open(cfg.Path, tz)
}

// Open opens the database at path and initializes the schema.
func Open(path string, tz *time.Location) (*Plugin, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Plugin{db: db, tz: tz}, nil
}

func init() {
	persistence.RegisterProvider("sqlite", NewPlugin)
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func initSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(schemaSQL); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqliteConstraint || code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
	}
	return false
}

func (p *Plugin) now() time.Time { return time.Now().In(p.tz) }

func (p *Plugin) fromMillis(ms int64) time.Time { return time.UnixMilli(ms).In(p.tz) }

func (p *Plugin) fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := p.fromMillis(ms.Int64)
	return &t
}

func (p *Plugin) CreateJob(ctx context.Context, job *domain.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	status := job.Status
	if status == "" {
		status = domain.JobProcessing
	}
	start := job.StartTime
	if start.IsZero() {
		start = p.now()
	}
	var end any
	if job.EndTime != nil {
		end = job.EndTime.UnixMilli()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, start_time, end_time, status, num_images, trace_parent) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, start.UnixMilli(), end, string(status), job.TotalItems, job.TraceParent)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("job %s: %w", job.ID, persistence.ErrAlreadyExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (p *Plugin) CreateTask(ctx context.Context, jobID, itemName string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := jobExists(ctx, tx, jobID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (job_id, image_name, status, start_time) VALUES (?, ?, ?, ?)`,
		jobID, itemName, string(domain.TaskPending), p.now().UnixMilli())
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("task %s/%s: %w", jobID, itemName, persistence.ErrAlreadyExists)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return tx.Commit()
}

func jobExists(ctx context.Context, tx *sql.Tx, jobID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, jobID).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("job %s: %w", jobID, persistence.ErrNotFound)
	}
	return err
}

func (p *Plugin) UpdateTask(ctx context.Context, jobID, itemName string, status domain.TaskStatus, outputOrReason string) (*domain.Job, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := jobExists(ctx, tx, jobID); err != nil {
		return nil, err
	}

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM tasks WHERE job_id = ? AND image_name = ?`, jobID, itemName).Scan(&current)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s/%s: %w", jobID, itemName, persistence.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	if !domain.TaskStatus(current).CanTransition(status) {
		return nil, fmt.Errorf("task %s/%s %s -> %s: %w", jobID, itemName, current, status, persistence.ErrInvalidTransition)
	}

	nowMs := p.now().UnixMilli()
	var output, reason, end any
	switch status {
	case domain.TaskCompleted:
		output = outputOrReason
	case domain.TaskFailed:
		reason = outputOrReason
	}
	if status.Terminal() {
		end = nowMs
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, output_file = COALESCE(?, output_file), error = COALESCE(?, error), end_time = COALESCE(?, end_time)
		 WHERE job_id = ? AND image_name = ?`,
		string(status), output, reason, end, jobID, itemName); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE job_id = ? AND status != 'COMPLETED'`, jobID).Scan(&remaining); err != nil {
		return nil, fmt.Errorf("count remaining: %w", err)
	}
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'COMPLETED', end_time = ? WHERE job_id = ? AND status = 'PROCESSING'`,
			nowMs, jobID); err != nil {
			return nil, fmt.Errorf("complete job: %w", err)
		}
	}

	job, err := p.scanJob(tx.QueryRowContext(ctx, selectJobSQL+` WHERE job_id = ?`, jobID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

func (p *Plugin) FailJob(ctx context.Context, jobID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE job_id = ?`, jobID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("job %s: %w", jobID, persistence.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if domain.JobStatus(status) != domain.JobProcessing {
		return fmt.Errorf("job %s is %s: %w", jobID, status, persistence.ErrInvalidTransition)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'FAILED', end_time = ? WHERE job_id = ?`, p.now().UnixMilli(), jobID); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return tx.Commit()
}

const selectJobSQL = `SELECT job_id, start_time, end_time, status, num_images, trace_parent FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *Plugin) scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job    domain.Job
		start  int64
		end    sql.NullInt64
		status string
	)
	if err := row.Scan(&job.ID, &start, &end, &status, &job.TotalItems, &job.TraceParent); err != nil {
		if err == sql.ErrNoRows {
			return nil, persistence.ErrNotFound
		}
		return nil, err
	}
	job.StartTime = p.fromMillis(start)
	job.EndTime = p.fromNullMillis(end)
	job.Status = domain.JobStatus(status)
	return &job, nil
}

func (p *Plugin) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := p.scanJob(p.db.QueryRowContext(ctx, selectJobSQL+` WHERE job_id = ?`, jobID))
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("job %s: %w", jobID, persistence.ErrNotFound)
	}
	return job, err
}

func (p *Plugin) ListTasks(ctx context.Context, jobID string) ([]domain.Task, error) {
	if _, err := p.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT task_id, job_id, image_name, status, output_file, error, start_time, end_time
		 FROM tasks WHERE job_id = ? ORDER BY task_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var (
			task           domain.Task
			status         string
			output, reason sql.NullString
			start          int64
			end            sql.NullInt64
		)
		if err := rows.Scan(&task.ID, &task.JobID, &task.ItemName, &status, &output, &reason, &start, &end); err != nil {
			return nil, err
		}
		task.Status = domain.TaskStatus(status)
		task.OutputFile = output.String
		task.Error = reason.String
		task.StartTime = p.fromMillis(start)
		task.EndTime = p.fromNullMillis(end)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (p *Plugin) ListJobsWithProgress(ctx context.Context) ([]domain.JobProgress, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT j.job_id, j.start_time, j.status, j.num_images,
  (SELECT COUNT(*) FROM tasks t WHERE t.job_id = j.job_id AND t.status = 'COMPLETED') AS completed,
  (SELECT COUNT(*) FROM tasks t WHERE t.job_id = j.job_id AND t.status = 'FAILED') AS failed
FROM jobs j
ORDER BY j.start_time DESC, j.job_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JobProgress
	for rows.Next() {
		var (
			prog   domain.JobProgress
			start  int64
			status string
		)
		if err := rows.Scan(&prog.JobID, &start, &status, &prog.Total, &prog.Completed, &prog.Failed); err != nil {
			return nil, err
		}
		prog.StartTime = p.fromMillis(start)
		prog.Status = domain.JobStatus(status)
		out = append(out, prog)
	}
	return out, rows.Err()
}

func (p *Plugin) DeleteJob(ctx context.Context, jobID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", jobID, persistence.ErrNotFound)
	}
	return nil
}

// Health pings the database
func (p *Plugin) Health(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the database handle
func (p *Plugin) Close() error {
	return p.db.Close()
}
