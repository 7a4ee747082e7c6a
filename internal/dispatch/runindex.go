package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"relaybot/pkg/logx"
)

// RunIndex is a queryable SQLite index over completed runs. The per-run log
// files stay authoritative; the index only exists so `scheduler -history`
// and operators don't have to grep a directory of logs.
type RunIndex struct {
	db  *sql.DB
	log logx.Logger
}

const runIndexSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	task        TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	schedule    TEXT NOT NULL,
	project_dir TEXT,
	exit_code   INTEGER NOT NULL,
	cost_usd    REAL NOT NULL,
	duration_ms INTEGER NOT NULL,
	is_error    INTEGER NOT NULL,
	log_path    TEXT
);
CREATE INDEX IF NOT EXISTS runs_task_started ON runs(task, started_at);
`

func OpenRunIndex(path string, log logx.Logger) (*RunIndex, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("run index path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(runIndexSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &RunIndex{db: db, log: log}, nil
}

func (x *RunIndex) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	return x.db.Close()
}

func (x *RunIndex) Record(ctx context.Context, r Result) error {
	if x == nil || x.db == nil {
		return nil
	}
	isErr := 0
	if r.Response.IsError {
		isErr = 1
	}
	_, err := x.db.ExecContext(ctx,
		`INSERT INTO runs(id, task, started_at, schedule, project_dir, exit_code, cost_usd, duration_ms, is_error, log_path)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.RunID, r.Task.Name, r.StartedAt.Format(time.RFC3339Nano), r.Task.Schedule,
		r.Task.ProjectDir, r.Response.ExitCode, r.Response.CostUSD, r.Response.DurationMS,
		isErr, r.LogPath,
	)
	return err
}

// RunRecord is a row read back from the index.
type RunRecord struct {
	RunID     string
	Task      string
	StartedAt time.Time
	Schedule  string
	ExitCode  int
	CostUSD   float64
	IsError   bool
	LogPath   string
}

// Recent returns the newest runs, most recent first.
func (x *RunIndex) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	if x == nil || x.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := x.db.QueryContext(ctx,
		`SELECT id, task, started_at, schedule, exit_code, cost_usd, is_error, log_path
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec     RunRecord
			started string
			isErr   int
			logPath sql.NullString
		)
		if err := rows.Scan(&rec.RunID, &rec.Task, &started, &rec.Schedule, &rec.ExitCode, &rec.CostUSD, &isErr, &logPath); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			rec.StartedAt = ts
		}
		rec.IsError = isErr == 1
		rec.LogPath = logPath.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
