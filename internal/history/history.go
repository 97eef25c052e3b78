// Package history keeps a sqlite index of finished runs.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sourceplane/podci/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// FileName is the index file inside the state directory.
const FileName = "history.db"

// Entry is one indexed run
type Entry struct {
	RunID        string
	Project      string
	Job          string
	Profile      string
	EnvID        string
	StartedAt    time.Time
	OK           bool
	ExitCode     int
	StepCount    int
	FailedStep   string
	ManifestPath string
}

// EntryFromManifest summarizes a written manifest.
func EntryFromManifest(m *model.Manifest, manifestPath string) Entry {
	e := Entry{
		RunID:        m.RunID,
		Project:      m.Project,
		Job:          m.Job,
		Profile:      m.Profile,
		EnvID:        m.EnvID,
		OK:           m.Result.OK,
		ExitCode:     m.Result.ExitCode,
		StepCount:    len(m.Steps),
		ManifestPath: manifestPath,
	}
	if ts, err := time.Parse(time.RFC3339, m.TimestampUTC); err == nil {
		e.StartedAt = ts.UTC()
	}
	for _, s := range m.Steps {
		if s.Status == model.StepFailed {
			e.FailedStep = s.Name
			break
		}
	}
	return e
}

// Store is the sqlite-backed history index
type Store struct {
	db *sql.DB
}

// Open creates or opens the index at path, creating parent directories.
// It is safe to call on an existing database.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}

	// One writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts e, replacing any earlier entry with the same run id.
func (s *Store) Record(ctx context.Context, e Entry) error {
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, project, job, profile, env_id, started_at, ok, exit_code, step_count, failed_step, manifest_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			project = excluded.project,
			job = excluded.job,
			profile = excluded.profile,
			env_id = excluded.env_id,
			started_at = excluded.started_at,
			ok = excluded.ok,
			exit_code = excluded.exit_code,
			step_count = excluded.step_count,
			failed_step = excluded.failed_step,
			manifest_path = excluded.manifest_path`,
		e.RunID, e.Project, e.Job, e.Profile, e.EnvID,
		e.StartedAt.UTC().Format(time.RFC3339), ok, e.ExitCode, e.StepCount, e.FailedStep, e.ManifestPath,
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", e.RunID, err)
	}
	return nil
}

// List returns up to limit entries, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT run_id, project, job, profile, env_id, started_at, ok, exit_code, step_count, failed_step, manifest_path
		FROM runs ORDER BY started_at DESC, run_id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			started string
			ok      int
		)
		if err := rows.Scan(&e.RunID, &e.Project, &e.Job, &e.Profile, &e.EnvID, &started, &ok, &e.ExitCode, &e.StepCount, &e.FailedStep, &e.ManifestPath); err != nil {
			return nil, fmt.Errorf("failed to scan run history: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339, started); err == nil {
			e.StartedAt = ts
		}
		e.OK = ok == 1
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read run history: %w", err)
	}
	return out, nil
}
