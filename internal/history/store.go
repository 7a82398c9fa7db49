// Package history persists the bounded run archive: one row per accepted
// pipeline run plus the image-number sequence shared with the file layout.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("history: run not found")

// Run states. Every accepted run terminates as completed or aborted.
const (
	RunStateRunning   = "running"
	RunStateCompleted = "completed"
	RunStateAborted   = "aborted"
)

// Run is one capture-to-output cycle.
type Run struct {
	ID          int64      `json:"id"`
	Trigger     string     `json:"trigger"`
	State       string     `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	Error       string     `json:"error,omitempty"`
	ImageNumber int        `json:"image_number"`
	ImagePath   string     `json:"image_path,omitempty"`
	SketchPath  string     `json:"sketch_path,omitempty"`
	Printed     bool       `json:"printed"`
}

type Store struct {
	db             *sql.DB
	logger         *slog.Logger
	limit          int
	maxImageNumber int
}

func New(ctx context.Context, dbPath string, limit, maxImageNumber int, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s := &Store{db: db, logger: logger, limit: limit, maxImageNumber: maxImageNumber}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trigger_source TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			labels_json TEXT NOT NULL DEFAULT '[]',
			error TEXT NOT NULL DEFAULT '',
			image_number INTEGER NOT NULL,
			image_path TEXT NOT NULL DEFAULT '',
			sketch_path TEXT NOT NULL DEFAULT '',
			printed INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Begin creates a run row in running state and assigns the next image
// number (monotonic, wrapping at the configured maximum).
func (s *Store) Begin(ctx context.Context, trigger string) (*Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT image_number FROM runs ORDER BY id DESC LIMIT 1`).Scan(&last); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	number := 0
	if last.Valid {
		number = int(last.Int64+1) % s.maxImageNumber
	}

	run := &Run{
		Trigger:     trigger,
		State:       RunStateRunning,
		StartedAt:   time.Now().UTC(),
		ImageNumber: number,
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (trigger_source, state, started_at, image_number) VALUES (?, ?, ?, ?)`,
		run.Trigger, run.State, run.StartedAt.Format(time.RFC3339Nano), run.ImageNumber)
	if err != nil {
		return nil, err
	}
	run.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return run, nil
}

// Finish archives the terminal state of a run and prunes history beyond
// the retention limit.
func (s *Store) Finish(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	run.FinishedAt = &now
	labels, err := json.Marshal(run.Labels)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, finished_at = ?, labels_json = ?, error = ?, image_path = ?, sketch_path = ?, printed = ?
		 WHERE id = ?`,
		run.State, now.Format(time.RFC3339Nano), string(labels), run.Error,
		run.ImagePath, run.SketchPath, boolToInt(run.Printed), run.ID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY id DESC LIMIT ?)`, s.limit); err != nil {
		s.logger.Warn("history prune failed", "err", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (Run, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return run, err
}

// List returns the newest runs first, at most limit rows.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	rows, err := s.db.QueryContext(ctx, selectRuns+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PreviousCompleted returns the newest completed run older than beforeID
// that recorded an original image. beforeID <= 0 means "the newest".
func (s *Store) PreviousCompleted(ctx context.Context, beforeID int64) (Run, error) {
	query := selectRuns + ` WHERE state = ? AND image_path != ''`
	args := []any{RunStateCompleted}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return run, err
}

const selectRuns = `SELECT id, trigger_source, state, started_at, finished_at, labels_json, error, image_number, image_path, sketch_path, printed FROM runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run        Run
		startedAt  string
		finishedAt sql.NullString
		labelsJSON string
		printed    int
	)
	if err := row.Scan(&run.ID, &run.Trigger, &run.State, &startedAt, &finishedAt,
		&labelsJSON, &run.Error, &run.ImageNumber, &run.ImagePath, &run.SketchPath, &printed); err != nil {
		return Run{}, err
	}
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if finishedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finishedAt.String); err == nil {
			run.FinishedAt = &t
		}
	}
	if err := json.Unmarshal([]byte(labelsJSON), &run.Labels); err != nil {
		run.Labels = nil
	}
	run.Printed = printed != 0
	return run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
