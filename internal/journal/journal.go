package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	_ "modernc.org/sqlite"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one transcription of one input file.
type Run struct {
	ID         string    `json:"run_id"`
	Input      string    `json:"input"`
	Output     string    `json:"output,omitempty"`
	Backend    string    `json:"backend,omitempty"`
	Variant    string    `json:"variant,omitempty"`
	Workers    int       `json:"workers"`
	Fragments  int       `json:"fragments"`
	Failed     int       `json:"failed"`
	Cached     int       `json:"cached"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// FragmentRecord is the outcome of one fragment within a run.
type FragmentRecord struct {
	RunID     string        `json:"run_id"`
	Index     int           `json:"index"`
	Text      string        `json:"text"`
	Error     string        `json:"error,omitempty"`
	Cached    bool          `json:"cached"`
	Duration  time.Duration `json:"duration_ns"`
	CreatedAt time.Time     `json:"created_at"`
}

// Store wraps a SQLite-backed journal of runs.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. Ephemeral mode keeps
// nothing and every method is a no-op.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "journal"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) enabled() bool {
	return s != nil && s.db != nil && s.cfg.RetentionMode != "ephemeral"
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    input TEXT NOT NULL,
    output TEXT,
    backend TEXT,
    variant TEXT,
    workers INTEGER NOT NULL DEFAULT 0,
    fragments INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    cached INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    error TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS fragments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    text TEXT,
    error TEXT,
    cached INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    UNIQUE(run_id, idx),
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init journal schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun records a run as running.
func (s *Store) BeginRun(ctx context.Context, run Run) error {
	if !s.enabled() {
		return nil
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, input, output, backend, variant, workers, status, started_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Input, run.Output, run.Backend, run.Variant, run.Workers, StatusRunning, run.StartedAt.UnixMilli())
	return err
}

// RecordFragment stores the outcome of one fragment.
func (s *Store) RecordFragment(ctx context.Context, rec FragmentRecord) error {
	if !s.enabled() {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fragments(run_id, idx, text, error, cached, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, idx) DO UPDATE SET text=excluded.text, error=excluded.error,
		   cached=excluded.cached, duration_ms=excluded.duration_ms`,
		rec.RunID, rec.Index, rec.Text, rec.Error, rec.Cached, rec.Duration.Milliseconds(), rec.CreatedAt.UnixMilli())
	return err
}

// FinishRun stores the final counters and status of a run.
func (s *Store) FinishRun(ctx context.Context, run Run) error {
	if !s.enabled() {
		return nil
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = s.clock()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET output=?, fragments=?, failed=?, cached=?, status=?, error=?, finished_at=?
		 WHERE run_id=?`,
		run.Output, run.Fragments, run.Failed, run.Cached, run.Status, run.Error, run.FinishedAt.UnixMilli(), run.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, input, COALESCE(output, ''), COALESCE(backend, ''), COALESCE(variant, ''), workers,
		        fragments, failed, cached, status, COALESCE(error, ''), started_at, COALESCE(finished_at, 0)
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.Input, &r.Output, &r.Backend, &r.Variant, &r.Workers,
			&r.Fragments, &r.Failed, &r.Cached, &r.Status, &r.Error, &started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if finished > 0 {
			r.FinishedAt = time.UnixMilli(finished).UTC()
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListFragments returns the fragments of a run in index order.
func (s *Store) ListFragments(ctx context.Context, runID string) ([]FragmentRecord, error) {
	if !s.enabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, idx, COALESCE(text, ''), COALESCE(error, ''), cached, duration_ms, created_at
		 FROM fragments WHERE run_id = ? ORDER BY idx ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FragmentRecord
	for rows.Next() {
		var f FragmentRecord
		var durationMS, created int64
		if err := rows.Scan(&f.RunID, &f.Index, &f.Text, &f.Error, &f.Cached, &durationMS, &created); err != nil {
			return nil, err
		}
		f.Duration = time.Duration(durationMS) * time.Millisecond
		f.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks that ephemeral stores hold no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral journal should not have database connection")
	}
	return nil
}
