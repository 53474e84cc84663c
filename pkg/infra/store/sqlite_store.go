package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/jguan/stagepipe/pkg/pipeline"
)

// SQLiteStore keeps one row per run. The revision column carries the
// optimistic concurrency guard: a write only lands if the stored revision is
// the one the caller read.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withBusyTimeout(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func withBusyTimeout(dbPath string) string {
	if dbPath == ":memory:" || strings.Contains(dbPath, "_pragma=busy_timeout") {
		return dbPath
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_pragma=busy_timeout(5000)"
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		pipeline TEXT NOT NULL,
		owner_id TEXT,
		status TEXT NOT NULL,
		revision INTEGER NOT NULL,
		document TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_runs_owner ON runs(owner_id);
	`
	_, err := s.db.Exec(query)
	return err
}

// DB exposes the handle so other tables (progress history) can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, runID string) (*pipeline.Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE run_id = ?`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipeline.ErrRunNotFound
	}
	if err != nil {
		return nil, pipeline.Unavailable("select run", err)
	}
	return decodeDocument(raw)
}

func (s *SQLiteStore) Create(ctx context.Context, doc *pipeline.Document) error {
	raw, err := encodeDocument(doc)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, pipeline, owner_id, status, revision, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, doc.RunID, doc.Pipeline, doc.OwnerID, string(doc.Status), doc.Revision, raw,
		doc.CreatedAt.UnixNano(), doc.UpdatedAt.UnixNano())
	if err != nil {
		return pipeline.Unavailable("insert run", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return pipeline.Unavailable("insert run", err)
	}
	if n == 0 {
		return pipeline.ErrRunAlreadyExists
	}
	return nil
}

func (s *SQLiteStore) PutIfRevision(ctx context.Context, doc *pipeline.Document, expected int64) error {
	if err := pipeline.CheckWrite(doc, expected); err != nil {
		return err
	}

	raw, err := encodeDocument(doc)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, revision = ?, document = ?, updated_at = ?
		WHERE run_id = ? AND revision = ?
	`, string(doc.Status), doc.Revision, raw, doc.UpdatedAt.UnixNano(), doc.RunID, expected)
	if err != nil {
		return pipeline.Unavailable("update run", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return pipeline.Unavailable("update run", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE run_id = ?`, doc.RunID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.ErrRunNotFound
	}
	if err != nil {
		return pipeline.Unavailable("select run", err)
	}
	return pipeline.ErrRevisionConflict
}

func (s *SQLiteStore) ListActive(ctx context.Context, limit int) ([]*pipeline.Document, error) {
	query := `
		SELECT document FROM runs
		WHERE status NOT IN (?, ?)
		ORDER BY updated_at ASC
	`
	args := []any{string(pipeline.RunStatusCompleted), string(pipeline.RunStatusFailed)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pipeline.Unavailable("query runs", err)
	}
	defer rows.Close()

	var docs []*pipeline.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, pipeline.Unavailable("iterate runs", err)
	}
	return docs, nil
}

var _ pipeline.SweepStore = (*SQLiteStore)(nil)
