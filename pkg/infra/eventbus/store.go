package eventbus

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jguan/stagepipe/pkg/pipeline"
)

// ProgressStore keeps the progress history of runs.
type ProgressStore interface {
	Save(ctx context.Context, event pipeline.ProgressEvent) error
	SaveBatch(ctx context.Context, events []pipeline.ProgressEvent) error
	Query(ctx context.Context, filter QueryFilter) ([]pipeline.ProgressEvent, error)
}

type QueryFilter struct {
	RunID     string
	StageID   string
	Status    pipeline.ProgressStatus
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

type SQLiteProgressStore struct {
	db *sql.DB
}

// NewSQLiteProgressStore creates the progress table on db if needed. The
// handle is usually shared with the document store.
func NewSQLiteProgressStore(db *sql.DB) (*SQLiteProgressStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS progress (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			stage_id TEXT,
			status TEXT NOT NULL,
			revision INTEGER NOT NULL,
			message TEXT,
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_progress_run ON progress(run_id, revision);
		CREATE INDEX IF NOT EXISTS idx_progress_timestamp ON progress(timestamp);
	`)
	if err != nil {
		return nil, fmt.Errorf("create progress table: %w", err)
	}
	return &SQLiteProgressStore{db: db}, nil
}

const insertProgress = `
	INSERT INTO progress (id, run_id, stage_id, status, revision, message, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?)
`

func (s *SQLiteProgressStore) Save(ctx context.Context, event pipeline.ProgressEvent) error {
	_, err := s.db.ExecContext(ctx, insertProgress, uuid.NewString(), event.RunID, event.StageID,
		string(event.Status), event.Revision, event.Message, event.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("insert progress: %w", err)
	}
	return nil
}

func (s *SQLiteProgressStore) SaveBatch(ctx context.Context, events []pipeline.ProgressEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertProgress)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, event := range events {
		_, err = stmt.ExecContext(ctx, uuid.NewString(), event.RunID, event.StageID,
			string(event.Status), event.Revision, event.Message, event.Timestamp.UnixNano())
		if err != nil {
			return fmt.Errorf("insert progress: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Query returns matching events oldest first.
func (s *SQLiteProgressStore) Query(ctx context.Context, filter QueryFilter) ([]pipeline.ProgressEvent, error) {
	query := "SELECT run_id, stage_id, status, revision, message, timestamp FROM progress WHERE 1=1"
	args := []any{}

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.StageID != "" {
		query += " AND stage_id = ?"
		args = append(args, filter.StageID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime.UnixNano())
	}
	if !filter.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime.UnixNano())
	}

	query += " ORDER BY revision ASC, timestamp ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer rows.Close()

	var events []pipeline.ProgressEvent
	for rows.Next() {
		var (
			e      pipeline.ProgressEvent
			status string
			ts     int64
		)
		if err := rows.Scan(&e.RunID, &e.StageID, &status, &e.Revision, &e.Message, &ts); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		e.Status = pipeline.ProgressStatus(status)
		e.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return events, nil
}
