package eventbus

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/jguan/stagepipe/pkg/pipeline"
)

func setupTestDB(t *testing.T) *SQLiteProgressStore {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteProgressStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteProgressStore_SaveQuery(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []pipeline.ProgressEvent{
		{RunID: "run-1", Status: pipeline.ProgressStarted, Revision: 1, Message: "run started", Timestamp: base},
		{RunID: "run-1", StageID: "A", Status: pipeline.ProgressStarted, Revision: 1, Message: "stage dispatched", Timestamp: base},
		{RunID: "run-1", StageID: "A", Status: pipeline.ProgressCompleted, Revision: 2, Timestamp: base.Add(time.Second)},
		{RunID: "run-2", StageID: "A", Status: pipeline.ProgressFailed, Revision: 3, Timestamp: base.Add(2 * time.Second)},
	}
	require.NoError(t, store.Save(ctx, events[0]))
	require.NoError(t, store.SaveBatch(ctx, events[1:]))

	t.Run("by run in order", func(t *testing.T) {
		got, err := store.Query(ctx, QueryFilter{RunID: "run-1"})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, int64(2), got[2].Revision)
		assert.Equal(t, pipeline.ProgressCompleted, got[2].Status)
		assert.True(t, got[2].Timestamp.Equal(base.Add(time.Second)))
	})

	t.Run("by stage and status", func(t *testing.T) {
		got, err := store.Query(ctx, QueryFilter{StageID: "A", Status: pipeline.ProgressFailed})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "run-2", got[0].RunID)
	})

	t.Run("time range", func(t *testing.T) {
		got, err := store.Query(ctx, QueryFilter{StartTime: base.Add(time.Second), EndTime: base.Add(time.Second)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "A", got[0].StageID)
	})

	t.Run("limit", func(t *testing.T) {
		got, err := store.Query(ctx, QueryFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("no match", func(t *testing.T) {
		got, err := store.Query(ctx, QueryFilter{RunID: "missing"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestSQLiteProgressStore_SchemaIsIdempotent(t *testing.T) {
	store := setupTestDB(t)
	_, err := NewSQLiteProgressStore(store.db)
	assert.NoError(t, err)
}
