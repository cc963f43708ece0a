package storage

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/orchestrator-core/internal/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newPostgresStoreFromDB(db), mock
}

func TestPostgresStoreAppendMessage(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs("conv-1", models.RoleUser, "hello", 0, nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("msg-1"))

	msg := &models.Message{ConversationID: "conv-1", Role: models.RoleUser, Content: "hello", CreatedAt: time.Now()}
	require.NoError(t, store.AppendMessage(context.Background(), msg))
	require.Equal(t, "msg-1", msg.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreCreateFileRecord(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO file_records`).
		WithArgs("user-1", "conv-1", "report.pdf", "https://example.test/report.pdf", "application/pdf", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("file-1"))

	rec := &models.FileRecord{
		UserID:         "user-1",
		ConversationID: "conv-1",
		Filename:       "report.pdf",
		URL:            "https://example.test/report.pdf",
		MimeType:       "application/pdf",
		CreatedAt:      now,
	}
	require.NoError(t, store.CreateFileRecord(context.Background(), rec))
	require.Equal(t, "file-1", rec.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreRecentMessagesOrdering(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "conversation_id", "role", "content", "token_count", "model_used", "created_at"}).
		AddRow("m1", "conv-1", models.RoleUser, "first", 0, nil, now.Add(-2*time.Minute)).
		AddRow("m2", "conv-1", models.RoleAssistant, "second", 10, "claude-sonnet-4-20250514", now.Add(-1*time.Minute))

	mock.ExpectQuery(`SELECT id, conversation_id, role, content, token_count, model_used, created_at`).
		WithArgs("conv-1", 12).
		WillReturnRows(rows)

	out, err := store.RecentMessages(context.Background(), "conv-1", 12)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "first", out[0].Content)
	require.Equal(t, "claude-sonnet-4-20250514", out[1].ModelUsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresStoreSearchMemoryAppliesThresholdInSQL locks in the design
// decision from spec §9: the relevance threshold is a WHERE-clause filter
// on the pgvector cosine-distance expression, never a post-filter, so the
// database can use a vector index instead of scanning every row.
func TestPostgresStoreSearchMemoryAppliesThresholdInSQL(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "user_id", "conversation_id", "summary", "created_at", "similarity"}).
		AddRow("sum-1", "user-1", "conv-1", "discussed deploy pipeline", time.Now(), 0.91)

	mock.ExpectQuery(`SELECT id, user_id, conversation_id, summary, created_at,\s*1 - \(embedding <=> \$1::vector\) AS similarity\s*FROM memory_summaries\s*WHERE user_id = \$2 AND \(1 - \(embedding <=> \$1::vector\)\) >= \$3\s*ORDER BY embedding <=> \$1::vector ASC\s*LIMIT \$4`).
		WithArgs("[0.1,0.2]", "user-1", 0.75, 5).
		WillReturnRows(rows)

	out, err := store.SearchMemory(context.Background(), "user-1", []float32{0.1, 0.2}, 0.75, 5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "discussed deploy pipeline", out[0].Summary)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreIncrementUsageNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE users SET tokens_used_this_month`).
		WithArgs(int64(100), "missing-user").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.IncrementUsage(context.Background(), "missing-user", 100)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
