package cache

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/llm-gateway/internal/config"
	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/observability"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(sqlx.NewDb(db, "sqlmock"), config.CacheConfig{
		Enabled:       true,
		TTL:           time.Hour,
		CompressedDim: 2,
		HotEntries:    16,
	}, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)
	return store, mock
}

var embeddingCols = []string{
	"id", "text_hash", "text", "vector", "vector_compressed", "model_id",
	"model_version", "is_ensemble", "quality_score", "confidence_score",
	"usage_count", "successful_uses", "failed_uses", "avg_retrieval_rank",
	"created_at", "last_accessed_at", "expires_at", "pos_feedback", "neg_feedback",
}

func embeddingRowValues(hash, text, vector string) []driver.Value {
	now := time.Now()
	return []driver.Value{
		int64(7), hash, text, vector, nil, "amazon.titan-embed-text-v1", "v1",
		false, 0.9, 0.9, int64(3), int64(2), int64(0), nil, now, now, nil,
		int64(0), int64(0),
	}
}

func TestStoreLookupMiss(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM smart_embeddings WHERE text_hash = $1")).
		WithArgs("deadbeef").
		WillReturnRows(sqlmock.NewRows(embeddingCols))

	_, err := store.Lookup(context.Background(), "deadbeef", "some text", 0)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreLookupHitAndHotCache(t *testing.T) {
	store, mock := newTestStore(t)
	hash := TextHash("some text", "amazon.titan-embed-text-v1", "v1")

	mock.ExpectQuery(regexp.QuoteMeta("FROM smart_embeddings WHERE text_hash = $1")).
		WithArgs(hash).
		WillReturnRows(sqlmock.NewRows(embeddingCols).
			AddRow(embeddingRowValues(hash, "some text", "[0.1,0.2,0.3]")...))

	entry, err := store.Lookup(context.Background(), hash, "some text", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), entry.ID)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, entry.Vector)

	// Second lookup is served by the in-process LRU: no query expected.
	again, err := store.Lookup(context.Background(), hash, "some text", 3)
	require.NoError(t, err)
	assert.Equal(t, entry.Vector, again.Vector)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreLookupHashCollisionIsMiss(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM smart_embeddings WHERE text_hash = $1")).
		WithArgs("samehash").
		WillReturnRows(sqlmock.NewRows(embeddingCols).
			AddRow(embeddingRowValues("samehash", "other text entirely", "[0.1]")...))

	_, err := store.Lookup(context.Background(), "samehash", "my text", 0)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreLookupDimensionMismatch(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM smart_embeddings WHERE text_hash = $1")).
		WithArgs("h").
		WillReturnRows(sqlmock.NewRows(embeddingCols).
			AddRow(embeddingRowValues("h", "text", "[0.1,0.2]")...))

	_, err := store.Lookup(context.Background(), "h", "text", 1536)
	require.Error(t, err)
	assert.Equal(t, models.KindProtocolError, models.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePutReturnsID(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO smart_embeddings")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := store.Put(context.Background(), &models.CachedEmbedding{
		TextHash:     "h",
		Text:         "text",
		Vector:       []float32{0.1, 0.2, 0.3},
		ModelID:      "amazon.titan-embed-text-v1",
		ModelVersion: "v1",
		QualityScore: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePutRequiresHashAndVector(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Put(context.Background(), &models.CachedEmbedding{Text: "no hash"})
	require.Error(t, err)
	assert.Equal(t, models.KindClientError, models.KindOf(err))
}

func TestStoreRecordUsage(t *testing.T) {
	store, mock := newTestStore(t)

	t.Run("updates counters", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE smart_embeddings SET")).
			WithArgs(int64(7), true, -1.0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, store.RecordUsage(context.Background(), 7, true, -1))
	})

	t.Run("missing row", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE smart_embeddings SET")).
			WithArgs(int64(99), false, -1.0).
			WillReturnResult(sqlmock.NewResult(0, 0))
		err := store.RecordUsage(context.Background(), 99, false, -1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreExpire(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM smart_embeddings WHERE expires_at IS NOT NULL AND expires_at < $1")).
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := store.Expire(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreStats(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM smart_embeddings")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(12)))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), stats.Rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreLookupBackingStoreDown(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM smart_embeddings WHERE text_hash = $1")).
		WillReturnError(assert.AnError)

	_, err := store.Lookup(context.Background(), "h", "text", 0)
	require.Error(t, err)
	assert.Equal(t, models.KindBackingStoreUnavailable, models.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
