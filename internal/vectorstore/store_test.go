package vectorstore

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/highlog/orchestrator/internal/db"
	"github.com/highlog/orchestrator/internal/metrics"
)

func newMockStore(t *testing.T, dim int) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	client := db.NewClientFromDB(sqlx.NewDb(raw, "sqlmock"), zap.NewNop())
	return New(client, dim, zap.NewNop()), mock
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float64{1, 0}, pq.Float64Array{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float64{1, 0}, pq.Float64Array{0, 3}), 1e-9)
	assert.InDelta(t, -1.0, cosine([]float64{1, 0}, pq.Float64Array{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float64{0, 0}, pq.Float64Array{1, 1}))
	assert.Equal(t, 0.0, cosine([]float64{1}, pq.Float64Array{1, 1}))
}

func TestRankOrdersByScoreThenIndex(t *testing.T) {
	chunks := []db.Chunk{
		{ChunkIndex: 5, Embedding: pq.Float64Array{0, 1}},
		{ChunkIndex: 2, Embedding: pq.Float64Array{1, 0}},
		{ChunkIndex: 1, Embedding: pq.Float64Array{0, 1}},
		{ChunkIndex: 3, Embedding: pq.Float64Array{1, 1}},
	}
	out := rank(chunks, []float64{0, 1}, 3)

	require.Len(t, out, 3)
	// equal top scores break on ascending chunk index
	assert.Equal(t, 1, out[0].Chunk.ChunkIndex)
	assert.Equal(t, 5, out[1].Chunk.ChunkIndex)
	assert.Equal(t, 3, out[2].Chunk.ChunkIndex)
}

func TestRankCapsAtK(t *testing.T) {
	chunks := []db.Chunk{
		{ChunkIndex: 0, Embedding: pq.Float64Array{1, 0}},
		{ChunkIndex: 1, Embedding: pq.Float64Array{1, 0}},
	}
	out := rank(chunks, []float64{1, 0}, 1)
	assert.Len(t, out, 1)
}

func TestPutChunksRejectsBadDimension(t *testing.T) {
	store, _ := newMockStore(t, 3)
	err := store.PutChunks(context.Background(), []db.Chunk{
		{ChunkIndex: 0, Embedding: pq.Float64Array{1, 2}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestPutChunksAllOrNothing(t *testing.T) {
	store, mock := newMockStore(t, 2)
	recordID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO chunks`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO chunks`).
		WillReturnError(errors.New("connection lost"))
	mock.ExpectRollback()

	err := store.PutChunks(context.Background(), []db.Chunk{
		{RecordID: recordID, Category: "성적", ChunkIndex: 0, ChunkText: "a", Embedding: pq.Float64Array{1, 0}},
		{RecordID: recordID, Category: "세특", ChunkIndex: 1, ChunkText: "b", Embedding: pq.Float64Array{0, 1}},
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchRejectsBadQueryDimension(t *testing.T) {
	store, _ := newMockStore(t, 3)
	_, err := store.Search(context.Background(), uuid.New(), "", []float64{1}, 3)
	require.Error(t, err)
}

func TestSearchFiltersByCategory(t *testing.T) {
	store, mock := newMockStore(t, 2)
	recordID := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "record_id", "category", "chunk_index", "chunk_text", "embedding"}).
		AddRow(1, recordID, "독서", 0, "독서 내용", pq.Float64Array{1, 0})
	mock.ExpectQuery(`SELECT .+ FROM chunks WHERE record_id = \$1 AND category = \$2`).
		WithArgs(recordID, "독서").
		WillReturnRows(rows)

	out, err := store.Search(context.Background(), recordID, "독서", []float64{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "독서", out[0].Chunk.Category)
	assert.InDelta(t, 1.0, out[0].Score, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchCountsOutcomes(t *testing.T) {
	store, mock := newMockStore(t, 2)
	recordID := uuid.New()

	successBefore := testutil.ToFloat64(metrics.VectorSearches.WithLabelValues("success"))
	errorBefore := testutil.ToFloat64(metrics.VectorSearches.WithLabelValues("error"))

	rows := sqlmock.NewRows([]string{"id", "record_id", "category", "chunk_index", "chunk_text", "embedding"}).
		AddRow(1, recordID, "성적", 0, "내용", pq.Float64Array{1, 0})
	mock.ExpectQuery(`SELECT .+ FROM chunks WHERE record_id = \$1`).
		WillReturnRows(rows)
	_, err := store.Search(context.Background(), recordID, "", []float64{1, 0}, 3)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT .+ FROM chunks WHERE record_id = \$1`).
		WillReturnError(errors.New("connection lost"))
	_, err = store.Search(context.Background(), recordID, "", []float64{1, 0}, 3)
	require.Error(t, err)

	assert.Equal(t, successBefore+1, testutil.ToFloat64(metrics.VectorSearches.WithLabelValues("success")))
	assert.Equal(t, errorBefore+1, testutil.ToFloat64(metrics.VectorSearches.WithLabelValues("error")))
}
