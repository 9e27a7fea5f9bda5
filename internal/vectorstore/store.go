package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/highlog/orchestrator/internal/db"
	"github.com/highlog/orchestrator/internal/metrics"
)

// Store persists chunk embeddings and answers similarity queries. Search is
// in-process cosine over the record's chunks; record volumes are small
// enough (a few hundred chunks) that a vector index is not warranted.
type Store struct {
	client *db.Client
	dim    int
	logger *zap.Logger
}

// New creates a Store validating vectors against dim.
func New(client *db.Client, dim int, logger *zap.Logger) *Store {
	return &Store{client: client, dim: dim, logger: logger}
}

// ScoredChunk is one search result.
type ScoredChunk struct {
	Chunk db.Chunk
	Score float64
}

// PutChunks writes all chunks in one transaction. Chunk indexes must already
// be assigned by the caller.
func (s *Store) PutChunks(ctx context.Context, chunks []db.Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) != s.dim {
			return fmt.Errorf("chunk %d embedding dimension %d, want %d", c.ChunkIndex, len(c.Embedding), s.dim)
		}
	}
	return s.client.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		for _, c := range chunks {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chunks (record_id, category, chunk_index, chunk_text, embedding)
				VALUES ($1, $2, $3, $4, $5)`,
				c.RecordID, c.Category, c.ChunkIndex, c.ChunkText, c.Embedding,
			); err != nil {
				return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
			}
		}
		return nil
	})
}

// GetByCategory returns a record's chunks for one category in chunk order.
func (s *Store) GetByCategory(ctx context.Context, recordID uuid.UUID, category string) ([]db.Chunk, error) {
	chunks := []db.Chunk{}
	err := s.client.DB().SelectContext(ctx, &chunks, `
		SELECT id, record_id, category, chunk_index, chunk_text, embedding, created_at
		FROM chunks WHERE record_id = $1 AND category = $2
		ORDER BY chunk_index`, recordID, category)
	if err != nil {
		return nil, fmt.Errorf("get chunks by category: %w", err)
	}
	return chunks, nil
}

// Search returns the top k chunks of one record by cosine similarity,
// descending. Ties break on ascending chunk index. A non-empty category
// restricts candidates to that category.
func (s *Store) Search(ctx context.Context, recordID uuid.UUID, category string, query []float64, k int) ([]ScoredChunk, error) {
	if len(query) != s.dim {
		return nil, fmt.Errorf("query dimension %d, want %d", len(query), s.dim)
	}
	if k <= 0 {
		return []ScoredChunk{}, nil
	}
	start := time.Now()

	var (
		chunks []db.Chunk
		err    error
	)
	if category != "" {
		chunks, err = s.GetByCategory(ctx, recordID, category)
	} else {
		chunks = []db.Chunk{}
		err = s.client.DB().SelectContext(ctx, &chunks, `
			SELECT id, record_id, category, chunk_index, chunk_text, embedding, created_at
			FROM chunks WHERE record_id = $1
			ORDER BY chunk_index`, recordID)
	}
	if err != nil {
		metrics.RecordVectorSearch("error", time.Since(start).Seconds())
		return nil, err
	}

	scored := rank(chunks, query, k)
	metrics.RecordVectorSearch("success", time.Since(start).Seconds())
	return scored, nil
}

// DeleteByRecord removes all of a record's chunks. Used before re-ingest.
func (s *Store) DeleteByRecord(ctx context.Context, recordID uuid.UUID) error {
	if _, err := s.client.DB().ExecContext(ctx, `DELETE FROM chunks WHERE record_id = $1`, recordID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// rank scores candidates against query and keeps the top k.
func rank(chunks []db.Chunk, query []float64, k int) []ScoredChunk {
	scored := make([]ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		scored = append(scored, ScoredChunk{Chunk: c, Score: cosine(query, c.Embedding)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Chunk.ChunkIndex < scored[j].Chunk.ChunkIndex
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// cosine returns the cosine similarity of a and b. Zero vectors score 0.
func cosine(a []float64, b pq.Float64Array) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ToFloat64 converts a provider vector for storage.
func ToFloat64(v []float32) pq.Float64Array {
	out := make(pq.Float64Array, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
