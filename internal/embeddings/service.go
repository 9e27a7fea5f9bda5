package embeddings

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/highlog/orchestrator/internal/metrics"
)

// lruTTL bounds how long an entry stays in the in-process tier. The Redis
// tier uses the configured cache TTL.
const lruTTL = 30 * time.Minute

// embedder is the provider seam, satisfied by the model gateway.
type embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Service generates embedding vectors through a two-tier cache: an
// in-process LRU in front of a shared Redis tier, with the model provider
// as the source of truth.
type Service struct {
	provider embedder
	model    string
	cache    EmbeddingCache // Redis tier, may be nil
	lru      *LocalLRU
	redisTTL time.Duration
	logger   *zap.Logger
}

// NewService wires the caching layers around the provider. cache may be nil
// when Redis is unavailable; the service then runs on the LRU alone.
func NewService(provider embedder, model string, redisTTL time.Duration, cache EmbeddingCache, logger *zap.Logger) *Service {
	if redisTTL <= 0 {
		redisTTL = time.Hour
	}
	return &Service{
		provider: provider,
		model:    model,
		cache:    cache,
		lru:      NewLocalLRU(2048),
		redisTTL: redisTTL,
		logger:   logger,
	}
}

// Dimension returns the provider's embedding dimension.
func (s *Service) Dimension() int { return s.provider.Dimension() }

// GenerateEmbedding returns the vector for a single text.
func (s *Service) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	key := MakeKey(s.model, text)

	if v, ok := s.lru.Get(ctx, key); ok {
		metrics.EmbeddingCacheHits.WithLabelValues("lru").Inc()
		return v, nil
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, lruTTL)
			metrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
			return v, nil
		}
	}
	metrics.EmbeddingCacheMisses.Inc()

	vec, err := s.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}

	s.lru.Set(ctx, key, vec, lruTTL)
	if s.cache != nil {
		s.cache.Set(ctx, key, vec, s.redisTTL)
	}
	return vec, nil
}

// GenerateBatchEmbeddings returns vectors for texts in input order. Cached
// entries are served locally; only the misses reach the provider.
func (s *Service) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	uncachedTexts := []string{}
	uncachedIndices := []int{}

	for i, text := range texts {
		key := MakeKey(s.model, text)

		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			metrics.EmbeddingCacheHits.WithLabelValues("lru").Inc()
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, lruTTL)
				metrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
				continue
			}
		}

		metrics.EmbeddingCacheMisses.Inc()
		uncachedTexts = append(uncachedTexts, text)
		uncachedIndices = append(uncachedIndices, i)
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	for i, text := range uncachedTexts {
		vec, err := s.provider.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d of %d: %w", i+1, len(uncachedTexts), err)
		}
		results[uncachedIndices[i]] = vec

		key := MakeKey(s.model, text)
		s.lru.Set(ctx, key, vec, lruTTL)
		if s.cache != nil {
			s.cache.Set(ctx, key, vec, s.redisTTL)
		}
	}
	return results, nil
}
