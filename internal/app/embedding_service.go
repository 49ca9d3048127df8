package app

import (
	"context"
	"errors"
	"log"

	"fashion-similarity/internal/embedding"
	"fashion-similarity/internal/vision"
)

// Catalog supplies product pages and product images.
type Catalog interface {
	embedding.PageSource
	FetchImage(ctx context.Context, productID int64) ([]byte, string, error)
}

// ResultCache memoizes by-product similarity results per index version.
type ResultCache interface {
	Get(ctx context.Context, version string, productID int64, opts embedding.QueryOptions) ([]embedding.Match, bool, error)
	Set(ctx context.Context, version string, productID int64, opts embedding.QueryOptions, matches []embedding.Match) error
}

type EmbeddingServiceOptions struct {
	Batch embedding.BatchPolicy

	// DefaultTopN and DefaultScoreThreshold fill in omitted query parameters.
	DefaultTopN           int
	DefaultScoreThreshold *float64
}

// EmbeddingService is the entry point for embedding lifecycle and
// similarity operations.
type EmbeddingService struct {
	manager   *embedding.Manager
	batcher   *embedding.Batcher
	extractor vision.Extractor
	catalog   Catalog
	cache     ResultCache
	opts      EmbeddingServiceOptions
}

// NewEmbeddingService wires the service. cache may be nil.
func NewEmbeddingService(
	manager *embedding.Manager,
	extractor vision.Extractor,
	catalog Catalog,
	cache ResultCache,
	opts EmbeddingServiceOptions,
) *EmbeddingService {
	if opts.DefaultTopN <= 0 {
		opts.DefaultTopN = 5
	}
	s := &EmbeddingService{
		manager:   manager,
		extractor: extractor,
		catalog:   catalog,
		cache:     cache,
		opts:      opts,
	}
	s.batcher = embedding.NewBatcher(manager, s.productVector, opts.Batch)
	return s
}

func (s *EmbeddingService) productVector(ctx context.Context, productID int64) ([]float32, string, error) {
	data, imageURL, err := s.catalog.FetchImage(ctx, productID)
	if err != nil {
		return nil, "", err
	}
	vec, err := vision.ExtractBytes(ctx, s.extractor, data)
	if err != nil {
		return nil, "", err
	}
	return vec, imageURL, nil
}

// QueryOptions applies the configured defaults to omitted parameters.
func (s *EmbeddingService) QueryOptions(topN *int, threshold *float64) embedding.QueryOptions {
	opts := embedding.QueryOptions{TopN: s.opts.DefaultTopN, ScoreThreshold: s.opts.DefaultScoreThreshold}
	if topN != nil {
		opts.TopN = *topN
	}
	if threshold != nil {
		opts.ScoreThreshold = threshold
	}
	return opts
}

// GenerateEmbedding fetches the product image, extracts its vector and
// stores it, replacing an existing embedding.
func (s *EmbeddingService) GenerateEmbedding(ctx context.Context, productID int64) embedding.ItemResult {
	return s.batcher.Generate(ctx, productID)
}

func (s *EmbeddingService) GenerateEmbeddingBatch(ctx context.Context, productIDs []int64, batchSize int) (*embedding.BatchResult, error) {
	return s.batcher.GenerateBatch(ctx, productIDs, embedding.BatchPolicy{BatchSize: batchSize})
}

// GenerateEmbeddingsAll walks the catalog from startPage. When it stops
// early the result names the page to resume from.
func (s *EmbeddingService) GenerateEmbeddingsAll(ctx context.Context, startPage, batchSize int) (*embedding.BatchResult, error) {
	return s.batcher.GenerateAll(ctx, s.catalog, embedding.BatchPolicy{StartPage: startPage, BatchSize: batchSize})
}

// UpdateEmbedding recomputes the embedding of a product that has one.
func (s *EmbeddingService) UpdateEmbedding(ctx context.Context, productID int64) embedding.ItemResult {
	return s.batcher.Regenerate(ctx, productID)
}

func (s *EmbeddingService) DeleteEmbedding(ctx context.Context, productID int64) embedding.ItemResult {
	return embedding.NewItemResult(productID, s.manager.Delete(ctx, productID))
}

func (s *EmbeddingService) HasEmbedding(ctx context.Context, productID int64) (bool, error) {
	return s.manager.Has(ctx, productID)
}

// ListEmbeddedProducts returns up to limit product IDs in ascending order;
// limit <= 0 returns all of them.
func (s *EmbeddingService) ListEmbeddedProducts(ctx context.Context, limit int) ([]int64, error) {
	ids, err := s.manager.List(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *EmbeddingService) CountEmbeddings(ctx context.Context) (int64, error) {
	return s.manager.Count(ctx)
}

// FindSimilarByProduct ranks products by distance to the stored vector of
// productID. The product itself comes first at distance 0.
func (s *EmbeddingService) FindSimilarByProduct(ctx context.Context, productID int64, opts embedding.QueryOptions) ([]embedding.Match, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	version := s.manager.Version()
	if s.cache != nil {
		matches, ok, err := s.cache.Get(ctx, version, productID, opts)
		if err != nil {
			log.Printf("similarity cache get failed: %v", err)
		} else if ok {
			return matches, nil
		}
	}

	vec, err := s.manager.Vector(ctx, productID)
	if err != nil {
		return nil, err
	}
	matches, err := s.manager.FindSimilar(ctx, vec, opts)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, version, productID, opts, matches); err != nil {
			log.Printf("similarity cache set failed: %v", err)
		}
	}
	return matches, nil
}

// FindSimilarByImage ranks products by distance to the vector of an
// uploaded image.
func (s *EmbeddingService) FindSimilarByImage(ctx context.Context, data []byte, opts embedding.QueryOptions) ([]embedding.Match, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	vec, err := vision.ExtractBytes(ctx, s.extractor, data)
	if err != nil {
		return nil, err
	}
	return s.manager.FindSimilar(ctx, vec, opts)
}

func (s *EmbeddingService) GetEmbedding(ctx context.Context, productID int64) ([]float32, error) {
	return s.manager.Vector(ctx, productID)
}

func (s *EmbeddingService) Flush(ctx context.Context) error {
	return s.manager.Flush(ctx)
}

func (s *EmbeddingService) Repair(ctx context.Context) (embedding.RepairReport, error) {
	report, err := s.manager.Repair(ctx)
	if err != nil {
		return report, err
	}
	if report.Changed() {
		if err := s.manager.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("checkpoint after repair failed: %v", err)
		}
	}
	return report, nil
}

func (s *EmbeddingService) Stats(ctx context.Context) (embedding.Stats, error) {
	return s.manager.Stats(ctx)
}
