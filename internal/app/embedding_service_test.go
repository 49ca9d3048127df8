package app

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fashion-similarity/internal/embedding"
	"fashion-similarity/internal/vision"
)

// fakeCatalog serves solid-colour product images whose red channel grows
// with the product ID.
type fakeCatalog struct {
	ids    []int64
	broken map[int64][]byte
	gone   map[int64]bool
	onPage func(number int)
}

func (c *fakeCatalog) Page(_ context.Context, number, size int) (embedding.Page, error) {
	if c.onPage != nil {
		c.onPage(number)
	}
	last := (len(c.ids) + size - 1) / size
	start := (number - 1) * size
	if start >= len(c.ids) {
		return embedding.Page{Number: number, LastPage: last}, nil
	}
	end := min(start+size, len(c.ids))
	return embedding.Page{Number: number, LastPage: last, ProductIDs: c.ids[start:end]}, nil
}

func (c *fakeCatalog) FetchImage(_ context.Context, id int64) ([]byte, string, error) {
	if c.gone[id] {
		return nil, "", fmt.Errorf("%w: product %d: status 404", embedding.ErrFetch, id)
	}
	if data, ok := c.broken[id]; ok {
		return data, fmt.Sprintf("http://img/%d.bin", id), nil
	}
	return productImage(id), fmt.Sprintf("http://img/%d.png", id), nil
}

func productImage(id int64) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	c := color.RGBA{R: uint8(id * 20), G: 40, B: 90, A: 255}
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type recordingCache struct {
	mu      sync.Mutex
	entries map[string][]embedding.Match
	hits    int
}

func (c *recordingCache) key(version string, id int64, opts embedding.QueryOptions) string {
	return fmt.Sprintf("%s/%d/%d/%v", version, id, opts.TopN, opts.ScoreThreshold != nil)
}

func (c *recordingCache) Get(_ context.Context, version string, id int64, opts embedding.QueryOptions) ([]embedding.Match, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[c.key(version, id, opts)]
	if ok {
		c.hits++
	}
	return m, ok, nil
}

func (c *recordingCache) Set(_ context.Context, version string, id int64, opts embedding.QueryOptions, matches []embedding.Match) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[string][]embedding.Match{}
	}
	c.entries[c.key(version, id, opts)] = matches
	return nil
}

func newTestService(t *testing.T, catalog *fakeCatalog, cache ResultCache) *EmbeddingService {
	t.Helper()
	extractor := vision.NewThumbnailExtractor(2)
	manager, err := embedding.NewManager(context.Background(), embedding.NewMemoryStore(extractor.Dim()), nil, embedding.ManagerOptions{Dim: extractor.Dim()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return NewEmbeddingService(manager, extractor, catalog, cache, EmbeddingServiceOptions{
		Batch: embedding.BatchPolicy{BatchSize: 2, Concurrency: 2},
	})
}

func ids(matches []embedding.Match) []int64 {
	out := make([]int64, len(matches))
	for i, m := range matches {
		out[i] = m.ProductID
	}
	return out
}

func TestEmbeddingService_GenerateAndFindSimilar(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &fakeCatalog{}, nil)

	for _, id := range []int64{1, 2, 3, 4, 6} {
		res := svc.GenerateEmbedding(ctx, id)
		require.True(t, res.OK(), res.Error)
	}

	matches, err := svc.FindSimilarByProduct(ctx, 3, svc.QueryOptions(nil, nil))
	require.NoError(t, err)
	require.Len(t, matches, 5)
	assert.Equal(t, int64(3), matches[0].ProductID)
	assert.Zero(t, matches[0].Distance)
	assert.Equal(t, 1.0, matches[0].Similarity)
	assert.ElementsMatch(t, []int64{2, 4}, ids(matches[1:3]))
	assert.Equal(t, int64(6), matches[4].ProductID)
	for i, m := range matches {
		assert.Equal(t, i+1, m.Rank)
	}

	topN := 2
	matches, err = svc.FindSimilarByProduct(ctx, 6, svc.QueryOptions(&topN, nil))
	require.NoError(t, err)
	assert.Equal(t, []int64{6, 4}, ids(matches))

	has, err := svc.HasEmbedding(ctx, 6)
	require.NoError(t, err)
	assert.True(t, has)

	listed, err := svc.ListEmbeddedProducts(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, listed)

	count, err := svc.CountEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestEmbeddingService_FindSimilarByProductUnknown(t *testing.T) {
	svc := newTestService(t, &fakeCatalog{}, nil)
	_, err := svc.FindSimilarByProduct(context.Background(), 42, svc.QueryOptions(nil, nil))
	assert.ErrorIs(t, err, embedding.ErrNotFound)
}

func TestEmbeddingService_FindSimilarByProductRejectsBadOptions(t *testing.T) {
	svc := newTestService(t, &fakeCatalog{}, nil)
	zero := 0
	_, err := svc.FindSimilarByProduct(context.Background(), 1, svc.QueryOptions(&zero, nil))
	assert.ErrorIs(t, err, embedding.ErrInvalidArgument)
}

func TestEmbeddingService_PerProductFailures(t *testing.T) {
	ctx := context.Background()
	catalog := &fakeCatalog{
		broken: map[int64][]byte{2: []byte("not an image")},
		gone:   map[int64]bool{3: true},
	}
	svc := newTestService(t, catalog, nil)

	assert.Equal(t, embedding.StatusDecodeError, svc.GenerateEmbedding(ctx, 2).Status)
	assert.Equal(t, embedding.StatusFetchError, svc.GenerateEmbedding(ctx, 3).Status)
	assert.Equal(t, embedding.StatusNotFound, svc.UpdateEmbedding(ctx, 1).Status)
	assert.Equal(t, embedding.StatusNotFound, svc.DeleteEmbedding(ctx, 1).Status)

	count, err := svc.CountEmbeddings(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEmbeddingService_GenerateAllAndDelete(t *testing.T) {
	ctx := context.Background()
	catalog := &fakeCatalog{ids: []int64{1, 2, 3, 4, 5}, gone: map[int64]bool{4: true}}
	svc := newTestService(t, catalog, nil)

	res, err := svc.GenerateEmbeddingsAll(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, res.PagesProcessed)
	assert.Zero(t, res.NextPage)

	require.True(t, svc.DeleteEmbedding(ctx, 2).OK())
	matches, err := svc.FindSimilarByProduct(ctx, 1, svc.QueryOptions(nil, nil))
	require.NoError(t, err)
	assert.NotContains(t, ids(matches), int64(2))
	assert.NotContains(t, ids(matches), int64(4))

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Live)
}

func TestEmbeddingService_FindSimilarByImage(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &fakeCatalog{}, nil)
	res, err := svc.GenerateEmbeddingBatch(ctx, []int64{1, 5, 9}, 0)
	require.NoError(t, err)
	require.Equal(t, 3, res.Succeeded)

	topN := 1
	matches, err := svc.FindSimilarByImage(ctx, productImage(5), svc.QueryOptions(&topN, nil))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(5), matches[0].ProductID)

	_, err = svc.FindSimilarByImage(ctx, []byte("junk"), svc.QueryOptions(nil, nil))
	assert.ErrorIs(t, err, embedding.ErrDecode)
}

func TestEmbeddingService_CacheFollowsIndexVersion(t *testing.T) {
	ctx := context.Background()
	cache := &recordingCache{}
	svc := newTestService(t, &fakeCatalog{}, cache)
	require.True(t, svc.GenerateEmbedding(ctx, 1).OK())
	require.True(t, svc.GenerateEmbedding(ctx, 2).OK())

	opts := svc.QueryOptions(nil, nil)
	first, err := svc.FindSimilarByProduct(ctx, 1, opts)
	require.NoError(t, err)
	second, err := svc.FindSimilarByProduct(ctx, 1, opts)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, cache.hits)

	require.True(t, svc.GenerateEmbedding(ctx, 3).OK())
	third, err := svc.FindSimilarByProduct(ctx, 1, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits, "a mutation changes the cache key")
	assert.Equal(t, []int64{1, 2, 3}, ids(third))
}
