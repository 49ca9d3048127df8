package embedding

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource serves a fixed product list in pages.
type sliceSource struct {
	ids    []int64
	onPage func(number int)

	mu    sync.Mutex
	calls []int
}

func (s *sliceSource) Page(_ context.Context, number, size int) (Page, error) {
	s.mu.Lock()
	s.calls = append(s.calls, number)
	s.mu.Unlock()
	if s.onPage != nil {
		s.onPage(number)
	}

	last := (len(s.ids) + size - 1) / size
	start := (number - 1) * size
	if start >= len(s.ids) {
		return Page{Number: number, LastPage: last}, nil
	}
	end := min(start+size, len(s.ids))
	return Page{Number: number, LastPage: last, ProductIDs: s.ids[start:end]}, nil
}

func testVectors(broken map[int64]error) VectorFunc {
	return func(_ context.Context, id int64) ([]float32, string, error) {
		if err := broken[id]; err != nil {
			return nil, "", err
		}
		return []float32{float32(id % 7), float32(id % 5)}, fmt.Sprintf("http://img/%d.jpg", id), nil
	}
}

func catalogIDs(n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	return ids
}

func TestBatcher_GenerateAllCollectsPerProductErrors(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, 2)
	broken := map[int64]error{
		4: fmt.Errorf("%w: status 404", ErrFetch),
		9: fmt.Errorf("%w: not an image", ErrDecode),
	}
	b := NewBatcher(m, testVectors(broken), BatchPolicy{Concurrency: 3})

	res, err := b.GenerateAll(ctx, &sliceSource{ids: catalogIDs(10)}, BatchPolicy{BatchSize: 4})
	require.NoError(t, err)

	assert.Equal(t, 3, res.PagesProcessed)
	assert.Zero(t, res.NextPage)
	assert.Equal(t, 8, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Items, 10)
	assert.Equal(t, StatusFetchError, res.Items[3].Status)
	assert.Equal(t, StatusDecodeError, res.Items[8].Status)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), count)
	assertConsistent(t, m, store)
}

func TestBatcher_ResultIndependentOfPageSize(t *testing.T) {
	ctx := context.Background()
	ids := catalogIDs(23)
	queries := [][]float32{{0, 0}, {3, 2}, {6, 4}, {1.5, 1.5}}

	var want [][]Match
	for _, size := range []int{1, 4, 7, 50} {
		m, store := newTestManager(t, 2)
		b := NewBatcher(m, testVectors(nil), BatchPolicy{Concurrency: 4})
		_, err := b.GenerateAll(ctx, &sliceSource{ids: ids}, BatchPolicy{BatchSize: size})
		require.NoError(t, err)

		stored, err := store.ListIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, ids, stored, "page size %d", size)

		var got [][]Match
		for _, q := range queries {
			res, err := m.FindSimilar(ctx, q, QueryOptions{TopN: 6})
			require.NoError(t, err)
			got = append(got, res)
		}
		if want == nil {
			want = got
			continue
		}
		assert.Equal(t, want, got, "page size %d", size)
	}
}

// fixedPages serves pages of its own size and never reports a last page.
type fixedPages [][]int64

func (f fixedPages) Page(_ context.Context, number, _ int) (Page, error) {
	if number > len(f) {
		return Page{Number: number}, nil
	}
	return Page{Number: number, ProductIDs: f[number-1]}, nil
}

func TestBatcher_WalksUntilEmptyPageWithoutLastPage(t *testing.T) {
	ctx := context.Background()
	src := fixedPages{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}

	for _, size := range []int{2, 3, 5} {
		m, store := newTestManager(t, 2)
		b := NewBatcher(m, testVectors(nil), BatchPolicy{})
		res, err := b.GenerateAll(ctx, src, BatchPolicy{BatchSize: size})
		require.NoError(t, err)
		assert.Equal(t, 3, res.PagesProcessed, "batch size %d", size)

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(9), count, "batch size %d", size)
	}
}

func TestBatcher_ExtractTimeoutFailsOnlyThatProduct(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, 2)

	release := make(chan struct{})
	defer close(release)
	vectors := func(ctx context.Context, id int64) ([]float32, string, error) {
		if id == 2 {
			<-release
		}
		return testVectors(nil)(ctx, id)
	}
	b := NewBatcher(m, vectors, BatchPolicy{Concurrency: 2, ExtractTimeout: 50 * time.Millisecond})

	done := make(chan *BatchResult, 1)
	go func() {
		res, err := b.GenerateBatch(ctx, []int64{1, 2, 3}, BatchPolicy{BatchSize: 3})
		assert.NoError(t, err)
		done <- res
	}()

	var res *BatchResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("page blocked on a stuck extraction")
	}

	require.Len(t, res.Items, 3)
	assert.Equal(t, StatusOK, res.Items[0].Status)
	assert.Equal(t, StatusFailed, res.Items[1].Status)
	assert.Contains(t, res.Items[1].Error, "timed out")
	assert.Equal(t, StatusOK, res.Items[2].Status)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestBatcher_StopsBetweenPagesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m, store := newTestManager(t, 2)
	b := NewBatcher(m, testVectors(nil), BatchPolicy{})

	src := &sliceSource{ids: catalogIDs(10), onPage: func(n int) {
		if n == 2 {
			cancel()
		}
	}}
	res, err := b.GenerateAll(ctx, src, BatchPolicy{BatchSize: 3})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 2, res.PagesProcessed)
	assert.Equal(t, 3, res.NextPage)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), count, "the page in flight completes")

	res, err = b.GenerateAll(context.Background(), &sliceSource{ids: catalogIDs(10)}, BatchPolicy{BatchSize: 3, StartPage: res.NextPage})
	require.NoError(t, err)
	assert.Equal(t, 2, res.PagesProcessed)

	count, err = store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)
}

func TestBatcher_GenerateBatchChunksAndDedupes(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, 2)
	b := NewBatcher(m, testVectors(nil), BatchPolicy{BatchSize: 20})

	res, err := b.GenerateBatch(ctx, []int64{5, 3, 5, 8, 0, 3}, BatchPolicy{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.PagesProcessed)
	require.Len(t, res.Items, 4)
	assert.Equal(t, []int64{5, 3, 8, 0}, []int64{res.Items[0].ProductID, res.Items[1].ProductID, res.Items[2].ProductID, res.Items[3].ProductID})
	assert.Equal(t, StatusInvalidArgument, res.Items[3].Status)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestBatcher_RegenerateRequiresExistingEmbedding(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 2)
	b := NewBatcher(m, testVectors(nil), BatchPolicy{})

	assert.Equal(t, StatusNotFound, b.Regenerate(ctx, 12).Status)
	assert.Equal(t, StatusOK, b.Generate(ctx, 12).Status)
	assert.Equal(t, StatusOK, b.Regenerate(ctx, 12).Status)
}
