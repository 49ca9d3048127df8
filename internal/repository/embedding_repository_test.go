package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fashion-similarity/internal/embedding"
	"fashion-similarity/internal/model"
	badgerClient "fashion-similarity/internal/platform/badger"
)

const testDim = 3

func newSQLiteStore(t *testing.T) embedding.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "embeddings.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.ProductEmbedding{}))
	repo := NewEmbeddingRepository(db, testDim)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newBadgerStore(t *testing.T) embedding.Store {
	t.Helper()
	db, err := badgerClient.New(badgerClient.Options{InMemory: true})
	require.NoError(t, err)
	repo := NewBadgerEmbeddingRepository(db, testDim)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

var stores = map[string]func(*testing.T) embedding.Store{
	"sqlite": newSQLiteStore,
	"badger": newBadgerStore,
}

func TestStore_GetPutDelete(t *testing.T) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			_, err := s.Get(ctx, 7)
			assert.ErrorIs(t, err, embedding.ErrNotFound)

			rec := &embedding.Record{ProductID: 7, Vector: []float32{0.5, -1, 2.25}, RowID: 3, ImageURL: "http://img/7.jpg"}
			require.NoError(t, s.Put(ctx, rec))
			assert.False(t, rec.CreatedAt.IsZero())

			got, err := s.Get(ctx, 7)
			require.NoError(t, err)
			assert.Equal(t, []float32{0.5, -1, 2.25}, got.Vector)
			assert.Equal(t, testDim, got.Dim)
			assert.Equal(t, int64(3), got.RowID)
			assert.Equal(t, "http://img/7.jpg", got.ImageURL)

			require.NoError(t, s.Delete(ctx, 7))
			assert.ErrorIs(t, s.Delete(ctx, 7), embedding.ErrNotFound)
			_, err = s.Get(ctx, 7)
			assert.ErrorIs(t, err, embedding.ErrNotFound)
		})
	}
}

func TestStore_OverwriteKeepsCreatedAt(t *testing.T) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			first := &embedding.Record{ProductID: 1, Vector: []float32{1, 1, 1}}
			require.NoError(t, s.Put(ctx, first))
			second := &embedding.Record{ProductID: 1, Vector: []float32{2, 2, 2}, RowID: 9}
			require.NoError(t, s.Put(ctx, second))

			got, err := s.Get(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, []float32{2, 2, 2}, got.Vector)
			assert.Equal(t, int64(9), got.RowID)
			assert.WithinDuration(t, first.CreatedAt, got.CreatedAt, time.Millisecond)
			assert.WithinDuration(t, first.CreatedAt, second.CreatedAt, time.Millisecond)

			count, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)
		})
	}
}

func TestStore_RejectsWrongDimension(t *testing.T) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			err := newStore(t).Put(context.Background(), &embedding.Record{ProductID: 1, Vector: []float32{1}})
			assert.ErrorIs(t, err, embedding.ErrDimensionMismatch)
		})
	}
}

func TestStore_ListAndScanAscending(t *testing.T) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			for _, id := range []int64{300, 2, 1000000, 45} {
				require.NoError(t, s.Put(ctx, &embedding.Record{ProductID: id, Vector: []float32{float32(id), 0, 0}}))
			}

			ids, err := s.ListIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []int64{2, 45, 300, 1000000}, ids)

			var scanned []int64
			require.NoError(t, s.Scan(ctx, func(rec *embedding.Record) error {
				scanned = append(scanned, rec.ProductID)
				assert.Equal(t, float32(rec.ProductID), rec.Vector[0])
				return nil
			}))
			assert.Equal(t, ids, scanned)
		})
	}
}

func TestStore_DirtyAndRowBookkeeping(t *testing.T) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			for _, id := range []int64{1, 2, 3} {
				require.NoError(t, s.Put(ctx, &embedding.Record{ProductID: id, Vector: []float32{1, 2, 3}, RowID: id}))
			}

			require.NoError(t, s.MarkDirty(ctx, 2, true))
			require.NoError(t, s.MarkDirty(ctx, 3, true))
			assert.ErrorIs(t, s.MarkDirty(ctx, 99, true), embedding.ErrNotFound)

			dirty, err := s.ListDirty(ctx)
			require.NoError(t, err)
			assert.Equal(t, []int64{2, 3}, dirty)

			require.NoError(t, s.UpdateRowIDs(ctx, map[int64]int64{2: 10, 3: 11, 77: 12}))
			dirty, err = s.ListDirty(ctx)
			require.NoError(t, err)
			assert.Empty(t, dirty)

			got, err := s.Get(ctx, 3)
			require.NoError(t, err)
			assert.Equal(t, int64(11), got.RowID)
			assert.False(t, got.IndexDirty)
		})
	}
}

func TestStore_BacksManager(t *testing.T) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			m, err := embedding.NewManager(ctx, s, nil, embedding.ManagerOptions{Dim: testDim})
			require.NoError(t, err)
			defer m.Close()

			require.NoError(t, m.Upsert(ctx, 20, []float32{0, 0, 0}, ""))
			require.NoError(t, m.Upsert(ctx, 14, []float32{0.0044, 0, 0}, ""))
			require.NoError(t, m.Upsert(ctx, 29, []float32{0, 0.00455, 0}, ""))

			q, err := m.Vector(ctx, 20)
			require.NoError(t, err)
			threshold := 0.01
			got, err := m.FindSimilar(ctx, q, embedding.QueryOptions{TopN: 3, ScoreThreshold: &threshold})
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []int64{20, 14, 29}, []int64{got[0].ProductID, got[1].ProductID, got[2].ProductID})
		})
	}
}
