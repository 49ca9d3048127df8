package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"fashion-similarity/internal/embedding"
	"fashion-similarity/internal/model"
)

// EmbeddingRepository is the SQL embedding store (MySQL or SQLite).
type EmbeddingRepository struct {
	db  *gorm.DB
	dim int
}

func NewEmbeddingRepository(db *gorm.DB, dim int) *EmbeddingRepository {
	return &EmbeddingRepository{db: db, dim: dim}
}

func (r *EmbeddingRepository) Get(ctx context.Context, productID int64) (*embedding.Record, error) {
	var row model.ProductEmbedding
	if err := r.db.WithContext(ctx).Where("product_id = ?", productID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: product %d", embedding.ErrNotFound, productID)
		}
		return nil, fmt.Errorf("get embedding failed: %w", err)
	}
	return toRecord(&row)
}

func (r *EmbeddingRepository) Put(ctx context.Context, rec *embedding.Record) error {
	if err := embedding.CheckDim(rec.Vector, r.dim); err != nil {
		return err
	}
	row := model.ProductEmbedding{
		ProductID:  rec.ProductID,
		RowID:      rec.RowID,
		IndexDirty: rec.IndexDirty,
		ImageURL:   rec.ImageURL,
	}
	row.SetVector(rec.Vector)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.ProductEmbedding
		err := tx.Select("product_id", "created_at").Where("product_id = ?", rec.ProductID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&row).Error
		case err != nil:
			return err
		}
		row.CreatedAt = existing.CreatedAt
		return tx.Save(&row).Error
	})
	if err != nil {
		return fmt.Errorf("put embedding failed: %w", err)
	}

	rec.Dim = row.Dim
	rec.CreatedAt = row.CreatedAt
	rec.UpdatedAt = row.UpdatedAt
	return nil
}

func (r *EmbeddingRepository) Delete(ctx context.Context, productID int64) error {
	res := r.db.WithContext(ctx).Where("product_id = ?", productID).Delete(&model.ProductEmbedding{})
	if res.Error != nil {
		return fmt.Errorf("delete embedding failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: product %d", embedding.ErrNotFound, productID)
	}
	return nil
}

func (r *EmbeddingRepository) ListIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := r.db.WithContext(ctx).Model(&model.ProductEmbedding{}).Order("product_id ASC").Pluck("product_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list embedding ids failed: %w", err)
	}
	return ids, nil
}

func (r *EmbeddingRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.ProductEmbedding{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count embeddings failed: %w", err)
	}
	return n, nil
}

func (r *EmbeddingRepository) MarkDirty(ctx context.Context, productID int64, dirty bool) error {
	res := r.db.WithContext(ctx).Model(&model.ProductEmbedding{}).
		Where("product_id = ?", productID).
		Update("index_dirty", dirty)
	if res.Error != nil {
		return fmt.Errorf("mark embedding dirty failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL reports changed rows, not matched ones.
		var n int64
		if err := r.db.WithContext(ctx).Model(&model.ProductEmbedding{}).Where("product_id = ?", productID).Count(&n).Error; err != nil {
			return fmt.Errorf("mark embedding dirty failed: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: product %d", embedding.ErrNotFound, productID)
		}
	}
	return nil
}

func (r *EmbeddingRepository) ListDirty(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := r.db.WithContext(ctx).Model(&model.ProductEmbedding{}).
		Where("index_dirty = ?", true).
		Order("product_id ASC").
		Pluck("product_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list dirty embeddings failed: %w", err)
	}
	return ids, nil
}

func (r *EmbeddingRepository) UpdateRowIDs(ctx context.Context, rows map[int64]int64) error {
	if len(rows) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for id, row := range rows {
			if err := tx.Model(&model.ProductEmbedding{}).
				Where("product_id = ?", id).
				Updates(map[string]any{"row_id": row, "index_dirty": false}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update embedding row ids failed: %w", err)
	}
	return nil
}

// Scan reads records in ascending product order, scanBatch at a time.
func (r *EmbeddingRepository) Scan(ctx context.Context, fn func(*embedding.Record) error) error {
	const scanBatch = 500
	var after int64 = -1 << 63
	for {
		var rows []model.ProductEmbedding
		if err := r.db.WithContext(ctx).
			Where("product_id > ?", after).
			Order("product_id ASC").
			Limit(scanBatch).
			Find(&rows).Error; err != nil {
			return fmt.Errorf("scan embeddings failed: %w", err)
		}
		for i := range rows {
			rec, err := toRecord(&rows[i])
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
			after = rows[i].ProductID
		}
		if len(rows) < scanBatch {
			return nil
		}
	}
}

func (r *EmbeddingRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(row *model.ProductEmbedding) (*embedding.Record, error) {
	vec, err := row.VectorValues()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", embedding.ErrDimensionMismatch, err)
	}
	return &embedding.Record{
		ProductID:  row.ProductID,
		Vector:     vec,
		Dim:        row.Dim,
		RowID:      row.RowID,
		IndexDirty: row.IndexDirty,
		ImageURL:   row.ImageURL,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}, nil
}
