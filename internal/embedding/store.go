package embedding

import (
	"context"
	"fmt"
	"time"
)

// Record is the stored embedding of one product.
type Record struct {
	ProductID  int64
	Vector     []float32
	Dim        int
	RowID      int64
	IndexDirty bool
	ImageURL   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store is the system of record for product embeddings.
//
// Implementations reject vectors whose length differs from the dimension
// they were opened with, and make every single-record write atomic.
type Store interface {
	// Get returns ErrNotFound when the product has no embedding.
	Get(ctx context.Context, productID int64) (*Record, error)

	// Put creates or overwrites rec. CreatedAt is preserved on overwrite.
	Put(ctx context.Context, rec *Record) error

	// Delete returns ErrNotFound when the product has no embedding.
	Delete(ctx context.Context, productID int64) error

	// ListIDs returns all stored product IDs in ascending order.
	ListIDs(ctx context.Context) ([]int64, error)

	Count(ctx context.Context) (int64, error)

	// MarkDirty flags or clears the index repair marker of a record.
	MarkDirty(ctx context.Context, productID int64, dirty bool) error

	// ListDirty returns the products whose index row needs repair.
	ListDirty(ctx context.Context) ([]int64, error)

	// UpdateRowIDs rewrites row assignments and clears the dirty marker of
	// every listed product.
	UpdateRowIDs(ctx context.Context, rows map[int64]int64) error

	// Scan calls fn for every record in ascending product order.
	Scan(ctx context.Context, fn func(*Record) error) error

	Close() error
}

// CheckDim validates a vector against the store dimension.
func CheckDim(vector []float32, dim int) error {
	if len(vector) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), dim)
	}
	return nil
}
