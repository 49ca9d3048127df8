// Package vectorindex holds the in-memory nearest-neighbor structure that
// backs product similarity search.
//
// Rows are positional: the n-th successful Add returns row n. Removal is
// logical (the row is tombstoned and skipped by Search) so that row numbers
// stay stable until the owner rebuilds the index. Implementations are not
// safe for concurrent writers; callers serialize mutations.
package vectorindex

import (
	"errors"
	"io"
)

var (
	ErrDimension  = errors.New("vectorindex: vector dimension mismatch")
	ErrRowRange   = errors.New("vectorindex: row out of range")
	ErrBadFormat  = errors.New("vectorindex: unrecognized snapshot format")
	ErrBadVersion = errors.New("vectorindex: unsupported snapshot version")
)

// Hit is one search result. Distance is the Euclidean (L2) distance to the query.
type Hit struct {
	Row      int64
	Distance float32
}

// Index is a vector index with positional rows and logical removal.
type Index interface {
	// Dim is the fixed vector length accepted by the index.
	Dim() int

	// Add appends a vector and returns its row.
	Add(vector []float32) (int64, error)

	// Remove tombstones a row. Removing an already removed row is a no-op.
	Remove(row int64) error

	// Search returns up to k live rows ordered by ascending distance, ties by row.
	Search(query []float32, k int) ([]Hit, error)

	// Vector returns a copy of a live row's vector.
	Vector(row int64) ([]float32, bool)

	// Len is the number of physical rows, live or tombstoned.
	Len() int

	// Live is the number of rows that are not tombstoned.
	Live() int

	// Clone returns an independent deep copy.
	Clone() Index

	// Save writes a binary snapshot to w.
	Save(w io.Writer) error
}
