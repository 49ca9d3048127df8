package vectorindex

import (
	"container/heap"
	"fmt"
	"math"
	"sort"
)

// FlatL2 is an exact L2 index over a row-major float32 slab.
type FlatL2 struct {
	dim     int
	data    []float32
	removed []bool
	live    int
}

// NewFlatL2 creates an empty index for vectors of length dim.
func NewFlatL2(dim int) *FlatL2 {
	return &FlatL2{dim: dim}
}

func (f *FlatL2) Dim() int { return f.dim }

func (f *FlatL2) Len() int { return len(f.removed) }

func (f *FlatL2) Live() int { return f.live }

// Tombstones is the number of removed rows still occupying space.
func (f *FlatL2) Tombstones() int { return len(f.removed) - f.live }

func (f *FlatL2) Add(vector []float32) (int64, error) {
	if len(vector) != f.dim {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vector), f.dim)
	}
	row := int64(len(f.removed))
	f.data = append(f.data, vector...)
	f.removed = append(f.removed, false)
	f.live++
	return row, nil
}

func (f *FlatL2) Remove(row int64) error {
	if row < 0 || row >= int64(len(f.removed)) {
		return fmt.Errorf("%w: %d", ErrRowRange, row)
	}
	if f.removed[row] {
		return nil
	}
	f.removed[row] = true
	f.live--
	return nil
}

// Removed reports whether row is tombstoned.
func (f *FlatL2) Removed(row int64) bool {
	if row < 0 || row >= int64(len(f.removed)) {
		return true
	}
	return f.removed[row]
}

func (f *FlatL2) Vector(row int64) ([]float32, bool) {
	if f.Removed(row) {
		return nil, false
	}
	out := make([]float32, f.dim)
	copy(out, f.row(row))
	return out, true
}

func (f *FlatL2) row(row int64) []float32 {
	start := int(row) * f.dim
	return f.data[start : start+f.dim]
}

func (f *FlatL2) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(query), f.dim)
	}
	if k <= 0 || f.live == 0 {
		return nil, nil
	}
	if k > f.live {
		k = f.live
	}

	// Max-heap of the best k seen so far, compared on squared distance.
	h := make(hitHeap, 0, k)
	for r := range f.removed {
		if f.removed[r] {
			continue
		}
		d := squaredL2(query, f.row(int64(r)))
		if len(h) < k {
			heap.Push(&h, Hit{Row: int64(r), Distance: d})
			continue
		}
		if worse(h[0], Hit{Row: int64(r), Distance: d}) {
			h[0] = Hit{Row: int64(r), Distance: d}
			heap.Fix(&h, 0)
		}
	}

	hits := []Hit(h)
	sort.Slice(hits, func(i, j int) bool { return worse(hits[j], hits[i]) })
	for i := range hits {
		hits[i].Distance = float32(math.Sqrt(float64(hits[i].Distance)))
	}
	return hits, nil
}

func (f *FlatL2) Clone() Index {
	out := &FlatL2{
		dim:     f.dim,
		data:    make([]float32, len(f.data)),
		removed: make([]bool, len(f.removed)),
		live:    f.live,
	}
	copy(out.data, f.data)
	copy(out.removed, f.removed)
	return out
}

// worse reports whether a ranks after b.
func worse(a, b Hit) bool {
	if a.Distance != b.Distance {
		return a.Distance > b.Distance
	}
	return a.Row > b.Row
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// L2 is the Euclidean distance between two equal-length vectors.
func L2(a, b []float32) float32 {
	return float32(math.Sqrt(float64(squaredL2(a, b))))
}

type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
