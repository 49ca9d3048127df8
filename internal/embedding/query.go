package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// QueryOptions controls a similarity query.
type QueryOptions struct {
	TopN int `json:"top_n"`

	// ScoreThreshold is the largest distance returned. Nil disables filtering.
	ScoreThreshold *float64 `json:"score_threshold,omitempty"`
}

// Validate rejects options no query can satisfy.
func (o QueryOptions) Validate() error {
	if o.TopN <= 0 {
		return fmt.Errorf("%w: top_n must be positive, got %d", ErrInvalidArgument, o.TopN)
	}
	if t := o.ScoreThreshold; t != nil && (math.IsNaN(*t) || *t < 0) {
		return fmt.Errorf("%w: score_threshold must be a non-negative number, got %v", ErrInvalidArgument, *t)
	}
	return nil
}

// Match is one similarity result.
type Match struct {
	ProductID  int64   `json:"product_id"`
	Distance   float64 `json:"distance"`
	Similarity float64 `json:"similarity"`
	Rank       int     `json:"rank"`
}

// FindSimilar returns the products closest to query by Euclidean distance,
// nearest first, ties broken by ascending product ID.
func (m *Manager) FindSimilar(ctx context.Context, query []float32, opts QueryOptions) ([]Match, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := CheckDim(query, m.opts.Dim); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	live := m.index.Live()
	if live == 0 {
		return []Match{}, nil
	}

	n := min(opts.TopN, live)
	k := live
	if m.opts.Overfetch < live-n {
		k = n + m.opts.Overfetch
	}
	var found []Match
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hits, err := m.index.Search(query, k)
		if err != nil {
			return nil, fmt.Errorf("search index failed: %w", err)
		}

		found = found[:0]
		for _, h := range hits {
			id, ok := m.productAt(h.Row)
			if !ok {
				continue
			}
			found = append(found, Match{ProductID: id, Distance: float64(h.Distance)})
		}
		sort.SliceStable(found, func(i, j int) bool {
			if found[i].Distance != found[j].Distance {
				return found[i].Distance < found[j].Distance
			}
			return found[i].ProductID < found[j].ProductID
		})

		if k >= live || len(hits) < k {
			break
		}
		// Enough results, unless the cut falls inside a run of equal
		// distances whose product order has not been seen in full.
		if len(found) >= n && float64(hits[len(hits)-1].Distance) > found[n-1].Distance {
			break
		}
		k = min(k*2, live)
	}

	out := make([]Match, 0, n)
	for _, f := range found {
		if len(out) == n {
			break
		}
		if opts.ScoreThreshold != nil && f.Distance > *opts.ScoreThreshold {
			break
		}
		f.Similarity = 1 / (1 + f.Distance)
		f.Rank = len(out) + 1
		out = append(out, f)
	}
	return out, nil
}

// productAt maps an index row to its product, rejecting rows the mapping no
// longer owns. Callers hold m.mu.
func (m *Manager) productAt(row int64) (int64, bool) {
	if row < 0 || row >= int64(len(m.rows)) {
		return 0, false
	}
	id := m.rows[row]
	if id == 0 {
		return 0, false
	}
	if owner, ok := m.byProduct[id]; !ok || owner != row {
		return 0, false
	}
	return id, true
}
