package embedding

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// Page is one page of catalog products.
type Page struct {
	Number     int
	LastPage   int
	ProductIDs []int64
}

// PageSource lists catalog products page by page, starting at 1.
type PageSource interface {
	Page(ctx context.Context, number, size int) (Page, error)
}

// VectorFunc computes the embedding of a product from its current image and
// reports the image URL it used.
type VectorFunc func(ctx context.Context, productID int64) ([]float32, string, error)

// BatchPolicy controls batch generation.
type BatchPolicy struct {
	BatchSize      int           `json:"batch_size"`
	StartPage      int           `json:"start_page"`
	Concurrency    int           `json:"-"`
	ExtractTimeout time.Duration `json:"-"`
}

func (p BatchPolicy) withDefaults(def BatchPolicy) BatchPolicy {
	if p.BatchSize <= 0 {
		p.BatchSize = def.BatchSize
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 20
	}
	if p.StartPage <= 0 {
		p.StartPage = def.StartPage
	}
	if p.StartPage <= 0 {
		p.StartPage = 1
	}
	if p.Concurrency <= 0 {
		p.Concurrency = def.Concurrency
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	if p.ExtractTimeout <= 0 {
		p.ExtractTimeout = def.ExtractTimeout
	}
	return p
}

// BatchResult aggregates the outcome of a batch run. NextPage is the page to
// resume from when the run stopped early, and 0 when it completed.
type BatchResult struct {
	Items          []ItemResult `json:"items"`
	Succeeded      int          `json:"succeeded"`
	Failed         int          `json:"failed"`
	PagesProcessed int          `json:"pages_processed"`
	NextPage       int          `json:"next_page,omitempty"`
	Cancelled      bool         `json:"cancelled,omitempty"`
}

func (r *BatchResult) add(items []ItemResult) {
	for _, it := range items {
		if it.OK() {
			r.Succeeded++
		} else {
			r.Failed++
		}
	}
	r.Items = append(r.Items, items...)
}

// Batcher generates embeddings for many products, one page at a time.
//
// Within a page vectors are extracted concurrently and inserted in page
// order; a failing product never aborts its page. A checkpoint is written
// after every page and cancellation is honoured only between pages.
type Batcher struct {
	manager  *Manager
	vectors  VectorFunc
	defaults BatchPolicy
}

func NewBatcher(manager *Manager, vectors VectorFunc, defaults BatchPolicy) *Batcher {
	return &Batcher{manager: manager, vectors: vectors, defaults: defaults}
}

// GenerateAll walks the catalog from policy.StartPage to its last page.
func (b *Batcher) GenerateAll(ctx context.Context, source PageSource, policy BatchPolicy) (*BatchResult, error) {
	policy = policy.withDefaults(b.defaults)
	res := &BatchResult{}

	for number := policy.StartPage; ; number++ {
		if err := ctx.Err(); err != nil {
			res.NextPage = number
			res.Cancelled = true
			return res, err
		}
		page, err := source.Page(ctx, number, policy.BatchSize)
		if err != nil {
			res.NextPage = number
			return res, fmt.Errorf("list catalog page %d failed: %w", number, err)
		}
		if len(page.ProductIDs) == 0 {
			return res, nil
		}

		res.add(b.runPage(ctx, page.ProductIDs, policy, false))
		res.PagesProcessed++
		b.checkpoint(ctx, number)

		// The catalog picks its own page size, so without a last page the
		// walk ends on the first empty page.
		if page.LastPage > 0 && number >= page.LastPage {
			return res, nil
		}
	}
}

// GenerateBatch generates embeddings for ids in pages of policy.BatchSize.
// Duplicate IDs are processed once.
func (b *Batcher) GenerateBatch(ctx context.Context, ids []int64, policy BatchPolicy) (*BatchResult, error) {
	policy = policy.withDefaults(b.defaults)
	ids = dedupe(ids)
	res := &BatchResult{}

	for start, number := 0, 1; start < len(ids); start, number = start+policy.BatchSize, number+1 {
		if err := ctx.Err(); err != nil {
			res.NextPage = number
			res.Cancelled = true
			return res, err
		}
		end := min(start+policy.BatchSize, len(ids))
		res.add(b.runPage(ctx, ids[start:end], policy, false))
		res.PagesProcessed++
		b.checkpoint(ctx, number)
	}
	return res, nil
}

// Regenerate recomputes the embedding of a product that already has one.
func (b *Batcher) Regenerate(ctx context.Context, productID int64) ItemResult {
	policy := BatchPolicy{}.withDefaults(b.defaults)
	items := b.runPage(ctx, []int64{productID}, policy, true)
	return items[0]
}

// Generate computes and stores the embedding of one product.
func (b *Batcher) Generate(ctx context.Context, productID int64) ItemResult {
	policy := BatchPolicy{}.withDefaults(b.defaults)
	items := b.runPage(ctx, []int64{productID}, policy, false)
	return items[0]
}

type extracted struct {
	vector   []float32
	imageURL string
	err      error
}

func (b *Batcher) runPage(ctx context.Context, ids []int64, policy BatchPolicy, update bool) []ItemResult {
	// A started page runs to completion.
	pageCtx := context.WithoutCancel(ctx)

	out := make([]extracted, len(ids))
	var g errgroup.Group
	g.SetLimit(policy.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			if id <= 0 {
				out[i].err = fmt.Errorf("%w: product id %d", ErrInvalidArgument, id)
				return nil
			}
			if update {
				if _, err := b.manager.store.Get(pageCtx, id); err != nil {
					out[i].err = err
					return nil
				}
			}
			out[i] = b.extract(pageCtx, id, policy.ExtractTimeout)
			return nil
		})
	}
	_ = g.Wait()

	items := make([]ItemResult, len(ids))
	for i, id := range ids {
		err := out[i].err
		if err == nil {
			if update {
				err = b.manager.Update(pageCtx, id, out[i].vector, out[i].imageURL)
			} else {
				err = b.manager.Upsert(pageCtx, id, out[i].vector, out[i].imageURL)
			}
		}
		if err != nil {
			log.Printf("manager: product %d: %v", id, err)
		}
		items[i] = NewItemResult(id, err)
	}
	return items
}

// extract runs the vector function for one product. Decoders and model
// sessions do not watch the context, so a timed-out call is abandoned and
// only its product fails.
func (b *Batcher) extract(ctx context.Context, id int64, timeout time.Duration) extracted {
	if timeout <= 0 {
		vector, imageURL, err := b.vectors(ctx, id)
		return extracted{vector: vector, imageURL: imageURL, err: err}
	}

	exCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan extracted, 1)
	go func() {
		vector, imageURL, err := b.vectors(exCtx, id)
		done <- extracted{vector: vector, imageURL: imageURL, err: err}
	}()

	select {
	case r := <-done:
		return r
	case <-exCtx.Done():
		return extracted{err: fmt.Errorf("%w: product %d after %s", ErrExtractionTimeout, id, timeout)}
	}
}

func (b *Batcher) checkpoint(ctx context.Context, page int) {
	if err := b.manager.Flush(context.WithoutCancel(ctx)); err != nil {
		log.Printf("checkpoint: after page %d: %v", page, err)
	}
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
