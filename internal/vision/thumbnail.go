package vision

import (
	"context"
	"image"

	"golang.org/x/image/draw"
)

// ThumbnailExtractor describes an image by its colours on a coarse grid.
// It needs no model weights, which makes it useful for local runs and tests.
type ThumbnailExtractor struct {
	grid int
}

// NewThumbnailExtractor returns an extractor producing 3*grid*grid values.
func NewThumbnailExtractor(grid int) *ThumbnailExtractor {
	if grid <= 0 {
		grid = 8
	}
	return &ThumbnailExtractor{grid: grid}
}

func (t *ThumbnailExtractor) Dim() int { return 3 * t.grid * t.grid }

func (t *ThumbnailExtractor) Extract(ctx context.Context, img image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	small := resize(img, t.grid, draw.ApproxBiLinear)
	out := make([]float32, 0, t.Dim())
	for y := 0; y < t.grid; y++ {
		for x := 0; x < t.grid; x++ {
			c := small.RGBAAt(x, y)
			out = append(out, float32(c.R)/255, float32(c.G)/255, float32(c.B)/255)
		}
	}
	return out, nil
}

func (t *ThumbnailExtractor) Close() error { return nil }
