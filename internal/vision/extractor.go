package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	_ "golang.org/x/image/webp"

	"fashion-similarity/internal/embedding"
)

// Extractor turns a decoded image into a fixed-length feature vector.
// Implementations are safe for concurrent use.
type Extractor interface {
	Extract(ctx context.Context, img image.Image) ([]float32, error)
	Dim() int
	Close() error
}

// DecodeImage decodes JPEG, PNG, GIF or WebP bytes.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", embedding.ErrDecode)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}
	// Some encoders write headers image.Decode does not sniff.
	if img, jerr := jpeg.Decode(bytes.NewReader(data)); jerr == nil {
		return img, nil
	}
	if img, perr := png.Decode(bytes.NewReader(data)); perr == nil {
		return img, nil
	}
	return nil, fmt.Errorf("%w: %v", embedding.ErrDecode, err)
}

// ExtractBytes decodes data and runs ex on it.
func ExtractBytes(ctx context.Context, ex Extractor, data []byte) ([]float32, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	vec, err := ex.Extract(ctx, img)
	if err != nil {
		return nil, err
	}
	if len(vec) != ex.Dim() {
		return nil, fmt.Errorf("%w: model produced %d values, want %d", embedding.ErrExtraction, len(vec), ex.Dim())
	}
	return vec, nil
}
