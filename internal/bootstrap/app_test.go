package bootstrap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fashion-similarity/internal/embedding"
	"fashion-similarity/internal/vision"
)

type failingStore struct {
	*embedding.MemoryStore
	err error
}

func (s failingStore) Close() error { return s.err }

type failingExtractor struct {
	vision.Extractor
	err error
}

func (e failingExtractor) Close() error { return e.err }

func TestApp_CloseReportsEveryFailure(t *testing.T) {
	storeErr := errors.New("store close")
	extractorErr := errors.New("extractor close")

	a := &App{
		Extractor: failingExtractor{Extractor: vision.NewThumbnailExtractor(2), err: extractorErr},
		Storage:   &Storage{Store: failingStore{MemoryStore: embedding.NewMemoryStore(12), err: storeErr}},
	}

	err := a.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, storeErr)
	assert.ErrorIs(t, err, extractorErr)
}

func TestApp_CloseWithNothingOpen(t *testing.T) {
	assert.NoError(t, (&App{}).Close())
}
