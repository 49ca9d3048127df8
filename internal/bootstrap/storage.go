package bootstrap

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"gorm.io/gorm"

	"fashion-similarity/internal/config"
	"fashion-similarity/internal/embedding"
	"fashion-similarity/internal/model"
	badgerClient "fashion-similarity/internal/platform/badger"
	"fashion-similarity/internal/platform/database"
	"fashion-similarity/internal/repository"
	"fashion-similarity/internal/vision"
)

// Storage is the opened embedding store and the handle behind it. Exactly
// one of DB and Badger is set.
type Storage struct {
	Store  embedding.Store
	DB     *gorm.DB
	Badger *badgerdb.DB
}

// Ping checks the backing database.
func (s *Storage) Ping(ctx context.Context) error {
	if s.DB != nil {
		sqlDB, err := s.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
	if s.Badger != nil && s.Badger.IsClosed() {
		return fmt.Errorf("badger is closed")
	}
	return nil
}

// OpenStore opens the configured embedding store for vectors of length dim.
func OpenStore(ctx context.Context, cfg *config.Config, dim int) (*Storage, error) {
	switch cfg.Store.Driver {
	case "badger":
		db, err := badgerClient.New(badgerClient.Options{Dir: cfg.Badger.Dir})
		if err != nil {
			return nil, err
		}
		return &Storage{Store: repository.NewBadgerEmbeddingRepository(db, dim), Badger: db}, nil
	default:
		db, err := database.New(ctx, cfg.Store.Driver, cfg.StoreDSN())
		if err != nil {
			return nil, err
		}
		if err := db.AutoMigrate(&model.ProductEmbedding{}); err != nil {
			if sqlDB, derr := db.DB(); derr == nil {
				_ = sqlDB.Close()
			}
			return nil, fmt.Errorf("auto migrate tables failed: %w", err)
		}
		return &Storage{Store: repository.NewEmbeddingRepository(db, dim), DB: db}, nil
	}
}

// NewExtractor builds the configured feature extractor.
func NewExtractor(cfg *config.Config) (vision.Extractor, error) {
	switch cfg.Vision.Extractor {
	case "thumbnail":
		return vision.NewThumbnailExtractor(cfg.Vision.ThumbnailGrid), nil
	default:
		ex, err := vision.NewONNXExtractor(cfg.Vision.ModelPath, cfg.Vision.ONNXSharedLibPath, cfg.Vision.Sessions)
		if err != nil {
			return nil, fmt.Errorf("load feature extractor failed: %w", err)
		}
		return ex, nil
	}
}

// OpenManager loads the index from its checkpoint and reconciles it with
// store. background enables the periodic flusher.
func OpenManager(ctx context.Context, cfg *config.Config, store embedding.Store, dim int, background bool) (*embedding.Manager, error) {
	ckpt, err := embedding.NewCheckpointer(cfg.Index.CheckpointDir)
	if err != nil {
		return nil, err
	}

	var flushEvery time.Duration
	if background {
		flushEvery = cfg.FlushInterval()
	}
	manager, err := embedding.NewManager(ctx, store, ckpt, embedding.ManagerOptions{
		Dim:            dim,
		TombstoneRatio: cfg.Index.TombstoneRatio,
		Overfetch:      cfg.Index.Overfetch,
		FlushInterval:  flushEvery,

		CloseCheckpointer: true,
	})
	if err != nil {
		_ = ckpt.Close()
		return nil, fmt.Errorf("load vector index failed: %w", err)
	}
	return manager, nil
}
