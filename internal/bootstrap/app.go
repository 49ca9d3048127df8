package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"fashion-similarity/internal/app"
	"fashion-similarity/internal/cache"
	"fashion-similarity/internal/catalog"
	"fashion-similarity/internal/config"
	"fashion-similarity/internal/embedding"
	rabbitmqClient "fashion-similarity/internal/platform/rabbitmq"
	redisClient "fashion-similarity/internal/platform/redis"
	"fashion-similarity/internal/vision"
	"fashion-similarity/internal/worker"
)

type App struct {
	Config     *config.Config
	Extractor  vision.Extractor
	Storage    *Storage
	Manager    *embedding.Manager
	Redis      *redis.Client
	MQConn     *amqp.Connection
	Publisher  *rabbitmqClient.TaskPublisher
	TaskWorker *worker.EmbeddingTaskWorker

	Embeddings *app.EmbeddingService
	Tasks      *app.TaskService

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	a := &App{Config: cfg, StartedAt: time.Now()}
	if err := a.init(ctx); err != nil {
		if cerr := a.Close(); cerr != nil {
			log.Printf("close partial app failed: %v", cerr)
		}
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	extractor, err := NewExtractor(cfg)
	if err != nil {
		return err
	}
	a.Extractor = extractor
	dim := extractor.Dim()

	storage, err := OpenStore(ctx, cfg, dim)
	if err != nil {
		return err
	}
	a.Storage = storage

	manager, err := OpenManager(ctx, cfg, storage.Store, dim, true)
	if err != nil {
		return err
	}
	a.Manager = manager

	var (
		resultCache app.ResultCache
		statuses    app.TaskStatusStore
	)
	if cfg.Redis.Enabled {
		redisCli, err := redisClient.New(ctx, redisClient.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		a.Redis = redisCli
		resultCache = cache.NewSimilarityCache(redisCli, time.Duration(cfg.Redis.SimilarityTTLSeconds)*time.Second)
		statuses = cache.NewTaskStatusStore(redisCli, time.Duration(cfg.Redis.TaskStatusTTLSeconds)*time.Second)
	}

	catalogClient := catalog.NewClient(catalog.Config{
		BaseURL:       cfg.Catalog.BaseURL,
		Token:         cfg.Catalog.Token,
		Timeout:       time.Duration(cfg.Catalog.TimeoutSeconds) * time.Second,
		MaxImageBytes: cfg.Catalog.MaxImageBytes,
	})

	a.Embeddings = app.NewEmbeddingService(manager, extractor, catalogClient, resultCache, app.EmbeddingServiceOptions{
		Batch: embedding.BatchPolicy{
			BatchSize:      cfg.Batch.Size,
			StartPage:      1,
			Concurrency:    cfg.Batch.Concurrency,
			ExtractTimeout: time.Duration(cfg.Batch.ExtractTimeoutSeconds) * time.Second,
		},
		DefaultTopN:           cfg.Similarity.DefaultTopN,
		DefaultScoreThreshold: cfg.ScoreThreshold(),
	})

	var publisher app.TaskPublisher
	if cfg.RabbitMQ.Enabled {
		mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.TaskQueue)
		if err != nil {
			return err
		}
		a.MQConn = mqConn
		a.Publisher = rabbitmqClient.NewTaskPublisher(mqConn, cfg.RabbitMQ.TaskQueue)
		publisher = a.Publisher
	}
	a.Tasks = app.NewTaskService(a.Embeddings, publisher, statuses)

	if a.MQConn != nil && cfg.RabbitMQ.Worker {
		a.TaskWorker = worker.NewEmbeddingTaskWorker(a.MQConn, a.Tasks, cfg.RabbitMQ.TaskQueue, cfg.RabbitMQ.Prefetch)
		if err := a.TaskWorker.Start(ctx); err != nil {
			return fmt.Errorf("start task worker failed: %w", err)
		}
	}

	stats, err := manager.Stats(ctx)
	if err != nil {
		return fmt.Errorf("read index stats failed: %w", err)
	}
	log.Printf("index ready: dim=%d live=%d rows=%d generation=%d store=%s", stats.Dim, stats.Live, stats.Rows, stats.Generation, cfg.Store.Driver)
	return nil
}

// HealthChecks returns a probe per configured dependency.
func (a *App) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"store": a.Storage.Ping,
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}
	}
	if a.MQConn != nil {
		checks["rabbitmq"] = func(context.Context) error {
			if a.MQConn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		}
	}
	return checks
}

// Close stops consumers, writes a final index checkpoint and releases
// connections, in that order.
func (a *App) Close() error {
	var errs []error
	if a.TaskWorker != nil {
		a.TaskWorker.Close()
	}
	if a.Tasks != nil {
		a.Tasks.Close()
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Manager != nil {
		if err := a.Manager.Close(); err != nil {
			log.Printf("final index checkpoint failed: %v", err)
			errs = append(errs, err)
		}
	}
	if a.Storage != nil {
		if err := a.Storage.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Extractor != nil {
		if err := a.Extractor.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
