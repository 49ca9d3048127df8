package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"fashion-similarity/internal/app"
	"fashion-similarity/internal/cache"
	"fashion-similarity/internal/config"
	"fashion-similarity/internal/model"
	rabbitmqClient "fashion-similarity/internal/platform/rabbitmq"
	redisClient "fashion-similarity/internal/platform/redis"
)

// taskClient publishes tasks and reads their status without loading the
// index.
type taskClient struct {
	tasks *app.TaskService
	close func()
}

func openTaskClient(ctx context.Context, cfg *config.Config, needBroker bool) (*taskClient, error) {
	if needBroker && !cfg.RabbitMQ.Enabled {
		return nil, errors.New("rabbitmq is disabled; tasks can only be queued through the broker")
	}
	if !cfg.Redis.Enabled {
		return nil, errors.New("redis is disabled; task status is not shared between processes")
	}

	redisCli, err := redisClient.New(ctx, redisClient.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	statuses := cache.NewTaskStatusStore(redisCli, time.Duration(cfg.Redis.TaskStatusTTLSeconds)*time.Second)

	closers := []func(){func() { _ = redisCli.Close() }}
	var publisher app.TaskPublisher
	if needBroker {
		conn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.TaskQueue)
		if err != nil {
			_ = redisCli.Close()
			return nil, err
		}
		pub := rabbitmqClient.NewTaskPublisher(conn, cfg.RabbitMQ.TaskQueue)
		publisher = pub
		closers = append(closers, func() {
			_ = pub.Close()
			_ = conn.Close()
		})
	}

	return &taskClient{
		tasks: app.NewTaskService(nil, publisher, statuses),
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}

func newEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an embedding task for the workers",
	}

	single := func(use, short string, typ model.TaskType) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <product-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid product id %q", args[0])
				}
				return enqueue(cmd, app.EnqueueTaskInput{Type: typ, ProductID: id})
			},
		}
	}

	batch := &cobra.Command{
		Use:   "generate-batch <product-id>...",
		Short: "Generate embeddings for the given products",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid product id %q", arg)
				}
				ids = append(ids, id)
			}
			size, _ := cmd.Flags().GetInt("batch-size")
			return enqueue(cmd, app.EnqueueTaskInput{Type: model.TaskGenerateBatch, ProductIDs: ids, BatchSize: size})
		},
	}
	batch.Flags().Int("batch-size", 0, "Products per page (0 uses the configured size)")

	all := &cobra.Command{
		Use:   "generate-all",
		Short: "Generate embeddings for the whole catalog",
		Long: `Walk the catalog page by page and embed every product.

A run that stops early reports the page to resume from; pass it as --page.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			page, _ := cmd.Flags().GetInt("page")
			size, _ := cmd.Flags().GetInt("batch-size")
			return enqueue(cmd, app.EnqueueTaskInput{Type: model.TaskGenerateAll, StartPage: page, BatchSize: size})
		},
	}
	all.Flags().Int("page", 1, "Catalog page to start from")
	all.Flags().Int("batch-size", 0, "Products per page (0 uses the configured size)")

	cmd.AddCommand(
		single("generate", "Generate the embedding of one product", model.TaskGenerate),
		batch,
		all,
		single("update", "Recompute the embedding of one product", model.TaskUpdate),
		single("delete", "Remove the embedding of one product", model.TaskDelete),
	)
	return cmd
}

func enqueue(cmd *cobra.Command, input app.EnqueueTaskInput) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := openTaskClient(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer client.close()

	status, err := client.tasks.Enqueue(ctx, input)
	if err != nil {
		return err
	}
	return printResult(cmd, status, func() {
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s task %s\n", status.Type, status.ID)
	})
}

func newTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "task <task-id>",
		Short: "Show the status of a queued task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := context.Background()
			client, err := openTaskClient(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer client.close()

			status, err := client.tasks.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, status, func() {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "task %s (%s): %s\n", status.ID, status.Type, status.State)
				fmt.Fprintf(out, "  succeeded: %d  failed: %d\n", status.Succeeded, status.Failed)
				if status.PagesProcessed > 0 {
					fmt.Fprintf(out, "  pages processed: %d\n", status.PagesProcessed)
				}
				if status.NextPage > 0 {
					fmt.Fprintf(out, "  resume from page: %d\n", status.NextPage)
				}
				if status.Error != "" {
					fmt.Fprintf(out, "  error: %s\n", status.Error)
				}
				for _, r := range status.Results {
					if !r.OK() {
						fmt.Fprintf(out, "  product %d: %s %s\n", r.ProductID, r.Status, r.Error)
					}
				}
			})
		},
	}
}
