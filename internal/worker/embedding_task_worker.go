package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"fashion-similarity/internal/model"
)

// TaskExecutor runs one decoded task message.
type TaskExecutor interface {
	Execute(ctx context.Context, msg model.TaskMessage) *model.TaskStatus
}

// EmbeddingTaskWorker consumes embedding tasks from RabbitMQ. Tasks are acked
// once they finish, whatever their outcome; only undecodable payloads are
// rejected.
type EmbeddingTaskWorker struct {
	conn      *amqp.Connection
	tasks     TaskExecutor
	queueName string
	prefetch  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEmbeddingTaskWorker(conn *amqp.Connection, tasks TaskExecutor, queueName string, prefetch int) *EmbeddingTaskWorker {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &EmbeddingTaskWorker{
		conn:      conn,
		tasks:     tasks,
		queueName: queueName,
		prefetch:  prefetch,
	}
}

func (w *EmbeddingTaskWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	if err := ch.Qos(w.prefetch, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Printf("worker deliveries closed for queue %s", w.queueName)
					return
				}
				w.handle(workerCtx, d)
			}
		}
	}()

	return nil
}

func (w *EmbeddingTaskWorker) handle(ctx context.Context, d amqp.Delivery) {
	msg, err := decodeTask(d.Body)
	if err != nil {
		log.Printf("worker decode task failed: %v", err)
		_ = d.Nack(false, false)
		return
	}

	// Close cancels ctx; a batch task then stops after its current page and
	// its status records where to resume.
	status := w.tasks.Execute(ctx, msg)
	if status != nil && status.State == model.TaskFailed {
		log.Printf("worker task %s failed: %s", msg.ID, status.Error)
	}
	_ = d.Ack(false)
}

func decodeTask(body []byte) (model.TaskMessage, error) {
	var msg model.TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, err
	}
	if msg.ID == "" {
		return msg, fmt.Errorf("task without id")
	}
	if !msg.Type.Valid() {
		return msg, fmt.Errorf("task %s has unknown type %q", msg.ID, msg.Type)
	}
	return msg, nil
}

func (w *EmbeddingTaskWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
