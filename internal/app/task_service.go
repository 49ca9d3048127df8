package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"fashion-similarity/internal/embedding"
	"fashion-similarity/internal/model"
)

var (
	ErrInvalidTask  = errors.New("invalid task")
	ErrTaskNotFound = errors.New("task not found")
)

type TaskPublisher interface {
	Publish(ctx context.Context, msg model.TaskMessage) error
}

type TaskStatusStore interface {
	Save(ctx context.Context, status *model.TaskStatus) error
	Get(ctx context.Context, taskID string) (*model.TaskStatus, bool, error)
}

type EnqueueTaskInput struct {
	Type       model.TaskType
	ProductID  int64
	ProductIDs []int64
	StartPage  int
	BatchSize  int
}

// TaskService accepts embedding tasks and runs them. With a publisher the
// tasks go through the queue and a worker calls Execute; without one they run
// in-process on a background goroutine until Close.
type TaskService struct {
	embeddings *EmbeddingService
	publisher  TaskPublisher
	statuses   TaskStatusStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewTaskService wires the service. publisher may be nil; a nil statuses
// falls back to an in-memory store.
func NewTaskService(embeddings *EmbeddingService, publisher TaskPublisher, statuses TaskStatusStore) *TaskService {
	if statuses == nil {
		statuses = NewMemoryTaskStatusStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskService{
		embeddings: embeddings,
		publisher:  publisher,
		statuses:   statuses,
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
}

func (s *TaskService) Enqueue(ctx context.Context, input EnqueueTaskInput) (*model.TaskStatus, error) {
	msg := model.TaskMessage{
		ID:         uuid.NewString(),
		Type:       input.Type,
		ProductID:  input.ProductID,
		ProductIDs: input.ProductIDs,
		StartPage:  input.StartPage,
		BatchSize:  input.BatchSize,
		EnqueuedAt: s.now().UTC(),
	}
	if err := validateTask(msg); err != nil {
		return nil, err
	}

	status := &model.TaskStatus{
		ID:         msg.ID,
		Type:       msg.Type,
		State:      model.TaskQueued,
		Parameters: msg.Parameters(),
	}
	if err := s.statuses.Save(ctx, status); err != nil {
		return nil, fmt.Errorf("save task status failed: %w", err)
	}

	if s.publisher == nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Execute(s.ctx, msg)
		}()
		return status, nil
	}

	if err := s.publisher.Publish(ctx, msg); err != nil {
		status.State = model.TaskFailed
		status.Error = err.Error()
		if saveErr := s.statuses.Save(ctx, status); saveErr != nil {
			log.Printf("save task %s status failed: %v", msg.ID, saveErr)
		}
		return nil, fmt.Errorf("publish task failed: %w", err)
	}
	return status, nil
}

func (s *TaskService) Status(ctx context.Context, taskID string) (*model.TaskStatus, error) {
	status, ok, err := s.statuses.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTaskNotFound
	}
	return status, nil
}

// Execute runs one task and records its progress. The returned status is the
// final one; failures are reported in it. Cancelling ctx stops batch tasks at
// the next page boundary and the status keeps the page to resume from.
func (s *TaskService) Execute(ctx context.Context, msg model.TaskMessage) *model.TaskStatus {
	detached := context.WithoutCancel(ctx)
	status, ok, err := s.statuses.Get(detached, msg.ID)
	if err != nil || !ok {
		status = &model.TaskStatus{ID: msg.ID, Type: msg.Type, Parameters: msg.Parameters()}
	}
	status.State = model.TaskRunning
	s.save(detached, status)

	if err := validateTask(msg); err != nil {
		status.State = model.TaskFailed
		status.Error = err.Error()
		s.save(detached, status)
		return status
	}

	// Single-product tasks always finish; batch tasks watch ctx between pages.
	var runErr error
	switch msg.Type {
	case model.TaskGenerate:
		s.single(status, s.embeddings.GenerateEmbedding(detached, msg.ProductID))
	case model.TaskUpdate:
		s.single(status, s.embeddings.UpdateEmbedding(detached, msg.ProductID))
	case model.TaskDelete:
		s.single(status, s.embeddings.DeleteEmbedding(detached, msg.ProductID))
	case model.TaskGenerateBatch:
		var res *embedding.BatchResult
		res, runErr = s.embeddings.GenerateEmbeddingBatch(ctx, msg.ProductIDs, msg.BatchSize)
		s.batch(status, res)
	case model.TaskGenerateAll:
		var res *embedding.BatchResult
		res, runErr = s.embeddings.GenerateEmbeddingsAll(ctx, msg.StartPage, msg.BatchSize)
		s.batch(status, res)
		if runErr != nil && res != nil && res.NextPage > 0 {
			runErr = fmt.Errorf("%w (resume from page %d)", runErr, res.NextPage)
		}
	}

	if runErr != nil {
		status.State = model.TaskFailed
		status.Error = runErr.Error()
	} else {
		status.State = model.TaskDone
	}
	s.save(detached, status)
	log.Printf("task %s (%s) %s: %d succeeded, %d failed", status.ID, status.Type, status.State, status.Succeeded, status.Failed)
	return status
}

// Wait blocks until in-process tasks have finished.
func (s *TaskService) Wait() {
	s.wg.Wait()
}

// Close stops in-process tasks at their next page boundary and waits for them.
func (s *TaskService) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *TaskService) single(status *model.TaskStatus, res embedding.ItemResult) {
	status.Results = []embedding.ItemResult{res}
	if res.OK() {
		status.Succeeded = 1
	} else {
		status.Failed = 1
	}
}

func (s *TaskService) batch(status *model.TaskStatus, res *embedding.BatchResult) {
	if res == nil {
		return
	}
	status.Results = res.Items
	status.Succeeded = res.Succeeded
	status.Failed = res.Failed
	status.PagesProcessed = res.PagesProcessed
	status.NextPage = res.NextPage
}

func (s *TaskService) save(ctx context.Context, status *model.TaskStatus) {
	if err := s.statuses.Save(ctx, status); err != nil {
		log.Printf("save task %s status failed: %v", status.ID, err)
	}
}

func validateTask(msg model.TaskMessage) error {
	if !msg.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTask, msg.Type)
	}
	if msg.BatchSize < 0 {
		return fmt.Errorf("%w: batch_size must not be negative", ErrInvalidTask)
	}
	switch msg.Type {
	case model.TaskGenerate, model.TaskUpdate, model.TaskDelete:
		if msg.ProductID <= 0 {
			return fmt.Errorf("%w: product_id must be positive", ErrInvalidTask)
		}
	case model.TaskGenerateBatch:
		if len(msg.ProductIDs) == 0 {
			return fmt.Errorf("%w: product_ids is empty", ErrInvalidTask)
		}
		for _, id := range msg.ProductIDs {
			if id <= 0 {
				return fmt.Errorf("%w: product_id %d must be positive", ErrInvalidTask, id)
			}
		}
	case model.TaskGenerateAll:
		if msg.StartPage < 0 {
			return fmt.Errorf("%w: start_page must not be negative", ErrInvalidTask)
		}
	}
	return nil
}

// MemoryTaskStatusStore keeps task statuses in process memory.
type MemoryTaskStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]model.TaskStatus
	now      func() time.Time
}

func NewMemoryTaskStatusStore() *MemoryTaskStatusStore {
	return &MemoryTaskStatusStore{statuses: make(map[string]model.TaskStatus), now: time.Now}
}

func (m *MemoryTaskStatusStore) Save(_ context.Context, status *model.TaskStatus) error {
	status.UpdatedAt = m.now().UTC()
	if status.CreatedAt.IsZero() {
		status.CreatedAt = status.UpdatedAt
	}
	cp := *status
	cp.Results = append([]embedding.ItemResult(nil), status.Results...)

	m.mu.Lock()
	m.statuses[status.ID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryTaskStatusStore) Get(_ context.Context, taskID string) (*model.TaskStatus, bool, error) {
	m.mu.RLock()
	status, ok := m.statuses[taskID]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return &status, true, nil
}
