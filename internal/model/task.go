package model

import (
	"time"

	"fashion-similarity/internal/embedding"
)

type TaskType string

const (
	TaskGenerate      TaskType = "generate"
	TaskGenerateBatch TaskType = "generate_batch"
	TaskGenerateAll   TaskType = "generate_all"
	TaskUpdate        TaskType = "update"
	TaskDelete        TaskType = "delete"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskGenerate, TaskGenerateBatch, TaskGenerateAll, TaskUpdate, TaskDelete:
		return true
	}
	return false
}

type TaskState string

const (
	TaskQueued  TaskState = "queued"
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
)

// TaskMessage is the queue payload of an embedding task.
type TaskMessage struct {
	ID         string    `json:"id"`
	Type       TaskType  `json:"type"`
	ProductID  int64     `json:"product_id,omitempty"`
	ProductIDs []int64   `json:"product_ids,omitempty"`
	StartPage  int       `json:"start_page,omitempty"`
	BatchSize  int       `json:"batch_size,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Parameters returns the task arguments as reported back to callers.
func (m TaskMessage) Parameters() map[string]any {
	params := map[string]any{}
	switch m.Type {
	case TaskGenerate, TaskUpdate, TaskDelete:
		params["product_id"] = m.ProductID
	case TaskGenerateBatch:
		params["product_ids"] = m.ProductIDs
		params["batch_size"] = m.BatchSize
	case TaskGenerateAll:
		params["start_page"] = m.StartPage
		params["batch_size"] = m.BatchSize
	}
	return params
}

// TaskStatus is the progress record of a task.
type TaskStatus struct {
	ID             string                 `json:"task_id"`
	Type           TaskType               `json:"type"`
	State          TaskState              `json:"status"`
	Parameters     map[string]any         `json:"parameters,omitempty"`
	Results        []embedding.ItemResult `json:"results,omitempty"`
	Succeeded      int                    `json:"succeeded"`
	Failed         int                    `json:"failed"`
	PagesProcessed int                    `json:"pages_processed,omitempty"`
	NextPage       int                    `json:"next_page,omitempty"`
	Error          string                 `json:"error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}
