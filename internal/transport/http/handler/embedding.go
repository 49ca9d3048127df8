package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fashion-similarity/internal/app"
	"fashion-similarity/internal/model"
	"fashion-similarity/internal/transport/http/response"
)

// EmbeddingHandler serves the embedding lifecycle. Mutations are queued as
// tasks and answered with 202 and the task status.
type EmbeddingHandler struct {
	embeddings *app.EmbeddingService
	tasks      *app.TaskService
}

type GenerateBatchRequest struct {
	ProductIDs []int64 `json:"product_ids" binding:"required,min=1"`
	BatchSize  int     `json:"batch_size"`
}

func NewEmbeddingHandler(embeddings *app.EmbeddingService, tasks *app.TaskService) *EmbeddingHandler {
	return &EmbeddingHandler{embeddings: embeddings, tasks: tasks}
}

func (h *EmbeddingHandler) enqueue(c *gin.Context, input app.EnqueueTaskInput) {
	status, err := h.tasks.Enqueue(c.Request.Context(), input)
	if err != nil {
		writeError(c, err, "enqueue task failed")
		return
	}
	response.Accepted(c, status)
}

func (h *EmbeddingHandler) Generate(c *gin.Context) {
	id, ok := productIDParam(c)
	if !ok {
		return
	}
	h.enqueue(c, app.EnqueueTaskInput{Type: model.TaskGenerate, ProductID: id})
}

func (h *EmbeddingHandler) GenerateBatch(c *gin.Context) {
	var req GenerateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	h.enqueue(c, app.EnqueueTaskInput{Type: model.TaskGenerateBatch, ProductIDs: req.ProductIDs, BatchSize: req.BatchSize})
}

// GenerateAll queues a walk over the whole catalog, optionally resuming at
// ?page and with ?batch_size products per page.
func (h *EmbeddingHandler) GenerateAll(c *gin.Context) {
	page, ok := optionalInt(c, "page")
	if !ok {
		return
	}
	batchSize, ok := optionalInt(c, "batch_size")
	if !ok {
		return
	}
	input := app.EnqueueTaskInput{Type: model.TaskGenerateAll}
	if page != nil {
		input.StartPage = *page
	}
	if batchSize != nil {
		input.BatchSize = *batchSize
	}
	h.enqueue(c, input)
}

func (h *EmbeddingHandler) Update(c *gin.Context) {
	id, ok := productIDParam(c)
	if !ok {
		return
	}
	h.enqueue(c, app.EnqueueTaskInput{Type: model.TaskUpdate, ProductID: id})
}

func (h *EmbeddingHandler) Delete(c *gin.Context) {
	id, ok := productIDParam(c)
	if !ok {
		return
	}
	h.enqueue(c, app.EnqueueTaskInput{Type: model.TaskDelete, ProductID: id})
}

func (h *EmbeddingHandler) List(c *gin.Context) {
	limit, ok := optionalInt(c, "limit")
	if !ok {
		return
	}
	n := 0
	if limit != nil {
		n = *limit
	}
	ids, err := h.embeddings.ListEmbeddedProducts(c.Request.Context(), n)
	if err != nil {
		writeError(c, err, "list embeddings failed")
		return
	}
	response.OK(c, gin.H{"product_ids": ids, "count": len(ids)})
}

func (h *EmbeddingHandler) Count(c *gin.Context) {
	count, err := h.embeddings.CountEmbeddings(c.Request.Context())
	if err != nil {
		writeError(c, err, "count embeddings failed")
		return
	}
	response.OK(c, gin.H{"count": count})
}

func (h *EmbeddingHandler) Get(c *gin.Context) {
	id, ok := productIDParam(c)
	if !ok {
		return
	}
	vec, err := h.embeddings.GetEmbedding(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "get embedding failed")
		return
	}
	response.OK(c, gin.H{"product_id": id, "dim": len(vec), "vector": vec})
}

func (h *EmbeddingHandler) Flush(c *gin.Context) {
	if err := h.embeddings.Flush(c.Request.Context()); err != nil {
		writeError(c, err, "flush index failed")
		return
	}
	stats, err := h.embeddings.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err, "read index stats failed")
		return
	}
	response.OK(c, stats)
}

func (h *EmbeddingHandler) Repair(c *gin.Context) {
	report, err := h.embeddings.Repair(c.Request.Context())
	if err != nil {
		writeError(c, err, "repair index failed")
		return
	}
	response.OK(c, report)
}

func (h *EmbeddingHandler) Stats(c *gin.Context) {
	stats, err := h.embeddings.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err, "read index stats failed")
		return
	}
	response.OK(c, stats)
}
