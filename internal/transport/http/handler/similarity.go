package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"fashion-similarity/internal/app"
	"fashion-similarity/internal/embedding"
	"fashion-similarity/internal/transport/http/response"
)

const defaultMaxUpload = 10 << 20 // 10 MB

type SimilarityHandler struct {
	embeddings *app.EmbeddingService
	maxUpload  int64
}

type similarResponse struct {
	ProductID *int64                 `json:"product_id,omitempty"`
	Query     embedding.QueryOptions `json:"query"`
	Results   []embedding.Match      `json:"results"`
}

func NewSimilarityHandler(embeddings *app.EmbeddingService, maxUpload int64) *SimilarityHandler {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &SimilarityHandler{embeddings: embeddings, maxUpload: maxUpload}
}

func (h *SimilarityHandler) queryOptions(c *gin.Context) (embedding.QueryOptions, bool) {
	topN, ok := optionalInt(c, "top_n")
	if !ok {
		return embedding.QueryOptions{}, false
	}
	threshold, ok := optionalFloat(c, "score_threshold")
	if !ok {
		return embedding.QueryOptions{}, false
	}
	return h.embeddings.QueryOptions(topN, threshold), true
}

// ByProduct handles GET /embeddings/similar/:id.
func (h *SimilarityHandler) ByProduct(c *gin.Context) {
	id, ok := productIDParam(c)
	if !ok {
		return
	}
	opts, ok := h.queryOptions(c)
	if !ok {
		return
	}
	matches, err := h.embeddings.FindSimilarByProduct(c.Request.Context(), id, opts)
	if err != nil {
		writeError(c, err, "find similar failed")
		return
	}
	response.OK(c, similarResponse{ProductID: &id, Query: opts, Results: matches})
}

// ByImage handles POST /embeddings/similar with a multipart "image" field.
func (h *SimilarityHandler) ByImage(c *gin.Context) {
	opts, ok := h.queryOptions(c)
	if !ok {
		return
	}

	file, err := c.FormFile("image")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing image file (form field 'image')")
		return
	}
	if file.Size > h.maxUpload {
		response.Error(c, http.StatusRequestEntityTooLarge, response.CodeBadRequest, "image too large")
		return
	}

	f, err := file.Open()
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "failed to open uploaded file")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxUpload))
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "failed to read image")
		return
	}

	matches, err := h.embeddings.FindSimilarByImage(c.Request.Context(), data, opts)
	if err != nil {
		writeError(c, err, "find similar failed")
		return
	}
	response.OK(c, similarResponse{Query: opts, Results: matches})
}
