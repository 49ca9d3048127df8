package handler

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fashion-similarity/internal/app"
	"fashion-similarity/internal/embedding"
	"fashion-similarity/internal/transport/http/response"
)

// writeError maps service errors onto the response envelope. fallback is the
// message shown for unexpected failures, whose details are only logged.
func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, embedding.ErrInvalidArgument), errors.Is(err, app.ErrInvalidTask):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, embedding.ErrDecode):
		response.Error(c, http.StatusBadRequest, response.CodeInvalidImage, err.Error())
	case errors.Is(err, embedding.ErrNotFound):
		response.Error(c, http.StatusNotFound, response.CodeEmbeddingNotFound, err.Error())
	case errors.Is(err, app.ErrTaskNotFound):
		response.Error(c, http.StatusNotFound, response.CodeTaskNotFound, err.Error())
	case errors.Is(err, embedding.ErrDimensionMismatch), errors.Is(err, embedding.ErrExtraction):
		response.Error(c, http.StatusUnprocessableEntity, response.CodeUnprocessable, err.Error())
	case errors.Is(err, embedding.ErrFetch):
		response.Error(c, http.StatusBadGateway, response.CodeUpstream, err.Error())
	default:
		log.Printf("%s: %v", fallback, err)
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}

func productIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "product id must be a positive integer")
		return 0, false
	}
	return id, true
}

// optionalInt reads an integer query parameter; absent means nil.
func optionalInt(c *gin.Context, name string) (*int, bool) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return nil, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid "+name)
		return nil, false
	}
	return &v, true
}

func optionalFloat(c *gin.Context, name string) (*float64, bool) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return nil, true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid "+name)
		return nil, false
	}
	return &v, true
}
