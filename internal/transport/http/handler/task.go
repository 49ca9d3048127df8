package handler

import (
	"github.com/gin-gonic/gin"

	"fashion-similarity/internal/app"
	"fashion-similarity/internal/transport/http/response"
)

type TaskHandler struct {
	tasks *app.TaskService
}

func NewTaskHandler(tasks *app.TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

func (h *TaskHandler) Get(c *gin.Context) {
	status, err := h.tasks.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "read task status failed")
		return
	}
	response.OK(c, status)
}
