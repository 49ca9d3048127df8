package response

import "github.com/gin-gonic/gin"

const (
	CodeOK                = 0
	CodeBadRequest        = 40000
	CodeInvalidImage      = 40001
	CodeUnauthorized      = 40100
	CodeNotFound          = 40400
	CodeEmbeddingNotFound = 40401
	CodeTaskNotFound      = 40402
	CodeUnprocessable     = 42200
	CodeInternalServer    = 50000
	CodeUpstream          = 50200
	CodeUnavailable       = 50300
)

type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(200, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

// Accepted answers a request whose work continues in the background.
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(202, APIResponse{
		Code:    CodeOK,
		Message: "accepted",
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}
