package http

import (
	"github.com/gin-gonic/gin"

	appsvc "fashion-similarity/internal/app"
	"fashion-similarity/internal/bootstrap"
	"fashion-similarity/internal/transport/http/handler"
	"fashion-similarity/internal/transport/http/middleware"
)

// RouterDeps is everything the HTTP API serves.
type RouterDeps struct {
	GinMode   string
	APIToken  string
	JWTSecret string
	MaxUpload int64

	Embeddings *appsvc.EmbeddingService
	Tasks      *appsvc.TaskService
	Health     *handler.HealthHandler
}

func NewRouter(app *bootstrap.App) *gin.Engine {
	checks := make(map[string]handler.HealthCheck)
	for name, check := range app.HealthChecks() {
		checks[name] = check
	}
	return BuildRouter(RouterDeps{
		GinMode:    app.Config.App.GinMode,
		APIToken:   app.Config.Auth.APIToken,
		JWTSecret:  app.Config.Auth.JWTSecret,
		MaxUpload:  app.Config.Similarity.MaxUploadBytes,
		Embeddings: app.Embeddings,
		Tasks:      app.Tasks,
		Health: handler.NewHealthHandler(handler.HealthInfo{
			Name:      app.Config.App.Name,
			Env:       app.Config.App.Env,
			StartedAt: app.StartedAt,
		}, checks),
	})
}

func BuildRouter(deps RouterDeps) *gin.Engine {
	if deps.GinMode != "" {
		gin.SetMode(deps.GinMode)
	}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	if deps.Health != nil {
		router.GET("/healthz", deps.Health.Check)
	}

	embeddingHandler := handler.NewEmbeddingHandler(deps.Embeddings, deps.Tasks)
	similarityHandler := handler.NewSimilarityHandler(deps.Embeddings, deps.MaxUpload)
	taskHandler := handler.NewTaskHandler(deps.Tasks)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Auth(deps.APIToken, deps.JWTSecret))

	embeddings := v1.Group("/embeddings")
	embeddings.POST("/generate", embeddingHandler.GenerateBatch)
	embeddings.POST("/generate/:id", embeddingHandler.Generate)
	embeddings.POST("/generate-all", embeddingHandler.GenerateAll)
	embeddings.PUT("/:id", embeddingHandler.Update)
	embeddings.DELETE("/:id", embeddingHandler.Delete)
	embeddings.GET("", embeddingHandler.List)
	embeddings.GET("/count", embeddingHandler.Count)
	embeddings.GET("/stats", embeddingHandler.Stats)
	embeddings.GET("/:id", embeddingHandler.Get)
	embeddings.POST("/flush", embeddingHandler.Flush)
	embeddings.POST("/repair", embeddingHandler.Repair)
	embeddings.GET("/similar/:id", similarityHandler.ByProduct)
	embeddings.POST("/similar", similarityHandler.ByImage)

	v1.GET("/tasks/:id", taskHandler.Get)

	return router
}
