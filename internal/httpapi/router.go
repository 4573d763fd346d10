package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/john-savepoint/T3-Close-ne-sub001/internal/common"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/config"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/httpapi/handlers"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/httpapi/middleware"
	"github.com/john-savepoint/T3-Close-ne-sub001/internal/stream"
)

func NewRouter(cfg config.Config, store stream.ChunkStore, queue handlers.JobPublisher) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(cfg, store, queue)

	r.GET("/ping", func(c *gin.Context) {
		common.Ok(c, gin.H{"pong": true})
	})

	// Streams (JWT required; tokens are issued by the external auth service)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.POST("/v1/streams", h.CreateStream)
	authGroup.GET("/v1/streams/:session_id", h.AttachStream)
	authGroup.GET("/v1/streams/:session_id/progress", h.StreamProgress)
	authGroup.DELETE("/v1/streams/:session_id", h.TeardownStream)

	return r
}
