package api

import (
	"github.com/gin-gonic/gin"

	"github.com/statbridge/statbridge/internal/common/logger"
	"github.com/statbridge/statbridge/internal/session"
)

// SetupRoutes configures the bridge API routes.
// router should be the /api/v1 group.
func SetupRoutes(router *gin.RouterGroup, mgr *session.Manager, graphsDir string, log *logger.Logger) {
	handler := NewHandler(mgr, graphsDir, log)

	sessions := router.Group("/sessions")
	{
		sessions.GET("", handler.ListSessions)
		sessions.POST("", handler.CreateSession)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.DELETE("/:sessionId", handler.DestroySession)
		sessions.POST("/:sessionId/stop", handler.StopExecution)
		sessions.GET("/:sessionId/data", handler.GetData)
	}

	router.GET("/stats", handler.GetStats)
	router.GET("/history", handler.GetHistory)
	router.DELETE("/history", handler.ClearHistory)
	router.GET("/graphs/:name", handler.ServeGraph)
}
