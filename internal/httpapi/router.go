package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/tablechat/internal/common"
	"github.com/suPer8Hu/tablechat/internal/httpapi/handlers"
	"github.com/suPer8Hu/tablechat/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	if len(h.Cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     h.Cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", "Idempotency-Key", middleware.RequestIDHeader},
			ExposeHeaders:    []string{middleware.RequestIDHeader},
			AllowCredentials: true,
		}))
	}
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(logger))

	r.GET("/ping", h.Ping)

	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUserByID)

	// auth
	r.POST("/login", h.Login)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(h.Cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// Table sessions (JWT required)
	authGroup.POST("/tables", h.CreateTableSession)
	authGroup.GET("/tables", h.ListTableSessions)
	authGroup.GET("/tables/:session_id/state", h.GetState)
	authGroup.GET("/tables/:session_id/rows", h.GetRows)
	authGroup.GET("/tables/:session_id/history", h.GetHistory)
	authGroup.POST("/tables/:session_id/undo", h.Undo)
	authGroup.POST("/tables/:session_id/redo", h.Redo)
	authGroup.POST("/tables/:session_id/ask", h.Ask)
	authGroup.POST("/tables/:session_id/ask/async", h.AskAsync)
	authGroup.GET("/tables/:session_id/messages", h.ListMessages)
	authGroup.GET("/jobs/:job_id", h.GetJob)
	return r
}
