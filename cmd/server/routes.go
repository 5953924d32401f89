package main

import (
	"github.com/gin-gonic/gin"

	"github.com/zymantas-katinas/commit-digest/internal/config"
	"github.com/zymantas-katinas/commit-digest/internal/handlers"
	"github.com/zymantas-katinas/commit-digest/internal/middleware"
	"github.com/zymantas-katinas/commit-digest/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, cfg *config.Config, svc *appServices) {
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	r.GET("/health", svc.healthHandler.CheckHealth)
	r.GET("/metrics", handlers.Metrics())

	api := r.Group("/api", svc.limiter.Middleware(), middleware.AuthRequired())
	{
		api.GET("/runs", svc.runHandler.List)
		api.GET("/runs/:id", svc.runHandler.GetByID)

		api.GET("/usage", svc.usageHandler.Get)

		api.POST("/configs/:id/run", svc.configHandler.Run)
		api.POST("/configs/:id/test-webhook", svc.configHandler.TestWebhook)

		api.POST("/schedules/preview", svc.scheduleHandler.Preview)
	}
}
