package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/zymantas-katinas/commit-digest/internal/telemetry"
)

// Metrics serves the Prometheus exposition format.
// GET /metrics
func Metrics() gin.HandlerFunc {
	return gin.WrapH(telemetry.Handler())
}
