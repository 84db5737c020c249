package api

import (
	"hakoflow/internal/metrics"
	"hakoflow/internal/middleware"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes wires the operational surface: liveness, metrics and
// dead-letter remediation. There is no application routing here, the catalog
// API lives in another service.
func RegisterRoutes(opsHandler *OpsHandler) *gin.Engine {
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(),
	)
	r.SetTrustedProxies(nil)

	r.GET("/health", opsHandler.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	ops := r.Group("/ops")
	{
		ops.GET("/deadletters", opsHandler.ListDeadLetters)
		ops.GET("/deadletters/:id", opsHandler.GetDeadLetter)
		ops.POST("/deadletters/:id/requeue", opsHandler.RequeueDeadLetter)
	}

	return r
}
