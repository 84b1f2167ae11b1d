package main

import (
	"callsim/internal/auth"
	"callsim/internal/events"
	"callsim/internal/httpapi"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, ws *events.WebSocketHandler, apiKeys []string, gatherer prometheus.Gatherer) {
	// public
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// Real-time updates. Guarded by channel tokens when configured.
	r.GET("/ws", ws.Serve)

	v1 := r.Group("/v1")
	v1.Use(auth.RequireAPIKey(apiKeys))
	{
		calls := v1.Group("/calls")
		calls.POST("", h.CreateCall)
		calls.GET("/:id", h.GetCall)
		calls.POST("/:id/recording", h.RequestRecording)

		v1.GET("/metrics", h.GetMetrics)
		v1.GET("/uploads/exhausted", h.ListExhaustedUploads)
	}
}
