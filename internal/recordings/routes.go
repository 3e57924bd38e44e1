package recordings

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/recording-ingester/internal/auth"
	"github.com/aura-webinar/recording-ingester/internal/middleware"
)

// RegisterRoutes mounts the webhook and the operator API on r.
func RegisterRoutes(r *gin.Engine, wh *WebhookHandler, h *Handler, jwtService *auth.JWTService) {
	// Recording ids may contain "/"; escaped ids must reach the :id parameter intact.
	r.UseRawPath = true
	r.UnescapePathValues = true

	r.POST("/webhooks/recording-completed", wh.RecordingCompleted)

	ops := r.Group("/", middleware.JWT(jwtService))
	ops.POST("/recordings/ingest", middleware.RequireRole(auth.RoleOperator), h.Ingest)
	read := ops.Group("/", middleware.RequireRole(auth.RoleOperator, auth.RoleViewer))
	read.GET("/recordings/:id/status", h.Status)
	read.GET("/queues/:name", h.Queue)
}
