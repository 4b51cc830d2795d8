package main

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"companion-voice/internal/config"
	"companion-voice/internal/webhooks"
	"companion-voice/pkg/utils"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, cfg config.Config, db *sql.DB, svc services) {
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Carrier webhooks. Signature verification happens inside the handler,
	// so these stay public.
	v1 := r.Group("/v1")
	{
		v1.POST("/carrier/inbound", svc.webhook.HandleInboundCall)
		v1.POST("/carrier/outbound", svc.webhook.HandleOutboundAnswer)

		// Media websocket; authenticated by the stream token carried in
		// the start frame, not by the HTTP request.
		v1.GET("/media", svc.media.HandleMediaStream)
	}

	// Collaborator triggers and tool routes behind the shared internal secret.
	svc.internal.Register(r, cfg.Secure.InternalSecret)
	svc.toolAPI.Register(r, webhooks.RequireInternalSecret(cfg.Secure.InternalSecret))
}
