package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"family-chat-service/internal/telemetry"
)

// SubscriberCounter reports live channel sizes.
type SubscriberCounter interface {
	Subscribers(conversationID string) int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, hub SubscriberCounter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/conversations/:conversation_id/subscribers", func(c *gin.Context) {
		if hub == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hub not configured"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"conversation_id": c.Param("conversation_id"),
			"subscribers":     hub.Subscribers(c.Param("conversation_id")),
		})
	})
}
