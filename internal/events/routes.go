package events

import "github.com/gin-gonic/gin"

// RegisterRoutes registers the subscription endpoints under an authenticated group.
func RegisterRoutes(r *gin.RouterGroup, h *Handler) {
	ev := r.Group("/events")
	{
		ev.GET("", h.Stream)
		ev.GET("/ws", h.WebSocket)
	}
}
