package stream

import "github.com/gin-gonic/gin"

func RegisterRoutes(r *gin.RouterGroup, h *Handler) {
	r.GET("/assets/:id/stream", h.Stream)
	r.HEAD("/assets/:id/stream", h.Stream)
}
