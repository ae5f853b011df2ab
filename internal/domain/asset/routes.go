package asset

import (
	"github.com/gin-gonic/gin"

	"pulse/internal/middleware"
)

// RegisterRoutes registers asset routes under the authenticated group.
// Uploading needs editor or admin, re-processing needs admin; reads are open to any role.
func RegisterRoutes(r *gin.RouterGroup, h *Handler) {
	assets := r.Group("/assets")
	{
		assets.POST("", middleware.RequireRole(RoleEditor, RoleAdmin), h.Upload)
		assets.GET("", h.List)
		assets.GET("/:id", h.Get)
		assets.DELETE("/:id", h.Delete)
		assets.POST("/:id/process", middleware.AdminOnly(), h.Process)
	}
}
