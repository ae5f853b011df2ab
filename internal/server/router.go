// Package server assembles the HTTP surface: middleware chain, health and metrics
// endpoints and the authenticated /api/v1 group.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"pulse/internal/domain/asset"
	"pulse/internal/events"
	"pulse/internal/metrics"
	"pulse/internal/middleware"
	jwtsvc "pulse/internal/pkg/jwt"
	"pulse/internal/stream"
)

type Deps struct {
	Log            *zap.Logger
	JWT            *jwtsvc.Service
	Registry       *prometheus.Registry
	AllowedOrigins map[string]bool
	Assets         *asset.Handler
	Stream         *stream.Handler
	Events         *events.Handler
}

func NewRouter(d Deps) *gin.Engine {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	r.Use(middleware.ErrorLogger(log))
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS(d.AllowedOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Registry != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(d.Registry)))
	}

	v1 := r.Group("/api/v1")
	v1.Use(middleware.JWTAuth(d.JWT))
	{
		asset.RegisterRoutes(v1, d.Assets)
		stream.RegisterRoutes(v1, d.Stream)
		events.RegisterRoutes(v1, d.Events)
	}

	return r
}
