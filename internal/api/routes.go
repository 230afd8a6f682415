package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all API routes. Health, metrics and the root
// banner stay open for load balancers and scrapers; everything else
// sits behind the optional API-key gate.
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	v1.GET("/health", s.handleGetHealth)

	authed := v1.Group("")
	if s.auth.Enabled {
		authed.Use(AuthMiddleware(s.deps.Keys, s.auth))
	}
	{
		authed.GET("/status", s.handleGetStatus)
		authed.GET("/anomalies", s.handleListAnomalies)
		authed.GET("/anomalies/:id/outcome", s.handleGetOutcome)
		authed.GET("/outcomes", s.handleListOutcomes)
		authed.GET("/insights/:pattern", s.handleGetInsights)
		authed.GET("/quality", s.handleGetQuality)

		authed.POST("/actions", requireWriteScope(s.auth), s.handleSaveAction)
	}

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Root endpoint
	s.router.GET("/", s.handleRoot)
}
