// Package api serves the ops/ingress REST surface: health and status
// probes, Prometheus metrics, user-action ingestion, and read endpoints
// over anomalies, outcomes, regime insights and pattern quality.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/learning"
	"github.com/finsight-ai/finsight/internal/metrics"
	"github.com/finsight-ai/finsight/internal/regime"
	"github.com/finsight-ai/finsight/internal/scan"
)

// Store is the persistence surface the handlers read and write.
type Store interface {
	SaveUserAction(ctx context.Context, action *db.UserAction) error
	AnomaliesByUser(ctx context.Context, userID string, from, to time.Time, limit int) ([]*db.AnomalyRecord, error)
	ListPendingAnomalies(ctx context.Context, userID string, limit int) ([]*db.AnomalyRecord, error)
	OutcomeByAnomaly(ctx context.Context, anomalyID, userID string) (*db.Outcome, error)
	RecentOutcomes(ctx context.Context, userID string, days int) ([]*db.Outcome, error)
	QualityByUser(ctx context.Context, userID string) ([]db.PatternQuality, error)
}

// InsightSource reports how patterns have performed across regimes.
type InsightSource interface {
	RegimeInsights(patternType string) map[regime.Regime]learning.RegimeInsight
}

// ScanStatus exposes supervisor counters for the status endpoint.
type ScanStatus interface {
	Status() scan.Status
}

// Pinger probes database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheHealth probes the market-data cache.
type CacheHealth interface {
	Health(ctx context.Context) error
}

// EventBus reports event-publisher connectivity.
type EventBus interface {
	Disabled() bool
	Connected() bool
}

// Config contains server configuration.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	Auth           AuthConfig
}

// Deps are the collaborators the handlers read from. Store is required;
// the probe fields may be nil when the dependency is not configured.
type Deps struct {
	Store    Store
	Insights InsightSource
	Agent    *agent.Agent
	Scanner  ScanStatus
	Keys     KeySource
	DB       Pinger
	Cache    CacheHealth
	Events   EventBus
}

// Server represents the REST API server
type Server struct {
	router *gin.Engine
	deps   Deps
	auth   AuthConfig
	addr   string
	server *http.Server
}

// NewServer creates a new API server
func NewServer(config Config, deps Deps) *Server {
	// Set Gin to release mode for production
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	auth := config.Auth
	if auth.Enabled && deps.Keys == nil {
		log.Warn().Msg("API auth enabled but no key source wired, disabling auth")
		auth.Enabled = false
	}

	server := &Server{
		router: router,
		deps:   deps,
		auth:   auth,
		addr:   fmt.Sprintf("%s:%d", config.Host, config.Port),
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}

	return nil
}

// LoggerMiddleware is a custom logging middleware for Gin
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Log request
		latency := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method

		// Metric labels use the route template to bound cardinality.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordAPIRequest(method, route, strconv.Itoa(statusCode), float64(latency.Milliseconds()))

		logEvent := log.Info().
			Str("method", method).
			Str("path", path).
			Str("query", query).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("client_ip", clientIP)

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}
