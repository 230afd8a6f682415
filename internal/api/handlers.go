package api

import (
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/finsight-ai/finsight/internal/config"
	"github.com/finsight-ai/finsight/internal/db"
	"github.com/finsight-ai/finsight/internal/detect"
)

const (
	// DefaultUserID is assumed when a caller does not scope a query.
	DefaultUserID = "default"

	// DefaultAnomalyLimit caps anomaly listings unless the caller asks
	// for more.
	DefaultAnomalyLimit = 100

	// MaxAnomalyLimit is the hard listing cap.
	MaxAnomalyLimit = 500

	// DefaultOutcomeDays is the outcome lookback when none is given.
	DefaultOutcomeDays = 7

	// MaxOutcomeDays bounds the outcome lookback window.
	MaxOutcomeDays = 365
)

// validActions is the user-action vocabulary the outcome tracker
// understands.
var validActions = map[string]bool{
	"ignored":  true,
	"reviewed": true,
	"traded":   true,
}

// Root handler
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "FinSight API",
		"version": config.Version,
		"status":  "running",
		"time":    time.Now().UTC(),
	})
}

// handleGetHealth reports per-dependency health. Only a failing
// database makes the probe fail hard; a degraded cache or event bus is
// reported but keeps the process in rotation.
func (s *Server) handleGetHealth(c *gin.Context) {
	ctx := c.Request.Context()

	status := "healthy"
	code := http.StatusOK
	components := gin.H{}

	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("Database health check failed")
			components["database"] = "unhealthy"
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		} else {
			components["database"] = "healthy"
		}
	} else {
		components["database"] = "not_configured"
	}

	if s.deps.Cache != nil {
		if err := s.deps.Cache.Health(ctx); err != nil {
			log.Warn().Err(err).Msg("Cache health check failed")
			components["cache"] = "unhealthy"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			components["cache"] = "healthy"
		}
	} else {
		components["cache"] = "not_configured"
	}

	if s.deps.Events != nil {
		switch {
		case s.deps.Events.Disabled():
			components["events"] = "disabled"
		case s.deps.Events.Connected():
			components["events"] = "connected"
		default:
			components["events"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		components["events"] = "not_configured"
	}

	c.JSON(code, gin.H{
		"status":     status,
		"components": components,
		"time":       time.Now().UTC(),
	})
}

// handleGetStatus returns agent counters, scan-cycle stats and runtime
// vitals.
func (s *Server) handleGetStatus(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := gin.H{
		"status":         "running",
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": time.Since(startTime).Seconds(),
		"version":        config.Version,
		"system": gin.H{
			"goroutines": runtime.NumGoroutine(),
			"memory": gin.H{
				"alloc_mb":       toMB(memStats.Alloc),
				"total_alloc_mb": toMB(memStats.TotalAlloc),
				"sys_mb":         toMB(memStats.Sys),
				"num_gc":         memStats.NumGC,
			},
			"go_version": runtime.Version(),
		},
	}

	if s.deps.Agent != nil {
		status["agent"] = s.deps.Agent.Snapshot()
	}
	if s.deps.Scanner != nil {
		status["scan"] = s.deps.Scanner.Status()
	}

	c.JSON(http.StatusOK, status)
}

// handleSaveAction records a human response to an anomaly.
func (s *Server) handleSaveAction(c *gin.Context) {
	var req struct {
		AnomalyID string `json:"anomaly_id" binding:"required"`
		UserID    string `json:"user_id" binding:"required"`
		Action    string `json:"action" binding:"required"`
		Notes     string `json:"notes"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request body",
			"details": err.Error(),
		})
		return
	}

	if !validActions[req.Action] {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "action must be one of: ignored, reviewed, traded",
		})
		return
	}

	action := &db.UserAction{
		AnomalyID: req.AnomalyID,
		UserID:    req.UserID,
		Action:    req.Action,
		Notes:     req.Notes,
	}

	if err := s.deps.Store.SaveUserAction(c.Request.Context(), action); err != nil {
		log.Error().Err(err).Str("anomaly_id", req.AnomalyID).Msg("Failed to record user action")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to record action",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":     "recorded",
		"anomaly_id": req.AnomalyID,
		"user_id":    req.UserID,
		"action":     req.Action,
	})
}

// handleListAnomalies lists a user's anomalies in a time window, or
// with pending=true the ones still awaiting a response.
func (s *Server) handleListAnomalies(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "user_id query parameter required",
		})
		return
	}

	limit := parseBoundedInt(c.Query("limit"), DefaultAnomalyLimit, MaxAnomalyLimit)

	if c.Query("pending") == "true" {
		anomalies, err := s.deps.Store.ListPendingAnomalies(c.Request.Context(), userID, limit)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to list pending anomalies")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "failed to retrieve anomalies",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"anomalies": anomalies,
			"total":     len(anomalies),
			"pending":   true,
		})
		return
	}

	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now

	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid from parameter",
				"details": "expected RFC3339 timestamp",
			})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid to parameter",
				"details": "expected RFC3339 timestamp",
			})
			return
		}
		to = t
	}
	if !to.After(from) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "to must be after from",
		})
		return
	}

	anomalies, err := s.deps.Store.AnomaliesByUser(c.Request.Context(), userID, from, to, limit)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to list anomalies")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to retrieve anomalies",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"anomalies": anomalies,
		"total":     len(anomalies),
		"from":      from,
		"to":        to,
	})
}

// handleGetOutcome returns the recorded outcome for one anomaly.
func (s *Server) handleGetOutcome(c *gin.Context) {
	anomalyID := c.Param("id")
	userID := c.DefaultQuery("user_id", DefaultUserID)

	outcome, err := s.deps.Store.OutcomeByAnomaly(c.Request.Context(), anomalyID, userID)
	if err != nil {
		log.Error().Err(err).Str("anomaly_id", anomalyID).Msg("Failed to query outcome")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to retrieve outcome",
		})
		return
	}
	if outcome == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("no outcome recorded for %s yet", anomalyID),
		})
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// handleListOutcomes returns the user's recent outcomes.
func (s *Server) handleListOutcomes(c *gin.Context) {
	userID := c.DefaultQuery("user_id", DefaultUserID)
	days := parseBoundedInt(c.Query("days"), DefaultOutcomeDays, MaxOutcomeDays)

	outcomes, err := s.deps.Store.RecentOutcomes(c.Request.Context(), userID, days)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to list outcomes")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to retrieve outcomes",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"outcomes": outcomes,
		"total":    len(outcomes),
		"days":     days,
	})
}

// handleGetInsights reports learned per-regime performance for one
// pattern type.
func (s *Server) handleGetInsights(c *gin.Context) {
	pattern := c.Param("pattern")
	if !detect.IsKnownPattern(pattern) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("unknown pattern type %q", pattern),
			"known": detect.KnownPatterns(),
		})
		return
	}

	if s.deps.Insights == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "learner not available",
		})
		return
	}

	insights := s.deps.Insights.RegimeInsights(pattern)
	c.JSON(http.StatusOK, gin.H{
		"pattern":  pattern,
		"insights": insights,
		"regimes":  len(insights),
	})
}

// handleGetQuality returns the user's learned pattern-quality rows.
func (s *Server) handleGetQuality(c *gin.Context) {
	userID := c.DefaultQuery("user_id", DefaultUserID)

	quality, err := s.deps.Store.QualityByUser(c.Request.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to query pattern quality")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to retrieve pattern quality",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"quality": quality,
		"total":   len(quality),
	})
}

// Utility functions

var startTime = time.Now()

func toMB(bytes uint64) uint64 {
	return bytes / 1024 / 1024
}

// parseBoundedInt parses a positive query integer with a default and a
// cap. Malformed or non-positive values fall back to the default.
func parseBoundedInt(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
