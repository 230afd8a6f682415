package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/finsight-ai/finsight/internal/db"
)

// API-key scopes. Write implies read.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

// AuthConfig gates the ops server behind stored API keys.
type AuthConfig struct {
	Enabled      bool
	HeaderName   string // defaults to "X-API-Key"
	RequireHTTPS bool
}

// KeySource looks up stored API keys by their SHA-256 hash.
type KeySource interface {
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*db.APIKey, error)
	TouchAPIKey(ctx context.Context, id int64) error
}

// HashAPIKey creates a SHA-256 hash of an API key
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// validateKey resolves the presented key material to a live key record,
// or nil when the key is unknown, revoked or expired. A successful
// lookup refreshes last_used_at off the request path.
func validateKey(ctx context.Context, keys KeySource, key string) (*db.APIKey, error) {
	record, err := keys.GetAPIKeyByHash(ctx, HashAPIKey(key))
	if err != nil {
		return nil, err
	}
	if record == nil || record.Revoked {
		return nil, nil
	}
	if record.ExpiresAt != nil && record.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}

	// Detached context so the touch outlives the request.
	keyID := record.ID
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := keys.TouchAPIKey(touchCtx, keyID); err != nil {
			log.Debug().Err(err).Int64("key_id", keyID).Msg("Failed to touch API key")
		}
	}()

	return record, nil
}

// extractKey pulls the key material from the configured header, falling
// back to Authorization: Bearer.
func extractKey(c *gin.Context, headerName string) string {
	if headerName == "" {
		headerName = "X-API-Key"
	}
	if key := c.GetHeader(headerName); key != "" {
		return key
	}
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// AuthMiddleware creates a Gin middleware that validates API keys.
// When auth is disabled, it allows all requests through.
func AuthMiddleware(keys KeySource, config AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.Enabled || keys == nil {
			c.Next()
			return
		}

		if config.RequireHTTPS && c.Request.TLS == nil && c.GetHeader("X-Forwarded-Proto") != "https" {
			// Allow localhost for development
			host := c.Request.Host
			if !strings.HasPrefix(host, "localhost") && !strings.HasPrefix(host, "127.0.0.1") {
				log.Warn().
					Str("host", host).
					Str("ip", c.ClientIP()).
					Msg("Auth: HTTPS required but request is HTTP")
				c.JSON(http.StatusForbidden, gin.H{
					"error": "HTTPS required for API access",
				})
				c.Abort()
				return
			}
		}

		key := extractKey(c, config.HeaderName)
		if key == "" {
			log.Debug().
				Str("ip", c.ClientIP()).
				Str("path", c.Request.URL.Path).
				Msg("Auth: No API key provided")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key via X-API-Key header or Authorization: Bearer <key>",
			})
			c.Abort()
			return
		}

		record, err := validateKey(c.Request.Context(), keys, key)
		if err != nil {
			log.Error().Err(err).
				Str("ip", c.ClientIP()).
				Msg("Auth: Error validating API key")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "authentication error",
			})
			c.Abort()
			return
		}
		if record == nil {
			log.Warn().
				Str("ip", c.ClientIP()).
				Str("path", c.Request.URL.Path).
				Msg("Auth: Invalid or expired API key")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired API key",
			})
			c.Abort()
			return
		}

		// Downstream handlers and audit logging read these.
		c.Set("user_id", record.UserID)
		c.Set("api_key_name", record.Name)
		c.Set("scope", record.Scope)

		c.Next()
	}
}

// requireWriteScope rejects keys that cannot submit actions. With auth
// disabled there is no scope to check and every request passes.
func requireWriteScope(config AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.Enabled {
			c.Next()
			return
		}

		if scope := c.GetString("scope"); scope != ScopeWrite {
			log.Warn().
				Str("scope", scope).
				Str("path", c.Request.URL.Path).
				Msg("Auth: Write scope required")
			c.JSON(http.StatusForbidden, gin.H{
				"error":    "insufficient scope",
				"required": ScopeWrite,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
