package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/RomanSlack/VoiceDeck/internal/metrics"
)

// CORS allows the configured GUI origins to call the API
func CORS(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			config.AllowOrigins = nil
			config.AllowAllOrigins = true
		}
	}
	if len(config.AllowOrigins) == 0 && !config.AllowAllOrigins {
		config.AllowOriginFunc = func(string) bool { return false }
	}
	return cors.New(config)
}

// RequestLogger logs every request at debug level and failures at warn
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "HTTP request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

// WithMetrics records request counts, latency and errors per route
func WithMetrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := c.Writer.Status()
		m.RecordHTTPRequest(c.Request.Method, endpoint, strconv.Itoa(status), time.Since(start).Seconds())

		if status >= http.StatusBadRequest {
			errorType := "client_error"
			if status >= http.StatusInternalServerError {
				errorType = "server_error"
			}
			m.RecordHTTPError(c.Request.Method, endpoint, errorType)
		}
	}
}
