package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RomanSlack/VoiceDeck/internal/config"
	"github.com/RomanSlack/VoiceDeck/internal/failure"
	"github.com/RomanSlack/VoiceDeck/internal/metrics"
	"github.com/RomanSlack/VoiceDeck/internal/session"
)

// HTTPServer exposes session control and monitoring to a local GUI
type HTTPServer struct {
	server  *http.Server
	engine  *gin.Engine
	logger  *slog.Logger
	config  *config.Config
	manager *session.Manager
	metrics *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates the API server. gatherer backs /metrics; nil uses
// the default registry.
func NewHTTPServer(appConfig *config.Config, manager *session.Manager, m *metrics.Metrics,
	gatherer prometheus.Gatherer, logger *slog.Logger) *HTTPServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		manager:   manager,
		metrics:   m,
		startTime: time.Now(),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestLogger(logger))
	engine.Use(WithMetrics(m))
	engine.Use(CORS(appConfig.HTTP.AllowedOrigins))
	h.setupRoutes(engine, gatherer)
	h.engine = engine

	h.server = &http.Server{
		Addr:        appConfig.HTTP.GetListenAddress(),
		Handler:     engine,
		ReadTimeout: 10 * time.Second,
		// No write timeout: the events stream stays open for a whole session.
		IdleTimeout: 60 * time.Second,
	}

	return h
}

func (h *HTTPServer) setupRoutes(r *gin.Engine, gatherer prometheus.Gatherer) {
	r.GET("/", h.handleRoot)
	r.GET("/health", h.handleHealth)
	r.GET("/config", h.handleConfig)
	r.GET("/devices", h.handleDevices)
	r.GET("/history", h.handleHistory)

	sessions := r.Group("/sessions")
	{
		sessions.GET("", h.handleListSessions)
		sessions.POST("", h.handleStartSession)
		sessions.GET("/:id", h.handleGetSession)
		sessions.DELETE("/:id", h.handleRemoveSession)
		sessions.POST("/:id/stop", h.handleStopSession)
		sessions.POST("/:id/cancel", h.handleCancelSession)
		sessions.GET("/:id/level", h.handleLevel)
		sessions.GET("/:id/events", h.handleEvents)
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// Handler returns the HTTP handler, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.engine
}

// Start starts the HTTP server in the background
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "VoiceDeck",
		"version": "1.0.0",
		"endpoints": gin.H{
			"GET /":                      "API documentation",
			"GET /health":                "Service health check",
			"GET /config":                "Sanitised configuration",
			"GET /devices":               "List capture devices",
			"GET /history":               "Journaled sessions, newest first",
			"GET /sessions":              "List sessions of this process",
			"POST /sessions":             "Start recording",
			"GET /sessions/{id}":         "Session snapshot with chunk statuses",
			"DELETE /sessions/{id}":      "Remove a finished session's chunk files",
			"POST /sessions/{id}/stop":   "Stop recording and finish transcribing",
			"POST /sessions/{id}/cancel": "Cancel the session",
			"GET /sessions/{id}/level":   "Current input level",
			"GET /sessions/{id}/events":  "Progress events (server-sent events)",
			"GET /metrics":               "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *HTTPServer) handleHealth(c *gin.Context) {
	active := gin.H{"recording": false}
	if s, ok := h.manager.Active(); ok {
		active = gin.H{"recording": true, "session_id": s.ID(), "state": s.State()}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"components": gin.H{
			"session_manager": active,
			"transcriber": gin.H{
				"provider": h.manager.Transcriber().Name(),
				"limits":   h.manager.Transcriber().Limits(),
			},
			"journal": gin.H{"enabled": h.manager.Journal() != nil},
		},
	})
}

func (h *HTTPServer) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.config.Sanitized())
}

func (h *HTTPServer) handleDevices(c *gin.Context) {
	devices, err := h.manager.Backend().Devices()
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (h *HTTPServer) handleHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		respondMessage(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	records, err := h.manager.Journal().Sessions(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": records})
}

func (h *HTTPServer) handleListSessions(c *gin.Context) {
	sessions := h.manager.List()
	snapshots := make([]session.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snapshots = append(snapshots, s.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"total": len(snapshots), "sessions": snapshots})
}

func (h *HTTPServer) handleStartSession(c *gin.Context) {
	opts := session.StartOptions{
		DeviceID:   h.config.Audio.Device,
		SampleRate: h.config.Audio.SampleRate,
		Channels:   h.config.Audio.Channels,
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&opts); err != nil && !errors.Is(err, io.EOF) {
			respondError(c, http.StatusBadRequest, err)
			return
		}
	}

	s, err := h.manager.Start(c.Request.Context(), opts)
	if err != nil {
		respondFailure(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.Snapshot())
}

func (h *HTTPServer) handleGetSession(c *gin.Context) {
	id := c.Param("id")
	if s, ok := h.manager.Get(id); ok {
		c.JSON(http.StatusOK, s.Snapshot())
		return
	}

	rec, err := h.manager.Journal().Session(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		respondMessage(c, http.StatusNotFound, "session not found")
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *HTTPServer) handleRemoveSession(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.manager.Get(id); !ok {
		respondMessage(c, http.StatusNotFound, "session not found")
		return
	}
	if err := h.manager.Remove(id); err != nil {
		respondFailure(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPServer) handleStopSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := s.Stop(); err != nil {
		h.logger.Warn("Capture ended with error",
			slog.String("session_id", s.ID()),
			slog.String("error", err.Error()))
	}
	c.JSON(http.StatusAccepted, s.Snapshot())
}

func (h *HTTPServer) handleCancelSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	s.Cancel()
	c.JSON(http.StatusAccepted, s.Snapshot())
}

func (h *HTTPServer) handleLevel(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": s.ID(), "level": s.ReadLevel()})
}

func (h *HTTPServer) handleEvents(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", s.Snapshot())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(ev.Kind.String(), ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *HTTPServer) lookup(c *gin.Context) (*session.Session, bool) {
	s, ok := h.manager.Get(c.Param("id"))
	if !ok {
		respondMessage(c, http.StatusNotFound, "session not found")
		return nil, false
	}
	return s, true
}

// statusFor maps a pipeline error kind to an HTTP status code
func statusFor(kind failure.Kind) int {
	switch kind {
	case failure.KindSessionActive:
		return http.StatusConflict
	case failure.KindInvalidConfiguration:
		return http.StatusBadRequest
	case failure.KindAuthenticationFailed:
		return http.StatusUnauthorized
	case failure.KindDeviceUnavailable, failure.KindTranscriptionUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondFailure(c *gin.Context, err error) {
	kind := failure.KindOf(err)
	c.JSON(statusFor(kind), gin.H{"error": err.Error(), "kind": kind})
}

func respondError(c *gin.Context, status int, err error) {
	respondMessage(c, status, err.Error())
}

func respondMessage(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
