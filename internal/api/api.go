// Package api exposes SolarFlow's HTTP surface: flow definition management,
// contact state inspection, CRM record listings, manual sends, the Twilio
// inbound webhook, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solarflow/solarflow/internal/flow"
	"github.com/solarflow/solarflow/internal/loader"
	"github.com/solarflow/solarflow/internal/messaging"
	"github.com/solarflow/solarflow/internal/store"
)

// Constants for server configuration
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr     string
	FlowsDir string // directory re-read by POST /api/flows/reload
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithFlowsDir sets the flow definitions directory for reloads.
func WithFlowsDir(dir string) Option {
	return func(o *Opts) { o.FlowsDir = dir }
}

// Server is the SolarFlow HTTP API.
type Server struct {
	cfg      Opts
	store    store.Store
	registry *flow.Registry
	loader   *loader.Loader
	service  messaging.Service
	twilio   *messaging.TwilioService // non-nil when running on the Twilio transport
	srv      *http.Server
}

// NewServer assembles the API server. twilio may be nil when the WhatsApp
// transport is in use; the webhook endpoint then answers 404.
func NewServer(st store.Store, registry *flow.Registry, ld *loader.Loader, service messaging.Service, twilio *messaging.TwilioService, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		registry: registry,
		loader:   ld,
		service:  service,
		twilio:   twilio,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/flows", s.handleListFlows)
		api.GET("/flows/:name", s.handleGetFlow)
		api.POST("/flows", s.handleCreateFlow)
		api.POST("/flows/reload", s.handleReloadFlows)

		api.GET("/contacts/:id/state", s.handleGetState)
		api.DELETE("/contacts/:id/state", s.handleResetState)

		api.GET("/records/:model", s.handleListRecords)

		api.POST("/send", s.handleSend)
	}

	if s.twilio != nil {
		router.POST("/webhooks/twilio", s.handleTwilioWebhook)
	}

	return router
}

// Start runs the HTTP server in the background.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Router(),
	}
	slog.Info("API server starting", "addr", s.cfg.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	slog.Info("API server stopped")
	return nil
}

// requestLogger logs each request with slog instead of gin's default writer.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
