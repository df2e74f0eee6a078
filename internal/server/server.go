// Package server is the HTTP face of the proxy: the Anthropic Messages
// surface, model routing, passthrough to Anthropic-style backends, and the
// SSE plumbing around the stream translator.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/crosstalk-dev/crosstalk/internal/backend"
	"github.com/crosstalk-dev/crosstalk/internal/clock"
	"github.com/crosstalk-dev/crosstalk/internal/config"
	"github.com/crosstalk-dev/crosstalk/internal/db"
	"github.com/crosstalk-dev/crosstalk/internal/obs/otel"
	"github.com/crosstalk-dev/crosstalk/internal/promptcache"
	"github.com/crosstalk-dev/crosstalk/internal/record"
	"github.com/crosstalk-dev/crosstalk/internal/server/middleware"
)

// Server hosts the proxy endpoints over a shared config, prompt cache and
// backend client. One Server handles many concurrent requests; per-request
// state lives on the handler stack.
type Server struct {
	config     *config.Config
	engine     *gin.Engine
	httpServer *http.Server
	watcher    *config.Watcher
	routes     *router

	backends *backend.Client
	cache    *promptcache.Cache
	clk      clock.Clock
	sink     record.TraceSink
	usage    *db.UsageStore
	tracker  *otel.Tracker

	host    string
	version string
}

// Option adjusts a Server before it starts.
type Option func(*Server)

// WithDefault applies the baseline wiring every caller starts from.
func WithDefault() Option {
	return func(s *Server) {
		s.clk = clock.NewSystem()
		s.sink = record.NullSink{}
		s.backends = backend.New()
	}
}

// WithVersion sets the version string reported by /healthz.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// WithHost overrides the listen host from the config.
func WithHost(host string) Option {
	return func(s *Server) { s.host = host }
}

// WithClock substitutes the timer source, for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clk = clk }
}

// WithTraceSink routes finished request traces into sink.
func WithTraceSink(sink record.TraceSink) Option {
	return func(s *Server) { s.sink = sink }
}

// WithUsageStore persists per-request usage rows into store.
func WithUsageStore(store *db.UsageStore) Option {
	return func(s *Server) { s.usage = store }
}

// WithTracker publishes request metrics through tracker. Nil is fine when
// metrics are off.
func WithTracker(tracker *otel.Tracker) Option {
	return func(s *Server) { s.tracker = tracker }
}

// WithBackendClient substitutes the upstream HTTP client, for tests.
func WithBackendClient(client *backend.Client) Option {
	return func(s *Server) { s.backends = client }
}

// NewServer wires the engine, middleware and routes. Call Start to listen.
func NewServer(cfg *config.Config, opts ...Option) *Server {
	allOpts := append([]Option{WithDefault()}, opts...)

	s := &Server{config: cfg}
	for _, opt := range allOpts {
		opt(s)
	}

	if !cfg.GetVerbose() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.cache = promptcache.New(s.clk)
	s.routes = newRouter(cfg)
	s.engine = gin.New()

	s.setupMiddleware()
	s.setupRoutes()
	s.setupConfigWatcher()

	return s
}

func (s *Server) setupMiddleware() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(middleware.RequestLog())
	s.engine.Use(middleware.CORS())
}

func (s *Server) setupRoutes() {
	// Liveness stays outside auth so probes need no key.
	s.engine.GET("/healthz", s.handleHealth)

	v1 := s.engine.Group("/v1")
	v1.Use(middleware.APIKeyAuth(s.config))
	{
		v1.POST("/messages", s.handleMessages)
		v1.POST("/messages/count_tokens", s.handleCountTokens)
	}
}

// setupConfigWatcher arranges for the route table to follow config edits.
func (s *Server) setupConfigWatcher() {
	watcher, err := config.NewWatcher(s.config)
	if err != nil {
		logrus.Warnf("config hot-reload unavailable: %v", err)
		return
	}
	watcher.AddCallback(func(*config.Config) {
		s.routes.rebuild()
		logrus.Debugln("route table rebuilt from updated config")
	})
	s.watcher = watcher
}

// Start begins listening and blocks until the listener stops. The config
// watcher runs for the lifetime of the server.
func (s *Server) Start() error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logrus.Warnf("config watcher failed to start: %v", err)
		} else {
			logrus.Info("configuration hot-reload enabled")
		}
	}

	srvCfg := s.config.GetServer()
	addr := srvCfg.Addr()
	if s.host != "" {
		addr = fmt.Sprintf("%s:%d", s.host, srvCfg.Port)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.Infof("listening on http://%s (POST /v1/messages)", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully and stops the watcher. In-flight
// streams get until ctx expires to finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			logrus.Debugf("config watcher stop: %v", err)
		}
	}
	if s.httpServer == nil {
		return nil
	}
	logrus.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// GetRouter exposes the engine for handler-level tests.
func (s *Server) GetRouter() *gin.Engine {
	return s.engine
}
