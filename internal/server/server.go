// Package server exposes the loop coordinator over HTTP.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Iron-Ham/loopguard/internal/config"
	"github.com/Iron-Ham/loopguard/internal/logging"
	"github.com/Iron-Ham/loopguard/internal/orchestrator"
)

// Server is the HTTP front end of a Coordinator.
type Server struct {
	coord   *orchestrator.Coordinator
	engine  *gin.Engine
	http    *http.Server
	logger  *logging.Logger
	version string
	started time.Time

	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger.WithComponent("server")
		}
	}
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New builds the router. gatherer backs /metrics; nil uses the default
// prometheus registry.
func New(coord *orchestrator.Coordinator, cfg config.ServerConfig, gatherer prometheus.Gatherer, opts ...Option) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		coord:           coord,
		engine:          gin.New(),
		logger:          logging.NopLogger(),
		started:         time.Now(),
		shutdownTimeout: time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(s.recovery(), s.requestLogger())
	s.routes(gatherer)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/loops", s.submit)
		v1.POST("/loops/success", s.reportSuccess)
		v1.POST("/loops/failure", s.reportFailure)
		v1.POST("/loops/abort", s.abort)

		v1.POST("/delegations", s.delegate)

		v1.POST("/checkpoints", s.openCheckpoint)
		v1.GET("/checkpoints", s.listCheckpoints)
		v1.GET("/checkpoints/:id", s.getCheckpoint)
		v1.POST("/checkpoints/:id/resolve", s.resolveCheckpoint)

		v1.POST("/classify", s.classify)

		v1.GET("/tasks", s.listTasks)
		v1.GET("/tasks/:task_id", s.taskStatus)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.shutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic in handler", "path", c.FullPath(), "panic", fmt.Sprint(recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, APIResponse{Success: false, Error: "internal server error"})
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
