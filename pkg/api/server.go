package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"dtrunner/pkg/api/middleware"
	"dtrunner/pkg/auth"
	"dtrunner/pkg/executor"
	"dtrunner/pkg/logger"
	"dtrunner/pkg/models"
	"dtrunner/pkg/resilience"
	"dtrunner/pkg/storage"
)

// Submitter runs one job. *executor.Pool satisfies it.
type Submitter interface {
	Submit(ctx context.Context, job executor.Job) (models.InvocationResult, error)
}

// LogSource returns up to n recent progress lines, oldest first.
type LogSource func(ctx context.Context, n int) ([]string, error)

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger

	runs     storage.RunStore
	pool     Submitter
	log      LogSource
	keys     auth.KeyStore
	breakers []*resilience.CircuitBreaker

	// Runs accepted over HTTP outlive their request; they are bound to
	// the server's lifetime instead.
	runCtx    context.Context
	cancelRun context.CancelFunc
	inflight  sync.WaitGroup
}

// DefaultAddr keeps the API on the local machine unless told otherwise.
const DefaultAddr = "127.0.0.1:8080"

// Config holds API server configuration.
type Config struct {
	// Addr is the host:port to listen on. Empty means DefaultAddr.
	Addr string
	// Keys guards /api/v1. Nil leaves it open, which only suits a
	// loopback Addr.
	Keys     auth.KeyStore
	Runs     storage.RunStore
	Pool     Submitter
	Log      LogSource
	Breakers []*resilience.CircuitBreaker
	Logger   *zap.Logger
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	l := logger.OrGlobal(cfg.Logger).With(zap.String("component", "api"))

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Metrics())
	router.Use(middleware.Tracing())
	router.Use(middleware.Logger(l))
	router.Use(middleware.BodySizeLimit(1 << 20))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:    router,
		logger:    l,
		runs:      cfg.Runs,
		pool:      cfg.Pool,
		log:       cfg.Log,
		keys:      cfg.Keys,
		breakers:  cfg.Breakers,
		runCtx:    ctx,
		cancelRun: cancel,
	}
	s.registerRoutes()

	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, cancels runs started over HTTP and
// waits for them to be recorded.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	err := s.httpServer.Shutdown(ctx)
	s.cancelRun()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	if s.keys != nil {
		v1.Use(middleware.Auth(s.keys))
	}
	{
		runs := v1.Group("/runs")
		{
			runs.GET("", s.listRuns)
			runs.POST("", middleware.RequireRole(auth.RoleOperator), s.createRun)
			runs.GET("/:id", s.getRun)
		}
		v1.GET("/scenarios", s.listScenarios)
		v1.GET("/log", s.recentLog)
	}
}

// healthCheck reports degraded while any remote sink's breaker is open.
func (s *Server) healthCheck(c *gin.Context) {
	breakers := make([]resilience.Snapshot, 0, len(s.breakers))
	healthy := true
	for _, b := range s.breakers {
		snap := b.Snapshot()
		if b.State() == resilience.CircuitOpen {
			healthy = false
		}
		breakers = append(breakers, snap)
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"breakers":  breakers,
		"runs":      s.runs != nil,
		"timestamp": time.Now().UTC(),
	})
}
