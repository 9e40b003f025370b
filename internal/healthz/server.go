// Package healthz serves the self-monitor surface every pipeline process
// exposes: liveness, Prometheus exposition and a small read-only alert API.
package healthz

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/alert"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/middleware"
)

const checkTimeout = 5 * time.Second

// Check pings one dependency. Registered checks run on every /healthz call.
type Check func(ctx context.Context) error

// Server is the per-process HTTP endpoint.
type Server struct {
	addr   string
	engine *gin.Engine
	checks map[string]Check
	http   *http.Server
}

// Option configures the server at construction.
type Option func(*Server)

// WithCheck registers a named dependency check.
func WithCheck(name string, check Check) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithAlertAPI mounts the read-only alert lookup under /api/v1, guarded by
// the bearer token (empty token leaves it open).
func WithAlertAPI(store alert.Store, token string) Option {
	return func(s *Server) {
		api := s.engine.Group("/api/v1", middleware.TokenAuth(token))
		api.GET("/alerts/:alert_id", func(c *gin.Context) {
			a, err := store.Get(c.Request.Context(), c.Param("alert_id"))
			if err != nil {
				if errors.Is(err, alert.ErrNotFound) {
					c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, a)
		})
	}
}

func New(addr string, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		addr:   addr,
		engine: engine,
		checks: map[string]Check{},
	}
	for _, opt := range opts {
		opt(s)
	}

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return s
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{Addr: s.addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info().Str("addr", s.addr).Msg("self-monitor server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }
