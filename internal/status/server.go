// Package status serves run health, readiness, progress and Prometheus
// metrics while a pipeline run is in flight.
package status

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/seedmint/internal/auth"
	"github.com/danmuck/seedmint/internal/observability"
	"github.com/danmuck/seedmint/internal/progress"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

// SnapshotFunc returns the current run counters.
type SnapshotFunc func() progress.Snapshot

type Server struct {
	ID      string
	Addr    string
	Started time.Time

	router   *gin.Engine
	snapshot SnapshotFunc
	guard    auth.Validator
	ready    atomic.Bool
	stage    atomic.Value

	routesOnce sync.Once
}

func New(id, addr string, corsOrigins []string, snapshot SnapshotFunc) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	if snapshot == nil {
		snapshot = func() progress.Snapshot { return progress.Snapshot{} }
	}
	s := &Server{
		ID:       id,
		Addr:     addr,
		Started:  time.Now(),
		router:   r,
		snapshot: snapshot,
	}
	s.stage.Store("starting")
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// SetReady flips the /ready answer.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// SetStage records the pipeline step currently running.
func (s *Server) SetStage(stage string) {
	s.stage.Store(stage)
}

func (s *Server) Stage() string {
	v, _ := s.stage.Load().(string)
	return v
}

// RequireToken guards /progress and /metrics with v. It must be called
// before RegisterRoutes; /health and /ready stay open.
func (s *Server) RequireToken(v auth.Validator) {
	s.guard = v
}

func (s *Server) authorize(c *gin.Context) {
	if s.guard == nil {
		c.Next()
		return
	}
	if err := auth.CheckHeader(s.guard, c.GetHeader("Authorization")); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) RegisterRoutes() {
	s.routesOnce.Do(s.registerRoutes)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"service": s.ID,
			"version": Version,
		})
	})

	s.router.GET("/metrics", s.authorize, gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		code := http.StatusOK
		if !s.ready.Load() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":   s.ready.Load(),
			"stage":   s.Stage(),
			"uptime":  time.Since(s.Started).String(),
			"service": s.ID,
		})
	})

	s.router.GET("/progress", s.authorize, func(c *gin.Context) {
		snap := s.snapshot()
		c.JSON(http.StatusOK, gin.H{
			"run_id":  snap.RunID,
			"stage":   s.Stage(),
			"elapsed": snap.Elapsed.String(),
			"failed":  snap.Failed(),
			"phases":  snap.Phases,
		})
	})
}

// Serve listens on Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.RegisterRoutes()
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Msg("status.Server.Serve listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Debug().Str("addr", s.Addr).Msg("status.Server.Serve stopped")
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
