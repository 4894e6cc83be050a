// Package api is the HTTP surface of the audit service: uploads, task
// status, findings and paid double-checks, all behind the trust gate.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/SiriusScan/code-audit/sirius/store"
)

// Server wraps the gin engine in an http.Server with fixed timeouts.
type Server struct {
	server *http.Server
	engine *gin.Engine
}

// NewRouter registers every route. /health is the only unauthenticated one.
// Browser clients are allowed only from allowedOrigins.
func NewRouter(h *Handler, kv store.KVStore, gate TrustChecker, allowedOrigins ...string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	if len(allowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  allowedOrigins,
			AllowMethods:  []string{"GET", "POST"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-API-Key", "Idempotency-Key"},
			ExposeHeaders: []string{"Content-Length", "Retry-After"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "code-audit"})
	})

	v1 := r.Group("/api/v1", TrustMiddleware(kv, gate))
	{
		v1.POST("/scans", h.Upload)
		v1.GET("/scans/:id", h.GetTask)
		v1.GET("/scans/:id/findings", h.ListFindings)
		v1.GET("/scans/:id/events", h.TaskEvents)
		v1.POST("/scans/:id/double-check", h.DoubleCheck)
		v1.GET("/projects/:alias/snapshots", h.ProjectSnapshots)
		v1.GET("/credits", h.Credits)
	}
	return r
}

func NewServer(addr string, h *Handler, kv store.KVStore, gate TrustChecker, allowedOrigins ...string) *Server {
	engine := NewRouter(h, kv, gate, allowedOrigins...)
	return &Server{
		engine: engine,
		server: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 15 * time.Second,
			// Uploads stream large bodies; reads are bounded by the upload size limit.
			ReadTimeout:  10 * time.Minute,
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	slog.Info("Starting code audit API server", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Stopping code audit API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(c.Request.Context(), level, "HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Millisecond),
			"ip", c.ClientIP())
	}
}
