// Package api provides the REST control surface for the governor: rule
// management, throughput readings, and process discovery over a Gin-based
// HTTP server. It consumes only the engine's public operations.
//
// Security note: do not expose the API to untrusted networks; anyone who can
// reach it can reshape the host's traffic.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarwanHany97/NetThrottle/internal/engine"
	"github.com/MarwanHany97/NetThrottle/internal/metrics"
)

// Server is the control API server.
type Server struct {
	eng        *engine.Engine
	logger     *slog.Logger
	router     *gin.Engine
	httpServer *http.Server
}

// New builds the server for the given engine, listening on addr.
func New(eng *engine.Engine, logger *slog.Logger, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{eng: eng, logger: logger, router: router}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewEngineCollector(s.eng))
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	api := s.router.Group("/api")
	api.GET("/status", s.status)
	api.GET("/processes", s.processes)
	api.GET("/throughput", s.throughput)

	api.GET("/rules/:pid", s.getRule)
	api.PUT("/rules/:pid", s.putRule)
	api.DELETE("/rules/:pid", s.deleteRule)
	api.PUT("/rules", s.putRules)

	api.GET("/global", s.getGlobal)
	api.PUT("/global", s.putGlobal)
}

// Router returns the underlying gin engine; tests drive it directly.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error {
	s.logger.Info("netthrottle: control API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
