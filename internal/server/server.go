// Package server hosts the audioq control API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/audioq/internal/errors"
	"github.com/3leaps/audioq/internal/observability"
	"github.com/3leaps/audioq/internal/server/handlers"
	"github.com/3leaps/audioq/internal/server/middleware"
)

// Timeouts holds the http.Server timeouts. Zero values fall back to
// DefaultTimeouts.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// DefaultTimeouts mirrors the configuration defaults.
var DefaultTimeouts = Timeouts{
	Read:     30 * time.Second,
	Write:    30 * time.Second,
	Idle:     120 * time.Second,
	Shutdown: 10 * time.Second,
}

// Server is the HTTP control plane.
type Server struct {
	host     string
	port     int
	timeouts Timeouts
	router   chi.Router
	http     *http.Server
	addr     net.Addr
}

// New builds a server with the health and version routes registered.
func New(host string, port int) *Server {
	s := &Server{host: host, port: port, timeouts: DefaultTimeouts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog)
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.Respond(w, r, http.StatusNotFound, apperrors.CodeNotFound,
			fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path), nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.Respond(w, r, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed,
			fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path), nil)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	s.router = r
	return s
}

// SetTimeouts overrides the http.Server timeouts. Call before Start.
func (s *Server) SetTimeouts(t Timeouts) {
	if t.Read <= 0 {
		t.Read = DefaultTimeouts.Read
	}
	if t.Write <= 0 {
		t.Write = DefaultTimeouts.Write
	}
	if t.Idle <= 0 {
		t.Idle = DefaultTimeouts.Idle
	}
	if t.Shutdown <= 0 {
		t.Shutdown = DefaultTimeouts.Shutdown
	}
	s.timeouts = t
}

// MountQueueAPI registers the /v1 queue routes.
func (s *Server) MountQueueAPI(h *handlers.QueueHandler) {
	s.router.Route("/v1", h.Routes)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the bound address once Start has listened, or nil.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Start listens and serves until ctx is cancelled, then shuts down
// gracefully. ready, when non-nil, is called with the bound address.
func (s *Server) Start(ctx context.Context, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addr = ln.Addr()
	s.http = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.timeouts.Read,
		ReadHeaderTimeout: s.timeouts.Read,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	observability.ServerLogger.Info("Control API listening", zap.String("addr", s.addr.String()))
	if ready != nil {
		ready(s.addr)
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeouts.Shutdown)
	defer cancel()
	observability.ServerLogger.Info("Shutting down control API")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
