// Package controlpanel runs the operator-facing listener: the HTTP API,
// the realtime websocket, sign-in and metrics.
package controlpanel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tomyedwab/etes/internal/handlers"
	"github.com/tomyedwab/etes/internal/handlers/login"
	"github.com/tomyedwab/etes/metrics"
)

type Config struct {
	ListenAddr string
	Title      string
	Favicon    string
	Handlers   *handlers.Handlers
	Login      *login.Handler
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Server is the control panel HTTP server.
type Server struct {
	config   Config
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
}

func NewServer(config Config) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	s := &Server{
		config: config,
		logger: config.Logger.With("component", "controlpanel"),
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	h := s.config.Handlers
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/v1/executable/{triggerHash}/{contentHash}", h.HandleUpload)
	mux.HandleFunc("GET /api/v1/data/{callerId}", h.HandleData)
	mux.HandleFunc("GET /api/v1/ws/{callerId}", h.HandleWebSocket)
	mux.HandleFunc("GET /api/v1/service/{name}/logs", h.HandleLogs)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	if s.config.Login != nil {
		mux.HandleFunc("GET /login", s.config.Login.HandleLogin)
		mux.HandleFunc("GET /logout", s.config.Login.HandleLogout)
		mux.HandleFunc("GET /authorize", s.config.Login.HandleAuthorize)
	}
	mux.Handle("GET /metrics", s.config.Metrics.Handler())
	mux.HandleFunc("GET /{$}", s.handleIndex)
	return s.logRequests(mux)
}

// logRequests logs every request with its duration once it completes.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request",
			"remote_addr", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"proto", r.Proto,
			"duration", time.Since(start))
	})
}

// Listen binds the listener. A bind failure is returned to the caller,
// which treats it as fatal.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("binding control panel on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln
	return nil
}

// Addr is the bound address, valid after Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.ListenAddr
	}
	return s.listener.Addr().String()
}

// Serve handles requests until Stop is called.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("Starting control panel", "addr", s.Addr())
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping control panel")
	return s.server.Shutdown(ctx)
}
