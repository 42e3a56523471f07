package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"rtcbridge-server/pkg/config"
	"rtcbridge-server/pkg/metrics"
	"rtcbridge-server/pkg/signaling"
	"rtcbridge-server/pkg/version"
)

// Server is the HTTP front end: the signaling websocket, health checks,
// metrics and optionally the static client files.
type Server struct {
	config *config.HTTPConfig
	logger *logrus.Logger
	hub    *signaling.Hub

	httpServer *http.Server
	mux        *http.ServeMux
	startTime  time.Time

	// relayCheck probes the media relay for the readiness check
	relayCheck func(ctx context.Context) error

	// relay serves the /relay/* diagnostics endpoints when set
	relay RelayDiagnostics
}

// NewServer creates the HTTP server and registers its endpoints.
func NewServer(cfg *config.HTTPConfig, hub *signaling.Hub, logger *logrus.Logger) *Server {
	server := &Server{
		config:    cfg,
		logger:    logger,
		hub:       hub,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}

	server.mux.HandleFunc("/health", server.healthHandler)
	server.mux.HandleFunc("/health/live", server.livenessHandler)
	server.mux.HandleFunc("/ws", server.handleWebSocket)
	server.mux.HandleFunc("/relay/stats", server.relayStatsHandler)
	server.mux.HandleFunc("/relay/session", server.relaySessionHandler)

	if cfg.EnableMetrics {
		server.mux.Handle("/metrics", metrics.Handler())
	}
	if cfg.StaticDir != "" {
		server.mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      withServerHeader(server.mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return server
}

func withServerHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", version.ServerHeader())
		next.ServeHTTP(w, r)
	})
}

// SetRelayCheck installs a probe towards the media relay that the readiness
// check reports on.
func (s *Server) SetRelayCheck(check func(ctx context.Context) error) {
	s.relayCheck = check
}

// Start runs the server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithField("address", s.httpServer.Addr).Info("Starting HTTP server")

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
