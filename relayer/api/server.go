package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pushchain/bridge-relayer/relayer/metrics"
)

const shutdownTimeout = 5 * time.Second

// Server provides HTTP endpoints for operators: health, record queries and metrics
type Server struct {
	logger  zerolog.Logger
	records RecordReader
	metrics *metrics.Metrics
	health  HealthCheck
	router  *mux.Router
	server  *http.Server
}

// NewServer creates a new Server instance
func NewServer(logger zerolog.Logger, port int, records RecordReader, m *metrics.Metrics, health HealthCheck) *Server {
	s := &Server{
		logger:  logger.With().Str("component", "query_server").Logger(),
		records: records,
		metrics: m,
		health:  health,
	}

	s.router = s.setupRoutes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("query server is nil")
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind to address %s: %w", s.server.Addr, err)
	}

	go func() {
		err := s.server.Serve(ln)
		switch err {
		case nil:
			s.logger.Info().Msg("Query server stopped normally")
		case http.ErrServerClosed:
			s.logger.Info().Msg("Query server closed gracefully")
		default:
			s.logger.Error().Err(err).Msg("Query server error")
		}
	}()

	s.logger.Info().Str("addr", s.server.Addr).Msg("query server started")
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Run starts the server and stops it when ctx is done
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}
