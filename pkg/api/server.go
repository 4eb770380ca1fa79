package api

import (
	"context"
	"net/http"
	"time"

	"github.com/sethwebster/expo-free-agent/pkg/artifacts"
	"github.com/sethwebster/expo-free-agent/pkg/auth"
	"github.com/sethwebster/expo-free-agent/pkg/builds"
	"github.com/sethwebster/expo-free-agent/pkg/config"
	"github.com/sethwebster/expo-free-agent/pkg/events"
	"github.com/sethwebster/expo-free-agent/pkg/log"
	"github.com/sethwebster/expo-free-agent/pkg/metrics"
	"github.com/sethwebster/expo-free-agent/pkg/queue"
	"github.com/sethwebster/expo-free-agent/pkg/registry"
	"github.com/sethwebster/expo-free-agent/pkg/storage"
)

// Server is the HTTP gateway. It selects the authenticator class per route
// and dispatches to the domain components; it holds no business rules of
// its own.
type Server struct {
	cfg       *config.Config
	store     storage.Store
	authority *auth.Authority
	machine   *builds.Machine
	engine    *queue.Engine
	registry  *registry.Registry
	channel   *artifacts.Channel
	broker    *events.Broker

	httpServer *http.Server
}

// NewServer wires the gateway.
func NewServer(
	cfg *config.Config,
	store storage.Store,
	authority *auth.Authority,
	machine *builds.Machine,
	engine *queue.Engine,
	reg *registry.Registry,
	channel *artifacts.Channel,
	broker *events.Broker,
) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		authority: authority,
		machine:   machine,
		engine:    engine,
		registry:  reg,
		channel:   channel,
		broker:    broker,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the full middleware-wrapped route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Build surface
	mux.HandleFunc("POST /builds", s.handleSubmitBuild)
	mux.HandleFunc("GET /builds/active", s.handleActiveBuilds)
	mux.HandleFunc("GET /builds/{id}/status", s.handleBuildStatus)
	mux.HandleFunc("GET /builds/{id}/logs", s.handleBuildLogs)
	mux.HandleFunc("POST /builds/{id}/retry", s.handleRetryBuild)
	mux.HandleFunc("POST /builds/{id}/cancel", s.handleCancelBuild)
	mux.HandleFunc("GET /builds/{id}/result", s.handleDownloadResult)

	// Guest surface
	mux.HandleFunc("POST /builds/{id}/authenticate", s.handleGuestHandshake)
	mux.HandleFunc("GET /builds/{id}/source", s.handleGuestSource)
	mux.HandleFunc("GET /builds/{id}/certs-secure", s.handleGuestCredentials)

	// Worker surface
	mux.HandleFunc("POST /workers", s.handleRegisterWorker)
	mux.HandleFunc("GET /workers", s.handleListWorkers)
	mux.HandleFunc("DELETE /workers", s.handleUnregisterWorker)
	mux.HandleFunc("GET /workers/poll", s.handlePoll)
	mux.HandleFunc("POST /workers/result", s.handleWorkerResult)

	// Operational surface
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.Handle("GET /metrics", metrics.Handler())

	var handler http.Handler = mux
	handler = withBackpressure(s.cfg.MaxConcurrentRequests, s.cfg.RequestsPerSecond, handler)
	handler = withObservability(handler)
	handler = withRecovery(handler)
	handler = withCorrelation(handler)
	return handler
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	log.WithComponent("api").Info().
		Str("address", s.cfg.ListenAddress).
		Msg("starting HTTP gateway")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.WithComponent("api").Info().Msg("shutting down HTTP gateway")
	return s.httpServer.Shutdown(ctx)
}
