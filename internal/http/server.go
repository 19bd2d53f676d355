// Package http provides the gateway's outer HTTP server: the MCP endpoint,
// the virtual MCP endpoint and the ops surface around them.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"mcpgate/internal/config"
	"mcpgate/internal/domain"
	"mcpgate/internal/sync"
	"mcpgate/internal/telemetry"
)

// Pinger reports whether the backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// ToolSyncer refreshes one server's tool catalog from its upstream
type ToolSyncer interface {
	SyncServer(ctx context.Context, serverName string) (*sync.Report, error)
}

// SessionSweeper expires idle gateway sessions
type SessionSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Server is the HTTP server for the gateway. The MCP handlers negotiate
// their own methods, so they are mounted without method patterns.
type Server struct {
	config  *config.Config
	mcp     http.Handler
	virtual http.Handler
	store   Pinger
	syncer  ToolSyncer
	sweeper SessionSweeper
	mux     *http.ServeMux
}

// NewServer creates the outer HTTP server around the MCP and virtual MCP
// handlers plus the ops dependencies.
func NewServer(
	cfg *config.Config,
	mcpHandler http.Handler,
	virtualHandler http.Handler,
	store Pinger,
	syncer ToolSyncer,
	sweeper SessionSweeper,
) *Server {
	s := &Server{
		config:  cfg,
		mcp:     mcpHandler,
		virtual: virtualHandler,
		store:   store,
		syncer:  syncer,
		sweeper: sweeper,
		mux:     http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// MCP endpoints. Bundle keys authenticate /mcp requests; the virtual
	// endpoint is only called by the gateway's own executor.
	s.mux.Handle("/mcp", s.mcp)
	s.mux.Handle("/virtual/mcp", s.virtual)

	// Infrastructure endpoints
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.withAdminAuth(s.handleReady))
	s.mux.HandleFunc("GET /metrics", s.withAdminAuth(telemetry.Handler().ServeHTTP))

	// Internal ops endpoints
	s.mux.HandleFunc("POST /internal/sync-tools", s.withAdminAuth(s.handleSyncTools))
	s.mux.HandleFunc("POST /internal/sessions/sweep", s.withAdminAuth(s.handleSweepSessions))
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.limitBody(s.mux))
}

// corsMiddleware adds CORS headers. Browser MCP clients read the session id
// off the response, so the MCP headers are exposed explicitly.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, Mcp-Session-Id, Mcp-Protocol-Version")
		w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id, Mcp-Protocol-Version")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// limitBody caps request bodies at the configured maximum. An oversized MCP
// request then fails JSON decoding and surfaces as a parse error.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Server.MaxRequestSize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

// withAdminAuth guards an ops endpoint with the configured admin key. With
// no key configured the endpoint stays open, the local development default.
func (s *Server) withAdminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := s.config.Security.AdminAPIKey
		if key == "" {
			next(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		token := ""
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if token == "" {
			token = r.Header.Get("X-API-Key")
		}
		if token != key {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "Admin token required")
			return
		}

		next(w, r)
	}
}

// handleHealth handles liveness checks
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady handles readiness checks, including store connectivity
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "not_ready", "Backing store unreachable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleSyncTools triggers a catalog sync for the server named in the query
func (s *Server) handleSyncTools(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		s.writeError(w, http.StatusNotFound, "not_configured", "Tool sync not configured")
		return
	}

	serverName := r.URL.Query().Get("server")
	if serverName == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Query parameter 'server' is required")
		return
	}

	report, err := s.syncer.SyncServer(r.Context(), serverName)
	if err != nil {
		s.writeError(w, statusForKind(domain.KindOf(err)), "sync_failed", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, report)
}

// handleSweepSessions expires idle sessions on demand
func (s *Server) handleSweepSessions(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		s.writeError(w, http.StatusNotFound, "not_configured", "Session manager not configured")
		return
	}

	swept, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "sweep_failed", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, SweepResponse{Swept: swept})
}

// statusForKind maps gateway error kinds onto ops endpoint status codes
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindServerNotConfigured, domain.KindConfigNotFound, domain.KindBundleNotFound:
		return http.StatusNotFound
	case domain.KindInvalidParams, domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindUpstreamTransient, domain.KindUpstreamPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Helper methods

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, errType, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Type:    errType,
			Message: message,
		},
	})
}

// Start starts the HTTP server and shuts it down when ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}
