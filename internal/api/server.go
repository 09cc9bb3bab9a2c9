// Package api exposes the HTTP surface: mount management, range
// streaming and the live TV proxy.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/stellarr/stellarr/internal/iptv"
	"github.com/stellarr/stellarr/internal/mounts"
	"github.com/stellarr/stellarr/internal/nntp"
	"github.com/stellarr/stellarr/internal/streamservice"
)

// ProviderManager is the slice of the NNTP manager the API needs:
// existence checks for mount validation and pool statistics.
type ProviderManager interface {
	ArticleExists(ctx context.Context, messageID string) (bool, error)
	Stats() map[string]nntp.PoolStats
}

// Config represents API server configuration
type Config struct {
	Prefix string // API path prefix (default: "/api")
}

// DefaultConfig returns default API configuration
func DefaultConfig() *Config {
	return &Config{
		Prefix: "/api",
	}
}

// Server registers the API routes on a mux and carries the handlers'
// collaborators.
type Server struct {
	config    *Config
	mounts    *mounts.Manager
	streams   *streamservice.Service
	livetv    *iptv.StreamService
	providers ProviderManager
	reload    func(ctx context.Context) error
	logger    *slog.Logger
	startTime time.Time
	mux       *http.ServeMux
}

// NewServer creates an API server that registers routes on the provided mux.
// livetv and providers may be nil when the corresponding subsystem is disabled.
func NewServer(
	config *Config,
	mountManager *mounts.Manager,
	streamService *streamservice.Service,
	livetv *iptv.StreamService,
	providers ProviderManager,
	mux *http.ServeMux,
) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	server := &Server{
		config:    config,
		mounts:    mountManager,
		streams:   streamService,
		livetv:    livetv,
		providers: providers,
		logger:    slog.Default().With("component", "api"),
		startTime: time.Now(),
		mux:       mux,
	}

	server.setupRoutes()
	return server
}

// SetReloader installs the callback behind POST /system/reload.
func (s *Server) SetReloader(reload func(ctx context.Context) error) {
	s.reload = reload
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// setupRoutes configures all API routes with middleware on the shared mux
func (s *Server) setupRoutes() {
	apiHandler := s.applyMiddleware(http.HandlerFunc(s.handleAPI))
	s.mux.Handle(s.config.Prefix+"/", http.StripPrefix(s.config.Prefix, apiHandler))
}

// handleAPI routes API requests to appropriate handlers
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	apiMux := http.NewServeMux()

	// Mount endpoints
	apiMux.HandleFunc("POST /mounts", s.handleCreateMount)
	apiMux.HandleFunc("GET /mounts", s.handleListMounts)
	apiMux.HandleFunc("GET /mounts/{id}", s.handleGetMount)
	apiMux.HandleFunc("DELETE /mounts/{id}", s.handleDeleteMount)
	apiMux.HandleFunc("POST /mounts/{id}/check", s.handleCheckMount)

	// Streaming endpoints
	apiMux.HandleFunc("GET /stream/{mount}/{file}", s.handleStream)
	apiMux.HandleFunc("HEAD /stream/{mount}/{file}", s.handleStream)

	// Live TV endpoints
	if s.livetv != nil {
		apiMux.HandleFunc("GET /livetv/stream/{account}/{channel}", s.handleLiveChannel)
		apiMux.HandleFunc("HEAD /livetv/stream/{account}/{channel}", s.handleLiveChannel)
		apiMux.HandleFunc("GET /livetv/stream/{account}/{channel}/{path...}", s.handleLiveSegment)
		apiMux.HandleFunc("HEAD /livetv/stream/{account}/{channel}/{path...}", s.handleLiveSegment)
	}

	// System endpoints
	apiMux.HandleFunc("GET /system/info", s.handleSystemInfo)
	apiMux.HandleFunc("GET /system/health", s.handleSystemHealth)
	apiMux.HandleFunc("GET /system/pool/metrics", s.handlePoolMetrics)
	apiMux.HandleFunc("POST /system/reload", s.handleReload)

	apiMux.ServeHTTP(w, r)
}

// applyMiddleware applies the middleware chain to the handler
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	// Apply middleware in reverse order (last middleware is applied first)
	handler = RecoveryMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = CORSMiddleware(handler)
	return handler
}

// SystemInfoResponse reports process-level facts
type SystemInfoResponse struct {
	StartTime time.Time `json:"start_time"`
	Uptime    string    `json:"uptime"`
	GoVersion string    `json:"go_version"`
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, SystemInfoResponse{
		StartTime: s.startTime,
		Uptime:    time.Since(s.startTime).String(),
		GoVersion: runtime.Version(),
	})
}

// SystemHealthResponse reports per-provider pool statistics
type SystemHealthResponse struct {
	Status    string                    `json:"status"`
	Providers map[string]nntp.PoolStats `json:"providers,omitempty"`
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	health := SystemHealthResponse{Status: "healthy"}
	if s.providers != nil {
		health.Providers = s.providers.Stats()
	}
	WriteSuccess(w, health)
}

func (s *Server) handlePoolMetrics(w http.ResponseWriter, r *http.Request) {
	if s.providers == nil {
		WriteError(w, http.StatusServiceUnavailable, ErrCodeUpstream, "No NNTP providers configured", "")
		return
	}
	WriteSuccess(w, s.providers.Stats())
}

// handleReload re-reads configuration and swaps provider pools.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		WriteError(w, http.StatusServiceUnavailable, ErrCodeUpstream, "Reload is not configured", "")
		return
	}
	if err := s.reload(r.Context()); err != nil {
		s.logger.ErrorContext(r.Context(), "Reload failed", "error", err)
		WriteInternalError(w, "Reload failed", err.Error())
		return
	}
	WriteSuccess(w, map[string]string{"status": "reloaded"})
}
