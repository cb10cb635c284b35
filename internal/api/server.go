package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/refill/internal/domain"
	"github.com/opensource-finance/refill/internal/engine"
	"github.com/opensource-finance/refill/internal/segment"
)

// Dependencies are the components the API serves. Repo, Cache, Bus and
// Reloader are optional.
type Dependencies struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Engine   *engine.Engine
	Segments *segment.Engine
	Reloader Reloader

	Version  string
	CacheTTL time.Duration

	// AsyncReload routes POST /dataset/reload through the event bus.
	AsyncReload bool
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Dependencies) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Refill queries
	router.Route("/refills", func(r chi.Router) {
		r.Get("/overdue", handler.Overdue)
		r.Get("/upcoming", handler.Upcoming)
		r.Get("/likely-lost", handler.LikelyLost)
		r.Get("/compliance", handler.Compliance)
		r.Get("/irregular", handler.Irregular)
	})
	router.Get("/customers/{customerID}/schedule", handler.CustomerSchedule)
	router.Get("/customers/{customerID}/products/{productID}", handler.Pair)
	router.Get("/products/{productID}/pattern", handler.ProductPattern)
	router.Get("/pairs", handler.ListPairs)
	router.Get("/summary", handler.Summary)

	// Segment management
	router.Route("/segments", func(r chi.Router) {
		r.Get("/", handler.ListSegments)
		r.Post("/", handler.CreateSegment)
		r.Get("/{id}", handler.GetSegment)
		r.Put("/{id}", handler.UpdateSegment)
		r.Delete("/{id}", handler.DeleteSegment)
		r.Get("/{id}/refills", handler.SegmentRefills)
	})

	// Dataset lifecycle
	router.Post("/transactions", handler.ImportTransactions)
	router.Post("/dataset/reload", handler.ReloadDataset)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
