package api

import (
	"context"
	"io"
	"net/http"

	"gravtree/internal/config"
	"gravtree/internal/sim"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// EngineInterface defines the engine methods used by the API.
// This interface enables mocking for tests without spinning up the step loop.
// Keep this minimal - only include methods the API layer actually calls.
type EngineInterface interface {
	// GetSnapshot returns the latest lock-free immutable snapshot
	GetSnapshot() *sim.Snapshot
	// Config returns the simulation parameters
	Config() config.SimConfig
	// Phase returns the current Frame Driver phase
	Phase() sim.Phase
	// Step runs one iteration synchronously
	Step(ctx context.Context) (sim.StepStats, error)
	// Pause and Resume gate the host loop
	Pause()
	Resume()
	// Reset restores initial conditions
	Reset(seed int64)
	// TotalRecoveries returns the per-body recoveries since the last reset
	TotalRecoveries() uint64
	// GetEventLogStats returns event log counters
	GetEventLogStats() map[string]any
}

// FrameRenderer draws a snapshot as a PNG image.
type FrameRenderer interface {
	EncodePNG(w io.Writer, snap *sim.Snapshot) error
}

// RouterConfig contains all dependencies needed to construct the HTTP router.
// This struct is designed for dependency injection and testability.
//
// Example usage in tests:
//
//	cfg := api.RouterConfig{
//	    Engine: mockEngine,
//	    RateLimitConfig: &api.RateLimitConfig{
//	        RequestsPerSecond: 1000, // High limit for tests
//	        Burst:             1000,
//	    },
//	}
//	router := api.NewRouter(cfg)
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	// Engine is the simulation engine (required)
	Engine EngineInterface

	// Renderer serves /api/frame.png. Optional; the route returns 404 without it.
	Renderer FrameRenderer

	// RateLimiter is an optional pre-configured rate limiter.
	// If nil, a new one will be created using RateLimitConfig.
	RateLimiter *IPRateLimiter

	// RateLimitConfig is optional configuration for the rate limiter.
	// Only used if RateLimiter is nil. If both are nil, uses DefaultRateLimitConfig.
	RateLimitConfig *RateLimitConfig

	// CORSOrigins is an optional list of allowed CORS origins.
	// If nil, only localhost origins are allowed.
	CORSOrigins []string

	// ControlToken, when set, is required as a bearer token on /api/sim/* routes.
	ControlToken string

	// MaxBodiesSent caps bodies in one /api/state response (0 = no cap).
	MaxBodiesSent int

	// DisableLogging disables the request logger middleware (useful for benchmarks).
	DisableLogging bool
}

// routerHandlers holds the handler functions for the router.
type routerHandlers struct {
	engine    EngineInterface
	renderer  FrameRenderer
	maxBodies int
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// IMPORTANT: This function is PURE - it has no side effects:
//   - No goroutines are started
//   - No network listeners are opened
//   - No background workers are launched
//
// A rate limiter created here never runs its cleanup loop; long-running
// processes pass one in and Start it (the Server does this).
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware - Order matters!
	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	// Rate limiting (BEFORE CORS to reject early and save CPU)
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = []string{
			"http://localhost:*",
			"http://127.0.0.1:*",
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := &routerHandlers{
		engine:    cfg.Engine,
		renderer:  cfg.Renderer,
		maxBodies: cfg.MaxBodiesSent,
	}

	r.Route("/api", func(r chi.Router) {
		// Read-only state
		r.Get("/state", h.handleGetState)
		r.Get("/stats", h.handleGetStats)
		r.Get("/config", h.handleGetConfig)
		r.Get("/frame.png", h.handleFrame)

		// Control
		r.Route("/sim", func(r chi.Router) {
			r.Use(RequireToken(cfg.ControlToken))
			r.Post("/pause", h.handlePause)
			r.Post("/resume", h.handleResume)
			r.Post("/step", h.handleStep)
			r.Post("/reset", h.handleReset)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	return r
}
