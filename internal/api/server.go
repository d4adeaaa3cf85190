package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"gravtree/internal/config"

	"github.com/go-chi/chi/v5"
)

// Server is the HTTP API server with WebSocket support.
// It combines the HTTP router with the WebSocket hub for live viewers.
type Server struct {
	engine      EngineInterface
	cfg         config.ServerConfig
	router      *chi.Mux
	wsHub       *WebSocketHub
	rateLimiter *IPRateLimiter
	httpServer  *http.Server
	workersOnce sync.Once
}

// NewServer creates the API server.
//
// IMPORTANT: Background workers do NOT start until Start() is called.
// Tests can construct the server and use Router() without goroutines
// or listeners. For HTTP-only tests, use NewRouter() directly.
func NewServer(engine EngineInterface, renderer FrameRenderer, cfg config.ServerConfig) *Server {
	s := &Server{
		engine:      engine,
		cfg:         cfg,
		wsHub:       NewWebSocketHub(engine, cfg.ControlToken, cfg.MaxBodiesSent),
		rateLimiter: NewIPRateLimiter(DefaultRateLimitConfig),
	}

	s.router = NewRouter(RouterConfig{
		Engine:        engine,
		Renderer:      renderer,
		RateLimiter:   s.rateLimiter,
		ControlToken:  cfg.ControlToken,
		MaxBodiesSent: cfg.MaxBodiesSent,
	})

	s.setupWebSocketRoutes()
	return s
}

// setupWebSocketRoutes adds routes that need the wsHub instance.
func (s *Server) setupWebSocketRoutes() {
	s.router.Get("/ws", s.wsHub.HandleWebSocket)
}

// StartWorkers launches the rate limiter cleanup, the WebSocket hub and the
// broadcast loop without opening a listener. Start calls it; tests that
// serve Router() through httptest call it directly.
func (s *Server) StartWorkers() {
	s.workersOnce.Do(func() {
		s.rateLimiter.Start()
		go s.wsHub.Run()

		rate := s.cfg.BroadcastRate
		if rate <= 0 {
			rate = 100 * time.Millisecond
		}
		s.wsHub.StartBroadcastLoop(rate)
	})
}

// Start launches background workers and serves HTTP until Stop.
// It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.StartWorkers()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("🌐 API server starting on %s", addr)
	log.Printf("🔭 State:  http://localhost%s/api/state", addr)
	log.Printf("🔭 Viewer: ws://localhost%s/ws", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router returns the HTTP handler for use with httptest.
//
//	server := api.NewServer(engine, nil, config.DefaultServer())
//	ts := httptest.NewServer(server.Router())
//	defer ts.Close()
func (s *Server) Router() http.Handler {
	return s.router
}

// ClientCount returns the number of connected WebSocket viewers
func (s *Server) ClientCount() int {
	return s.wsHub.ClientCount()
}

// Stop shuts down the listener and background workers.
func (s *Server) Stop(ctx context.Context) error {
	s.wsHub.Stop()
	s.rateLimiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
