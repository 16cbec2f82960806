package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gridcarbon/creditmarket/internal/domain"
	"github.com/gridcarbon/creditmarket/internal/server/handler"
	"github.com/gridcarbon/creditmarket/internal/server/middleware"
	"github.com/gridcarbon/creditmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port           int
	CORSOrigins    []string
	APIKey         string              // if empty, authentication is disabled
	RateLimiter    domain.RateLimiter  // if nil, per-IP limiting is disabled
	RequestsPerMin int                 // per-IP budget when RateLimiter is set
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Pricing     *handler.PricingHandler
	Listings    *handler.ListingHandler
	Settlements *handler.SettlementHandler
	Accounts    *handler.AccountHandler
}

// Server is the HTTP + WebSocket API server for the credit marketplace.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth) and attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Pricing.
	mux.HandleFunc("GET /api/pricing/suggest", handlers.Pricing.Suggest)

	// Listings.
	mux.HandleFunc("POST /api/listings", handlers.Listings.Create)
	mux.HandleFunc("GET /api/listings", handlers.Listings.List)
	mux.HandleFunc("GET /api/listings/{id}", handlers.Listings.Get)
	mux.HandleFunc("DELETE /api/listings/{id}", handlers.Listings.Release)
	mux.HandleFunc("POST /api/listings/{id}/bids", handlers.Listings.PlaceBid)

	// Transactions.
	mux.HandleFunc("POST /api/transactions", handlers.Settlements.Create)
	mux.HandleFunc("GET /api/transactions", handlers.Settlements.List)
	mux.HandleFunc("GET /api/transactions/{id}", handlers.Settlements.Get)
	mux.HandleFunc("POST /api/transactions/{id}/pay", handlers.Settlements.Pay)
	mux.HandleFunc("POST /api/transactions/{id}/cancel", handlers.Settlements.Cancel)

	// Payment gateway webhook. Authenticated by HMAC signature, not API key.
	mux.HandleFunc("POST /api/payments/callback", handlers.Settlements.GatewayCallback)

	// Accounts.
	mux.HandleFunc("GET /api/accounts/{id}/balances", handlers.Accounts.Balances)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply per-IP rate limiting when a limiter is configured.
	if cfg.RateLimiter != nil {
		limit := cfg.RequestsPerMin
		if limit <= 0 {
			limit = 300
		}
		h = middleware.RateLimit(cfg.RateLimiter, limit, time.Minute)(h)
	}

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
