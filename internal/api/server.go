package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"profile-exchange/internal/metrics"
)

// Server runs the HTTP/WebSocket API for the exchange.
type Server struct {
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server.
func NewServer(port int, exchange Exchange, accounts Accounts, m *metrics.Metrics, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(exchange, accounts, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /symbols", handlers.HandleSymbols)
	mux.HandleFunc("POST /orders", handlers.HandleSubmitOrder)
	mux.HandleFunc("DELETE /orders/{id}", handlers.HandleCancelOrder)
	mux.HandleFunc("GET /book/{symbol}", handlers.HandleBook)
	mux.HandleFunc("GET /trades/{symbol}", handlers.HandleTrades)
	mux.HandleFunc("POST /traders", handlers.HandleCreateTrader)
	mux.HandleFunc("GET /portfolio/{trader}", handlers.HandlePortfolio)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)
	mux.Handle("GET /metrics", m.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Hub exposes the WebSocket hub so the publisher can broadcast into it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start starts the API server and hub.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
