package server

import (
	"context"
	"log"
	"net/http"
	"time"
)

// Server wraps the HTTP listener that terminates websocket upgrades.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a server listening on addr (":8080") routing /ws to the
// websocket handler and /healthz to a liveness probe.
func NewServer(addr string, wsHandler http.HandlerFunc, readTimeout, writeTimeout time.Duration) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
	}
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
}
