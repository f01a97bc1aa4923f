package bus

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Server exposes the hub's websocket endpoint at /ws.
type Server struct {
	hub *Hub
	srv *http.Server
}

// NewServer creates the bus HTTP server on addr.
func NewServer(hub *Hub, addr string) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.Handler)
	return &Server{
		hub: hub,
		srv: &http.Server{Addr: addr, Handler: mux},
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("admin bus listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin bus server failed")
		}
	}()
}

// Shutdown stops the server and drops all clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.srv.Shutdown(ctx)
}
