package httpsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/interlab/experiment-coordinator/config"
	"github.com/interlab/experiment-coordinator/internal/domain/registry"
	"github.com/interlab/experiment-coordinator/internal/handler/ws"
)

// Server is the process's single HTTP surface: the websocket endpoint and a
// health probe exposing hub stats.
type Server struct {
	srv    *http.Server
	bind   string
	logger *slog.Logger
}

func NewServer(cfg *config.Config, wsHandler *ws.Handler, hub registry.Hubber, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/ws", wsHandler.ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"hub":    hub.Stats(),
		})
	})

	return &Server{
		srv: &http.Server{
			Addr:              cfg.Bind,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		bind:   cfg.Bind,
		logger: logger,
	}
}

// Start binds the listener synchronously so a bad address fails startup,
// then serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("httpsrv: bind %s: %w", s.bind, err)
	}
	s.logger.Info("http server listening", "bind", s.bind)
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
