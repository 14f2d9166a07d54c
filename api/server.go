package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/b0bbywan/go-portal-bypass/backend"
	"github.com/b0bbywan/go-portal-bypass/config"
	"github.com/b0bbywan/go-portal-bypass/logger"
)

const sessionsTimeout = 2 * time.Second

type Server struct {
	mux    *http.ServeMux
	config *config.ApiConfig
}

func NewServer(cfg *config.ApiConfig, b *backend.Backend) *Server {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	server := &Server{
		mux:    http.NewServeMux(),
		config: cfg,
	}
	server.register(b)
	return server
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	// Shutdown the server on context cancellation
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Info("[api] server %s shutdown error: %v", srv.Addr, err)
		}
	}()

	logger.Info("[api] http server running on %s", srv.Addr)
	return srv.ListenAndServe()
}

func (s *Server) register(b *backend.Backend) {
	if b == nil {
		return
	}

	// 404 on root for security
	s.mux.HandleFunc("/", http.NotFound)

	s.registerServerRoutes(b)
	s.registerSessionRoutes(b)
}
