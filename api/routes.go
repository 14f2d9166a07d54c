package api

import (
	"context"
	"net/http"

	"github.com/b0bbywan/go-portal-bypass/backend"
)

func (s *Server) registerServerRoutes(b *backend.Backend) {
	s.mux.HandleFunc(
		"GET /server",
		JSONHandler(func(w http.ResponseWriter, r *http.Request) (any, error) {
			return b.GetServerDeviceInfo()
		}),
	)
}

// registerSessionRoutes exposes the session table. The snapshot is taken by
// the dispatcher goroutine, so a busy dispatcher delays the answer.
func (s *Server) registerSessionRoutes(b *backend.Backend) {
	s.mux.HandleFunc(
		"GET /sessions",
		JSONHandler(func(w http.ResponseWriter, r *http.Request) (any, error) {
			ctx, cancel := context.WithTimeout(r.Context(), sessionsTimeout)
			defer cancel()
			return b.Sessions(ctx)
		}),
	)
}
