package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/b0bbywan/go-portal-bypass/backend"
	"github.com/b0bbywan/go-portal-bypass/config"
	"github.com/b0bbywan/go-portal-bypass/portal"
)

func enabledConfig() *config.ApiConfig {
	return &config.ApiConfig{
		Enabled: true,
		Listen:  "127.0.0.1:8018",
	}
}

// TestServerDisabled verifies that NewServer returns nil when API is disabled
func TestServerDisabled(t *testing.T) {
	cfg := &config.ApiConfig{
		Enabled: false,
		Listen:  "127.0.0.1:8018",
	}

	if server := NewServer(cfg, &backend.Backend{}); server != nil {
		t.Error("NewServer should return nil when API is disabled")
	}
	if server := NewServer(nil, &backend.Backend{}); server != nil {
		t.Error("NewServer should return nil without config")
	}
}

func TestServerEnabled(t *testing.T) {
	server := NewServer(enabledConfig(), &backend.Backend{})
	if server == nil {
		t.Fatal("NewServer should return a non-nil server when API is enabled")
	}
	if server.mux == nil {
		t.Error("Server mux should be initialized")
	}
}

func TestNilBackendHandling(t *testing.T) {
	server := NewServer(enabledConfig(), nil)
	if server == nil {
		t.Fatal("NewServer should return a non-nil server even with nil backend")
	}

	req := httptest.NewRequest("GET", "/server", nil)
	w := httptest.NewRecorder()
	server.mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET /server without backend = %d, want 404", w.Code)
	}
}

func TestServerRoute(t *testing.T) {
	b := &backend.Backend{
		Dispatcher: portal.New(portal.Config{Modes: map[portal.Family]portal.Mode{
			portal.RemoteDesktop: portal.ServerMode(),
		}}),
	}
	server := NewServer(enabledConfig(), b)

	req := httptest.NewRequest("GET", "/server", nil)
	w := httptest.NewRecorder()
	server.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /server = %d", w.Code)
	}
	var info backend.ServerDeviceInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.APISW != config.AppName {
		t.Errorf("api_sw = %q", info.APISW)
	}
	if info.Interfaces[portal.RemoteDesktop.String()] != portal.ServerMode().String() {
		t.Errorf("interfaces = %v", info.Interfaces)
	}
}

func TestSessionsRoute(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := portal.New(portal.Config{Modes: map[portal.Family]portal.Mode{
		portal.RemoteDesktop: portal.ServerMode(),
	}})
	go d.Run(ctx)

	server := NewServer(enabledConfig(), &backend.Backend{Dispatcher: d})

	req := httptest.NewRequest("GET", "/sessions", nil)
	w := httptest.NewRecorder()
	server.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /sessions = %d: %s", w.Code, w.Body.String())
	}
	var sessions []portal.SessionInfo
	if err := json.Unmarshal(w.Body.Bytes(), &sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions = %v", sessions)
	}
}

func TestSessionsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := portal.New(portal.Config{Modes: map[portal.Family]portal.Mode{
		portal.RemoteDesktop: portal.ServerMode(),
	}})
	go d.Run(ctx)
	cancel()
	<-d.Done()

	server := NewServer(enabledConfig(), &backend.Backend{Dispatcher: d})
	req := httptest.NewRequest("GET", "/sessions", nil)
	w := httptest.NewRecorder()
	server.mux.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /sessions after shutdown = %d, want 503", w.Code)
	}
}

func TestRouteMethodRestrictions(t *testing.T) {
	server := NewServer(enabledConfig(), &backend.Backend{})

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
	}{
		{"GET /server allowed", "GET", "/server", http.StatusOK},
		{"HEAD /server allowed", "HEAD", "/server", http.StatusOK},
		{"POST /server falls through", "POST", "/server", http.StatusNotFound},
		{"POST /sessions falls through", "POST", "/sessions", http.StatusNotFound},
		{"root not found", "GET", "/", http.StatusNotFound},
		{"unknown path", "GET", "/players", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			server.mux.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("got status %d, want %d", w.Code, tt.expectedStatus)
			}
		})
	}
}
