package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/server/httpserver/handler"
)

func TestNew(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s := New(":8080", h)
	if s == nil {
		t.Fatal("New returned nil")
	}
	if s.httpServer == nil {
		t.Error("httpServer is nil")
	}
	if s.httpServer.ReadHeaderTimeout == 0 {
		t.Error("ReadHeaderTimeout should be set")
	}
}

func TestServer_Shutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := New(ln.Addr().String(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Serve(ln)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown error: %v", err)
	}

	select {
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Serve returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for Serve to return")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Address == "" {
		t.Error("Address should default to a loopback listener")
	}
	if cfg.RateLimit <= 0 {
		t.Error("RateLimit should be positive")
	}
	if len(cfg.AdminAllowList) == 0 {
		t.Error("AdminAllowList should not be empty")
	}
}

func TestNewRouter(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	router := NewRouter(&RouterConfig{
		Handler:        handler.New(handler.Deps{Version: "test"}, nil),
		Metrics:        metrics,
		Sessions:       &stubVerifier{sessions: map[string]*domain.Session{}},
		AdminAllowList: []string{"10.0.0.0/8"},
	})

	tests := []struct {
		name       string
		method     string
		path       string
		remoteAddr string
		want       int
	}{
		{"healthz", "GET", "/healthz", "192.168.1.1:1", http.StatusOK},
		{"readyz", "GET", "/readyz", "192.168.1.1:1", http.StatusOK},
		{"metrics allowed", "GET", "/metrics", "10.0.0.5:1", http.StatusOK},
		{"metrics denied", "GET", "/metrics", "192.168.1.1:1", http.StatusForbidden},
		{"stats allowed", "GET", "/v1/stats", "10.0.0.5:1", http.StatusOK},
		{"stats denied", "GET", "/v1/stats", "192.168.1.1:1", http.StatusForbidden},
		{"events without token", "GET", "/v1/events", "192.168.1.1:1", http.StatusUnauthorized},
		{"unknown route", "GET", "/v1/sessions", "10.0.0.5:1", http.StatusNotFound},
		{"wrong method", "POST", "/healthz", "10.0.0.5:1", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.RemoteAddr = tt.remoteAddr
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("X-Request-ID header missing")
			}
		})
	}
}

func TestDefaultRouterConfig(t *testing.T) {
	cfg := DefaultRouterConfig()
	if cfg == nil {
		t.Fatal("DefaultRouterConfig returned nil")
	}
	if cfg.GlobalRateLimit <= 0 {
		t.Error("GlobalRateLimit should be positive")
	}
}
