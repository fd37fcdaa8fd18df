package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Config holds the operations listener configuration.
type Config struct {
	// Address is the listen address. Empty disables the listener.
	Address string `koanf:"address"`

	// TLS serves the listener with security.tls_cert_file.
	TLS bool `koanf:"tls"`

	// AdminAllowList restricts /metrics and /v1/stats.
	AdminAllowList []string `koanf:"admin_allow_list"`

	// TrustedProxies lists the IP/CIDR peers whose X-Forwarded-For and
	// X-Real-IP headers are honored. Empty means the peer address is
	// always the client address.
	TrustedProxies []string `koanf:"trusted_proxies"`

	// CORSAllowedOrigins restricts cross-origin event stream clients.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// RateLimit is the per-client request rate. Zero disables it.
	RateLimit int `koanf:"rate_limit"`

	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	rc := DefaultRouterConfig()
	return Config{
		Address:           "127.0.0.1:7421",
		AdminAllowList:    rc.AdminAllowList,
		RateLimit:         rc.GlobalRateLimit,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Server represents the HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// New creates a new HTTP server.
func New(addr string, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		handler: handler,
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// ListenAndServeTLS starts the HTTPS server.
func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	return s.httpServer.ListenAndServeTLS(certFile, keyFile)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server. Hijacked WebSocket
// connections are not tracked and end when the event feed closes.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
