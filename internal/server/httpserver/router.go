package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yndnr/chatmesh-go/internal/server/httpserver/handler"
)

// RouterConfig holds configuration for the HTTP router.
type RouterConfig struct {
	Handler *handler.Handler

	// Metrics serves /metrics. Nil disables the route.
	Metrics http.Handler

	// Sessions verifies bearer tokens on /v1/events.
	Sessions SessionVerifier

	Logger *slog.Logger

	// AdminAllowList is the IP/CIDR allowlist for /metrics and /v1/stats
	// (empty = no restriction).
	AdminAllowList []string

	// TrustedProxies is the IP/CIDR list of reverse proxies allowed to
	// supply the client address in forwarding headers.
	TrustedProxies []string

	// CORSAllowedOrigins is the list of allowed CORS origins (empty = allow all).
	CORSAllowedOrigins []string

	// GlobalRateLimit is the rate limit per client (requests/second). Zero
	// disables it.
	GlobalRateLimit int
}

// NewRouter creates the chi router with all routes and middleware.
func NewRouter(cfg *RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	h := cfg.Handler

	r := chi.NewRouter()
	// Order: Recover -> ClientIP -> RequestID -> AccessLog -> RateLimit -> route
	r.Use(Recover(log), ClientIP(cfg.TrustedProxies, log), RequestID(), AccessLog(log))
	if cfg.GlobalRateLimit > 0 {
		r.Use(RateLimit(cfg.GlobalRateLimit))
	}

	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)

	r.Group(func(r chi.Router) {
		r.Use(NetworkACL(&NetworkACLConfig{
			AllowList: cfg.AdminAllowList,
			Logger:    log,
		}))
		if cfg.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", cfg.Metrics)
		}
		r.Get("/v1/stats", h.Stats)
	})

	if cfg.Sessions != nil {
		r.Group(func(r chi.Router) {
			r.Use(CORS(cfg.CORSAllowedOrigins), BearerSession(cfg.Sessions))
			r.Get("/v1/events", h.Events)
		})
	}

	return r
}

// DefaultRouterConfig returns default router configuration.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		AdminAllowList:  []string{"127.0.0.1", "::1"},
		GlobalRateLimit: 100,
	}
}
