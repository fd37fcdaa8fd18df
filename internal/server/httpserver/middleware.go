package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/server/httpserver/handler"
	"github.com/yndnr/chatmesh-go/internal/telemetry/logger"
	"github.com/yndnr/chatmesh-go/pkg/token"
)

// Context keys for request-scoped values.
type contextKey string

const (
	// ContextKeyRequestID is the context key for request ID.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyStartTime is the context key for request start time.
	ContextKeyStartTime contextKey = "start_time"

	// ContextKeyClientIP is the context key for the resolved client address.
	ContextKeyClientIP contextKey = "client_ip"
)

// rateLimitIdle is how long a client's bucket is kept without requests.
const rateLimitIdle = 5 * time.Minute

// Middleware wraps an http.Handler with additional functionality.
type Middleware func(http.Handler) http.Handler

// ClientIP resolves the client address once per request. Forwarding headers
// are honored only when the TCP peer is one of trustedProxies; otherwise the
// peer address is used as is.
func ClientIP(trustedProxies []string, log *slog.Logger) Middleware {
	trusted := parseIPSet(trustedProxies, log, "trusted proxy")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, trusted)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ContextKeyClientIP, ip)))
		})
	}
}

// RequestID adds a unique request ID to each request.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				if id, err := token.GenerateWithLength(16); err == nil {
					requestID = "req-" + id
				} else {
					requestID = "req-unknown"
				}
			}

			w.Header().Set("X-Request-ID", requestID)

			ctx := context.WithValue(r.Context(), ContextKeyRequestID, requestID)
			ctx = context.WithValue(ctx, ContextKeyStartTime, time.Now())
			ctx = logger.WithRequestID(ctx, requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionVerifier resolves a session token.
type SessionVerifier interface {
	Verify(token string) (*domain.Session, error)
}

// BearerSession requires an "Authorization: Bearer <session token>" header
// and stores the verified session in the request context. Browsers cannot
// set headers on WebSocket upgrades, so the token query parameter is
// accepted as well.
func BearerSession(verifier SessionVerifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				tok = r.URL.Query().Get("token")
			}
			if tok == "" {
				writeError(w, http.StatusUnauthorized, domain.ErrNotAuthenticated)
				return
			}

			sess, err := verifier.Verify(tok)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(handler.WithSession(r.Context(), sess)))
		})
	}
}

// RateLimit applies per-client token bucket rate limiting with a burst equal
// to the per-second rate. Buckets idle for rateLimitIdle are dropped.
func RateLimit(requestsPerSecond int) Middleware {
	limiter := newClientLimiter(requestsPerSecond, rateLimitIdle, time.Now)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(getClientIP(r)) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, domain.ErrRateLimited.WithDetails("too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// clientLimiter holds one token bucket per client address.
type clientLimiter struct {
	mu        sync.Mutex
	rps       int
	idle      time.Duration
	now       func() time.Time
	buckets   map[string]*clientBucket
	lastSweep time.Time
}

func newClientLimiter(rps int, idle time.Duration, now func() time.Time) *clientLimiter {
	// A bucket refills completely within a second, so dropping it sooner
	// would not change any decision.
	if idle < time.Second {
		idle = time.Second
	}
	return &clientLimiter{
		rps:       rps,
		idle:      idle,
		now:       now,
		buckets:   make(map[string]*clientBucket),
		lastSweep: now(),
	}
}

func (l *clientLimiter) allow(ip string) bool {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idle {
		for key, b := range l.buckets {
			if now.Sub(b.lastSeen) >= l.idle {
				delete(l.buckets, key)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = &clientBucket{lim: rate.NewLimiter(rate.Limit(l.rps), l.rps)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.lim.AllowN(now, 1)
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// AccessLog logs every request once it completes.
func AccessLog(log *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			requestID, _ := r.Context().Value(ContextKeyRequestID).(string)
			startTime, _ := r.Context().Value(ContextKeyStartTime).(time.Time)

			attrs := []any{
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(startTime).Milliseconds(),
				"client_ip", getClientIP(r),
			}

			switch {
			case wrapped.statusCode >= 500:
				log.Error("request completed with error", attrs...)
			case wrapped.statusCode >= 400:
				log.Warn("request completed with client error", attrs...)
			default:
				log.Debug("request completed", attrs...)
			}
		})
	}
}

// Recover recovers from panics and returns 500 error.
func Recover(log *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					requestID, _ := r.Context().Value(ContextKeyRequestID).(string)
					log.Error("panic recovered",
						"request_id", requestID,
						"error", err,
						"path", r.URL.Path,
					)
					writeError(w, http.StatusInternalServerError, domain.ErrInternal)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// NetworkACLConfig holds configuration for network ACL middleware.
type NetworkACLConfig struct {
	// AllowList is the list of allowed IP/CIDR entries.
	// Empty list means no restriction.
	AllowList []string

	// Logger for logging denied requests.
	Logger *slog.Logger
}

// NetworkACL creates a middleware that checks client IP against an allowlist.
func NetworkACL(cfg *NetworkACLConfig) Middleware {
	allowed := parseIPSet(cfg.AllowList, cfg.Logger, "allowlist")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowed.empty() {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := getClientIP(r)
			ip := net.ParseIP(clientIP)
			if ip == nil {
				writeError(w, http.StatusForbidden, domain.ErrInvalidArgument.WithDetails("invalid client IP"))
				return
			}
			if allowed.contains(ip) {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.Logger != nil {
				cfg.Logger.Warn("request denied by network ACL",
					"client_ip", clientIP,
					"path", r.URL.Path,
				)
			}
			writeError(w, http.StatusForbidden, domain.ErrNotAuthenticated.WithDetails("IP not in allowlist"))
		})
	}
}

// CORS adds Cross-Origin Resource Sharing headers.
func CORS(allowedOrigins []string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := len(allowedOrigins) == 0 // Empty means allow all
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the wrapper.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// GetRequestIDFromContext retrieves the request ID from context.
func GetRequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return requestID
	}
	return ""
}

// writeError writes a JSON error body for middleware rejections.
func writeError(w http.ResponseWriter, status int, err error) {
	de := domain.AsDomainError(err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", de.Code)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    de.Code,
		"message": de.Message,
	})
}

// getClientIP returns the address resolved by ClientIP, or the TCP peer
// when that middleware did not run.
func getClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(ContextKeyClientIP).(string); ok && ip != "" {
		return ip
	}
	return peerIP(r)
}

func peerIP(r *http.Request) string {
	// SplitHostPort handles bracketed IPv6 addresses.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// resolveClientIP walks X-Forwarded-For from the right and returns the first
// hop that is not a trusted proxy. X-Real-IP is used when there is no
// X-Forwarded-For. Both are ignored unless the peer itself is trusted.
func resolveClientIP(r *http.Request, trusted *ipSet) string {
	peer := peerIP(r)
	if trusted.empty() {
		return peer
	}
	if ip := net.ParseIP(peer); ip == nil || !trusted.contains(ip) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			ip := net.ParseIP(hop)
			if ip == nil {
				return peer
			}
			if i == 0 || !trusted.contains(ip) {
				return ip.String()
			}
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return peer
}

// ipSet matches addresses against single IPs and CIDR networks.
type ipSet struct {
	networks []*net.IPNet
	ips      []net.IP
}

// parseIPSet skips and logs entries that are neither an IP nor a CIDR.
func parseIPSet(entries []string, log *slog.Logger, what string) *ipSet {
	set := &ipSet{}
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				if log != nil {
					log.Warn("invalid CIDR in "+what, "entry", entry, "error", err)
				}
				continue
			}
			set.networks = append(set.networks, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			if log != nil {
				log.Warn("invalid IP in "+what, "entry", entry)
			}
			continue
		}
		set.ips = append(set.ips, ip)
	}
	return set
}

func (s *ipSet) empty() bool {
	return len(s.networks) == 0 && len(s.ips) == 0
}

func (s *ipSet) contains(ip net.IP) bool {
	for _, allowed := range s.ips {
		if allowed.Equal(ip) {
			return true
		}
	}
	for _, network := range s.networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
