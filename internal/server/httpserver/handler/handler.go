package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/core/service"
	"github.com/yndnr/chatmesh-go/internal/storage"
)

// StorageStats reports storage engine statistics.
type StorageStats interface {
	Stats(ctx context.Context) (*storage.KVStats, error)
}

// EventSource is the event feed.
type EventSource interface {
	Subscribe(buffer int) (<-chan domain.Event, func())
}

// Deps are the components the handlers read from. Nil fields are skipped
// in stats output.
type Deps struct {
	Registry  *service.Registry
	Transfers *service.TransferService
	Limiter   *service.Limiter
	Sessions  *service.SessionStore
	Bus       *service.EventBus
	Storage   StorageStats
	Events    EventSource

	// Ready reports whether the server accepts traffic. Nil means always.
	Ready func(ctx context.Context) error

	Version   string
	StartedAt time.Time
}

// Handler serves the operations endpoints.
type Handler struct {
	deps   Deps
	logger *slog.Logger

	// EventBuffer is the per-subscriber buffer of the event stream.
	EventBuffer int
	// PingInterval is the WebSocket keepalive cadence.
	PingInterval time.Duration
	// WriteTimeout bounds one WebSocket write.
	WriteTimeout time.Duration
}

// New creates a Handler.
func New(deps Deps, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	return &Handler{
		deps:         deps,
		logger:       logger,
		EventBuffer:  256,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// writeJSON writes a JSON response with standard envelope format.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	requestID := getRequestID(w, r)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(NewResponse(requestID, data)); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes an error response with standard envelope format.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	de := domain.AsDomainError(err)
	if de.Cause != nil {
		h.logger.Error("request failed", "code", de.Code, "error", de.Cause)
	}
	status := statusFor(de)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", de.Code)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(NewErrorResponse(getRequestID(w, r), de.Code, de.Message, de.Details))
}

// getRequestID returns the ID assigned by the RequestID middleware.
func getRequestID(w http.ResponseWriter, r *http.Request) string {
	if id := w.Header().Get("X-Request-ID"); id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// statusFor maps a domain error to an HTTP status code.
func statusFor(de *domain.DomainError) int {
	switch de.Kind() {
	case domain.KindValidation, domain.KindProtocol:
		return http.StatusBadRequest
	case domain.KindAuth:
		return http.StatusUnauthorized
	case domain.KindBanned:
		return http.StatusForbidden
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindStorage:
		if de.Code == domain.ErrNotFound.Code {
			return http.StatusNotFound
		}
		return http.StatusServiceUnavailable
	default:
		if de.Code == domain.ErrShuttingDown.Code {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}
