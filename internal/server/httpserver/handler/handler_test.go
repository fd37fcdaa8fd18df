package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/core/service"
	"github.com/yndnr/chatmesh-go/internal/storage"
)

type fakeStorage struct {
	stats *storage.KVStats
	err   error
}

func (f *fakeStorage) Stats(context.Context) (*storage.KVStats, error) {
	return f.stats, f.err
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, data any) *Response {
	t.Helper()
	var resp Response
	if data != nil {
		resp.Data = data
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &resp
}

func TestHandler_Health(t *testing.T) {
	h := New(Deps{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-test")
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body HealthResponse
	resp := decodeResponse(t, rec, &body)
	if resp.Code != "OK" {
		t.Errorf("Code = %q, want OK", resp.Code)
	}
	if resp.RequestID != "req-test" {
		t.Errorf("RequestID = %q, want req-test", resp.RequestID)
	}
	if body.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", body.Status)
	}
}

func TestHandler_Ready(t *testing.T) {
	tests := []struct {
		name       string
		ready      func(context.Context) error
		wantStatus int
		wantBody   string
	}{
		{name: "no readiness check", wantStatus: http.StatusOK, wantBody: "ready"},
		{name: "readiness check ok", ready: func(context.Context) error { return nil }, wantStatus: http.StatusOK, wantBody: "ready"},
		{
			name:       "readiness check fails",
			ready:      func(context.Context) error { return errors.New("storage closed") },
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "not_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(Deps{Ready: tt.ready}, nil)
			rec := httptest.NewRecorder()
			h.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body HealthResponse
			decodeResponse(t, rec, &body)
			if body.Status != tt.wantBody {
				t.Errorf("Status = %q, want %q", body.Status, tt.wantBody)
			}
		})
	}
}

func TestHandler_Stats(t *testing.T) {
	bus := service.NewEventBus(nil)
	_, cancel := bus.Subscribe(1)
	defer cancel()

	h := New(Deps{
		Bus:       bus,
		Storage:   &fakeStorage{stats: &storage.KVStats{}},
		Version:   "v1.2.3",
		StartedAt: time.Now().Add(-time.Minute),
	}, nil)

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body StatsResponse
	decodeResponse(t, rec, &body)
	if body.Version != "v1.2.3" {
		t.Errorf("Version = %q", body.Version)
	}
	if body.UptimeSeconds < 59 {
		t.Errorf("UptimeSeconds = %d, want >= 59", body.UptimeSeconds)
	}
	if body.EventFeed == nil || body.EventFeed.Subscribers != 1 {
		t.Errorf("EventFeed = %+v, want 1 subscriber", body.EventFeed)
	}
	if body.Storage == nil {
		t.Error("Storage stats missing")
	}
}

func TestHandler_StatsStorageError(t *testing.T) {
	h := New(Deps{Storage: &fakeStorage{err: errors.New("closed")}}, nil)

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := rec.Header().Get("X-Error-Code"); got != domain.ErrStorage.Code {
		t.Errorf("X-Error-Code = %q, want %q", got, domain.ErrStorage.Code)
	}
	resp := decodeResponse(t, rec, nil)
	if strings.Contains(resp.Message, "closed") {
		t.Errorf("error message leaks cause: %q", resp.Message)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  *domain.DomainError
		want int
	}{
		{domain.ErrInvalidArgument, http.StatusBadRequest},
		{domain.ErrProtocol, http.StatusBadRequest},
		{domain.ErrNotAuthenticated, http.StatusUnauthorized},
		{domain.ErrTokenExpired, http.StatusUnauthorized},
		{domain.ErrBanned, http.StatusForbidden},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrStorage, http.StatusServiceUnavailable},
		{domain.ErrShuttingDown, http.StatusServiceUnavailable},
		{domain.ErrInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%s) = %d, want %d", tt.err.Code, got, tt.want)
			}
		})
	}
}

func TestHandler_EventsRequiresSession(t *testing.T) {
	h := New(Deps{Events: service.NewEventBus(nil)}, nil)

	rec := httptest.NewRecorder()
	h.Events(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

// eventServer serves Events with a fixed session injected into the context.
func eventServer(t *testing.T, h *Handler, sess *domain.Session) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Events(w, r.WithContext(WithSession(r.Context(), sess)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialEvents(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, bus *service.EventBus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", bus.Subscribers(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_EventsStreamsOwnEvents(t *testing.T) {
	bus := service.NewEventBus(nil)
	h := New(Deps{Events: bus}, nil)
	srv := eventServer(t, h, &domain.Session{UserID: 1, Username: "alice"})

	conn := dialEvents(t, srv)
	waitSubscribers(t, bus, 1)

	bus.Publish(domain.NewEvent(domain.EventRoomJoined, 7, nil, 2))
	bus.Publish(domain.NewEvent(domain.EventMessagePersisted, 7, map[string]string{"content": "hi"}, 1, 2))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev domain.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ev.Type != domain.EventMessagePersisted {
		t.Errorf("Type = %q, want %q (events for other users must be filtered)", ev.Type, domain.EventMessagePersisted)
	}
	if ev.RoomID != 7 {
		t.Errorf("RoomID = %d, want 7", ev.RoomID)
	}
}

func TestHandler_EventsClosedOnShutdown(t *testing.T) {
	bus := service.NewEventBus(nil)
	h := New(Deps{Events: bus}, nil)
	srv := eventServer(t, h, &domain.Session{UserID: 1, Username: "alice"})

	conn := dialEvents(t, srv)
	waitSubscribers(t, bus, 1)

	bus.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("ReadMessage() error = %v, want close 1001", err)
	}
}

func TestHandler_EventsUnsubscribesOnClientClose(t *testing.T) {
	bus := service.NewEventBus(nil)
	h := New(Deps{Events: bus}, nil)
	srv := eventServer(t, h, &domain.Session{UserID: 1, Username: "alice"})

	conn := dialEvents(t, srv)
	waitSubscribers(t, bus, 1)

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitSubscribers(t, bus, 0)
}
