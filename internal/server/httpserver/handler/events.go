package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

// maxClientFrame bounds frames read from event stream clients. Clients only
// send control frames.
const maxClientFrame = 512

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Events handles GET /v1/events. It upgrades to a WebSocket and streams
// every event keyed by the session's user as a JSON text message.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if sess == nil {
		h.writeError(w, r, domain.ErrNotAuthenticated)
		return
	}
	if h.deps.Events == nil {
		h.writeError(w, r, domain.ErrInternal.WithDetails("event feed disabled"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := h.deps.Events.Subscribe(h.EventBuffer)
	defer cancel()

	log := h.logger.With("user", sess.Username, "remote", r.RemoteAddr)
	log.Debug("event stream opened")

	done := make(chan struct{})
	go h.readControl(conn, done)

	err = h.streamEvents(r.Context(), conn, sess.UserID, events, done)
	log.Debug("event stream closed", "reason", err)
}

// readControl consumes client frames so that pongs and close frames are
// processed. It closes done when the client goes away.
func (h *Handler) readControl(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	pongWait := 2 * h.PingInterval
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

var errFeedClosed = errors.New("event feed closed")

func (h *Handler) streamEvents(ctx context.Context, conn *websocket.Conn, user domain.UserID, events <-chan domain.Event, done <-chan struct{}) error {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return errFeedClosed
			}
			if !ev.Affects(user) {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout)); err != nil {
				return err
			}
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
