package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

// StreamEvents subscribes to the event feed of the session behind the
// client's token and calls fn for each event until ctx is done, fn returns
// an error, or the server closes the stream. A normal close returns nil.
func (c *HTTPClient) StreamEvents(ctx context.Context, fn func(domain.Event) error) error {
	if c.token == "" {
		return errors.New("event stream requires a session token")
	}

	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/events"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("User-Agent", userAgent)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return ParseResponse(resp, nil)
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	})
	defer stop()

	for {
		var ev domain.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
