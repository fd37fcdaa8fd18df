package chatserver

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/yndnr/chatmesh-go/internal/core/service"
)

// conn is one client connection. It implements service.Sink: pushes are
// queued without blocking and written by writeLoop.
type conn struct {
	srv    *Server
	nc     net.Conn
	br     *bufio.Reader
	ip     string
	id     string // registry connection ID
	logger *slog.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(srv *Server, nc net.Conn, ip string) *conn {
	return &conn{
		srv:    srv,
		nc:     nc,
		br:     bufio.NewReaderSize(nc, 64<<10),
		ip:     ip,
		logger: srv.logger.With("remote", nc.RemoteAddr().String()),
		out:    make(chan []byte, srv.cfg.OutboundQueue),
		done:   make(chan struct{}),
	}
}

// Deliver queues a push. It never blocks; a full queue drops the push.
func (c *conn) Deliver(p service.Push) bool {
	frame, err := json.Marshal(PushFrame{Push: string(p.Type), Data: p.Data})
	if err != nil {
		c.logger.Error("encode push", "type", p.Type, "error", err)
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		c.srv.metrics.PushesDropped.Inc()
		return false
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.nc.Close()
	})
}

// reply queues a response, waiting for queue space. Responses are never
// dropped while the connection is open.
func (c *conn) reply(resp *Response) bool {
	frame, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("encode response", "id", resp.ID, "error", err)
		frame, _ = json.Marshal(&Response{ID: resp.ID, Error: errorBody(err)})
	}
	return c.enqueue(frame)
}

func (c *conn) enqueue(frame []byte) bool {
	select {
	case c.out <- frame:
		return true
	case <-c.done:
		return false
	}
}

// closeAfterFlush closes the connection once everything queued so far has
// been written.
func (c *conn) closeAfterFlush() {
	// A nil frame tells writeLoop to flush and stop.
	c.enqueue(nil)
}

// writeLoop drains the outbound queue until the connection closes.
func (c *conn) writeLoop() {
	bw := bufio.NewWriter(c.nc)
	defer c.Close()

	for {
		select {
		case frame := <-c.out:
			if frame == nil {
				_ = c.nc.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
				_ = bw.Flush()
				return
			}
			if err := c.nc.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout)); err != nil {
				return
			}
			if _, err := bw.Write(frame); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
			if err := bw.WriteByte('\n'); err != nil {
				return
			}
			// Batch frames that are already queued into one flush.
			if len(c.out) == 0 {
				if err := bw.Flush(); err != nil {
					c.logger.Debug("flush failed", "error", err)
					return
				}
			}
		case <-c.done:
			return
		}
	}
}
