package connection

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// maxFrameSize matches the server's frame limit.
const maxFrameSize = 1 << 20

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("connection: chat connection closed")

// RemoteError is an error reported by the server.
type RemoteError struct {
	Code         string `json:"code"`
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	Details      string `json:"details,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

func (e *RemoteError) Error() string {
	s := "[" + e.Code + "] " + e.Message
	if e.Details != "" {
		s += ": " + e.Details
	}
	if e.RetryAfterMs > 0 {
		s += " (retry in " + (time.Duration(e.RetryAfterMs) * time.Millisecond).String() + ")"
	}
	return s
}

// Push is a server-initiated frame.
type Push struct {
	Type string          `json:"push"`
	Data json.RawMessage `json:"data,omitempty"`
}

// frame covers both responses and pushes.
type frame struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
	Push   string          `json:"push,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ChatClient is one chat connection. Calls may be issued concurrently;
// responses are matched to requests by ID.
type ChatClient struct {
	conn net.Conn

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan *frame
	err     error

	pushes chan Push
	done   chan struct{}
}

// DialChat connects to a chat listener. A nil tlsConfig dials plain TCP.
func DialChat(ctx context.Context, addr string, tlsConfig *tls.Config) (*ChatClient, error) {
	var (
		conn net.Conn
		err  error
	)
	if tlsConfig != nil {
		d := &tls.Dialer{Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewChatClient(conn), nil
}

// NewChatClient wraps an established connection.
func NewChatClient(conn net.Conn) *ChatClient {
	c := &ChatClient{
		conn:    conn,
		pending: make(map[string]chan *frame),
		pushes:  make(chan Push, 256),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Pushes returns the push stream. It is closed when the connection ends.
// Pushes arriving while the buffer is full are dropped.
func (c *ChatClient) Pushes() <-chan Push {
	return c.pushes
}

// Done is closed when the connection ends.
func (c *ChatClient) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended.
func (c *ChatClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call sends cmd with args and decodes the result into out. out may be nil.
func (c *ChatClient) Call(ctx context.Context, cmd string, args, out any) error {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	req := struct {
		ID   string `json:"id"`
		Cmd  string `json:"cmd"`
		Args any    `json:"args,omitempty"`
	}{ID: id, Cmd: cmd, Args: args}

	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd, err)
	}
	if len(line) > maxFrameSize {
		return fmt.Errorf("%s request exceeds %d bytes", cmd, maxFrameSize)
	}

	ch := make(chan *frame, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	_, err = c.conn.Write(append(line, '\n'))
	_ = c.conn.SetWriteDeadline(time.Time{})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}

	select {
	case f := <-ch:
		if f == nil {
			return c.Err()
		}
		if !f.OK {
			if f.Error == nil {
				return &RemoteError{Code: "UNKNOWN", Message: "request failed"}
			}
			return f.Error
		}
		if out != nil && len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", cmd, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection.
func (c *ChatClient) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *ChatClient) readLoop() {
	defer close(c.done)
	defer close(c.pushes)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize+2)

	var err error
	for scanner.Scan() {
		var f frame
		if jerr := json.Unmarshal(scanner.Bytes(), &f); jerr != nil {
			err = fmt.Errorf("malformed frame from server: %w", jerr)
			break
		}
		c.dispatch(&f)
	}
	if err == nil {
		err = scanner.Err()
	}
	if err == nil {
		err = ErrClosed
	}
	c.fail(err)
}

func (c *ChatClient) dispatch(f *frame) {
	if f.Push != "" {
		select {
		case c.pushes <- Push{Type: f.Push, Data: f.Data}:
		default:
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if f.ID == "" {
		// A response without an ID answers a frame the server could not
		// parse; every outstanding call sees it.
		for id, ch := range c.pending {
			ch <- f
			delete(c.pending, id)
		}
		return
	}
	if ch, ok := c.pending[f.ID]; ok {
		ch <- f
		delete(c.pending, f.ID)
	}
}

func (c *ChatClient) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		ch <- nil
		delete(c.pending, id)
	}
}
