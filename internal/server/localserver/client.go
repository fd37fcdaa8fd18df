package localserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Client talks to a local admin socket.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// Dial connects to the admin socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to admin socket %s: %w", path, err)
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: 15 * time.Second,
	}, nil
}

// Call sends one command and decodes the reply data into out (if non-nil).
func (c *Client) Call(cmd string, args []string, out any) error {
	for _, a := range append([]string{cmd}, args...) {
		if a == "" || strings.ContainsAny(a, " \t\r\n") {
			return fmt.Errorf("invalid admin argument %q", a)
		}
	}

	_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	line := strings.Join(append([]string{cmd}, args...), " ") + "\n"
	if _, err := c.conn.Write([]byte(line)); err != nil {
		return err
	}

	raw, err := c.reader.ReadBytes('\n')
	if err != nil {
		return err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode admin reply: %w", err)
	}
	if !resp.OK {
		if resp.Error == nil {
			return errors.New("admin command failed")
		}
		return &RemoteError{Body: *resp.Error}
	}
	if out != nil {
		return json.Unmarshal(resp.Data, out)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// RemoteError is a failure reported by the server.
type RemoteError struct {
	Body ErrorBody
}

func (e *RemoteError) Error() string {
	if e.Body.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Body.Code, e.Body.Message, e.Body.Details)
	}
	return fmt.Sprintf("%s: %s", e.Body.Code, e.Body.Message)
}
