package connection

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

type testRequest struct {
	ID   string          `json:"id"`
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args"`
}

// fakeChatServer answers requests on one side of a pipe.
type fakeChatServer struct {
	conn    net.Conn
	writeMu sync.Mutex
}

type handleFunc func(req testRequest) (any, *RemoteError)

func newFakeChat(t *testing.T, handle handleFunc) (*ChatClient, *fakeChatServer) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	srv := &fakeChatServer{conn: serverSide}

	go func() {
		scanner := bufio.NewScanner(serverSide)
		scanner.Buffer(make([]byte, 64*1024), maxFrameSize+2)
		for scanner.Scan() {
			var req testRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				return
			}
			if handle == nil {
				continue
			}
			result, rerr := handle(req)
			resp := map[string]any{"id": req.ID, "ok": rerr == nil}
			if rerr != nil {
				resp["error"] = rerr
			} else if result != nil {
				resp["result"] = result
			}
			srv.send(resp)
		}
	}()

	c := NewChatClient(clientSide)
	t.Cleanup(func() {
		_ = c.Close()
		_ = serverSide.Close()
	})
	return c, srv
}

func (s *fakeChatServer) send(v any) {
	line, _ := json.Marshal(v)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.conn.Write(append(line, '\n'))
}

func TestChatClient_Call(t *testing.T) {
	c, _ := newFakeChat(t, func(req testRequest) (any, *RemoteError) {
		switch req.Cmd {
		case "ping":
			return map[string]any{"pong": true}, nil
		case "send":
			var args map[string]any
			_ = json.Unmarshal(req.Args, &args)
			return map[string]any{"echo": args["content"]}, nil
		default:
			return nil, &RemoteError{Code: "CM-PROTO-002", Kind: "protocol", Message: "unknown command"}
		}
	})
	ctx := context.Background()

	var pong struct {
		Pong bool `json:"pong"`
	}
	if err := c.Call(ctx, "ping", nil, &pong); err != nil {
		t.Fatalf("Call(ping) error = %v", err)
	}
	if !pong.Pong {
		t.Error("pong = false")
	}

	var echo struct {
		Echo string `json:"echo"`
	}
	if err := c.Call(ctx, "send", map[string]any{"content": "hi"}, &echo); err != nil {
		t.Fatalf("Call(send) error = %v", err)
	}
	if echo.Echo != "hi" {
		t.Errorf("echo = %q, want hi", echo.Echo)
	}

	err := c.Call(ctx, "bogus", nil, nil)
	var rerr *RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("Call(bogus) error = %v, want RemoteError", err)
	}
	if rerr.Code != "CM-PROTO-002" {
		t.Errorf("Code = %q", rerr.Code)
	}
}

func TestChatClient_ConcurrentCalls(t *testing.T) {
	c, _ := newFakeChat(t, func(req testRequest) (any, *RemoteError) {
		return map[string]string{"id": req.ID}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out struct {
				ID string `json:"id"`
			}
			if err := c.Call(context.Background(), "ping", nil, &out); err != nil {
				t.Errorf("Call() error = %v", err)
				return
			}
			if out.ID == "" {
				t.Error("response not matched to request")
			}
		}()
	}
	wg.Wait()
}

func TestChatClient_Pushes(t *testing.T) {
	c, srv := newFakeChat(t, nil)

	srv.send(map[string]any{"push": "message", "data": map[string]any{"content": "hello"}})

	select {
	case p := <-c.Pushes():
		if p.Type != "message" {
			t.Errorf("push type = %q, want message", p.Type)
		}
		var data struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(p.Data, &data); err != nil || data.Content != "hello" {
			t.Errorf("push data = %s", p.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("push not delivered")
	}
}

func TestChatClient_ContextCancel(t *testing.T) {
	c, _ := newFakeChat(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Call(ctx, "ping", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call() error = %v, want DeadlineExceeded", err)
	}
}

func TestChatClient_ServerCloses(t *testing.T) {
	c, srv := newFakeChat(t, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Call(context.Background(), "ping", nil, nil) }()
	time.Sleep(20 * time.Millisecond)
	_ = srv.conn.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Call() should fail when the connection drops")
		}
	case <-time.After(time.Second):
		t.Fatal("pending call not released")
	}

	<-c.Done()
	if _, ok := <-c.Pushes(); ok {
		t.Error("Pushes() should be closed")
	}
	if err := c.Call(context.Background(), "ping", nil, nil); err == nil {
		t.Error("Call() after close should fail")
	}
}

func TestChatClient_UnmatchedError(t *testing.T) {
	c, srv := newFakeChat(t, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Call(context.Background(), "ping", nil, nil) }()
	time.Sleep(20 * time.Millisecond)
	srv.send(map[string]any{"id": "", "ok": false, "error": map[string]any{"code": "CM-PROTO-001", "message": "malformed"}})

	select {
	case err := <-errCh:
		var rerr *RemoteError
		if !errors.As(err, &rerr) || rerr.Code != "CM-PROTO-001" {
			t.Errorf("Call() error = %v, want CM-PROTO-001", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ID-less error not delivered")
	}
}

func TestRemoteError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  RemoteError
		want string
	}{
		{name: "plain", err: RemoteError{Code: "C", Message: "m"}, want: "[C] m"},
		{name: "details", err: RemoteError{Code: "C", Message: "m", Details: "d"}, want: "[C] m: d"},
		{name: "retry", err: RemoteError{Code: "C", Message: "m", RetryAfterMs: 1500}, want: "[C] m (retry in 1.5s)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}
