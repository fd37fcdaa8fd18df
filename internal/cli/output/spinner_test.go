package output

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe for the spinner goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpinner_NotTerminal(t *testing.T) {
	tests := []struct {
		name string
		end  func(*Spinner)
		want string
	}{
		{"success", func(s *Spinner) { s.Success("connected to chat:7420") }, "connecting...\nok: connected to chat:7420\n"},
		{"fail", func(s *Spinner) { s.Fail("connect failed") }, "connecting...\nfailed: connect failed\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			s := NewSpinner(&buf, "connecting")
			s.Start()
			tt.end(s)
			tt.end(s)
			if got := buf.String(); got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSpinner_Animates(t *testing.T) {
	buf := &syncBuffer{}
	s := NewSpinner(buf, "connecting")
	s.animate = true

	s.Start()
	time.Sleep(3 * spinInterval)
	s.Success("connected")

	out := buf.String()
	if !strings.Contains(out, "\r| connecting") || !strings.Contains(out, "\r/ connecting") {
		t.Errorf("output = %q, want several frames", out)
	}
	if !strings.HasSuffix(out, "\r\033[Kok: connected\n") {
		t.Errorf("output = %q, want cleared line and status", out)
	}
}

func TestSpinner_FailWithoutStart(t *testing.T) {
	var buf bytes.Buffer
	s := NewSpinner(&buf, "connecting")
	s.animate = true

	done := make(chan struct{})
	go func() {
		s.Fail("no route")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Fail blocked without Start")
	}
	if !strings.HasSuffix(buf.String(), "failed: no route\n") {
		t.Errorf("output = %q", buf.String())
	}
}
