package localserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

const (
	// maxLineLength bounds one admin command line.
	maxLineLength = 4096

	// idleTimeout closes admin connections that stay silent.
	idleTimeout = 5 * time.Minute
)

// Response is one reply line.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody describes a failed command.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Server represents the local management server.
type Server struct {
	handler *Handler
	path    string
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a new local server.
func New(socketPath string, handler *Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler: handler,
		path:    socketPath,
		logger:  logger.With("component", "localserver"),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket. A stale socket file left by a previous process is
// removed first; a live one is an error.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.path); err == nil {
		if c, err := net.DialTimeout("unix", s.path, time.Second); err == nil {
			c.Close()
			return fmt.Errorf("admin socket %s is in use", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale admin socket: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod admin socket: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.running.Store(true)
	return nil
}

// ListenAndServe binds the socket and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts admin connections on the bound socket.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("localserver: Serve called before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.path
}

// Shutdown closes the listener and every admin connection, then waits for
// handlers to return or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)

	var closeErr error
	s.mu.Lock()
	if s.listener != nil {
		closeErr = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 512), maxLineLength)
	enc := json.NewEncoder(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("admin connection read failed", "error", err)
			}
			return
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := strings.ToLower(fields[0]), fields[1:]
		if cmd == "quit" {
			return
		}

		s.logger.Info("admin command", "cmd", cmd, "args", args)
		resp := s.execute(cmd, args)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) execute(cmd string, args []string) *Response {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := s.handler.Execute(ctx, cmd, args)
	if err != nil {
		de := domain.AsDomainError(err)
		if de.Cause != nil {
			s.logger.Error("admin command failed", "cmd", cmd, "error", de.Cause)
		}
		return &Response{Error: &ErrorBody{Code: de.Code, Message: de.Message, Details: de.Details}}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("encode admin reply", "cmd", cmd, "error", err)
		return &Response{Error: &ErrorBody{Code: domain.ErrInternal.Code, Message: domain.ErrInternal.Message}}
	}
	return &Response{OK: true, Data: raw}
}
