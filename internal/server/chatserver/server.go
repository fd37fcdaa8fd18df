package chatserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/core/service"
	"github.com/yndnr/chatmesh-go/internal/telemetry/metric"
)

// Config holds the chat server configuration.
type Config struct {
	// Address is the plaintext listen address. Empty disables it.
	Address string `koanf:"address"`
	// TLSAddress is the TLS listen address. Empty disables it.
	TLSAddress string `koanf:"tls_address"`
	// TLSConfig is required when TLSAddress is set.
	TLSConfig *tls.Config `koanf:"-"`

	// ReadTimeout bounds reading one frame once its first byte arrived.
	ReadTimeout time.Duration `koanf:"read_timeout"`
	// WriteTimeout bounds writing one frame.
	WriteTimeout time.Duration `koanf:"write_timeout"`
	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration `koanf:"idle_timeout"`

	MaxFrameSize  int `koanf:"max_frame_size"`
	OutboundQueue int `koanf:"outbound_queue"`

	// AcceptRate and AcceptBurst throttle new connections per IP.
	// A rate of zero disables the throttle.
	AcceptRate  float64 `koanf:"accept_rate"`
	AcceptBurst int     `koanf:"accept_burst"`

	// MaxConnections caps concurrent connections. Zero means no cap.
	MaxConnections int `koanf:"max_connections"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Address:        "127.0.0.1:7420",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    5 * time.Minute,
		MaxFrameSize:   MaxFrameSize,
		OutboundQueue:  256,
		AcceptRate:     5,
		AcceptBurst:    20,
		MaxConnections: 10000,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = d.OutboundQueue
	}
}

// Services are the collaborators commands are dispatched to.
type Services struct {
	Auth      *service.AuthService
	Registry  *service.Registry
	Rooms     *service.RoomService
	Router    *service.Router
	Transfers *service.TransferService
	Limiter   *service.Limiter
}

// Server accepts client connections and dispatches their commands.
type Server struct {
	cfg      Config
	svc      Services
	metrics  *metric.Registry
	logger   *slog.Logger
	validate *validator.Validate
	handlers map[string]handlerFunc
	throttle *acceptThrottle

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[*conn]struct{}

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a chat server. metrics may be nil.
func New(cfg Config, svc Services, metrics *metric.Registry, logger *slog.Logger) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = metric.NewRegistry()
	}

	s := &Server{
		cfg:      cfg,
		svc:      svc,
		metrics:  metrics,
		logger:   logger.With("component", "chatserver"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		throttle: newAcceptThrottle(cfg.AcceptRate, cfg.AcceptBurst),
		conns:    make(map[*conn]struct{}),
		stopCh:   make(chan struct{}),
	}
	s.handlers = s.commands()
	return s
}

// Start opens the configured listeners and serves them in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Address == "" && s.cfg.TLSAddress == "" {
		return errors.New("chatserver: no listen address configured")
	}

	var lns []net.Listener
	if s.cfg.Address != "" {
		ln, err := net.Listen("tcp", s.cfg.Address)
		if err != nil {
			return err
		}
		lns = append(lns, ln)
	}
	if s.cfg.TLSAddress != "" {
		if s.cfg.TLSConfig == nil {
			closeAll(lns)
			return errors.New("chatserver: TLS config is required for the TLS listener")
		}
		ln, err := tls.Listen("tcp", s.cfg.TLSAddress, s.cfg.TLSConfig)
		if err != nil {
			closeAll(lns)
			return err
		}
		lns = append(lns, ln)
	}

	s.mu.Lock()
	s.listeners = lns
	s.mu.Unlock()
	s.running.Store(true)

	for _, ln := range lns {
		s.logger.Info("chat server listening", "address", ln.Addr().String())
		s.wg.Add(1)
		go func(ln net.Listener) {
			defer s.wg.Done()
			if err := s.acceptLoop(ctx, ln); err != nil && s.running.Load() {
				s.logger.Error("accept loop failed", "address", ln.Addr().String(), "error", err)
			}
		}(ln)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.throttle.run(ctx, s.stopCh)
	}()
	return nil
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Shutdown closes the listeners, then every connection, and waits for the
// connection handlers to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	closeAll(s.listeners)
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("chat server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}

		ip := hostOf(nc.RemoteAddr())
		if reason, err := s.admit(ip); err != nil {
			s.metrics.ConnectionRefused(reason)
			s.logger.Debug("connection refused", "ip", ip, "reason", reason)
			s.refuse(nc, err)
			continue
		}

		c := newConn(s, nc, ip)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, c)
		}()
	}
}

// admit decides whether a new connection from ip is accepted.
func (s *Server) admit(ip string) (string, error) {
	if err := s.svc.Limiter.CheckBan(ip); err != nil {
		return "banned", err
	}
	if !s.throttle.allow(ip) {
		return "throttled", domain.ErrRateLimited.WithDetails("too many connection attempts")
	}
	if s.cfg.MaxConnections > 0 && s.ConnectionCount() >= s.cfg.MaxConnections {
		return "capacity", domain.ErrRateLimited.WithDetails("server at capacity")
	}
	return "", nil
}

// refuse writes a single error frame and closes nc.
func (s *Server) refuse(nc net.Conn, err error) {
	defer nc.Close()
	frame, _ := json.Marshal(&Response{Error: errorBody(err)})
	_ = nc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_, _ = nc.Write(append(frame, '\n'))
}

func (s *Server) serveConn(ctx context.Context, c *conn) {
	c.id = s.svc.Registry.OnConnect(c.ip, c).ID
	c.logger = c.logger.With("conn_id", c.id)
	s.svc.Auth.RecordConnectionEvent(ctx, 0, domain.ConnActionConnect, c.ip)
	s.metrics.ConnectionOpened()
	c.logger.Debug("client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	defer func() {
		c.closeAfterFlush()
		select {
		case <-writerDone:
		case <-time.After(s.cfg.WriteTimeout):
		}
		c.Close()
		s.disconnect(ctx, c)
	}()

	for {
		// Between frames the connection may stay idle.
		if err := c.nc.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		if _, err := c.br.Peek(1); err != nil {
			s.logReadError(c, err)
			return
		}

		// Once a frame has started it must arrive within ReadTimeout.
		if err := c.nc.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return
		}
		frame, err := ReadFrame(c.br, s.cfg.MaxFrameSize)
		if err != nil {
			if domain.IsDomainError(err, "") {
				c.logger.Warn("protocol violation", "error", err)
				c.reply(&Response{Error: errorBody(err)})
			} else {
				s.logReadError(c, err)
			}
			return
		}
		if len(frame) == 0 {
			continue
		}

		req, err := DecodeRequest(frame)
		if err != nil {
			c.logger.Warn("protocol violation", "error", err)
			c.reply(&Response{Error: errorBody(err)})
			return
		}

		if quit := s.dispatch(ctx, c, req); quit {
			return
		}
	}
}

// disconnect releases everything the connection held.
func (s *Server) disconnect(ctx context.Context, c *conn) {
	info, _ := s.svc.Registry.OnDisconnect(c.id)
	aborted := s.svc.Transfers.AbortByConnection(c.id)
	if aborted > 0 {
		c.logger.Debug("uploads aborted", "count", aborted)
	}
	s.svc.Auth.RecordConnectionEvent(context.WithoutCancel(ctx), info.UserID, domain.ConnActionDisconnect, c.ip)

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.metrics.ConnectionClosed()

	c.logger.Debug("client disconnected", "user", info.Username, "aborted_transfers", aborted)
}

// dispatch runs one request and queues its response. It reports whether
// the connection should close.
func (s *Server) dispatch(ctx context.Context, c *conn, req *Request) bool {
	start := time.Now()
	label := req.Cmd

	var (
		result any
		err    error
	)
	h, ok := s.handlers[req.Cmd]
	if !ok {
		label = "unknown"
		err = domain.ErrUnknownCommand.WithDetails(req.Cmd)
	} else if req.Cmd != cmdQuit {
		// A ban denies every further action from the IP.
		err = s.svc.Limiter.CheckBan(c.ip)
	}
	if err == nil {
		s.svc.Registry.Touch(c.id)
		result, err = h(ctx, c, req.Args)
	}

	outcome := "ok"
	if err != nil {
		de := domain.AsDomainError(err)
		outcome = string(de.Kind())
		if de.Cause != nil {
			c.logger.Error("command failed", "cmd", label, "code", de.Code, "error", de.Cause)
		}
		c.reply(&Response{ID: req.ID, Error: errorBody(err)})
	} else {
		c.reply(&Response{ID: req.ID, OK: true, Result: result})
	}
	s.metrics.ObserveCommand(label, outcome, time.Since(start).Seconds())

	return req.Cmd == cmdQuit && err == nil
}

func (s *Server) logReadError(c *conn, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case errors.As(err, &ne) && ne.Timeout():
		c.logger.Debug("connection timed out")
	default:
		c.logger.Debug("connection read error", "error", err)
	}
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func closeAll(lns []net.Listener) {
	for _, ln := range lns {
		_ = ln.Close()
	}
}
