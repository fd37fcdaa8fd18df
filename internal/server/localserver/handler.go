package localserver

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/core/service"
	"github.com/yndnr/chatmesh-go/internal/telemetry/logger"
)

// AuditLog reads the connection audit log.
type AuditLog interface {
	RecentConnectionEvents(ctx context.Context, limit int) ([]*domain.ConnectionEvent, error)
}

// Deps are the components admin commands act on.
type Deps struct {
	Registry  *service.Registry
	Limiter   *service.Limiter
	Transfers *service.TransferService
	Sessions  *service.SessionStore
	Rooms     service.RoomRepository
	Audit     AuditLog

	// Shutdown starts a graceful shutdown. Nil disables the command.
	Shutdown func()

	Version   string
	StartedAt time.Time
}

// Status is the reply of the status command.
type Status struct {
	Version         string `json:"version"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Connections     int    `json:"connections"`
	OnlineUsers     int    `json:"online_users"`
	PushesDropped   uint64 `json:"pushes_dropped"`
	ActiveTransfers int    `json:"active_transfers"`
	ActiveBans      int    `json:"active_bans"`
	RevokedSessions int    `json:"revoked_sessions"`
	LogLevel        string `json:"log_level"`
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 1000
)

// Handler executes admin commands.
type Handler struct {
	deps Deps
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps) *Handler {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	return &Handler{deps: deps}
}

// Execute runs one admin command and returns its reply.
func (h *Handler) Execute(ctx context.Context, cmd string, args []string) (any, error) {
	switch cmd {
	case "status":
		return h.status(), nil
	case "bans":
		return h.bans(), nil
	case "unban":
		return h.unban(args)
	case "kick":
		return h.kick(args)
	case "rooms":
		return h.rooms(ctx)
	case "connections":
		return h.connections(), nil
	case "audit":
		return h.audit(ctx, args)
	case "loglevel":
		return h.logLevel(args)
	case "shutdown":
		return h.shutdown()
	default:
		return nil, domain.ErrUnknownCommand.WithDetails(cmd)
	}
}

func (h *Handler) status() Status {
	st := Status{
		Version:       h.deps.Version,
		UptimeSeconds: int64(time.Since(h.deps.StartedAt).Seconds()),
		LogLevel:      logger.GetLevel(),
	}
	if reg := h.deps.Registry; reg != nil {
		st.Connections = reg.Count()
		st.OnlineUsers = len(reg.OnlineUsers())
		st.PushesDropped = reg.Dropped()
	}
	if h.deps.Transfers != nil {
		st.ActiveTransfers = h.deps.Transfers.Active()
	}
	if h.deps.Limiter != nil {
		st.ActiveBans = len(h.deps.Limiter.Bans())
	}
	if h.deps.Sessions != nil {
		st.RevokedSessions = h.deps.Sessions.RevokedCount()
	}
	return st
}

func (h *Handler) bans() []domain.BanRecord {
	if h.deps.Limiter == nil {
		return []domain.BanRecord{}
	}
	bans := h.deps.Limiter.Bans()
	sort.Slice(bans, func(i, j int) bool { return bans[i].IP < bans[j].IP })
	return bans
}

func (h *Handler) unban(args []string) (any, error) {
	if len(args) != 1 {
		return nil, domain.ErrMissingArgument.WithDetails("usage: unban <ip>")
	}
	if h.deps.Limiter == nil {
		return nil, domain.ErrInternal.WithDetails("limiter not configured")
	}
	return map[string]any{"ip": args[0], "unbanned": h.deps.Limiter.Unban(args[0])}, nil
}

func (h *Handler) kick(args []string) (any, error) {
	if len(args) != 1 {
		return nil, domain.ErrMissingArgument.WithDetails("usage: kick <username>")
	}
	if h.deps.Registry == nil {
		return nil, domain.ErrInternal.WithDetails("registry not configured")
	}
	return map[string]any{"username": args[0], "closed": h.deps.Registry.Kick(args[0])}, nil
}

func (h *Handler) rooms(ctx context.Context) ([]domain.RoomInfo, error) {
	if h.deps.Rooms == nil {
		return []domain.RoomInfo{}, nil
	}
	rooms, err := h.deps.Rooms.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		info := r.Info()
		members, err := h.deps.Rooms.ListMembers(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		info.Members = len(members)
		if h.deps.Registry != nil {
			info.Online = len(h.deps.Registry.ListOnline(r.ID))
		}
		out = append(out, info)
	}
	return out, nil
}

func (h *Handler) connections() []service.ConnectionInfo {
	if h.deps.Registry == nil {
		return []service.ConnectionInfo{}
	}
	return h.deps.Registry.Connections()
}

func (h *Handler) audit(ctx context.Context, args []string) ([]*domain.ConnectionEvent, error) {
	limit := defaultAuditLimit
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 || n > maxAuditLimit {
			return nil, domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("limit must be 1..%d", maxAuditLimit))
		}
		limit = n
	}
	if h.deps.Audit == nil {
		return []*domain.ConnectionEvent{}, nil
	}
	return h.deps.Audit.RecentConnectionEvents(ctx, limit)
}

func (h *Handler) logLevel(args []string) (any, error) {
	if len(args) > 0 {
		if err := logger.SetLevel(args[0]); err != nil {
			return nil, domain.ErrInvalidArgument.WithDetails(err.Error())
		}
	}
	return map[string]string{"level": logger.GetLevel()}, nil
}

func (h *Handler) shutdown() (any, error) {
	if h.deps.Shutdown == nil {
		return nil, domain.ErrInternal.WithDetails("shutdown not available")
	}
	go h.deps.Shutdown()
	return map[string]bool{"shutting_down": true}, nil
}
