package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

// RoomService creates and lists rooms. Joining and leaving go through the
// Registry, which owns the online sets.
type RoomService struct {
	rooms    RoomRepository
	registry *Registry
	limiter  *Limiter
	now      func() time.Time
	logger   *slog.Logger
}

// NewRoomService creates a RoomService.
func NewRoomService(rooms RoomRepository, registry *Registry, limiter *Limiter, logger *slog.Logger) *RoomService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomService{
		rooms:    rooms,
		registry: registry,
		limiter:  limiter,
		now:      time.Now,
		logger:   logger,
	}
}

// CreateRoomRequest contains parameters for creating a room.
type CreateRoomRequest struct {
	Name        string
	Description string
	Password    string
	IsPrivate   bool
	MaxMembers  int
}

// Create creates a room owned by the connection's user, who joins it
// immediately.
func (s *RoomService) Create(ctx context.Context, connID string, req *CreateRoomRequest) (*domain.Room, error) {
	c, identity, err := s.registry.Authenticated(connID)
	if err != nil {
		return nil, err
	}

	// 1. Throttle
	if err := s.limiter.Admit(c.IP, ActionRoomCreation, UserKey(identity.UserID)).Err(); err != nil {
		return nil, err
	}

	// 2. Validate
	name := strings.TrimSpace(req.Name)
	if err := domain.ValidateRoomName(name); err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(req.Description) > domain.MaxRoomDescriptionLength {
		return nil, domain.ErrInvalidArgument.WithDetails(
			fmt.Sprintf("description: at most %d characters", domain.MaxRoomDescriptionLength))
	}
	maxMembers := req.MaxMembers
	if maxMembers < 0 {
		return nil, domain.ErrInvalidArgument.WithDetails("max_members must not be negative")
	}
	if maxMembers == 0 {
		maxMembers = domain.DefaultRoomMaxMembers
	}

	room := &domain.Room{
		Name:        name,
		Description: req.Description,
		OwnerID:     identity.UserID,
		IsPrivate:   req.IsPrivate,
		MaxMembers:  maxMembers,
		CreatedAt:   s.now(),
	}
	if req.Password != "" {
		hash, err := HashPassword(req.Password)
		if err != nil {
			return nil, domain.ErrInternal.WithCause(err)
		}
		room.PasswordHash = hash
	}

	// 3. Persist
	if err := s.rooms.CreateRoom(ctx, room); err != nil {
		if errors.Is(err, domain.ErrRoomNameTaken) {
			return nil, err
		}
		return nil, domain.ErrStorage.WithCause(err)
	}

	// 4. Owner joins
	if _, err := s.registry.JoinRoom(ctx, connID, room.ID, req.Password); err != nil {
		s.logger.Warn("owner failed to join new room", "room_id", room.ID, "user_id", identity.UserID, "error", err)
		return room, err
	}

	s.logger.Info("room created", "room_id", room.ID, "name", room.Name, "owner_id", identity.UserID, "private", room.IsPrivate)
	return room, nil
}

// List returns public rooms and the private rooms the caller belongs to.
func (s *RoomService) List(ctx context.Context, connID string) ([]domain.RoomInfo, error) {
	_, identity, err := s.registry.Authenticated(connID)
	if err != nil {
		return nil, err
	}

	rooms, err := s.rooms.ListRooms(ctx)
	if err != nil {
		return nil, domain.ErrStorage.WithCause(err)
	}

	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		members, err := s.rooms.ListMembers(ctx, r.ID)
		if err != nil {
			return nil, domain.ErrStorage.WithCause(err)
		}
		if r.IsPrivate && !containsUser(members, identity.UserID) {
			continue
		}
		info := r.Info()
		info.Members = len(members)
		info.Online = len(s.registry.ListOnline(r.ID))
		out = append(out, info)
	}
	return out, nil
}

// Members returns the usernames online in room. Private rooms are visible
// to members only.
func (s *RoomService) Members(ctx context.Context, connID string, roomID domain.RoomID) ([]string, error) {
	_, identity, err := s.registry.Authenticated(connID)
	if err != nil {
		return nil, err
	}
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, domain.ErrStorage.WithCause(err)
	}
	if room.IsPrivate {
		ok, err := s.registry.IsMember(ctx, connID, roomID, identity.UserID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.ErrNotAMember
		}
	}
	return s.registry.ListOnline(roomID), nil
}
