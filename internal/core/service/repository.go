package service

import (
	"context"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

// UserRepository stores registered users.
type UserRepository interface {
	// CreateUser assigns an ID and stores u. It fails with
	// domain.ErrDuplicateUsername or domain.ErrDuplicateEmail.
	CreateUser(ctx context.Context, u *domain.User) error

	GetUser(ctx context.Context, id domain.UserID) (*domain.User, error)

	// FindUserByUsername returns domain.ErrNotFound for unknown names.
	FindUserByUsername(ctx context.Context, username string) (*domain.User, error)
}

// RoomRepository stores rooms and their durable membership.
type RoomRepository interface {
	// CreateRoom assigns an ID and stores r. It fails with
	// domain.ErrRoomNameTaken.
	CreateRoom(ctx context.Context, r *domain.Room) error
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	ListRooms(ctx context.Context) ([]*domain.Room, error)

	AddMember(ctx context.Context, room domain.RoomID, user domain.UserID) error
	RemoveMember(ctx context.Context, room domain.RoomID, user domain.UserID) error
	ListMembers(ctx context.Context, room domain.RoomID) ([]domain.UserID, error)

	// ListUserRooms returns the rooms user is a member of, in ID order.
	ListUserRooms(ctx context.Context, user domain.UserID) ([]domain.RoomID, error)
}

// MessageRepository stores chat history.
type MessageRepository interface {
	LogMessage(ctx context.Context, m *domain.Message) error

	// ListRecentMessages returns up to limit messages of a room, or of the
	// direct conversation between self and peer when room is zero, oldest
	// first.
	ListRecentMessages(ctx context.Context, room domain.RoomID, self, peer domain.UserID, limit int) ([]*domain.Message, error)
}

// AuditRepository stores the connection audit log.
type AuditRepository interface {
	LogConnectionEvent(ctx context.Context, e *domain.ConnectionEvent) error
}

// TransferRepository stores metadata of finished file transfers.
type TransferRepository interface {
	RecordFileTransfer(ctx context.Context, rec *domain.FileRecord) error
}

// Store is the full persistence boundary.
type Store interface {
	UserRepository
	RoomRepository
	MessageRepository
	AuditRepository
	TransferRepository
}
