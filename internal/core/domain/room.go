package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// RoomID is the numeric identifier of a room.
type RoomID uint64

// Room constraints.
const (
	MaxRoomNameLength        = 64
	MaxRoomDescriptionLength = 512
	DefaultRoomMaxMembers    = 100
)

// Room is a named group-messaging channel. Membership is tracked separately
// by the persistence layer and the connection registry.
type Room struct {
	ID           RoomID    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	OwnerID      UserID    `json:"owner_id"`
	IsPrivate    bool      `json:"is_private"`
	PasswordHash string    `json:"password_hash,omitempty"`
	MaxMembers   int       `json:"max_members"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasPassword reports whether joining requires a password.
func (r *Room) HasPassword() bool {
	return r.PasswordHash != ""
}

// RoomInfo is the client-facing view of a room. It never carries the
// password hash.
type RoomInfo struct {
	ID          RoomID `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	OwnerID     UserID `json:"owner_id"`
	IsPrivate   bool   `json:"is_private"`
	HasPassword bool   `json:"has_password"`
	Members     int    `json:"members"`
	Online      int    `json:"online"`
}

// Info converts the room to its client view.
func (r *Room) Info() RoomInfo {
	return RoomInfo{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		OwnerID:     r.OwnerID,
		IsPrivate:   r.IsPrivate,
		HasPassword: r.HasPassword(),
	}
}

// ValidateRoomName checks a room name before creation.
func ValidateRoomName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidRoomName.WithDetails("name is required")
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return ErrInvalidRoomName.WithDetails(fmt.Sprintf("at most %d characters", MaxRoomNameLength))
	}
	return nil
}
