package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

// History limits.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Router admits, delivers and persists chat messages.
type Router struct {
	registry *Registry
	users    UserRepository
	messages MessageRepository
	limiter  *Limiter
	bus      *EventBus
	now      func() time.Time
	logger   *slog.Logger
}

// NewRouter creates a Router. bus may be nil.
func NewRouter(registry *Registry, users UserRepository, messages MessageRepository, limiter *Limiter, bus *EventBus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		users:    users,
		messages: messages,
		limiter:  limiter,
		bus:      bus,
		now:      time.Now,
		logger:   logger,
	}
}

// SendRequest is an inbound message. Exactly one of RoomID and To is set.
type SendRequest struct {
	RoomID  domain.RoomID
	To      string
	Content string
	Echo    bool
}

// SendResult reports the outcome of a send.
type SendResult struct {
	Message   *domain.Message
	Delivered int
}

// MessagePush is the payload of message and direct_message pushes.
type MessagePush struct {
	ID         string        `json:"id"`
	RoomID     domain.RoomID `json:"room_id,omitempty"`
	SenderID   domain.UserID `json:"sender_id"`
	SenderName string        `json:"sender_name"`
	Content    string        `json:"content"`
	Kind       string        `json:"kind"`
	CreatedAt  time.Time     `json:"created_at"`
}

func newMessagePush(m *domain.Message) MessagePush {
	return MessagePush{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		Kind:       string(m.Kind),
		CreatedAt:  m.CreatedAt,
	}
}

// Send admits, routes, delivers and persists one message. Live deliveries
// happen before the write; if persistence fails the sender gets a storage
// error carrying the message ID and deliveries are not undone.
func (r *Router) Send(ctx context.Context, connID string, req *SendRequest) (*SendResult, error) {
	// 1. Admission
	c, identity, err := r.registry.Authenticated(connID)
	if err != nil {
		return nil, err
	}
	if err := r.limiter.Admit(c.IP, ActionMessage, UserKey(identity.UserID)).Err(); err != nil {
		return nil, err
	}
	if err := domain.ValidateContent(req.Content); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:         domain.NewID(domain.MessageIDPrefix),
		SenderID:   identity.UserID,
		SenderName: identity.Username,
		Content:    req.Content,
		Kind:       domain.MessageText,
		CreatedAt:  r.now(),
	}

	// 2. Routing and 3. delivery
	var delivered int
	var recipients []domain.UserID
	switch {
	case req.RoomID != 0 && req.To != "":
		return nil, domain.ErrInvalidArgument.WithDetails("room_id and to are mutually exclusive")

	case req.RoomID != 0:
		member, err := r.registry.IsMember(ctx, connID, req.RoomID, identity.UserID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, domain.ErrNotAMember
		}
		msg.RoomID = req.RoomID
		exclude := connID
		if req.Echo {
			exclude = ""
		}
		delivered = r.registry.Broadcast(req.RoomID, Push{Type: PushMessage, Data: newMessagePush(msg)}, exclude)
		recipients = r.roomRecipients(ctx, req.RoomID)

	case req.To != "":
		peer, err := r.users.FindUserByUsername(ctx, req.To)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, domain.ErrUserNotFound.WithDetails(req.To)
			}
			return nil, domain.ErrStorage.WithCause(err)
		}
		if peer.ID == identity.UserID {
			return nil, domain.ErrInvalidArgument.WithDetails("cannot send a direct message to yourself")
		}
		msg.RecipientID = peer.ID
		delivered = r.registry.DeliverToUser(peer.ID, Push{Type: PushDirectMessage, Data: newMessagePush(msg)}, "")
		if req.Echo {
			delivered += r.registry.DeliverToUser(identity.UserID, Push{Type: PushDirectMessage, Data: newMessagePush(msg)}, "")
		}
		recipients = []domain.UserID{peer.ID}

	default:
		return nil, domain.ErrMissingArgument.WithDetails("room_id or to")
	}

	// 4. Persistence
	if err := r.messages.LogMessage(ctx, msg); err != nil {
		r.logger.Error("failed to persist message", "message_id", msg.ID, "sender_id", identity.UserID, "error", err)
		return &SendResult{Message: msg, Delivered: delivered},
			domain.ErrStorage.WithDetails("message_id=" + msg.ID).WithCause(err)
	}
	if r.bus != nil {
		r.bus.Publish(domain.NewEvent(domain.EventMessagePersisted, msg.RoomID, newMessagePush(msg), recipients...))
	}
	return &SendResult{Message: msg, Delivered: delivered}, nil
}

// roomRecipients returns the members of room; a storage failure yields an
// empty list since the event is advisory.
func (r *Router) roomRecipients(ctx context.Context, room domain.RoomID) []domain.UserID {
	members, err := r.registry.rooms.ListMembers(ctx, room)
	if err != nil {
		r.logger.Warn("failed to list room members for event", "room_id", room, "error", err)
		return nil
	}
	return members
}

// TypingNotice is the payload of typing pushes.
type TypingNotice struct {
	RoomID   domain.RoomID `json:"room_id,omitempty"`
	UserID   domain.UserID `json:"user_id"`
	Username string        `json:"username"`
	Typing   bool          `json:"typing"`
}

// Typing relays an ephemeral typing indicator. Admission is the same as for
// Send, including the message quota; indicators are never persisted.
func (r *Router) Typing(ctx context.Context, connID string, roomID domain.RoomID, to string, typing bool) error {
	c, identity, err := r.registry.Authenticated(connID)
	if err != nil {
		return err
	}
	if err := r.limiter.Admit(c.IP, ActionMessage, UserKey(identity.UserID)).Err(); err != nil {
		return err
	}

	notice := TypingNotice{UserID: identity.UserID, Username: identity.Username, Typing: typing}
	switch {
	case roomID != 0:
		member, err := r.registry.IsMember(ctx, connID, roomID, identity.UserID)
		if err != nil {
			return err
		}
		if !member {
			return domain.ErrNotAMember
		}
		notice.RoomID = roomID
		r.registry.Broadcast(roomID, Push{Type: PushTyping, Data: notice}, connID)
	case to != "":
		peer, err := r.users.FindUserByUsername(ctx, to)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ErrUserNotFound.WithDetails(to)
			}
			return domain.ErrStorage.WithCause(err)
		}
		r.registry.DeliverToUser(peer.ID, Push{Type: PushTyping, Data: notice}, "")
	default:
		return domain.ErrMissingArgument.WithDetails("room_id or to")
	}
	return nil
}

// HistoryRequest selects a room history or a direct conversation.
type HistoryRequest struct {
	RoomID domain.RoomID
	With   string
	Limit  int
}

// History returns recent messages, oldest first. Room history requires
// membership.
func (r *Router) History(ctx context.Context, connID string, req *HistoryRequest) ([]*domain.Message, error) {
	_, identity, err := r.registry.Authenticated(connID)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}

	var msgs []*domain.Message
	switch {
	case req.RoomID != 0:
		member, err := r.registry.IsMember(ctx, connID, req.RoomID, identity.UserID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, domain.ErrNotAMember
		}
		msgs, err = r.messages.ListRecentMessages(ctx, req.RoomID, 0, 0, limit)
		if err != nil {
			return nil, domain.ErrStorage.WithCause(err)
		}
	case req.With != "":
		peer, err := r.users.FindUserByUsername(ctx, req.With)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, domain.ErrUserNotFound.WithDetails(req.With)
			}
			return nil, domain.ErrStorage.WithCause(err)
		}
		msgs, err = r.messages.ListRecentMessages(ctx, 0, identity.UserID, peer.ID, limit)
		if err != nil {
			return nil, domain.ErrStorage.WithCause(err)
		}
	default:
		return nil, domain.ErrMissingArgument.WithDetails("room_id or with")
	}
	return msgs, nil
}

// ShareFile announces a completed upload to its target room or peer.
func (r *Router) ShareFile(rec *domain.FileRecord, uploaderName string) {
	notice := FileNotice{
		TransferID: rec.TransferID,
		Filename:   rec.Filename,
		Category:   string(rec.Category),
		Size:       rec.Size,
		Digest:     rec.Digest,
		UploaderID: rec.UploaderID,
		Uploader:   uploaderName,
		RoomID:     rec.RoomID,
	}
	switch {
	case rec.RoomID != 0:
		r.registry.Broadcast(rec.RoomID, Push{Type: PushFileShared, Data: notice}, "")
	case rec.RecipientID != 0:
		r.registry.DeliverToUser(rec.RecipientID, Push{Type: PushFileShared, Data: notice}, "")
	}
}

// FileNotice is the payload of file_shared pushes.
type FileNotice struct {
	TransferID string        `json:"transfer_id"`
	Filename   string        `json:"filename"`
	Category   string        `json:"category"`
	Size       int64         `json:"size"`
	Digest     string        `json:"digest"`
	UploaderID domain.UserID `json:"uploader_id"`
	Uploader   string        `json:"uploader"`
	RoomID     domain.RoomID `json:"room_id,omitempty"`
}
