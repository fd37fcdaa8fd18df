package chatserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/core/service"
)

// Command names.
const (
	cmdRegister       = "register"
	cmdLogin          = "login"
	cmdTokenLogin     = "token_login"
	cmdLogout         = "logout"
	cmdSend           = "send"
	cmdMessages       = "messages"
	cmdUsers          = "users"
	cmdRooms          = "rooms"
	cmdPing           = "ping"
	cmdJoinRoom       = "join_room"
	cmdLeaveRoom      = "leave_room"
	cmdCreateRoom     = "create_room"
	cmdTyping         = "typing"
	cmdUploadInit     = "upload_init"
	cmdUploadChunk    = "upload_chunk"
	cmdUploadFinalize = "upload_finalize"
	cmdUploadCancel   = "upload_cancel"
	cmdQuit           = "quit"
)

type handlerFunc func(ctx context.Context, c *conn, args json.RawMessage) (any, error)

func (s *Server) commands() map[string]handlerFunc {
	s.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return map[string]handlerFunc{
		cmdRegister:       s.handleRegister,
		cmdLogin:          s.handleLogin,
		cmdTokenLogin:     s.handleTokenLogin,
		cmdLogout:         s.handleLogout,
		cmdSend:           s.handleSend,
		cmdMessages:       s.handleMessages,
		cmdUsers:          s.handleUsers,
		cmdRooms:          s.handleRooms,
		cmdPing:           s.handlePing,
		cmdJoinRoom:       s.handleJoinRoom,
		cmdLeaveRoom:      s.handleLeaveRoom,
		cmdCreateRoom:     s.handleCreateRoom,
		cmdTyping:         s.handleTyping,
		cmdUploadInit:     s.handleUploadInit,
		cmdUploadChunk:    s.handleUploadChunk,
		cmdUploadFinalize: s.handleUploadFinalize,
		cmdUploadCancel:   s.handleUploadCancel,
		cmdQuit:           s.handleQuit,
	}
}

// bind decodes and validates command arguments.
func (s *Server) bind(raw json.RawMessage, v any) error {
	if err := decodeArgs(raw, v); err != nil {
		return err
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "required" {
				return domain.ErrMissingArgument.WithDetails(fe.Field())
			}
			return domain.ErrInvalidArgument.WithDetails(fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return domain.ErrInvalidArgument.WithDetails(err.Error())
	}
	return nil
}

// ============================================================================
// Authentication
// ============================================================================

type registerArgs struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type userResult struct {
	UserID   domain.UserID `json:"user_id"`
	Username string        `json:"username"`
}

func (s *Server) handleRegister(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args registerArgs
	if err := s.bind(raw, &args); err != nil {
		return nil, err
	}
	u, err := s.svc.Auth.Register(ctx, &service.RegisterRequest{
		Username: args.Username,
		Email:    args.Email,
		Password: args.Password,
		IP:       c.ip,
	})
	if err != nil {
		return nil, err
	}
	return userResult{UserID: u.ID, Username: u.Username}, nil
}

type loginArgs struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type sessionResult struct {
	Token     string          `json:"token"`
	UserID    domain.UserID   `json:"user_id"`
	Username  string          `json:"username"`
	ExpiresAt time.Time       `json:"expires_at"`
	Rooms     []domain.RoomID `json:"rooms,omitempty"`
}

func (s *Server) handleLogin(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args loginArgs
	if err := s.bind(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkNotAuthenticated(c); err != nil {
		return nil, err
	}
	sess, err := s.svc.Auth.Login(ctx, &service.LoginRequest{
		Username: args.Username,
		Password: args.Password,
		IP:       c.ip,
	})
	if err != nil {
		return nil, err
	}
	return s.bindSession(ctx, c, sess)
}

type tokenLoginArgs struct {
	Token string `json:"token" validate:"required"`
}

func (s *Server) handleTokenLogin(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args tokenLoginArgs
	if err := s.bind(raw, &args); err != nil {
		return nil, err
	}
	if err := s.checkNotAuthenticated(c); err != nil {
		return nil, err
	}
	sess, err := s.svc.Auth.TokenLogin(ctx, args.Token, c.ip)
	if err != nil {
		return nil, err
	}
	return s.bindSession(ctx, c, sess)
}

func (s *Server) checkNotAuthenticated(c *conn) error {
	rc, ok := s.svc.Registry.Get(c.id)
	if !ok {
		return domain.ErrNotAuthenticated
	}
	if _, authed := rc.Identity(); authed {
		return domain.ErrAlreadyAuthenticated
	}
	return nil
}

func (s *Server) bindSession(ctx context.Context, c *conn, sess *domain.Session) (any, error) {
	if err := s.svc.Registry.OnAuthenticate(ctx, c.id, sess); err != nil {
		return nil, err
	}
	res := sessionResult{
		Token:     sess.Token,
		UserID:    sess.UserID,
		Username:  sess.Username,
		ExpiresAt: sess.ExpiresAt,
	}
	if rc, ok := s.svc.Registry.Get(c.id); ok {
		res.Rooms = rc.Rooms()
	}
	c.logger.Info("client authenticated", "user", sess.Username, "rooms", len(res.Rooms))
	return res, nil
}

func (s *Server) handleLogout(ctx context.Context, c *conn, _ json.RawMessage) (any, error) {
	identity, token, err := s.svc.Registry.OnLogout(c.id)
	if err != nil {
		return nil, err
	}
	if err := s.svc.Auth.Logout(ctx, token, identity.UserID, c.ip); err != nil {
		return nil, err
	}
	return map[string]bool{"logged_out": true}, nil
}

// ============================================================================
// Messaging
// ============================================================================

type sendArgs struct {
	RoomID  domain.RoomID `json:"room_id"`
	To      string        `json:"to"`
	Content string        `json:"content"`
	Echo    bool          `json:"echo"`
}

type sendResult struct {
	MessageID string    `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
	Delivered int       `json:"delivered"`
}

func (s *Server) handleSend(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args sendArgs
	if err := s.bind(raw, &args); err != nil {
		return nil, err
	}
	res, err := s.svc.Router.Send(ctx, c.id, &service.SendRequest{
		RoomID:  args.RoomID,
		To:      args.To,
		Content: args.Content,
		Echo:    args.Echo,
	})
	if res != nil {
		s.metrics.RecordMessage(res.Message.IsDirect())
	}
	if err != nil {
		return nil, err
	}
	return sendResult{
		MessageID: res.Message.ID,
		CreatedAt: res.Message.CreatedAt,
		Delivered: res.Delivered,
	}, nil
}

type messagesArgs struct {
	RoomID domain.RoomID `json:"room_id"`
	With   string        `json:"with"`
	Limit  int           `json:"limit" validate:"gte=0,lte=200"`
}

func (s *Server) handleMessages(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args messagesArgs
	if err := s.bind(raw, &args); err != nil {
		return nil, err
	}
	msgs, err := s.svc.Router.History(ctx, c.id, &service.HistoryRequest{
		RoomID: args.RoomID,
		With:   args.With,
		Limit:  args.Limit,
	})
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	return map[string]any{"messages": msgs}, nil
}

type usersArgs struct {
	RoomID domain.RoomID `json:"room_id"`
}

func (s *Server) handleUsers(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args usersArgs
	if err := s.bind(raw, &args); err != nil {
		return nil, err
	}
	if args.RoomID != 0 {
		members, err := s.svc.Rooms.Members(ctx, c.id, args.RoomID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"room_id": args.RoomID,
			"members": members,
			"online":  s.svc.Registry.ListOnline(args.RoomID),
		}, nil
	}

	if _, _, err := s.svc.Registry.Authenticated(c.id); err != nil {
		return nil, err
	}
	return map[string]any{"online": s.svc.Registry.OnlineUsers()}, nil
}

func (s *Server) handleRooms(ctx context.Context, c *conn, _ json.RawMessage) (any, error) {
	rooms, err := s.svc.Rooms.List(ctx, c.id)
	if err != nil {
		return nil, err
	}
	if rooms == nil {
		rooms = []domain.RoomInfo{}
	}
	return map[string]any{"rooms": rooms}, nil
}

func (s *Server) handlePing(_ context.Context, _ *conn, _ json.RawMessage) (any, error) {
	return map[string]any{"pong": true, "time": time.Now().UTC()}, nil
}

type typingArgs struct {
	RoomID domain.RoomID `json:"room_id"`
	To     string        `json:"to"`
	Typing bool          `json:"typing"`
}

func (s *Server) handleTyping(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args typingArgs
	if err := s.bind(raw, &args); err != nil {
		return nil, err
	}
	if err := s.svc.Router.Typing(ctx, c.id, args.RoomID, args.To, args.Typing); err != nil {
		return nil, err
	}
	return map[string]bool{"sent": true}, nil
}

// ============================================================================
// Rooms
// ============================================================================

type joinRoomArgs struct {
	RoomID   domain.RoomID `json:"room_id" validate:"required"`
	Password string        `json:"password"`
}

func (s *Server) handleJoinRoom(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args joinRoomArgs
	if err := s.bind(raw, &args); err != nil {
		return nil, err
	}
	room, err := s.svc.Registry.JoinRoom(ctx, c.id, args.RoomID, args.Password)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"room":   room.Info(),
		"online": s.svc.Registry.ListOnline(room.ID),
	}, nil
}

type leaveRoomArgs struct {
	RoomID domain.RoomID `json:"room_id" validate:"required"`
}

func (s *Server) handleLeaveRoom(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args leaveRoomArgs
	if err := s.bind(raw, &args); err != nil {
		return nil, err
	}
	if err := s.svc.Registry.LeaveRoom(ctx, c.id, args.RoomID); err != nil {
		return nil, err
	}
	return map[string]any{"room_id": args.RoomID, "left": true}, nil
}

type createRoomArgs struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Password    string `json:"password" validate:"max=128"`
	IsPrivate   bool   `json:"is_private"`
	MaxMembers  int    `json:"max_members"`
}

func (s *Server) handleCreateRoom(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args createRoomArgs
	if err := s.bind(raw, &args); err != nil {
		return nil, err
	}
	room, err := s.svc.Rooms.Create(ctx, c.id, &service.CreateRoomRequest{
		Name:        args.Name,
		Description: args.Description,
		Password:    args.Password,
		IsPrivate:   args.IsPrivate,
		MaxMembers:  args.MaxMembers,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"room": room.Info()}, nil
}

// ============================================================================
// File transfer
// ============================================================================

type uploadInitArgs struct {
	Filename string        `json:"filename" validate:"required"`
	Size     int64         `json:"size" validate:"required"`
	MimeType string        `json:"mime_type"`
	Digest   string        `json:"digest"`
	RoomID   domain.RoomID `json:"room_id"`
	To       string        `json:"to"`
}

type uploadInitResult struct {
	TransferID   string                `json:"transfer_id"`
	Category     domain.FileCategory   `json:"category"`
	Status       domain.TransferStatus `json:"status"`
	MaxChunkSize int                   `json:"max_chunk_size"`
}

func (s *Server) handleUploadInit(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args uploadInitArgs
	if err := s.bind(raw, &args); err != nil {
		return nil, err
	}
	t, err := s.svc.Transfers.Initiate(ctx, c.id, &service.InitiateRequest{
		Filename: args.Filename,
		Size:     args.Size,
		MimeHint: args.MimeType,
		Digest:   args.Digest,
		RoomID:   args.RoomID,
		To:       args.To,
	})
	if err != nil {
		return nil, err
	}
	return uploadInitResult{
		TransferID:   t.ID,
		Category:     t.Category,
		Status:       t.Status,
		MaxChunkSize: s.svc.Transfers.MaxChunkSize(),
	}, nil
}

// uploadChunkArgs carries the chunk base64-encoded in data.
type uploadChunkArgs struct {
	TransferID string `json:"transfer_id" validate:"required"`
	Seq        int64  `json:"seq"`
	Data       []byte `json:"data"`
}

func (s *Server) handleUploadChunk(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args uploadChunkArgs
	if err := s.bind(raw, &args); err != nil {
		return nil, err
	}
	ack, err := s.svc.Transfers.ReceiveChunk(ctx, c.id, args.TransferID, args.Seq, args.Data)
	if err != nil {
		return nil, err
	}
	return ack, nil
}

type transferArgs struct {
	TransferID string `json:"transfer_id" validate:"required"`
}

func (s *Server) handleUploadFinalize(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args transferArgs
	if err := s.bind(raw, &args); err != nil {
		return nil, err
	}
	rec, err := s.svc.Transfers.Finalize(ctx, c.id, args.TransferID)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransfer(string(rec.Status), rec.Size)
	return rec, nil
}

func (s *Server) handleUploadCancel(_ context.Context, c *conn, raw json.RawMessage) (any, error) {
	var args transferArgs
	if err := s.bind(raw, &args); err != nil {
		return nil, err
	}
	if err := s.svc.Transfers.Cancel(c.id, args.TransferID); err != nil {
		return nil, err
	}
	return map[string]any{"transfer_id": args.TransferID, "status": domain.TransferFailed}, nil
}

func (s *Server) handleQuit(_ context.Context, _ *conn, _ json.RawMessage) (any, error) {
	return map[string]bool{"bye": true}, nil
}
