package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/core/service"
	"github.com/yndnr/chatmesh-go/pkg/crypto/adaptive"
)

// Key layout. Numeric IDs are fixed-width hex so that scans return them in
// numeric order; message and audit keys end in a ULID and sort by time.
const (
	prefixUser      = "user/"
	prefixUserName  = "user_name/"
	prefixUserEmail = "user_email/"
	prefixRoom      = "room/"
	prefixRoomName  = "room_name/"
	prefixMember    = "member/"
	prefixUserRoom  = "user_room/"
	prefixRoomMsg   = "msg/room/"
	prefixDirectMsg = "msg/dm/"
	prefixTransfer  = "xfer/"
	prefixConnLog   = "connlog/"

	keyDirectSalt = "meta/dm_salt"

	seqUser = "user"
	seqRoom = "room"
)

// Value envelope markers. Plain values are JSON objects and start with '{'.
const sealedMarker byte = 0x01

// StoreConfig configures the chat store.
type StoreConfig struct {
	// DirectMessageKey is the passphrase that encrypts direct message
	// records at rest. Empty disables encryption.
	DirectMessageKey string `koanf:"direct_message_key"`
}

// Store persists the chat domain on top of a KVEngine. It implements
// service.Store.
type Store struct {
	kv     KVEngine
	dm     adaptive.Cipher
	logger *slog.Logger
}

var _ service.Store = (*Store)(nil)

// NewStore opens the chat store on kv. When cfg.DirectMessageKey is set the
// key derivation salt is created on first use and kept in the engine.
func NewStore(ctx context.Context, kv KVEngine, cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{kv: kv, logger: logger}

	if cfg.DirectMessageKey != "" {
		salt, err := s.directSalt(ctx)
		if err != nil {
			return nil, err
		}
		c, err := adaptive.New(adaptive.DeriveKey(cfg.DirectMessageKey, salt))
		if err != nil {
			return nil, fmt.Errorf("store: direct message cipher: %w", err)
		}
		s.dm = c
		logger.Info("direct message encryption enabled", "cipher", c.Type())
	}
	return s, nil
}

func (s *Store) directSalt(ctx context.Context) ([]byte, error) {
	fresh, err := adaptive.NewSalt(16)
	if err != nil {
		return nil, fmt.Errorf("store: generate salt: %w", err)
	}

	var salt []byte
	err = s.kv.Update(ctx, func(tx Txn) error {
		existing, err := tx.Get([]byte(keyDirectSalt))
		switch {
		case err == nil:
			salt = existing
			return nil
		case errors.Is(err, ErrKeyNotFound):
			salt = fresh
			return tx.Set([]byte(keyDirectSalt), fresh)
		default:
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("store: load salt: %w", err)
	}
	return salt, nil
}

// Stats exposes the engine statistics.
func (s *Store) Stats(ctx context.Context) (*KVStats, error) {
	return s.kv.Stats(ctx)
}

// ============================================================================
// Users
// ============================================================================

// CreateUser assigns the next user ID and stores u together with its
// username and email indexes.
func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	id, err := s.kv.NextSequence(ctx, seqUser)
	if err != nil {
		return fmt.Errorf("store: user id: %w", err)
	}

	rec := *u
	rec.ID = domain.UserID(id)
	value, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	nameKey := []byte(prefixUserName + domain.NormalizeName(u.Username))
	emailKey := []byte(prefixUserEmail + strings.ToLower(strings.TrimSpace(u.Email)))

	err = s.kv.Update(ctx, func(tx Txn) error {
		if exists, err := has(tx, nameKey); err != nil || exists {
			return orDomain(err, domain.ErrDuplicateUsername)
		}
		if exists, err := has(tx, emailKey); err != nil || exists {
			return orDomain(err, domain.ErrDuplicateEmail)
		}
		idValue := []byte(hexID(id))
		if err := tx.Set(nameKey, idValue); err != nil {
			return err
		}
		if err := tx.Set(emailKey, idValue); err != nil {
			return err
		}
		return tx.Set(userKey(rec.ID), value)
	})
	if err != nil {
		return err
	}
	u.ID = rec.ID
	return nil
}

// GetUser returns domain.ErrNotFound for unknown IDs.
func (s *Store) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	var u domain.User
	if err := s.getJSON(ctx, userKey(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// FindUserByUsername looks a user up case-insensitively.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	raw, err := s.kv.Get(ctx, []byte(prefixUserName+domain.NormalizeName(username)))
	if err != nil {
		return nil, notFound(err)
	}
	id, err := strconv.ParseUint(string(raw), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt username index for %q: %w", username, err)
	}
	return s.GetUser(ctx, domain.UserID(id))
}

// ============================================================================
// Rooms
// ============================================================================

// CreateRoom assigns the next room ID and stores r with its name index.
func (s *Store) CreateRoom(ctx context.Context, r *domain.Room) error {
	id, err := s.kv.NextSequence(ctx, seqRoom)
	if err != nil {
		return fmt.Errorf("store: room id: %w", err)
	}

	rec := *r
	rec.ID = domain.RoomID(id)
	value, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	nameKey := []byte(prefixRoomName + domain.NormalizeName(r.Name))

	err = s.kv.Update(ctx, func(tx Txn) error {
		if exists, err := has(tx, nameKey); err != nil || exists {
			return orDomain(err, domain.ErrRoomNameTaken)
		}
		if err := tx.Set(nameKey, []byte(hexID(id))); err != nil {
			return err
		}
		return tx.Set(roomKey(rec.ID), value)
	})
	if err != nil {
		return err
	}
	r.ID = rec.ID
	return nil
}

// GetRoom returns domain.ErrNotFound for unknown IDs.
func (s *Store) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	var r domain.Room
	if err := s.getJSON(ctx, roomKey(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRooms returns every room in ID order.
func (s *Store) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	var (
		rooms  []*domain.Room
		decErr error
	)
	err := s.kv.Scan(ctx, []byte(prefixRoom), func(key, value []byte) bool {
		var r domain.Room
		if decErr = json.Unmarshal(value, &r); decErr != nil {
			decErr = fmt.Errorf("store: decode %s: %w", key, decErr)
			return false
		}
		rooms = append(rooms, &r)
		return true
	})
	if err != nil {
		return nil, err
	}
	return rooms, decErr
}

// AddMember records a durable membership. Adding an existing member is a
// no-op.
func (s *Store) AddMember(ctx context.Context, room domain.RoomID, user domain.UserID) error {
	joined, err := time.Now().UTC().MarshalText()
	if err != nil {
		return err
	}
	return s.kv.Update(ctx, func(tx Txn) error {
		if exists, err := has(tx, roomKey(room)); err != nil || !exists {
			return orDomain(err, domain.ErrRoomNotFound)
		}
		key := memberKey(room, user)
		if exists, err := has(tx, key); err != nil || exists {
			return err
		}
		if err := tx.Set(key, joined); err != nil {
			return err
		}
		return tx.Set(userRoomKey(user, room), nil)
	})
}

// RemoveMember deletes a durable membership.
func (s *Store) RemoveMember(ctx context.Context, room domain.RoomID, user domain.UserID) error {
	return s.kv.Update(ctx, func(tx Txn) error {
		if err := tx.Delete(memberKey(room, user)); err != nil {
			return err
		}
		return tx.Delete(userRoomKey(user, room))
	})
}

// ListMembers returns the member IDs of a room in ID order.
func (s *Store) ListMembers(ctx context.Context, room domain.RoomID) ([]domain.UserID, error) {
	prefix := prefixMember + hexID(uint64(room)) + "/"
	var (
		members  []domain.UserID
		parseErr error
	)
	err := s.kv.Scan(ctx, []byte(prefix), func(key, _ []byte) bool {
		id, err := strconv.ParseUint(strings.TrimPrefix(string(key), prefix), 16, 64)
		if err != nil {
			parseErr = fmt.Errorf("store: corrupt member key %s: %w", key, err)
			return false
		}
		members = append(members, domain.UserID(id))
		return true
	})
	if err != nil {
		return nil, err
	}
	return members, parseErr
}

// ListUserRooms returns the rooms user belongs to in ID order.
func (s *Store) ListUserRooms(ctx context.Context, user domain.UserID) ([]domain.RoomID, error) {
	prefix := prefixUserRoom + hexID(uint64(user)) + "/"
	var (
		rooms    []domain.RoomID
		parseErr error
	)
	err := s.kv.Scan(ctx, []byte(prefix), func(key, _ []byte) bool {
		id, err := strconv.ParseUint(strings.TrimPrefix(string(key), prefix), 16, 64)
		if err != nil {
			parseErr = fmt.Errorf("store: corrupt user room key %s: %w", key, err)
			return false
		}
		rooms = append(rooms, domain.RoomID(id))
		return true
	})
	if err != nil {
		return nil, err
	}
	return rooms, parseErr
}

// ============================================================================
// Messages
// ============================================================================

// LogMessage appends m to its room or direct conversation. Direct messages
// are sealed when encryption is enabled.
func (s *Store) LogMessage(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		return domain.ErrMissingArgument.WithDetails("message id")
	}
	value, err := json.Marshal(m)
	if err != nil {
		return err
	}

	var key []byte
	if m.IsDirect() {
		key = []byte(directPrefix(m.SenderID, m.RecipientID) + m.ID)
		if value, err = s.seal(key, value); err != nil {
			return err
		}
	} else {
		key = []byte(roomMessagePrefix(m.RoomID) + m.ID)
	}
	return s.kv.Set(ctx, key, value)
}

// ListRecentMessages returns up to limit of the newest messages, oldest
// first.
func (s *Store) ListRecentMessages(ctx context.Context, room domain.RoomID, self, peer domain.UserID, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	prefix := roomMessagePrefix(room)
	if room == 0 {
		prefix = directPrefix(self, peer)
	}

	var (
		msgs   []*domain.Message
		decErr error
	)
	err := s.kv.ScanReverse(ctx, []byte(prefix), func(key, value []byte) bool {
		plain, err := s.open(key, value)
		if err != nil {
			decErr = err
			return false
		}
		var m domain.Message
		if err := json.Unmarshal(plain, &m); err != nil {
			decErr = fmt.Errorf("store: decode %s: %w", key, err)
			return false
		}
		msgs = append(msgs, &m)
		return len(msgs) < limit
	})
	if err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, decErr
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ============================================================================
// Audit log and transfers
// ============================================================================

// LogConnectionEvent appends e to the audit log, assigning an ID if unset.
func (s *Store) LogConnectionEvent(ctx context.Context, e *domain.ConnectionEvent) error {
	if e.ID == "" {
		e.ID = domain.NewID(domain.EventIDPrefix)
	}
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, []byte(prefixConnLog+e.ID), value)
}

// RecentConnectionEvents returns up to limit audit entries, newest first.
func (s *Store) RecentConnectionEvents(ctx context.Context, limit int) ([]*domain.ConnectionEvent, error) {
	var (
		events []*domain.ConnectionEvent
		decErr error
	)
	err := s.kv.ScanReverse(ctx, []byte(prefixConnLog), func(key, value []byte) bool {
		var e domain.ConnectionEvent
		if decErr = json.Unmarshal(value, &e); decErr != nil {
			decErr = fmt.Errorf("store: decode %s: %w", key, decErr)
			return false
		}
		events = append(events, &e)
		return limit <= 0 || len(events) < limit
	})
	if err != nil {
		return nil, err
	}
	return events, decErr
}

// RecordFileTransfer stores the metadata of a finished transfer.
func (s *Store) RecordFileTransfer(ctx context.Context, rec *domain.FileRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, []byte(prefixTransfer+rec.TransferID), value)
}

// GetFileRecord returns domain.ErrNotFound for unknown transfers.
func (s *Store) GetFileRecord(ctx context.Context, transferID string) (*domain.FileRecord, error) {
	var rec domain.FileRecord
	if err := s.getJSON(ctx, []byte(prefixTransfer+transferID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Store) getJSON(ctx context.Context, key []byte, v any) error {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return notFound(err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", key, err)
	}
	return nil
}

// seal encrypts value bound to its key. Values are returned unchanged when
// encryption is disabled.
func (s *Store) seal(key, value []byte) ([]byte, error) {
	if s.dm == nil {
		return value, nil
	}
	ct, err := s.dm.Encrypt(value, key)
	if err != nil {
		return nil, fmt.Errorf("store: seal: %w", err)
	}
	return append([]byte{sealedMarker}, ct...), nil
}

func (s *Store) open(key, value []byte) ([]byte, error) {
	if len(value) == 0 || value[0] != sealedMarker {
		return value, nil
	}
	if s.dm == nil {
		return nil, fmt.Errorf("store: %s is encrypted and no direct message key is configured", key)
	}
	plain, err := s.dm.Decrypt(value[1:], key)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", key, err)
	}
	return plain, nil
}

func has(tx Txn, key []byte) (bool, error) {
	_, err := tx.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// orDomain returns err if set, otherwise the domain error.
func orDomain(err error, domainErr *domain.DomainError) error {
	if err != nil {
		return err
	}
	return domainErr
}

func notFound(err error) error {
	if errors.Is(err, ErrKeyNotFound) {
		return domain.ErrNotFound
	}
	return err
}

func hexID(id uint64) string {
	return fmt.Sprintf("%016x", id)
}

func userKey(id domain.UserID) []byte {
	return []byte(prefixUser + hexID(uint64(id)))
}

func roomKey(id domain.RoomID) []byte {
	return []byte(prefixRoom + hexID(uint64(id)))
}

func memberKey(room domain.RoomID, user domain.UserID) []byte {
	return []byte(prefixMember + hexID(uint64(room)) + "/" + hexID(uint64(user)))
}

func userRoomKey(user domain.UserID, room domain.RoomID) []byte {
	return []byte(prefixUserRoom + hexID(uint64(user)) + "/" + hexID(uint64(room)))
}

func roomMessagePrefix(room domain.RoomID) string {
	return prefixRoomMsg + hexID(uint64(room)) + "/"
}

// directPrefix is symmetric in its arguments.
func directPrefix(a, b domain.UserID) string {
	if a > b {
		a, b = b, a
	}
	return prefixDirectMsg + hexID(uint64(a)) + "/" + hexID(uint64(b)) + "/"
}
