package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory Store for service tests.
type memStore struct {
	mu        sync.Mutex
	nextUser  domain.UserID
	nextRoom  domain.RoomID
	users     map[domain.UserID]*domain.User
	rooms     map[domain.RoomID]*domain.Room
	members   map[domain.RoomID]map[domain.UserID]bool
	messages  []*domain.Message
	events    []*domain.ConnectionEvent
	transfers []*domain.FileRecord

	// failMessages makes LogMessage fail.
	failMessages bool
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[domain.UserID]*domain.User),
		rooms:   make(map[domain.RoomID]*domain.Room),
		members: make(map[domain.RoomID]map[domain.UserID]bool),
	}
}

func (s *memStore) CreateUser(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.users {
		if domain.NormalizeName(other.Username) == domain.NormalizeName(u.Username) {
			return domain.ErrDuplicateUsername
		}
		if strings.EqualFold(other.Email, u.Email) {
			return domain.ErrDuplicateEmail
		}
	}
	s.nextUser++
	u.ID = s.nextUser
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memStore) GetUser(_ context.Context, id domain.UserID) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) FindUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if domain.NormalizeName(u.Username) == domain.NormalizeName(username) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) CreateRoom(_ context.Context, r *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.rooms {
		if domain.NormalizeName(other.Name) == domain.NormalizeName(r.Name) {
			return domain.ErrRoomNameTaken
		}
	}
	s.nextRoom++
	r.ID = s.nextRoom
	cp := *r
	s.rooms[r.ID] = &cp
	return nil
}

func (s *memStore) GetRoom(_ context.Context, id domain.RoomID) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) ListRooms(_ context.Context) ([]*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Room, 0, len(s.rooms))
	for id := domain.RoomID(1); id <= s.nextRoom; id++ {
		if r, ok := s.rooms[id]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) AddMember(_ context.Context, room domain.RoomID, user domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[room] == nil {
		s.members[room] = make(map[domain.UserID]bool)
	}
	s.members[room][user] = true
	return nil
}

func (s *memStore) RemoveMember(_ context.Context, room domain.RoomID, user domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[room], user)
	return nil
}

func (s *memStore) ListMembers(_ context.Context, room domain.RoomID) ([]domain.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserID, 0, len(s.members[room]))
	for id := range s.members[room] {
		out = append(out, id)
	}
	return out, nil
}

func (s *memStore) ListUserRooms(_ context.Context, user domain.UserID) ([]domain.RoomID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RoomID
	for id := domain.RoomID(1); id <= s.nextRoom; id++ {
		if s.members[id][user] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *memStore) LogMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMessages {
		return errors.New("disk full")
	}
	cp := *m
	s.messages = append(s.messages, &cp)
	return nil
}

func (s *memStore) ListRecentMessages(_ context.Context, room domain.RoomID, self, peer domain.UserID, limit int) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, m := range s.messages {
		switch {
		case room != 0 && m.RoomID == room:
		case room == 0 && m.IsDirect() &&
			((m.SenderID == self && m.RecipientID == peer) || (m.SenderID == peer && m.RecipientID == self)):
		default:
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) LogConnectionEvent(_ context.Context, e *domain.ConnectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

func (s *memStore) RecordFileTransfer(_ context.Context, rec *domain.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.transfers = append(s.transfers, &cp)
	return nil
}

func (s *memStore) connectionActions() []domain.ConnectionAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ConnectionAction, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Action)
	}
	return out
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

var _ Store = (*memStore)(nil)

// recordingSink captures pushes delivered to a connection.
type recordingSink struct {
	mu     sync.Mutex
	pushes []Push
	limit  int
	closed bool
}

func (s *recordingSink) Deliver(p Push) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (s.limit > 0 && len(s.pushes) >= s.limit) {
		return false
	}
	s.pushes = append(s.pushes, p)
	return true
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSink) ofType(typ PushType) []Push {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Push
	for _, p := range s.pushes {
		if p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// memBlobs is an in-memory BlobStore.
type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
	fail  bool
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string][]byte)}
}

func (b *memBlobs) Put(_ context.Context, name string, r io.Reader, size int64) (string, error) {
	if b.fail {
		return "", errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", errors.New("short read")
	}
	b.mu.Lock()
	b.blobs[name] = data
	b.mu.Unlock()
	return "mem://" + name, nil
}

func (b *memBlobs) Delete(_ context.Context, name string) error {
	b.mu.Lock()
	delete(b.blobs, name)
	b.mu.Unlock()
	return nil
}

func (b *memBlobs) get(name string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[name]
	return data, ok
}

// chatFixture wires every service on top of memStore.
type chatFixture struct {
	clock     *fakeClock
	store     *memStore
	blobs     *memBlobs
	bus       *EventBus
	limiter   *Limiter
	auth      *AuthService
	registry  *Registry
	rooms     *RoomService
	router    *Router
	transfers *TransferService
	nextIP    int
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	clock := newFakeClock()
	store := newMemStore()
	blobs := newMemBlobs()
	bus := NewEventBus(nil)
	limiter := newTestLimiter(clock)
	auth := NewAuthService(store, store, newTestSessions(t, clock), limiter,
		AuthConfig{PasswordPolicy: domain.DefaultPasswordPolicy()}, nil)
	auth.now = clock.Now
	registry := NewRegistry(store, bus, nil)
	registry.now = clock.Now
	rooms := NewRoomService(store, registry, limiter, nil)
	rooms.now = clock.Now
	router := NewRouter(registry, store, store, limiter, bus, nil)
	router.now = clock.Now

	cfg := DefaultTransferConfig()
	cfg.TempDir = t.TempDir()
	transfers := NewTransferService(cfg, registry, store, store, blobs, limiter, bus, nil,
		WithTransferClock(clock.Now), WithCompletionFunc(router.ShareFile))

	return &chatFixture{
		clock:     clock,
		store:     store,
		blobs:     blobs,
		bus:       bus,
		limiter:   limiter,
		auth:      auth,
		registry:  registry,
		rooms:     rooms,
		router:    router,
		transfers: transfers,
	}
}

// client is an authenticated test connection.
type client struct {
	conn *Connection
	sink *recordingSink
	sess *domain.Session
}

func (f *chatFixture) ip() string {
	f.nextIP++
	return fmt.Sprintf("10.9.%d.%d", f.nextIP/250, f.nextIP%250+1)
}

// signup registers name unless it exists and connects a logged-in client.
func (f *chatFixture) signup(t *testing.T, name string) *client {
	t.Helper()
	ctx := context.Background()
	ip := f.ip()
	if _, err := f.store.FindUserByUsername(ctx, name); err != nil {
		_, err := f.auth.Register(ctx, &RegisterRequest{
			Username: name, Email: name + "@example.com", Password: "passw0rd!", IP: ip,
		})
		require.NoError(t, err)
	}
	sess, err := f.auth.Login(ctx, &LoginRequest{Username: name, Password: "passw0rd!", IP: ip})
	require.NoError(t, err)

	sink := &recordingSink{}
	conn := f.registry.OnConnect(ip, sink)
	require.NoError(t, f.registry.OnAuthenticate(context.Background(), conn.ID, sess))
	return &client{conn: conn, sink: sink, sess: sess}
}

// connectAs opens another connection for an existing session.
func (f *chatFixture) connectAs(t *testing.T, sess *domain.Session) *client {
	t.Helper()
	sink := &recordingSink{}
	conn := f.registry.OnConnect(f.ip(), sink)
	require.NoError(t, f.registry.OnAuthenticate(context.Background(), conn.ID, sess))
	return &client{conn: conn, sink: sink, sess: sess}
}
