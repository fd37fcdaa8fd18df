package service

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/pkg/cmap"
)

// PushType names a server-initiated frame.
type PushType string

const (
	PushMessage       PushType = "message"
	PushDirectMessage PushType = "direct_message"
	PushTyping        PushType = "typing"
	PushUserJoined    PushType = "user_joined"
	PushUserLeft      PushType = "user_left"
	PushFileShared    PushType = "file_shared"
)

// Push is a payload delivered to a connection outside of request/response.
type Push struct {
	Type PushType
	Data any
}

// PresenceNotice is the payload of user_joined and user_left pushes.
type PresenceNotice struct {
	RoomID   domain.RoomID `json:"room_id"`
	UserID   domain.UserID `json:"user_id"`
	Username string        `json:"username"`
}

// Sink is the outbound side of a connection. Deliver must not block; it
// returns false when the payload was dropped because the queue is full or
// the connection is closed. Close forces the connection shut.
type Sink interface {
	Deliver(p Push) bool
	Close()
}

// Connection is the registry's view of one client connection.
type Connection struct {
	ID          string
	IP          string
	ConnectedAt time.Time
	sink        Sink

	mu           sync.Mutex
	identity     domain.Identity
	authed       bool
	token        string
	rooms        map[domain.RoomID]struct{}
	lastActivity time.Time
	closed       bool
}

// Identity returns the authenticated identity, if any.
func (c *Connection) Identity() (domain.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.authed
}

// Rooms returns the rooms the connection has joined, in ascending order.
func (c *Connection) Rooms() []domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedRooms(c.rooms)
}

// InRoom reports whether the connection has joined room.
func (c *Connection) InRoom(room domain.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectionInfo is a point-in-time description of a connection.
type ConnectionInfo struct {
	ID           string          `json:"id"`
	IP           string          `json:"ip"`
	UserID       domain.UserID   `json:"user_id,omitempty"`
	Username     string          `json:"username,omitempty"`
	Rooms        []domain.RoomID `json:"rooms,omitempty"`
	ConnectedAt  time.Time       `json:"connected_at"`
	LastActivity time.Time       `json:"last_activity"`
}

const roomShardCount = 64

// roomMember is an online connection in a room. User data is captured at
// join time so that shard holders never lock a connection.
type roomMember struct {
	conn     *Connection
	userID   domain.UserID
	username string
}

type roomShard struct {
	// admit serializes durable membership changes for rooms of the shard.
	admit sync.Mutex

	mu     sync.RWMutex
	online map[domain.RoomID]map[string]roomMember
}

// Registry tracks live connections, their identities and the online set of
// every room.
//
// Lock order: Connection.mu, then roomShard.admit, then roomShard.mu. The
// user index lock is a leaf.
type Registry struct {
	conns  *cmap.Map[string, *Connection]
	shards [roomShardCount]*roomShard

	usersMu sync.RWMutex
	users   map[domain.UserID]map[string]*Connection

	rooms  RoomRepository
	bus    *EventBus
	now    func() time.Time
	logger *slog.Logger

	dropped atomic.Uint64
}

// NewRegistry creates a Registry. bus may be nil.
func NewRegistry(rooms RoomRepository, bus *EventBus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		conns:  cmap.New[string, *Connection](),
		users:  make(map[domain.UserID]map[string]*Connection),
		rooms:  rooms,
		bus:    bus,
		now:    time.Now,
		logger: logger,
	}
	for i := range r.shards {
		r.shards[i] = &roomShard{online: make(map[domain.RoomID]map[string]roomMember)}
	}
	return r
}

func (r *Registry) shard(room domain.RoomID) *roomShard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(room))
	return r.shards[murmur3.Sum32(buf[:])%roomShardCount]
}

// OnConnect registers a new unauthenticated connection and returns it.
func (r *Registry) OnConnect(ip string, sink Sink) *Connection {
	now := r.now()
	c := &Connection{
		ID:           uuid.NewString(),
		IP:           ip,
		ConnectedAt:  now,
		sink:         sink,
		rooms:        make(map[domain.RoomID]struct{}),
		lastActivity: now,
	}
	r.conns.Set(c.ID, c)
	return c
}

// Get returns a live connection.
func (r *Registry) Get(connID string) (*Connection, bool) {
	return r.conns.Get(connID)
}

// Authenticated returns the connection and its identity, or
// domain.ErrNotAuthenticated.
func (r *Registry) Authenticated(connID string) (*Connection, domain.Identity, error) {
	c, ok := r.conns.Get(connID)
	if !ok {
		return nil, domain.Identity{}, domain.ErrNotAuthenticated
	}
	identity, ok := c.Identity()
	if !ok {
		return nil, domain.Identity{}, domain.ErrNotAuthenticated
	}
	return c, identity, nil
}

// Touch records inbound activity on a connection.
func (r *Registry) Touch(connID string) {
	if c, ok := r.conns.Get(connID); ok {
		c.mu.Lock()
		c.lastActivity = r.now()
		c.mu.Unlock()
	}
}

// OnAuthenticate binds sess to the connection and attaches it to every
// room the user is a durable member of. A connection authenticates at most
// once until it logs out.
func (r *Registry) OnAuthenticate(ctx context.Context, connID string, sess *domain.Session) error {
	c, ok := r.conns.Get(connID)
	if !ok {
		return domain.ErrNotAuthenticated.WithDetails("connection closed")
	}
	if _, authed := c.Identity(); authed {
		return domain.ErrAlreadyAuthenticated
	}

	rooms, err := r.rooms.ListUserRooms(ctx, sess.UserID)
	if err != nil {
		return domain.ErrStorage.WithCause(err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrNotAuthenticated.WithDetails("connection closed")
	}
	if c.authed {
		c.mu.Unlock()
		return domain.ErrAlreadyAuthenticated
	}
	c.identity = sess.Identity()
	c.authed = true
	c.token = sess.Token
	identity := c.identity

	var arrived []domain.RoomID
	for _, room := range rooms {
		if r.attachLocked(c, room, identity) {
			arrived = append(arrived, room)
		}
	}
	c.mu.Unlock()

	r.usersMu.Lock()
	set := r.users[identity.UserID]
	if set == nil {
		set = make(map[string]*Connection)
		r.users[identity.UserID] = set
	}
	set[c.ID] = c
	r.usersMu.Unlock()

	for _, room := range arrived {
		r.Broadcast(room, Push{Type: PushUserJoined, Data: PresenceNotice{
			RoomID:   room,
			UserID:   identity.UserID,
			Username: identity.Username,
		}}, connID)
	}
	if len(rooms) > 0 {
		r.logger.Debug("rooms restored", "conn_id", connID, "user_id", identity.UserID, "rooms", len(rooms))
	}
	return nil
}

// OnLogout returns the connection to the unauthenticated state. Rooms are
// detached but durable membership is kept. It returns the identity and the
// session token that was in use.
func (r *Registry) OnLogout(connID string) (domain.Identity, string, error) {
	c, ok := r.conns.Get(connID)
	if !ok {
		return domain.Identity{}, "", domain.ErrNotAuthenticated
	}

	c.mu.Lock()
	if !c.authed {
		c.mu.Unlock()
		return domain.Identity{}, "", domain.ErrNotAuthenticated
	}
	identity, token := c.identity, c.token
	left := r.detachAllLocked(c)
	c.identity, c.authed, c.token = domain.Identity{}, false, ""
	c.mu.Unlock()

	r.removeUserConn(identity.UserID, c.ID)
	r.announceLeft(left, identity)
	return identity, token, nil
}

// OnDisconnect removes the connection from every room's online set and from
// the registry. It returns the final state for cleanup, or false if the
// connection was already gone.
func (r *Registry) OnDisconnect(connID string) (ConnectionInfo, bool) {
	c, ok := r.conns.Pop(connID)
	if !ok {
		return ConnectionInfo{}, false
	}

	c.mu.Lock()
	info := c.infoLocked()
	identity, authed := c.identity, c.authed
	left := r.detachAllLocked(c)
	c.closed = true
	c.authed = false
	c.mu.Unlock()

	if authed {
		r.removeUserConn(identity.UserID, c.ID)
		r.announceLeft(left, identity)
	}
	return info, true
}

// detachAllLocked removes c from the online set of every joined room and
// returns the rooms in which c's user has no remaining connection.
// c.mu must be held.
func (r *Registry) detachAllLocked(c *Connection) []domain.RoomID {
	var gone []domain.RoomID
	for room := range c.rooms {
		if r.detach(room, c.ID, c.identity.UserID) {
			gone = append(gone, room)
		}
	}
	c.rooms = make(map[domain.RoomID]struct{})
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	return gone
}

// detach removes one connection from a room's online set and reports
// whether the user has no connection left there.
func (r *Registry) detach(room domain.RoomID, connID string, user domain.UserID) bool {
	sh := r.shard(room)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	set := sh.online[room]
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(sh.online, room)
		return true
	}
	for _, m := range set {
		if m.userID == user {
			return false
		}
	}
	return true
}

func (r *Registry) removeUserConn(user domain.UserID, connID string) {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	if set := r.users[user]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.users, user)
		}
	}
}

func (r *Registry) announceLeft(rooms []domain.RoomID, identity domain.Identity) {
	for _, room := range rooms {
		r.Broadcast(room, Push{Type: PushUserLeft, Data: PresenceNotice{
			RoomID:   room,
			UserID:   identity.UserID,
			Username: identity.Username,
		}}, "")
	}
}

// JoinRoom adds the connection to a room. Joining is idempotent for
// existing members and never re-checks the password for them. A wrong
// password leaves membership untouched. Durable membership is written
// before the online set changes.
func (r *Registry) JoinRoom(ctx context.Context, connID string, roomID domain.RoomID, password string) (*domain.Room, error) {
	c, ok := r.conns.Get(connID)
	if !ok {
		return nil, domain.ErrNotAuthenticated
	}

	room, err := r.rooms.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, domain.ErrStorage.WithCause(err)
	}

	c.mu.Lock()
	if !c.authed || c.closed {
		c.mu.Unlock()
		return nil, domain.ErrNotAuthenticated
	}
	identity := c.identity
	if _, joined := c.rooms[roomID]; joined {
		c.mu.Unlock()
		return room, nil
	}

	newMember, firstOnline, err := r.admitLocked(ctx, c, room, identity, password)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if newMember {
		r.attachSiblings(roomID, identity, connID)
	}
	if firstOnline {
		r.Broadcast(roomID, Push{Type: PushUserJoined, Data: PresenceNotice{
			RoomID:   roomID,
			UserID:   identity.UserID,
			Username: identity.Username,
		}}, connID)
	}
	if newMember && r.bus != nil {
		r.bus.Publish(domain.NewEvent(domain.EventRoomJoined, roomID, PresenceNotice{
			RoomID:   roomID,
			UserID:   identity.UserID,
			Username: identity.Username,
		}, identity.UserID))
	}
	r.logger.Debug("room joined", "conn_id", connID, "room_id", roomID, "user_id", identity.UserID, "new_member", newMember)
	return room, nil
}

// admitLocked checks and persists membership, then attaches c to the
// online set. c.mu must be held.
func (r *Registry) admitLocked(ctx context.Context, c *Connection, room *domain.Room, identity domain.Identity, password string) (newMember, firstOnline bool, err error) {
	// Verify the password before taking the shard lock; argon2 is slow.
	member, err := r.isDurableMember(ctx, room.ID, identity.UserID)
	if err != nil {
		return false, false, err
	}
	checked := false
	if !member && room.HasPassword() {
		if !VerifyPassword(password, room.PasswordHash) {
			return false, false, domain.ErrWrongRoomPassword
		}
		checked = true
	}

	sh := r.shard(room.ID)
	sh.admit.Lock()
	defer sh.admit.Unlock()

	members, err := r.rooms.ListMembers(ctx, room.ID)
	if err != nil {
		return false, false, domain.ErrStorage.WithCause(err)
	}
	if !containsUser(members, identity.UserID) {
		limit := room.MaxMembers
		if limit <= 0 {
			limit = domain.DefaultRoomMaxMembers
		}
		if len(members) >= limit {
			return false, false, domain.ErrRoomFull
		}
		// Membership was revoked since the first check.
		if room.HasPassword() && !checked && !VerifyPassword(password, room.PasswordHash) {
			return false, false, domain.ErrWrongRoomPassword
		}
		if err := r.rooms.AddMember(ctx, room.ID, identity.UserID); err != nil {
			return false, false, domain.ErrStorage.WithCause(err)
		}
		newMember = true
	}

	return newMember, r.attachLocked(c, room.ID, identity), nil
}

// attachLocked adds c to the online set of room and reports whether it is
// the first connection of the user there. c.mu must be held.
func (r *Registry) attachLocked(c *Connection, room domain.RoomID, identity domain.Identity) (firstOnline bool) {
	sh := r.shard(room)
	sh.mu.Lock()
	set := sh.online[room]
	if set == nil {
		set = make(map[string]roomMember)
		sh.online[room] = set
	}
	firstOnline = true
	for _, m := range set {
		if m.userID == identity.UserID {
			firstOnline = false
			break
		}
	}
	set[c.ID] = roomMember{conn: c, userID: identity.UserID, username: identity.Username}
	sh.mu.Unlock()

	c.rooms[room] = struct{}{}
	return firstOnline
}

// attachSiblings attaches the user's other live connections to room after
// a new membership, so that every connection of a member hears the room.
func (r *Registry) attachSiblings(room domain.RoomID, identity domain.Identity, except string) {
	for _, uc := range r.userConns(identity.UserID) {
		if uc.ID == except {
			continue
		}
		uc.mu.Lock()
		if uc.authed && !uc.closed && uc.identity.UserID == identity.UserID {
			if _, joined := uc.rooms[room]; !joined {
				r.attachLocked(uc, room, identity)
			}
		}
		uc.mu.Unlock()
	}
}

// LeaveRoom removes the connection's user from the room membership and
// detaches every connection of that user from the room.
func (r *Registry) LeaveRoom(ctx context.Context, connID string, roomID domain.RoomID) error {
	c, ok := r.conns.Get(connID)
	if !ok {
		return domain.ErrNotAuthenticated
	}
	identity, authed := c.Identity()
	if !authed {
		return domain.ErrNotAuthenticated
	}

	member, err := r.isDurableMember(ctx, roomID, identity.UserID)
	if err != nil {
		return err
	}
	if !member && !c.InRoom(roomID) {
		return domain.ErrNotAMember
	}

	sh := r.shard(roomID)
	sh.admit.Lock()
	err = r.rooms.RemoveMember(ctx, roomID, identity.UserID)
	sh.admit.Unlock()
	if err != nil {
		return domain.ErrStorage.WithCause(err)
	}

	wasOnline := false
	for _, uc := range r.userConns(identity.UserID) {
		uc.mu.Lock()
		if _, joined := uc.rooms[roomID]; joined {
			delete(uc.rooms, roomID)
			r.detach(roomID, uc.ID, identity.UserID)
			wasOnline = true
		}
		uc.mu.Unlock()
	}

	if wasOnline {
		r.Broadcast(roomID, Push{Type: PushUserLeft, Data: PresenceNotice{
			RoomID:   roomID,
			UserID:   identity.UserID,
			Username: identity.Username,
		}}, "")
	}
	if r.bus != nil {
		r.bus.Publish(domain.NewEvent(domain.EventRoomLeft, roomID, PresenceNotice{
			RoomID:   roomID,
			UserID:   identity.UserID,
			Username: identity.Username,
		}, identity.UserID))
	}
	return nil
}

// IsMember reports whether user may post to room: either a connection of
// the user has joined it or the durable membership contains the user.
func (r *Registry) IsMember(ctx context.Context, connID string, room domain.RoomID, user domain.UserID) (bool, error) {
	if c, ok := r.conns.Get(connID); ok && c.InRoom(room) {
		return true, nil
	}
	return r.isDurableMember(ctx, room, user)
}

func (r *Registry) isDurableMember(ctx context.Context, room domain.RoomID, user domain.UserID) (bool, error) {
	members, err := r.rooms.ListMembers(ctx, room)
	if err != nil {
		return false, domain.ErrStorage.WithCause(err)
	}
	return containsUser(members, user), nil
}

// Broadcast delivers p to every online connection of room except exclude.
// It returns the number of successful deliveries.
func (r *Registry) Broadcast(room domain.RoomID, p Push, exclude string) int {
	sh := r.shard(room)
	sh.mu.RLock()
	targets := make([]Sink, 0, len(sh.online[room]))
	for id, m := range sh.online[room] {
		if id != exclude {
			targets = append(targets, m.conn.sink)
		}
	}
	sh.mu.RUnlock()

	return r.deliver(targets, p)
}

// DeliverToUser delivers p to every live connection of user except
// exclude and returns the number of successful deliveries.
func (r *Registry) DeliverToUser(user domain.UserID, p Push, exclude string) int {
	conns := r.userConns(user)
	targets := make([]Sink, 0, len(conns))
	for _, c := range conns {
		if c.ID != exclude {
			targets = append(targets, c.sink)
		}
	}
	return r.deliver(targets, p)
}

func (r *Registry) deliver(targets []Sink, p Push) int {
	delivered := 0
	for _, s := range targets {
		if s == nil {
			continue
		}
		if s.Deliver(p) {
			delivered++
		} else {
			r.dropped.Add(1)
		}
	}
	return delivered
}

func (r *Registry) userConns(user domain.UserID) []*Connection {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()
	out := make([]*Connection, 0, len(r.users[user]))
	for _, c := range r.users[user] {
		out = append(out, c)
	}
	return out
}

// ListOnline returns the usernames with at least one connection in room,
// sorted.
func (r *Registry) ListOnline(room domain.RoomID) []string {
	sh := r.shard(room)
	sh.mu.RLock()
	seen := make(map[string]struct{}, len(sh.online[room]))
	for _, m := range sh.online[room] {
		seen[m.username] = struct{}{}
	}
	sh.mu.RUnlock()
	return sortedNames(seen)
}

// OnlineUsers returns the usernames of all authenticated connections,
// sorted.
func (r *Registry) OnlineUsers() []string {
	seen := make(map[string]struct{})
	for _, c := range r.conns.Values() {
		if id, ok := c.Identity(); ok {
			seen[id.Username] = struct{}{}
		}
	}
	return sortedNames(seen)
}

// IsOnline reports whether user has a live authenticated connection.
func (r *Registry) IsOnline(user domain.UserID) bool {
	r.usersMu.RLock()
	defer r.usersMu.RUnlock()
	return len(r.users[user]) > 0
}

// Kick force-closes every connection of the named user and returns how
// many were closed.
func (r *Registry) Kick(username string) int {
	name := domain.NormalizeName(username)
	n := 0
	for _, c := range r.conns.Values() {
		if id, ok := c.Identity(); ok && domain.NormalizeName(id.Username) == name && c.sink != nil {
			c.sink.Close()
			n++
		}
	}
	return n
}

// Connections returns a snapshot of all live connections.
func (r *Registry) Connections() []ConnectionInfo {
	conns := r.conns.Values()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		out = append(out, c.infoLocked())
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	return r.conns.Count()
}

// Dropped returns the number of payloads dropped by full or closed sinks.
func (r *Registry) Dropped() uint64 {
	return r.dropped.Load()
}

func (c *Connection) infoLocked() ConnectionInfo {
	info := ConnectionInfo{
		ID:           c.ID,
		IP:           c.IP,
		Rooms:        sortedRooms(c.rooms),
		ConnectedAt:  c.ConnectedAt,
		LastActivity: c.lastActivity,
	}
	if c.authed {
		info.UserID = c.identity.UserID
		info.Username = c.identity.Username
	}
	return info
}

func containsUser(ids []domain.UserID, id domain.UserID) bool {
	for _, u := range ids {
		if u == id {
			return true
		}
	}
	return false
}

func sortedRooms(set map[domain.RoomID]struct{}) []domain.RoomID {
	out := make([]domain.RoomID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
