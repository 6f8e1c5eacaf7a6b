package chat

import (
	"context"
	"sync"
	"time"

	"recoverychat/internal/app/user"
	"recoverychat/internal/pkg/errs"
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Outbox is the outbound side of a live socket.
type Outbox interface {
	// Enqueue queues a frame without blocking. It returns false when the queue is full or
	// already closed.
	Enqueue(frame []byte) bool

	// Close stops the outbound queue and tears down the socket. It is safe to call twice.
	Close()
}

// Connection is the in-memory record of one live socket. It is never persisted.
type Connection struct {
	ID string

	outbox Outbox

	mu            sync.RWMutex
	user          user.User
	room          string
	lastHeartbeat time.Time
}

// User returns the identity the connection speaks for.
func (c *Connection) User() user.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// Room returns the joined room, or "" while unjoined.
func (c *Connection) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

func (c *Connection) rename(nickname string) user.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = c.user.WithNickname(nickname)
	return c.user
}

// send queues an encoded frame on the connection.
func (c *Connection) send(frame []byte) error {
	if !c.outbox.Enqueue(frame) {
		return ErrConnectionLost
	}
	return nil
}

// Close tears down the underlying socket.
func (c *Connection) Close() {
	c.outbox.Close()
}

// MembershipObserver is told about every room change. It runs synchronously after the
// registry has released its locks, so it may perform I/O.
type MembershipObserver interface {
	MembershipChanged(ctx context.Context, conn *Connection, from, to string)
}

type roomMembers struct {
	mu      sync.RWMutex
	members map[string]*Connection
}

// Registry tracks every live connection and the room it occupies. Each room's member set
// has its own lock; the connection index is guarded separately.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	roomsMu sync.Mutex
	rooms   map[string]*roomMembers

	observer MembershipObserver
	now      Clock
}

// NewRegistry returns an empty registry. observer may be nil.
func NewRegistry(observer MembershipObserver, now Clock) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		conns:    make(map[string]*Connection),
		rooms:    make(map[string]*roomMembers),
		observer: observer,
		now:      now,
	}
}

func (r *Registry) members(roomID string, create bool) *roomMembers {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	set, ok := r.rooms[roomID]
	if !ok && create {
		set = &roomMembers{members: make(map[string]*Connection)}
		r.rooms[roomID] = set
	}
	return set
}

func (r *Registry) addMember(roomID string, conn *Connection) {
	set := r.members(roomID, true)
	set.mu.Lock()
	set.members[conn.ID] = conn
	set.mu.Unlock()
}

func (r *Registry) removeMember(roomID, connID string) {
	set := r.members(roomID, false)
	if set == nil {
		return
	}
	set.mu.Lock()
	delete(set.members, connID)
	set.mu.Unlock()
}

// Register records a new live connection in no room.
func (r *Registry) Register(connID string, u user.User, outbox Outbox) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; ok {
		return nil, errs.NewError(errs.ErrDuplicateConnection)
	}

	conn := &Connection{
		ID:            connID,
		outbox:        outbox,
		user:          u,
		lastHeartbeat: r.now(),
	}
	r.conns[connID] = conn
	return conn, nil
}

// Get returns the live connection with the given id, or nil.
func (r *Registry) Get(connID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SetRoom moves the connection into roomID, leaving its previous room first. An empty
// roomID leaves the current room. Setting the room the connection is already in keeps a
// single membership and still notifies the observer.
func (r *Registry) SetRoom(ctx context.Context, connID, roomID string) error {
	conn := r.Get(connID)
	if conn == nil {
		return ErrConnectionLost
	}

	conn.mu.Lock()
	from := conn.room
	if from != "" && from != roomID {
		r.removeMember(from, connID)
	}
	if roomID != "" {
		r.addMember(roomID, conn)
	}
	conn.room = roomID
	conn.mu.Unlock()

	// A concurrent Unregister may have missed the membership added above.
	if r.Get(connID) == nil {
		r.removeMember(roomID, connID)
		return ErrConnectionLost
	}

	if r.observer != nil && (from != "" || roomID != "") {
		r.observer.MembershipChanged(ctx, conn, from, roomID)
	}
	return nil
}

// Unregister forgets the connection. Unknown ids are ignored.
func (r *Registry) Unregister(ctx context.Context, connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()

	if !ok {
		return
	}

	conn.mu.Lock()
	from := conn.room
	conn.room = ""
	if from != "" {
		r.removeMember(from, connID)
	}
	conn.mu.Unlock()

	if r.observer != nil && from != "" {
		r.observer.MembershipChanged(ctx, conn, from, "")
	}
}

// ListConnectionsInRoom returns a snapshot of the room's members.
func (r *Registry) ListConnectionsInRoom(roomID string) []*Connection {
	set := r.members(roomID, false)
	if set == nil {
		return nil
	}

	set.mu.RLock()
	defer set.mu.RUnlock()

	conns := make([]*Connection, 0, len(set.members))
	for _, conn := range set.members {
		conns = append(conns, conn)
	}
	return conns
}

// ConnectionsForUser returns the room's connections that belong to userKey.
func (r *Registry) ConnectionsForUser(roomID, userKey string) []*Connection {
	var conns []*Connection
	for _, conn := range r.ListConnectionsInRoom(roomID) {
		if conn.User().ID == userKey {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Touch records an application heartbeat for the connection.
func (r *Registry) Touch(connID string) {
	conn := r.Get(connID)
	if conn == nil {
		return
	}

	conn.mu.Lock()
	conn.lastHeartbeat = r.now()
	conn.mu.Unlock()
}

// Stale returns the connections whose last heartbeat is older than threshold.
func (r *Registry) Stale(threshold time.Duration) []*Connection {
	cutoff := r.now().Add(-threshold)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*Connection
	for _, conn := range r.conns {
		if conn.LastHeartbeat().Before(cutoff) {
			stale = append(stale, conn)
		}
	}
	return stale
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}
