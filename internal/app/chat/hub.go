/*
Package chat is the real-time core of the community chat: live connections, room membership,
durable presence, ordered fan-out, the message pipeline and typing indicators.

This file defines the Hub, which wires the components together, implements the room
membership state machine and runs housekeeping: the presence sweep and eviction of
connections that stopped sending heartbeats.
*/
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"recoverychat/internal/app/relay"
	"recoverychat/internal/app/store"
	"recoverychat/internal/app/user"
	"recoverychat/internal/pkg/errs"
	"recoverychat/internal/pkg/logx"
	"recoverychat/internal/pkg/randx"
)

const (
	// storeTimeout bounds store calls made on behalf of a single event.
	storeTimeout = 5 * time.Second

	cleanupBuffer = 64
)

// Config holds the hub's timing and replay settings.
type Config struct {
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	SweepInterval     time.Duration
	TypingWindow      time.Duration
	ReplayLimit       int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 25 * time.Second,
		StaleAfter:        60 * time.Second,
		SweepInterval:     15 * time.Second,
		TypingWindow:      DefaultTypingWindow,
		ReplayLimit:       DefaultReplayLimit,
	}
}

// Option customizes a Hub.
type Option func(*Hub)

// WithClock replaces the wall clock used for presence, heartbeats and message timestamps.
func WithClock(now Clock) Option {
	return func(h *Hub) { h.now = now }
}

// Hub coordinates every live connection of this process.
type Hub struct {
	cfg   Config
	now   Clock
	store store.Gateway
	relay relay.Relay

	registry    *Registry
	presence    *Presence
	broadcaster *Broadcaster
	pipeline    *Pipeline
	typing      *Typing

	// rooms caches the catalog; rooms are never deleted by this service.
	roomsMu sync.RWMutex
	rooms   map[string]store.Room

	// cleanup receives the ids of connections the broadcaster found dead.
	cleanup  chan string
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger zerolog.Logger
}

// NewHub builds the hub and starts its cleanup loop. Call Run for housekeeping and
// Shutdown to stop.
func NewHub(gw store.Gateway, rl relay.Relay, cfg Config, opts ...Option) *Hub {
	h := &Hub{
		cfg:     cfg,
		now:     time.Now,
		store:   gw,
		relay:   rl,
		rooms:   make(map[string]store.Room),
		cleanup: make(chan string, cleanupBuffer),
		done:    make(chan struct{}),
		logger:  logx.Component("hub"),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.registry = NewRegistry(h, h.now)
	h.presence = NewPresence(gw, h.now)
	h.broadcaster = NewBroadcaster(h.registry, rl, h.scheduleCleanup)
	h.pipeline = NewPipeline(gw, h.broadcaster, cfg.ReplayLimit, h.now)
	h.typing = NewTyping(h.broadcaster, cfg.TypingWindow, h.now)

	h.wg.Add(1)
	go h.runCleanupLoop()

	return h
}

func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) Pipeline() *Pipeline { return h.pipeline }

func (h *Hub) Presence() *Presence { return h.presence }

// scheduleCleanup hands a dead connection to the cleanup loop without blocking.
func (h *Hub) scheduleCleanup(connID string) {
	select {
	case <-h.done:
	case h.cleanup <- connID:
	default:
		h.logger.Warn().Str("conn_id", connID).Msg("Cleanup channel full. Eviction left to housekeeping.")
	}
}

func (h *Hub) runCleanupLoop() {
	defer h.wg.Done()

	h.logger.Info().Msg("Cleanup loop started.")

	for {
		select {
		case connID := <-h.cleanup:
			h.evict(connID, "send queue rejected a frame")
		case <-h.done:
			h.logger.Info().Msg("Cleanup loop stopped.")
			return
		}
	}
}

// evict closes the socket of a connection presumed dead and unregisters it.
func (h *Hub) evict(connID, reason string) {
	conn := h.registry.Get(connID)
	if conn == nil {
		return
	}

	h.logger.Info().Str("conn_id", connID).Str("reason", reason).Msg("Evicting connection.")

	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	h.registry.Unregister(ctx, connID)
}

// Connect registers a new live connection for u. The connection starts unjoined.
func (h *Hub) Connect(u user.User, outbox Outbox) (*Connection, error) {
	conn, err := h.registry.Register(randx.ConnectionID(), u, outbox)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", u.ID).Msg("Connection registration rejected.")
		return nil, err
	}

	h.logger.Info().
		Str("conn_id", conn.ID).
		Str("user_id", u.ID).
		Bool("anonymous", u.Anonymous).
		Int("connections", h.registry.Count()).
		Msg("Client connected.")
	return conn, nil
}

// Disconnect unregisters the connection; leaving its room is handled like a graceful leave.
func (h *Hub) Disconnect(ctx context.Context, connID string) {
	h.registry.Unregister(ctx, connID)
}

// MembershipChanged keeps presence and typing state in step with the registry.
func (h *Hub) MembershipChanged(ctx context.Context, conn *Connection, from, to string) {
	if from != "" && from != to {
		h.typing.Clear(ctx, conn, from)
		h.departed(ctx, conn, from)
	}

	if to != "" {
		_ = h.presence.Join(ctx, conn.User(), to, conn.ID)
	}
}

// departed handles conn leaving roomID. When another local tab of the same user is still
// in the room, presence is handed to it and nobody is told the user left.
func (h *Hub) departed(ctx context.Context, conn *Connection, roomID string) {
	u := conn.User()

	for _, sibling := range h.registry.ConnectionsForUser(roomID, u.ID) {
		if sibling.ID == conn.ID {
			continue
		}
		_ = h.presence.Join(ctx, sibling.User(), roomID, sibling.ID)
		return
	}

	changed, err := h.presence.Leave(ctx, u, roomID, conn.ID)
	if err == nil && !changed {
		// The row belongs to another connection or was already swept.
		return
	}

	h.logger.Info().Str("conn_id", conn.ID).Str("room_id", roomID).Msg("User left room.")
	h.broadcast(ctx, roomID, Event{Type: EventUserLeft, Payload: UserEventPayload{Username: u.Nickname, UserID: u.AuthorID()}}, "")
	h.announceOnline(ctx, roomID)
}

func (h *Hub) broadcast(ctx context.Context, roomID string, ev Event, except string) {
	if err := h.broadcaster.Broadcast(ctx, roomID, ev, except); err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomID).Str("event", string(ev.Type)).Msg("Broadcast failed.")
	}
}

// announceOnline broadcasts the room's current online list to every member.
func (h *Hub) announceOnline(ctx context.Context, roomID string) {
	online, err := h.presence.ListOnline(ctx, roomID)
	if err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomID).Msg("Failed to load online users.")
		return
	}
	h.broadcast(ctx, roomID, Event{Type: EventOnlineUsers, Payload: online}, "")
}

// JoinRoom moves conn into roomID, replays recent history to it and announces the arrival.
// Joining the room the connection is already in refreshes presence and resends room_joined
// without a second user_joined. nickname, when set, renames anonymous connections.
func (h *Hub) JoinRoom(ctx context.Context, conn *Connection, roomID, nickname string) error {
	room, err := h.Room(ctx, roomID)
	if err != nil {
		return err
	}

	u := conn.User()
	if nickname != "" && u.Anonymous {
		u = conn.rename(nickname)
	}

	previous := conn.Room()
	if err := h.registry.SetRoom(ctx, conn.ID, roomID); err != nil {
		return err
	}

	messages, err := h.pipeline.Replay(ctx, roomID)
	if err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomID).Msg("History replay unavailable. Joining without it.")
		messages = []store.Message{}
	}

	if err := h.broadcaster.SendTo(conn, Event{
		Type:    EventRoomJoined,
		Payload: RoomJoinedPayload{Room: roomID, RoomInfo: room, Messages: messages},
	}); err != nil {
		return err
	}

	if previous != roomID {
		h.logger.Info().Str("conn_id", conn.ID).Str("room_id", roomID).Msg("User joined room.")
		h.broadcast(ctx, roomID, Event{Type: EventUserJoined, Payload: UserEventPayload{Username: u.Nickname, UserID: u.AuthorID()}}, conn.ID)
	}
	h.announceOnline(ctx, roomID)
	return nil
}

// LeaveRoom returns conn to the unjoined state.
func (h *Hub) LeaveRoom(ctx context.Context, conn *Connection, roomID string) error {
	if conn.Room() != roomID {
		return errs.NewError(errs.ErrNotInRoom)
	}

	if err := h.registry.SetRoom(ctx, conn.ID, ""); err != nil {
		return err
	}

	return h.broadcaster.SendTo(conn, Event{Type: EventRoomLeft, Payload: RoomPayload{Room: roomID}})
}

// SendMessage submits content to roomID on behalf of conn and ends its typing signal.
func (h *Hub) SendMessage(ctx context.Context, conn *Connection, roomID, content string) (store.Message, error) {
	if conn.Room() != roomID {
		return store.Message{}, errs.NewError(errs.ErrNotInRoom)
	}

	msg, err := h.pipeline.Submit(ctx, roomID, conn.User(), content)
	if err != nil {
		return store.Message{}, err
	}

	h.typing.Clear(ctx, conn, roomID)
	return msg, nil
}

// SetTyping forwards a typing signal from conn.
func (h *Hub) SetTyping(ctx context.Context, conn *Connection, roomID string, isTyping bool) error {
	if conn.Room() != roomID {
		return errs.NewError(errs.ErrNotInRoom)
	}

	h.typing.SetTyping(ctx, conn, roomID, isTyping)
	return nil
}

// Heartbeat records liveness for conn. A connection whose presence row belongs to another
// live connection of the same user leaves the row alone. If the row went offline while the
// connection stayed alive, presence is asserted again and the room is told.
func (h *Hub) Heartbeat(ctx context.Context, conn *Connection) {
	h.registry.Touch(conn.ID)

	roomID := conn.Room()
	if roomID == "" {
		return
	}

	touched, err := h.presence.Heartbeat(ctx, conn.ID)
	if err != nil || touched > 0 {
		return
	}

	u := conn.User()
	online, err := h.presence.IsOnline(ctx, u.ID, roomID)
	if err != nil || online {
		return
	}

	if err := h.presence.Join(ctx, u, roomID, conn.ID); err == nil {
		h.logger.Info().Str("conn_id", conn.ID).Str("room_id", roomID).Msg("Presence re-asserted on heartbeat.")
		h.announceOnline(ctx, roomID)
	}
}

// Run performs housekeeping every sweep interval until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	interval := h.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.logger.Info().Dur("interval", interval).Dur("stale_after", h.cfg.StaleAfter).Msg("Housekeeping started.")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Msg("Housekeeping stopped.")
			return nil
		case <-h.done:
			return nil
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep marks stale presence offline, tells the affected rooms and evicts local
// connections that stopped sending heartbeats.
func (h *Hub) Sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	swept, err := h.presence.SweepStale(sweepCtx, h.cfg.StaleAfter)
	if err == nil && len(swept) > 0 {
		affected := make(map[string]struct{})
		for _, rec := range swept {
			affected[rec.RoomID] = struct{}{}
			h.broadcast(sweepCtx, rec.RoomID, Event{
				Type:    EventUserLeft,
				Payload: UserEventPayload{Username: rec.DisplayName, UserID: publicUserID(rec)},
			}, "")
		}
		for roomID := range affected {
			h.announceOnline(sweepCtx, roomID)
		}
	}

	for _, conn := range h.registry.Stale(h.cfg.StaleAfter) {
		h.evict(conn.ID, "no heartbeat within threshold")
	}
}

// publicUserID is the id announced for a presence row; guest session ids stay private.
func publicUserID(rec store.PresenceRecord) string {
	if rec.Anonymous {
		return ""
	}
	return rec.UserKey
}

// Room returns a catalog entry, consulting the store on a cache miss.
func (h *Hub) Room(ctx context.Context, roomID string) (store.Room, error) {
	h.roomsMu.RLock()
	room, ok := h.rooms[roomID]
	h.roomsMu.RUnlock()
	if ok {
		return room, nil
	}

	if !randx.IsValidRoomID(roomID) {
		return store.Room{}, errs.NewError(errs.ErrRoomNotFound)
	}

	room, err := h.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Room{}, errs.NewError(errs.ErrRoomNotFound)
		}
		h.logger.Error().Err(err).Str("room_id", roomID).Msg("Failed to load room.")
		return store.Room{}, errs.NewError(errs.ErrPersistenceUnavailable)
	}

	h.cacheRoom(room)
	return room, nil
}

func (h *Hub) cacheRoom(room store.Room) {
	h.roomsMu.Lock()
	h.rooms[room.ID] = room
	h.roomsMu.Unlock()
}

// Rooms lists the catalog.
func (h *Hub) Rooms(ctx context.Context) ([]store.Room, error) {
	rooms, err := h.store.ListRooms(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list rooms.")
		return nil, errs.NewError(errs.ErrPersistenceUnavailable)
	}
	if rooms == nil {
		rooms = []store.Room{}
	}
	return rooms, nil
}

// CreateRoom adds a room to the catalog.
func (h *Hub) CreateRoom(ctx context.Context, room store.Room) (store.Room, error) {
	if !randx.IsValidRoomID(room.ID) || user.CleanNickname(room.Name, "") == "" {
		return store.Room{}, errs.NewError(errs.ErrInvalidParams)
	}

	created, err := h.store.CreateRoom(ctx, room)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Room{}, errs.NewError(errs.ErrRoomExists)
		}
		h.logger.Error().Err(err).Str("room_id", room.ID).Msg("Failed to create room.")
		return store.Room{}, errs.NewError(errs.ErrPersistenceUnavailable)
	}

	h.cacheRoom(created)
	h.logger.Info().Str("room_id", created.ID).Msg("Room created.")
	return created, nil
}

// EnsureRooms seeds the catalog with rooms that do not exist yet.
func (h *Hub) EnsureRooms(ctx context.Context, rooms []store.Room) error {
	for _, room := range rooms {
		if err := h.store.EnsureRoom(ctx, room); err != nil {
			return err
		}
	}
	return nil
}

// Online lists the users currently online in roomID.
func (h *Hub) Online(ctx context.Context, roomID string) ([]store.PresenceRecord, error) {
	if _, err := h.Room(ctx, roomID); err != nil {
		return nil, err
	}

	online, err := h.presence.ListOnline(ctx, roomID)
	if err != nil {
		return nil, errs.NewError(errs.ErrPersistenceUnavailable)
	}
	return online, nil
}

// History returns a page of roomID's messages, oldest first.
func (h *Hub) History(ctx context.Context, roomID string, limit int, beforeID int64) ([]store.Message, error) {
	if _, err := h.Room(ctx, roomID); err != nil {
		return nil, err
	}
	return h.pipeline.History(ctx, roomID, limit, beforeID)
}

// Shutdown stops housekeeping, closes every socket and takes their presence offline.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		h.logger.Info().Msg("Shutting down hub...")

		close(h.done)
		h.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 2*storeTimeout)
		defer cancel()

		conns := h.registry.All()
		for _, conn := range conns {
			conn.Close()
			h.registry.Unregister(ctx, conn.ID)
		}

		h.logger.Info().Int("closed", len(conns)).Msg("Hub shutdown complete.")
	})
}
