package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"recoverychat/internal/pkg/logx"
)

// DefaultTypingWindow is how long a typing signal stays active without a refresh.
const DefaultTypingWindow = 1500 * time.Millisecond

type typingEntry struct {
	username  string
	userID    string
	startedAt time.Time
	timer     *time.Timer
	gen       uint64
}

type typingAnnouncement struct {
	connID   string
	username string
	userID   string
	isTyping bool
}

type typingRoom struct {
	mu      sync.Mutex
	entries map[string]*typingEntry

	// pending holds announcements in the order the state changed; flushing marks the
	// goroutine currently publishing them.
	pending  []typingAnnouncement
	flushing bool
}

// Typing debounces typing indicators. State lives only in memory: one entry per
// (room, connection), expiring after the window unless refreshed. Announcements are queued
// under the room's lock and published after it is released, in queue order, so a stop never
// overtakes its start.
type Typing struct {
	broadcaster *Broadcaster
	window      time.Duration
	now         Clock

	mu    sync.Mutex
	rooms map[string]*typingRoom
	gen   uint64

	logger zerolog.Logger
}

func NewTyping(b *Broadcaster, window time.Duration, now Clock) *Typing {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Typing{
		broadcaster: b,
		window:      window,
		now:         now,
		rooms:       make(map[string]*typingRoom),
		logger:      logx.Component("typing"),
	}
}

func (t *Typing) room(roomID string) *typingRoom {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.rooms[roomID]
	if !ok {
		tr = &typingRoom{entries: make(map[string]*typingEntry)}
		t.rooms[roomID] = tr
	}
	return tr
}

func (t *Typing) nextGen() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	return t.gen
}

// SetTyping records a typing signal from conn in roomID. A start is broadcast when the
// connection was idle or its last start is older than the window; a stop is broadcast
// once per start.
func (t *Typing) SetTyping(ctx context.Context, conn *Connection, roomID string, isTyping bool) {
	tr := t.room(roomID)
	u := conn.User()

	tr.mu.Lock()
	entry, active := tr.entries[conn.ID]

	switch {
	case !isTyping && !active:
		tr.mu.Unlock()
		return

	case !isTyping:
		entry.timer.Stop()
		delete(tr.entries, conn.ID)
		tr.queue(conn.ID, entry, false)

	default:
		now := t.now()
		gen := t.nextGen()

		if active {
			entry.timer.Stop()
		} else {
			entry = &typingEntry{username: u.Nickname, userID: u.AuthorID()}
			tr.entries[conn.ID] = entry
		}
		if !active || now.Sub(entry.startedAt) >= t.window {
			entry.startedAt = now
			tr.queue(conn.ID, entry, true)
		}
		entry.gen = gen
		entry.timer = time.AfterFunc(t.window, func() { t.expire(roomID, conn.ID, gen) })
	}
	tr.mu.Unlock()

	t.flush(ctx, roomID, tr)
}

// expire ends a typing signal that was not refreshed in time.
func (t *Typing) expire(roomID, connID string, gen uint64) {
	tr := t.room(roomID)

	tr.mu.Lock()
	entry, ok := tr.entries[connID]
	if !ok || entry.gen != gen {
		tr.mu.Unlock()
		return
	}
	delete(tr.entries, connID)
	tr.queue(connID, entry, false)
	tr.mu.Unlock()

	t.flush(context.Background(), roomID, tr)
}

// queue appends an announcement. Callers hold tr.mu.
func (tr *typingRoom) queue(connID string, entry *typingEntry, isTyping bool) {
	tr.pending = append(tr.pending, typingAnnouncement{
		connID:   connID,
		username: entry.username,
		userID:   entry.userID,
		isTyping: isTyping,
	})
}

// flush publishes queued announcements without holding tr.mu. Only one goroutine flushes
// a room at a time; announcements queued meanwhile are picked up by that goroutine.
func (t *Typing) flush(ctx context.Context, roomID string, tr *typingRoom) {
	tr.mu.Lock()
	if tr.flushing {
		tr.mu.Unlock()
		return
	}
	tr.flushing = true

	for len(tr.pending) > 0 {
		batch := tr.pending
		tr.pending = nil
		tr.mu.Unlock()

		for _, a := range batch {
			t.announce(ctx, roomID, a)
		}

		tr.mu.Lock()
	}

	tr.flushing = false
	tr.mu.Unlock()
}

// Clear drops the connection's typing state in roomID, announcing a stop if it was active.
func (t *Typing) Clear(ctx context.Context, conn *Connection, roomID string) {
	t.SetTyping(ctx, conn, roomID, false)
}

// Active reports whether conn currently has a live typing signal in roomID.
func (t *Typing) Active(roomID, connID string) bool {
	tr := t.room(roomID)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	_, ok := tr.entries[connID]
	return ok
}

func (t *Typing) announce(ctx context.Context, roomID string, a typingAnnouncement) {
	ev := Event{
		Type:    EventUserTyping,
		Payload: UserTypingPayload{Username: a.username, IsTyping: a.isTyping, UserID: a.userID},
	}
	if err := t.broadcaster.Broadcast(ctx, roomID, ev, a.connID); err != nil {
		t.logger.Warn().Err(err).Str("room_id", roomID).Msg("Failed to broadcast typing state.")
	}
}
