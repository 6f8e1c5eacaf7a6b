/*
Package store defines the persistence gateway the chat core calls synchronously: the room
catalog, the append-only message log and the presence table that is the system of record for
who is online where. Implementations live in pgstore (PostgreSQL) and sqlitestore (SQLite).
*/
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a referenced room or message does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an insert collides with an existing key.
	ErrConflict = errors.New("store: conflict")
)

// PresenceStatus is the liveness state of a presence row.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// Room is a catalog entry. Rooms are created by configuration or an admin, never by members.
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Message is an immutable chat message. Within a room, messages are ordered by CreatedAt
// and then ID.
type Message struct {
	ID     int64  `json:"id"`
	RoomID string `json:"room"`

	// AuthorID is empty for anonymous authors.
	AuthorID   string    `json:"authorId,omitempty"`
	AuthorName string    `json:"author"`
	Anonymous  bool      `json:"anonymous"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewMessage is the input of Gateway.InsertMessage.
type NewMessage struct {
	RoomID     string
	AuthorID   string
	AuthorName string
	Content    string
	CreatedAt  time.Time
}

// PresenceRecord is one row of the presence table, unique per (UserKey, RoomID).
type PresenceRecord struct {
	// UserKey is the user id, or the guest session id for anonymous members.
	UserKey     string         `json:"userId"`
	RoomID      string         `json:"room"`
	DisplayName string         `json:"username"`
	Status      PresenceStatus `json:"status"`
	LastSeen    time.Time      `json:"lastSeen"`
	Anonymous   bool           `json:"anonymous"`

	// ConnectionTag identifies the connection that last wrote the row.
	ConnectionTag string `json:"-"`
}

// MarshalJSON leaves out the key of anonymous rows: a guest session id is a bearer secret.
func (r PresenceRecord) MarshalJSON() ([]byte, error) {
	type wire PresenceRecord
	if r.Anonymous {
		r.UserKey = ""
	}
	return json.Marshal(struct {
		wire
		UserKey string `json:"userId,omitempty"`
	}{wire: wire(r), UserKey: r.UserKey})
}

// Gateway is the durable store used by the chat core. Every method may cross a process
// boundary and must not be called while holding an in-memory room lock.
type Gateway interface {
	// CreateRoom inserts a room, failing with ErrConflict when the id exists.
	CreateRoom(ctx context.Context, room Room) (Room, error)

	// EnsureRoom inserts a room unless its id already exists.
	EnsureRoom(ctx context.Context, room Room) error

	// GetRoom returns the room or ErrNotFound.
	GetRoom(ctx context.Context, id string) (Room, error)

	// ListRooms returns the catalog ordered by name.
	ListRooms(ctx context.Context) ([]Room, error)

	// InsertMessage appends a message and returns it with its assigned id.
	// A missing room yields ErrNotFound.
	InsertMessage(ctx context.Context, msg NewMessage) (Message, error)

	// ListMessages returns up to limit messages of a room, newest first. A positive
	// beforeID restricts the result to messages ordered strictly before that message.
	ListMessages(ctx context.Context, roomID string, limit int, beforeID int64) ([]Message, error)

	// UpsertPresence writes rec keyed by (UserKey, RoomID); the latest writer wins.
	UpsertPresence(ctx context.Context, rec PresenceRecord) error

	// TouchPresence refreshes last_seen of online rows owned by tag and returns the number
	// of rows updated.
	TouchPresence(ctx context.Context, tag string, at time.Time) (int64, error)

	// MarkOffline sets an online row offline. A non-empty tag only matches a row still owned
	// by that connection. It returns the number of rows updated.
	MarkOffline(ctx context.Context, userKey, roomID, tag string, at time.Time) (int64, error)

	// MarkStale sets every online row with last_seen before cutoff offline and returns them.
	MarkStale(ctx context.Context, cutoff time.Time) ([]PresenceRecord, error)

	// ListOnline returns the online rows of a room ordered by display name.
	ListOnline(ctx context.Context, roomID string) ([]PresenceRecord, error)

	// Close releases the underlying handle.
	Close() error
}
