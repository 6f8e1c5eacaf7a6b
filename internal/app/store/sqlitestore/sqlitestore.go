// Package sqlitestore implements store.Gateway on an embedded SQLite database. It backs
// single-node deployments and the package tests of the chat core.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"recoverychat/internal/app/db"
	"recoverychat/internal/app/store"
)

// Store persists rooms, messages and presence in SQLite. Timestamps are stored as Unix
// microseconds.
type Store struct {
	sqlDB *sql.DB
}

var _ store.Gateway = (*Store)(nil)

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

// Open opens the database at path (":memory:" for a private in-memory database) and
// applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	sqlDB, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

func (s *Store) CreateRoom(ctx context.Context, room store.Room) (store.Room, error) {
	room.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO rooms (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
		room.ID, room.Name, room.Description, toMicros(room.CreatedAt),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return store.Room{}, store.ErrConflict
		}
		return store.Room{}, fmt.Errorf("create room %s: %w", room.ID, err)
	}
	return room, nil
}

func (s *Store) EnsureRoom(ctx context.Context, room store.Room) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO rooms (id, name, description, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		room.ID, room.Name, room.Description, toMicros(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("ensure room %s: %w", room.ID, err)
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (store.Room, error) {
	var (
		room      store.Room
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM rooms WHERE id = ?`, id,
	).Scan(&room.ID, &room.Name, &room.Description, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Room{}, store.ErrNotFound
		}
		return store.Room{}, fmt.Errorf("get room %s: %w", id, err)
	}
	room.CreatedAt = fromMicros(createdAt)
	return room, nil
}

func (s *Store) ListRooms(ctx context.Context) ([]store.Room, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id, name, description, created_at FROM rooms ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []store.Room
	for rows.Next() {
		var (
			room      store.Room
			createdAt int64
		)
		if err := rows.Scan(&room.ID, &room.Name, &room.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}
		room.CreatedAt = fromMicros(createdAt)
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg store.NewMessage) (store.Message, error) {
	authorID := sql.NullString{String: msg.AuthorID, Valid: msg.AuthorID != ""}

	var id int64
	err := s.sqlDB.QueryRowContext(ctx,
		`INSERT INTO messages (room_id, author_id, author_name, content, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 RETURNING id`,
		msg.RoomID, authorID, msg.AuthorName, msg.Content, toMicros(msg.CreatedAt),
	).Scan(&id)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return store.Message{}, store.ErrNotFound
		}
		return store.Message{}, fmt.Errorf("insert message into %s: %w", msg.RoomID, err)
	}

	return store.Message{
		ID:         id,
		RoomID:     msg.RoomID,
		AuthorID:   msg.AuthorID,
		AuthorName: msg.AuthorName,
		Anonymous:  msg.AuthorID == "",
		Content:    msg.Content,
		CreatedAt:  fromMicros(toMicros(msg.CreatedAt)),
	}, nil
}

func (s *Store) ListMessages(ctx context.Context, roomID string, limit int, beforeID int64) ([]store.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if beforeID > 0 {
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT id, room_id, author_id, author_name, content, created_at
			   FROM messages
			  WHERE room_id = ?1
			    AND (created_at, id) < (SELECT created_at, id FROM messages WHERE id = ?3 AND room_id = ?1)
			  ORDER BY created_at DESC, id DESC
			  LIMIT ?2`,
			roomID, limit, beforeID,
		)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT id, room_id, author_id, author_name, content, created_at
			   FROM messages
			  WHERE room_id = ?
			  ORDER BY created_at DESC, id DESC
			  LIMIT ?`,
			roomID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", roomID, err)
	}
	defer rows.Close()

	var messages []store.Message
	for rows.Next() {
		var (
			m         store.Message
			authorID  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &authorID, &m.AuthorName, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("list messages of %s: %w", roomID, err)
		}
		m.AuthorID = authorID.String
		m.Anonymous = !authorID.Valid
		m.CreatedAt = fromMicros(createdAt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", roomID, err)
	}
	return messages, nil
}

func (s *Store) UpsertPresence(ctx context.Context, rec store.PresenceRecord) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO presence (user_or_session_id, room_id, display_name, status, last_seen, connection_tag, anonymous)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_or_session_id, room_id) DO UPDATE SET
		     display_name   = excluded.display_name,
		     status         = excluded.status,
		     last_seen      = excluded.last_seen,
		     connection_tag = excluded.connection_tag,
		     anonymous      = excluded.anonymous`,
		rec.UserKey, rec.RoomID, rec.DisplayName, string(rec.Status), toMicros(rec.LastSeen), rec.ConnectionTag, rec.Anonymous,
	)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("upsert presence %s/%s: %w", rec.UserKey, rec.RoomID, err)
	}
	return nil
}

func (s *Store) TouchPresence(ctx context.Context, tag string, at time.Time) (int64, error) {
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE presence SET last_seen = ? WHERE connection_tag = ? AND status = 'online'`,
		toMicros(at), tag,
	)
	if err != nil {
		return 0, fmt.Errorf("touch presence %s: %w", tag, err)
	}
	return result.RowsAffected()
}

func (s *Store) MarkOffline(ctx context.Context, userKey, roomID, tag string, at time.Time) (int64, error) {
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE presence
		    SET status = 'offline', last_seen = ?1
		  WHERE user_or_session_id = ?2
		    AND room_id = ?3
		    AND status = 'online'
		    AND (?4 = '' OR connection_tag = ?4)`,
		toMicros(at), userKey, roomID, tag,
	)
	if err != nil {
		return 0, fmt.Errorf("mark presence offline %s/%s: %w", userKey, roomID, err)
	}
	return result.RowsAffected()
}

func (s *Store) MarkStale(ctx context.Context, cutoff time.Time) ([]store.PresenceRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`UPDATE presence
		    SET status = 'offline'
		  WHERE status = 'online' AND last_seen < ?
		RETURNING user_or_session_id, room_id, display_name, status, last_seen, connection_tag, anonymous`,
		toMicros(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("mark stale presence: %w", err)
	}
	return collectPresence(rows)
}

func (s *Store) ListOnline(ctx context.Context, roomID string) ([]store.PresenceRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT user_or_session_id, room_id, display_name, status, last_seen, connection_tag, anonymous
		   FROM presence
		  WHERE room_id = ? AND status = 'online'
		  ORDER BY display_name, user_or_session_id`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("list online in %s: %w", roomID, err)
	}
	return collectPresence(rows)
}

func collectPresence(rows *sql.Rows) ([]store.PresenceRecord, error) {
	defer rows.Close()

	var records []store.PresenceRecord
	for rows.Next() {
		var (
			rec      store.PresenceRecord
			status   string
			lastSeen int64
		)
		if err := rows.Scan(&rec.UserKey, &rec.RoomID, &rec.DisplayName, &status, &lastSeen, &rec.ConnectionTag, &rec.Anonymous); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		rec.Status = store.PresenceStatus(status)
		rec.LastSeen = fromMicros(lastSeen)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan presence: %w", err)
	}
	return records, nil
}
