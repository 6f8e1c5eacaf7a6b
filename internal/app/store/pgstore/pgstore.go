// Package pgstore implements store.Gateway on PostgreSQL through a pgx connection pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"recoverychat/internal/app/db"
	"recoverychat/internal/app/store"
	"recoverychat/internal/pkg/logx"
)

// Store persists rooms, messages and presence in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

var _ store.Gateway = (*Store)(nil)

// New wraps an already migrated pool (see db.NewPool).
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logx.Component("pgstore"),
	}
}

// Open connects to dsn, applies migrations and returns the store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return New(pool), nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateRoom(ctx context.Context, room store.Room) (store.Room, error) {
	const sql = `insert into rooms (id, name, description) values ($1, $2, $3) returning created_at`

	err := s.pool.QueryRow(ctx, sql, room.ID, room.Name, room.Description).Scan(&room.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return store.Room{}, store.ErrConflict
		}
		return store.Room{}, fmt.Errorf("create room %s: %w", room.ID, err)
	}

	s.logger.Debug().Str("room_id", room.ID).Msg("Room created.")
	return room, nil
}

func (s *Store) EnsureRoom(ctx context.Context, room store.Room) error {
	const sql = `insert into rooms (id, name, description) values ($1, $2, $3) on conflict (id) do nothing`

	if _, err := s.pool.Exec(ctx, sql, room.ID, room.Name, room.Description); err != nil {
		return fmt.Errorf("ensure room %s: %w", room.ID, err)
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (store.Room, error) {
	const sql = `select id, name, description, created_at from rooms where id = $1`

	var room store.Room
	err := s.pool.QueryRow(ctx, sql, id).Scan(&room.ID, &room.Name, &room.Description, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Room{}, store.ErrNotFound
		}
		return store.Room{}, fmt.Errorf("get room %s: %w", id, err)
	}
	return room, nil
}

func (s *Store) ListRooms(ctx context.Context) ([]store.Room, error) {
	const sql = `select id, name, description, created_at from rooms order by name, id`

	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	rooms, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Room, error) {
		var room store.Room
		err := row.Scan(&room.ID, &room.Name, &room.Description, &room.CreatedAt)
		return room, err
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg store.NewMessage) (store.Message, error) {
	const sql = `insert into messages (room_id, author_id, author_name, content, created_at)
	             values ($1, $2, $3, $4, $5)
	             returning id`

	authorID := pgtype.Text{String: msg.AuthorID, Valid: msg.AuthorID != ""}

	var id int64
	err := s.pool.QueryRow(ctx, sql, msg.RoomID, authorID, msg.AuthorName, msg.Content, msg.CreatedAt).Scan(&id)
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
		CreatedAt:  msg.CreatedAt,
	}, nil
}

func (s *Store) ListMessages(ctx context.Context, roomID string, limit int, beforeID int64) ([]store.Message, error) {
	const latest = `select id, room_id, author_id, author_name, content, created_at
	                  from messages
	                 where room_id = $1
	                 order by created_at desc, id desc
	                 limit $2`

	const before = `select id, room_id, author_id, author_name, content, created_at
	                  from messages
	                 where room_id = $1
	                   and (created_at, id) < (select created_at, id from messages where id = $3 and room_id = $1)
	                 order by created_at desc, id desc
	                 limit $2`

	var (
		rows pgx.Rows
		err  error
	)
	if beforeID > 0 {
		rows, err = s.pool.Query(ctx, before, roomID, limit, beforeID)
	} else {
		rows, err = s.pool.Query(ctx, latest, roomID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", roomID, err)
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Message, error) {
		var (
			m        store.Message
			authorID pgtype.Text
		)
		err := row.Scan(&m.ID, &m.RoomID, &authorID, &m.AuthorName, &m.Content, &m.CreatedAt)
		m.AuthorID = authorID.String
		m.Anonymous = !authorID.Valid
		m.CreatedAt = m.CreatedAt.UTC()
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", roomID, err)
	}
	return messages, nil
}

func (s *Store) UpsertPresence(ctx context.Context, rec store.PresenceRecord) error {
	const sql = `insert into presence (user_or_session_id, room_id, display_name, status, last_seen, connection_tag, anonymous)
	             values ($1, $2, $3, $4, $5, $6, $7)
	             on conflict (user_or_session_id, room_id) do update
	                set display_name   = excluded.display_name,
	                    status         = excluded.status,
	                    last_seen      = excluded.last_seen,
	                    connection_tag = excluded.connection_tag,
	                    anonymous      = excluded.anonymous`

	_, err := s.pool.Exec(ctx, sql, rec.UserKey, rec.RoomID, rec.DisplayName, string(rec.Status), rec.LastSeen, rec.ConnectionTag, rec.Anonymous)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("upsert presence %s/%s: %w", rec.UserKey, rec.RoomID, err)
	}
	return nil
}

func (s *Store) TouchPresence(ctx context.Context, tag string, at time.Time) (int64, error) {
	const sql = `update presence set last_seen = $2 where connection_tag = $1 and status = 'online'`

	result, err := s.pool.Exec(ctx, sql, tag, at)
	if err != nil {
		return 0, fmt.Errorf("touch presence %s: %w", tag, err)
	}
	return result.RowsAffected(), nil
}

func (s *Store) MarkOffline(ctx context.Context, userKey, roomID, tag string, at time.Time) (int64, error) {
	const sql = `update presence
	                set status = 'offline', last_seen = $3
	              where user_or_session_id = $1
	                and room_id = $2
	                and status = 'online'
	                and ($4 = '' or connection_tag = $4)`

	result, err := s.pool.Exec(ctx, sql, userKey, roomID, at, tag)
	if err != nil {
		return 0, fmt.Errorf("mark presence offline %s/%s: %w", userKey, roomID, err)
	}
	return result.RowsAffected(), nil
}

func (s *Store) MarkStale(ctx context.Context, cutoff time.Time) ([]store.PresenceRecord, error) {
	const sql = `update presence
	                set status = 'offline'
	              where status = 'online' and last_seen < $1
	          returning user_or_session_id, room_id, display_name, status, last_seen, connection_tag, anonymous`

	rows, err := s.pool.Query(ctx, sql, cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark stale presence: %w", err)
	}

	records, err := pgx.CollectRows(rows, scanPresence)
	if err != nil {
		return nil, fmt.Errorf("mark stale presence: %w", err)
	}

	if len(records) > 0 {
		s.logger.Debug().Int("swept", len(records)).Time("cutoff", cutoff).Msg("Stale presence rows marked offline.")
	}
	return records, nil
}

func (s *Store) ListOnline(ctx context.Context, roomID string) ([]store.PresenceRecord, error) {
	const sql = `select user_or_session_id, room_id, display_name, status, last_seen, connection_tag, anonymous
	               from presence
	              where room_id = $1 and status = 'online'
	              order by display_name, user_or_session_id`

	rows, err := s.pool.Query(ctx, sql, roomID)
	if err != nil {
		return nil, fmt.Errorf("list online in %s: %w", roomID, err)
	}

	records, err := pgx.CollectRows(rows, scanPresence)
	if err != nil {
		return nil, fmt.Errorf("list online in %s: %w", roomID, err)
	}
	return records, nil
}

func scanPresence(row pgx.CollectableRow) (store.PresenceRecord, error) {
	var (
		rec    store.PresenceRecord
		status string
	)
	err := row.Scan(&rec.UserKey, &rec.RoomID, &rec.DisplayName, &status, &rec.LastSeen, &rec.ConnectionTag, &rec.Anonymous)
	rec.Status = store.PresenceStatus(status)
	rec.LastSeen = rec.LastSeen.UTC()
	return rec, err
}
