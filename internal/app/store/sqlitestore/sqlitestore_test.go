package sqlitestore

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"recoverychat/internal/app/store"
	"recoverychat/internal/pkg/logx"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	logx.SetOutput(io.Discard, zerolog.Disabled)

	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.EnsureRoom(context.Background(), store.Room{ID: "general", Name: "General"}))
	return s
}

func TestRooms(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.EnsureRoom(ctx, store.Room{ID: "general", Name: "Renamed"}))

	room, err := s.GetRoom(ctx, "general")
	require.NoError(t, err)
	require.Equal(t, "General", room.Name)

	_, err = s.CreateRoom(ctx, store.Room{ID: "general", Name: "Again"})
	require.ErrorIs(t, err, store.ErrConflict)

	created, err := s.CreateRoom(ctx, store.Room{ID: "anxiety", Name: "Anxiety", Description: "Coping together"})
	require.NoError(t, err)
	require.False(t, created.CreatedAt.IsZero())

	_, err = s.GetRoom(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	require.Equal(t, "anxiety", rooms[0].ID)
	require.Equal(t, "general", rooms[1].ID)
}

func TestMessagesNewestFirstWithPaging(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var ids []int64
	for i := 0; i < 5; i++ {
		author := "u1"
		if i%2 == 1 {
			author = ""
		}
		m, err := s.InsertMessage(ctx, store.NewMessage{
			RoomID:     "general",
			AuthorID:   author,
			AuthorName: "alice",
			Content:    fmt.Sprintf("m%d", i),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	latest, err := s.ListMessages(ctx, "general", 3, 0)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	require.Equal(t, "m4", latest[0].Content)
	require.Equal(t, "m2", latest[2].Content)
	require.False(t, latest[2].Anonymous)
	require.True(t, latest[1].Anonymous)
	require.Empty(t, latest[1].AuthorID)
	require.Equal(t, base.Add(4*time.Second), latest[0].CreatedAt)

	older, err := s.ListMessages(ctx, "general", 10, ids[2])
	require.NoError(t, err)
	require.Len(t, older, 2)
	require.Equal(t, "m1", older[0].Content)
	require.Equal(t, "m0", older[1].Content)

	empty, err := s.ListMessages(ctx, "general", 10, 9999)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestMessagesSameTimestampOrderedByID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := s.InsertMessage(ctx, store.NewMessage{RoomID: "general", AuthorName: "a", Content: fmt.Sprint(i), CreatedAt: at})
		require.NoError(t, err)
	}

	got, err := s.ListMessages(ctx, "general", 10, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"2", "1", "0"}, []string{got[0].Content, got[1].Content, got[2].Content})
}

func TestInsertMessageUnknownRoom(t *testing.T) {
	s := newStore(t)

	_, err := s.InsertMessage(context.Background(), store.NewMessage{RoomID: "nope", AuthorName: "a", Content: "x", CreatedAt: time.Now()})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPresenceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := store.PresenceRecord{
		UserKey: "u1", RoomID: "general", DisplayName: "zed",
		Status: store.StatusOnline, LastSeen: t0, ConnectionTag: "c1",
	}
	require.NoError(t, s.UpsertPresence(ctx, rec))

	rec.ConnectionTag = "c2"
	rec.LastSeen = t0.Add(time.Second)
	require.NoError(t, s.UpsertPresence(ctx, rec))

	require.NoError(t, s.UpsertPresence(ctx, store.PresenceRecord{
		UserKey: "u2", RoomID: "general", DisplayName: "amy",
		Status: store.StatusOnline, LastSeen: t0, ConnectionTag: "c3",
	}))

	online, err := s.ListOnline(ctx, "general")
	require.NoError(t, err)
	require.Len(t, online, 2)
	require.Equal(t, "amy", online[0].DisplayName)
	require.Equal(t, "zed", online[1].DisplayName)
	require.Equal(t, "c2", online[1].ConnectionTag)

	// c1 no longer owns the row.
	n, err := s.MarkOffline(ctx, "u1", "general", "c1", t0.Add(2*time.Second))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.TouchPresence(ctx, "c2", t0.Add(3*time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.MarkOffline(ctx, "u1", "general", "c2", t0.Add(4*time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.TouchPresence(ctx, "c2", t0.Add(5*time.Second))
	require.NoError(t, err)
	require.Zero(t, n)

	online, err = s.ListOnline(ctx, "general")
	require.NoError(t, err)
	require.Len(t, online, 1)

	n, err = s.MarkOffline(ctx, "u2", "general", "", t0.Add(5*time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.MarkOffline(ctx, "u2", "general", "", t0.Add(6*time.Second))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestUpsertPresenceUnknownRoom(t *testing.T) {
	s := newStore(t)

	err := s.UpsertPresence(context.Background(), store.PresenceRecord{
		UserKey: "u1", RoomID: "nope", DisplayName: "a",
		Status: store.StatusOnline, LastSeen: time.Now(), ConnectionTag: "c1",
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkStaleStrictlyBeforeCutoff(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	cutoff := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for key, seen := range map[string]time.Time{
		"old":   cutoff.Add(-time.Second),
		"exact": cutoff,
		"fresh": cutoff.Add(time.Second),
	} {
		require.NoError(t, s.UpsertPresence(ctx, store.PresenceRecord{
			UserKey: key, RoomID: "general", DisplayName: key,
			Status: store.StatusOnline, LastSeen: seen, ConnectionTag: "tag-" + key,
		}))
	}

	swept, err := s.MarkStale(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	require.Equal(t, "old", swept[0].UserKey)
	require.Equal(t, store.StatusOffline, swept[0].Status)
	require.Equal(t, cutoff.Add(-time.Second), swept[0].LastSeen)

	again, err := s.MarkStale(ctx, cutoff)
	require.NoError(t, err)
	require.Empty(t, again)

	online, err := s.ListOnline(ctx, "general")
	require.NoError(t, err)
	require.Len(t, online, 2)
}

func TestPresenceKeepsAnonymousFlag(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertPresence(ctx, store.PresenceRecord{
		UserKey: "guest_k8j7h6", RoomID: "general", DisplayName: "Quiet Fox",
		Status: store.StatusOnline, LastSeen: t0, ConnectionTag: "c1", Anonymous: true,
	}))
	require.NoError(t, s.UpsertPresence(ctx, store.PresenceRecord{
		UserKey: "u1", RoomID: "general", DisplayName: "Ann",
		Status: store.StatusOnline, LastSeen: t0.Add(time.Minute), ConnectionTag: "c2",
	}))

	online, err := s.ListOnline(ctx, "general")
	require.NoError(t, err)
	require.Len(t, online, 2)
	require.False(t, online[0].Anonymous)
	require.True(t, online[1].Anonymous)
	require.Equal(t, "guest_k8j7h6", online[1].UserKey)

	swept, err := s.MarkStale(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, swept, 1)
	require.True(t, swept[0].Anonymous)
}
