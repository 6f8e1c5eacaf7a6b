package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"recoverychat/internal/app/user"
	"recoverychat/internal/pkg/errs"
)

type change struct {
	conn     string
	from, to string
}

type recordingObserver struct {
	mu      sync.Mutex
	changes []change
}

func (o *recordingObserver) MembershipChanged(_ context.Context, conn *Connection, from, to string) {
	o.mu.Lock()
	o.changes = append(o.changes, change{conn: conn.ID, from: from, to: to})
	o.mu.Unlock()
}

func (o *recordingObserver) all() []change {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]change(nil), o.changes...)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := NewRegistry(nil, nil)

	_, err := r.Register("c1", user.Member("u1", "Ann"), &fakeOutbox{})
	require.NoError(t, err)

	_, err = r.Register("c1", user.Member("u2", "Bo"), &fakeOutbox{})
	require.True(t, errs.IsCode(err, errs.ErrDuplicateConnection))
	require.Equal(t, 1, r.Count())
}

func TestSetRoomKeepsOneRoomAtATime(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(obs, nil)
	ctx := context.Background()

	conn, err := r.Register("c1", user.Member("u1", "Ann"), &fakeOutbox{})
	require.NoError(t, err)

	require.NoError(t, r.SetRoom(ctx, "c1", "general"))
	require.NoError(t, r.SetRoom(ctx, "c1", "evening"))

	require.Empty(t, r.ListConnectionsInRoom("general"))
	require.Len(t, r.ListConnectionsInRoom("evening"), 1)
	require.Equal(t, "evening", conn.Room())

	require.Equal(t, []change{
		{conn: "c1", from: "", to: "general"},
		{conn: "c1", from: "general", to: "evening"},
	}, obs.all())
}

func TestSetRoomTwiceIsIdempotent(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(obs, nil)
	ctx := context.Background()

	_, err := r.Register("c1", user.Member("u1", "Ann"), &fakeOutbox{})
	require.NoError(t, err)

	require.NoError(t, r.SetRoom(ctx, "c1", "general"))
	require.NoError(t, r.SetRoom(ctx, "c1", "general"))

	require.Len(t, r.ListConnectionsInRoom("general"), 1)
	require.Len(t, obs.all(), 2)
	require.Equal(t, change{conn: "c1", from: "general", to: "general"}, obs.all()[1])
}

func TestSetRoomUnknownConnection(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.ErrorIs(t, r.SetRoom(context.Background(), "ghost", "general"), ErrConnectionLost)
	require.Empty(t, r.ListConnectionsInRoom("general"))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(obs, nil)
	ctx := context.Background()

	_, err := r.Register("c1", user.Member("u1", "Ann"), &fakeOutbox{})
	require.NoError(t, err)
	require.NoError(t, r.SetRoom(ctx, "c1", "general"))

	r.Unregister(ctx, "c1")
	r.Unregister(ctx, "c1")
	r.Unregister(ctx, "never-registered")

	require.Zero(t, r.Count())
	require.Empty(t, r.ListConnectionsInRoom("general"))
	require.Equal(t, []change{
		{conn: "c1", from: "", to: "general"},
		{conn: "c1", from: "general", to: ""},
	}, obs.all())
}

func TestUnregisterWithoutRoomDoesNotNotify(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(obs, nil)

	_, err := r.Register("c1", user.Member("u1", "Ann"), &fakeOutbox{})
	require.NoError(t, err)

	r.Unregister(context.Background(), "c1")
	require.Empty(t, obs.all())
}

func TestTouchAndStale(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(nil, clock.Now)

	_, err := r.Register("c1", user.Member("u1", "Ann"), &fakeOutbox{})
	require.NoError(t, err)
	_, err = r.Register("c2", user.Member("u2", "Bo"), &fakeOutbox{})
	require.NoError(t, err)

	clock.Advance(45 * time.Second)
	r.Touch("c2")
	r.Touch("ghost")

	clock.Advance(20 * time.Second)

	stale := r.Stale(60 * time.Second)
	require.Len(t, stale, 1)
	require.Equal(t, "c1", stale[0].ID)
}

func TestConnectionsForUser(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()

	for id, u := range map[string]user.User{
		"tab1": user.Member("u1", "Ann"),
		"tab2": user.Member("u1", "Ann"),
		"c3":   user.Member("u2", "Bo"),
	} {
		_, err := r.Register(id, u, &fakeOutbox{})
		require.NoError(t, err)
		require.NoError(t, r.SetRoom(ctx, id, "general"))
	}

	require.Len(t, r.ConnectionsForUser("general", "u1"), 2)
	require.Len(t, r.ConnectionsForUser("general", "u2"), 1)
	require.Empty(t, r.ConnectionsForUser("evening", "u1"))
}

func TestConcurrentMembershipChanges(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()
	rooms := []string{"general", "evening", "mornings"}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		id := "c" + string(rune('a'+i))
		_, err := r.Register(id, user.Member(id, id), &fakeOutbox{})
		require.NoError(t, err)

		wg.Add(1)
		go func(id string, i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = r.SetRoom(ctx, id, rooms[(i+j)%len(rooms)])
			}
		}(id, i)
	}
	wg.Wait()

	total := 0
	for _, room := range rooms {
		total += len(r.ListConnectionsInRoom(room))
	}
	require.Equal(t, 30, total)
}
