package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"recoverychat/internal/app/relay"
	"recoverychat/internal/app/store"
	"recoverychat/internal/app/store/sqlitestore"
	"recoverychat/internal/app/user"
	"recoverychat/internal/pkg/logx"
)

type wireFrame struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type fakeOutbox struct {
	mu     sync.Mutex
	frames []wireFrame
	full   bool
	closed bool
}

func (o *fakeOutbox) Enqueue(frame []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.full {
		return false
	}

	var f wireFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		panic(err)
	}
	o.frames = append(o.frames, f)
	return true
}

func (o *fakeOutbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

func (o *fakeOutbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *fakeOutbox) all() []wireFrame {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]wireFrame(nil), o.frames...)
}

func (o *fakeOutbox) reset() {
	o.mu.Lock()
	o.frames = nil
	o.mu.Unlock()
}

func (o *fakeOutbox) ofType(t EventType) []json.RawMessage {
	var payloads []json.RawMessage
	for _, f := range o.all() {
		if f.Type == t {
			payloads = append(payloads, f.Payload)
		}
	}
	return payloads
}

func (o *fakeOutbox) types() []EventType {
	var types []EventType
	for _, f := range o.all() {
		types = append(types, f.Type)
	}
	return types
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyGateway fails the next N calls of selected operations.
type flakyGateway struct {
	store.Gateway

	mu          sync.Mutex
	upsertFails int
	upsertCalls int
	insertFails int
	insertCalls int
}

var errStoreDown = errors.New("store down")

func (g *flakyGateway) UpsertPresence(ctx context.Context, rec store.PresenceRecord) error {
	g.mu.Lock()
	g.upsertCalls++
	fail := g.upsertFails > 0
	if fail {
		g.upsertFails--
	}
	g.mu.Unlock()

	if fail {
		return errStoreDown
	}
	return g.Gateway.UpsertPresence(ctx, rec)
}

func (g *flakyGateway) InsertMessage(ctx context.Context, msg store.NewMessage) (store.Message, error) {
	g.mu.Lock()
	g.insertCalls++
	fail := g.insertFails > 0
	if fail {
		g.insertFails--
	}
	g.mu.Unlock()

	if fail {
		return store.Message{}, errStoreDown
	}
	return g.Gateway.InsertMessage(ctx, msg)
}

func (g *flakyGateway) failUpserts(n int) {
	g.mu.Lock()
	g.upsertFails, g.upsertCalls = n, 0
	g.mu.Unlock()
}

func (g *flakyGateway) failInserts(n int) {
	g.mu.Lock()
	g.insertFails, g.insertCalls = n, 0
	g.mu.Unlock()
}

func (g *flakyGateway) calls() (upserts, inserts int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.upsertCalls, g.insertCalls
}

func testConfig() Config {
	return Config{
		HeartbeatInterval: 25 * time.Second,
		StaleAfter:        60 * time.Second,
		SweepInterval:     time.Hour,
		TypingWindow:      100 * time.Millisecond,
		ReplayLimit:       50,
	}
}

type testEnv struct {
	hub   *Hub
	store *flakyGateway
	clock *fakeClock
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	return newTestEnvWithRelay(t, cfg, relay.NewLocal())
}

func newTestEnvWithRelay(t *testing.T, cfg Config, rl relay.Relay) *testEnv {
	t.Helper()
	logx.SetOutput(io.Discard, zerolog.Disabled)

	ctx := context.Background()
	sqlite, err := sqlitestore.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	for _, room := range []store.Room{
		{ID: "general", Name: "General", Description: "Open conversation"},
		{ID: "evening", Name: "Evening check-in"},
	} {
		require.NoError(t, sqlite.EnsureRoom(ctx, room))
	}

	gw := &flakyGateway{Gateway: sqlite}
	clock := newFakeClock()

	hub := NewHub(gw, rl, cfg, WithClock(clock.Now))
	hub.presence.backoff = 0
	hub.pipeline.backoff = 0
	t.Cleanup(hub.Shutdown)

	return &testEnv{hub: hub, store: gw, clock: clock}
}

// gatedRelay parks the next Publish until released.
type gatedRelay struct {
	relay.Relay

	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func (r *gatedRelay) hold() (entered <-chan struct{}, release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = make(chan struct{})
	r.entered = make(chan struct{})
	gate := r.gate
	return r.entered, func() { close(gate) }
}

func (r *gatedRelay) Publish(ctx context.Context, env relay.Envelope) error {
	r.mu.Lock()
	gate, entered := r.gate, r.entered
	r.gate, r.entered = nil, nil
	r.mu.Unlock()

	if gate != nil {
		close(entered)
		<-gate
	}
	return r.Relay.Publish(ctx, env)
}

func (e *testEnv) connect(t *testing.T, u user.User) (*Connection, *fakeOutbox) {
	t.Helper()
	out := &fakeOutbox{}
	conn, err := e.hub.Connect(u, out)
	require.NoError(t, err)
	return conn, out
}

func (e *testEnv) join(t *testing.T, conn *Connection, roomID string) {
	t.Helper()
	require.NoError(t, e.hub.JoinRoom(context.Background(), conn, roomID, ""))
}

func onlineNames(records []store.PresenceRecord) []string {
	names := make([]string, 0, len(records))
	for _, rec := range records {
		names = append(names, rec.DisplayName)
	}
	return names
}
