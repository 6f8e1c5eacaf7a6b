package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"recoverychat/internal/app/chat"
	"recoverychat/internal/app/relay"
	"recoverychat/internal/app/store"
	"recoverychat/internal/app/store/sqlitestore"
	"recoverychat/internal/configs"
	"recoverychat/internal/pkg/auth/jwt"
	"recoverychat/internal/pkg/errs"
	"recoverychat/internal/pkg/logx"
	"recoverychat/internal/pkg/randx"
)

const (
	testSecret     = "handler-test-secret"
	testAdminToken = "handler-test-admin"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	logx.SetOutput(io.Discard, zerolog.Disabled)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sqlite, err := sqlitestore.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	hub := chat.NewHub(sqlite, relay.NewLocal(), chat.DefaultConfig())
	t.Cleanup(hub.Shutdown)

	require.NoError(t, hub.EnsureRooms(ctx, []store.Room{
		{ID: "general", Name: "General", Description: "Open conversation"},
		{ID: "evening", Name: "Evening check-in"},
	}))

	deps := &AppDeps{
		Hub: hub,
		Config: &configs.AppConfig{
			Environment: "development",
			JWTSecret:   testSecret,
			AdminToken:  testAdminToken,
		},
	}

	srv := httptest.NewServer(Router(ctx, deps))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, srv *httptest.Server, path string) (int, envelope) {
	t.Helper()
	res, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()

	var body envelope
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return res.StatusCode, body
}

func postJSON(t *testing.T, srv *httptest.Server, path string, headers map[string]string, payload any) (int, envelope) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	r, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	r.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		r.Header.Set(k, v)
	}

	res, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	defer res.Body.Close()

	var body envelope
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return res.StatusCode, body
}

func dial(t *testing.T, srv *httptest.Server, query url.Values) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query.Encode()

	ws, res, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	_ = res.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ string, payload any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"type": typ, "payload": payload}))
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f wsFrame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Type == typ {
			return f.Payload
		}
	}
}

func TestHealth(t *testing.T) {
	srv := newServer(t)

	status, body := getJSON(t, srv, "/health")
	require.Equal(t, http.StatusOK, status)
	require.Zero(t, body.Code)
	require.Contains(t, string(body.Data), `"status":"ok"`)
}

func TestWebSocketChatRoundTrip(t *testing.T) {
	srv := newServer(t)

	guest := dial(t, srv, url.Values{"guest": {"guest_Ab12Cd"}, "name": {"  Quiet   Fox "}})

	token, err := jwt.GenerateToken(&jwt.Payload{ID: "member-1", Name: "Bo"}, testSecret, time.Minute)
	require.NoError(t, err)
	member := dial(t, srv, url.Values{"token": {token}})

	send(t, guest, "join_room", map[string]any{"room": "general"})
	var joined chat.RoomJoinedPayload
	require.NoError(t, json.Unmarshal(readUntil(t, guest, "room_joined"), &joined))
	require.Equal(t, "general", joined.Room)
	require.Equal(t, "General", joined.RoomInfo.Name)
	require.Empty(t, joined.Messages)

	send(t, member, "join_room", map[string]any{"room": "general"})
	readUntil(t, member, "room_joined")

	var arrival chat.UserEventPayload
	require.NoError(t, json.Unmarshal(readUntil(t, guest, "user_joined"), &arrival))
	require.Equal(t, "Bo", arrival.Username)

	send(t, guest, "chat_message", map[string]any{"room": "general", "content": " hello "})

	var msg store.Message
	require.NoError(t, json.Unmarshal(readUntil(t, member, "new_message"), &msg))
	require.Equal(t, "hello", msg.Content)
	require.Equal(t, "Quiet Fox", msg.AuthorName)
	require.True(t, msg.Anonymous)
	require.Empty(t, msg.AuthorID)

	send(t, member, "chat_message", map[string]any{"room": "evening", "content": "wrong room"})
	var failure chat.ErrorPayload
	require.NoError(t, json.Unmarshal(readUntil(t, member, "error"), &failure))
	require.Equal(t, errs.ErrNotInRoom, failure.Code)

	status, body := getJSON(t, srv, "/api/rooms/general/messages?limit=10")
	require.Equal(t, http.StatusOK, status)
	var history struct {
		Messages []store.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &history))
	require.Len(t, history.Messages, 1)
	require.Equal(t, msg.ID, history.Messages[0].ID)

	status, body = getJSON(t, srv, "/api/rooms/general/online")
	require.Equal(t, http.StatusOK, status)
	var online struct {
		Online []store.PresenceRecord `json:"online"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &online))
	require.Len(t, online.Online, 2)

	// Closing the guest socket is an ungraceful leave the member hears about.
	require.NoError(t, guest.Close())
	var left chat.UserEventPayload
	require.NoError(t, json.Unmarshal(readUntil(t, member, "user_left"), &left))
	require.Equal(t, "Quiet Fox", left.Username)
}

func TestRoomEndpoints(t *testing.T) {
	srv := newServer(t)

	status, body := getJSON(t, srv, "/api/rooms")
	require.Equal(t, http.StatusOK, status)
	var list struct {
		Rooms []store.Room `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &list))
	require.Len(t, list.Rooms, 2)

	status, body = getJSON(t, srv, "/api/rooms/evening")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(body.Data), "Evening check-in")

	status, body = getJSON(t, srv, "/api/rooms/nowhere")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, errs.ErrRoomNotFound, body.Code)

	status, body = getJSON(t, srv, "/api/rooms/general/messages?limit=lots")
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, errs.ErrInvalidParams, body.Code)

	status, body = getJSON(t, srv, "/api/rooms/nowhere/online")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, errs.ErrRoomNotFound, body.Code)
}

func TestAdminCreateRoom(t *testing.T) {
	srv := newServer(t)
	room := map[string]any{"id": "sponsors", "name": "Sponsors"}

	status, body := postJSON(t, srv, "/api/admin/rooms", nil, room)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, errs.ErrUnauthorized, body.Code)

	admin := map[string]string{AdminTokenHeader: testAdminToken}

	status, body = postJSON(t, srv, "/api/admin/rooms", admin, room)
	require.Equal(t, http.StatusOK, status)
	require.Zero(t, body.Code)

	status, body = postJSON(t, srv, "/api/admin/rooms", admin, room)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, errs.ErrRoomExists, body.Code)

	status, body = postJSON(t, srv, "/api/admin/rooms", admin, map[string]any{"id": "Not A Slug", "name": "x"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, errs.ErrInvalidParams, body.Code)

	status, _ = getJSON(t, srv, "/api/rooms/sponsors")
	require.Equal(t, http.StatusOK, status)
}

func TestGuestSession(t *testing.T) {
	srv := newServer(t)

	status, body := postJSON(t, srv, "/api/guest", nil, map[string]any{})
	require.Equal(t, http.StatusOK, status)

	var session GuestSession
	require.NoError(t, json.Unmarshal(body.Data, &session))
	require.True(t, randx.IsValidGuestID(session.GuestID))
	require.True(t, strings.HasPrefix(session.Nickname, randx.GuestNicknamePrefix))
}

func TestOversizedMessageKeepsSocketOpen(t *testing.T) {
	srv := newServer(t)
	ws := dial(t, srv, url.Values{"guest": {"guest_Zz9Yy8"}, "name": {"Long Talker"}})

	send(t, ws, "join_room", map[string]any{"room": "general"})
	readUntil(t, ws, "room_joined")

	send(t, ws, "chat_message", map[string]any{"room": "general", "content": strings.Repeat("x", 9000)})
	var failure chat.ErrorPayload
	require.NoError(t, json.Unmarshal(readUntil(t, ws, "error"), &failure))
	require.Equal(t, errs.ErrInvalidMessage, failure.Code)

	// A body at the cap is accepted even when the client escapes every character.
	longest := strings.Repeat("<", chat.MaxMessageLength)
	send(t, ws, "chat_message", map[string]any{"room": "general", "content": longest})
	var msg store.Message
	require.NoError(t, json.Unmarshal(readUntil(t, ws, "new_message"), &msg))
	require.Equal(t, longest, msg.Content)
}
