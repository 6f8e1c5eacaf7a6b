package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"recoverychat/internal/app/store"
	"recoverychat/internal/pkg/errs"
)

// EventType names a websocket frame.
type EventType string

// Client to server events.
const (
	EventJoinRoom    EventType = "join_room"
	EventChatMessage EventType = "chat_message"
	EventTyping      EventType = "typing"
	EventLeaveRoom   EventType = "leave_room"
	EventHeartbeat   EventType = "heartbeat"
)

// Server to client events.
const (
	EventRoomJoined  EventType = "room_joined"
	EventRoomLeft    EventType = "room_left"
	EventNewMessage  EventType = "new_message"
	EventUserJoined  EventType = "user_joined"
	EventUserLeft    EventType = "user_left"
	EventUserTyping  EventType = "user_typing"
	EventOnlineUsers EventType = "online_users"
	EventError       EventType = "error"
)

// ErrConnectionLost reports that a connection's outbound queue no longer accepts frames.
// It drives cleanup and is never sent to a client.
var ErrConnectionLost = errors.New("chat: connection lost")

// Frame is an inbound websocket frame with its payload left raw until the type is known.
type Frame struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is an outbound websocket frame.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// Encode marshals the event into a text frame.
func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return b, nil
}

type JoinRoomPayload struct {
	Room string `json:"room"`

	// User optionally overrides the display name of anonymous connections.
	User *struct {
		Username string `json:"username"`
	} `json:"user,omitempty"`
}

type ChatMessagePayload struct {
	Room    string `json:"room"`
	Content string `json:"content"`
}

type TypingPayload struct {
	Room     string `json:"room"`
	IsTyping bool   `json:"isTyping"`
}

type RoomPayload struct {
	Room string `json:"room"`
}

type RoomJoinedPayload struct {
	Room     string          `json:"room"`
	RoomInfo store.Room      `json:"roomInfo"`
	Messages []store.Message `json:"messages"`
}

type UserEventPayload struct {
	Username string `json:"username"`
	UserID   string `json:"userId,omitempty"`
}

type UserTypingPayload struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
	UserID   string `json:"userId,omitempty"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errorEvent converts err into the error frame sent to the offending connection only.
// Errors without a code are reported as ErrUnknown and their detail is not exposed.
func errorEvent(err error) Event {
	var customErr *errs.CustomError
	if !errors.As(err, &customErr) {
		customErr = errs.NewError(errs.ErrUnknown, err)
	}

	return Event{
		Type:    EventError,
		Payload: ErrorPayload{Code: customErr.Code, Message: customErr.Message},
	}
}
