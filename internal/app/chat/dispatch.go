package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"recoverychat/internal/pkg/errs"
)

// HandleFrame decodes one inbound frame from conn and applies it. Failures are reported to
// conn alone as an error event; other members never hear about them.
func (h *Hub) HandleFrame(ctx context.Context, conn *Connection, raw []byte) {
	ctx, cancel := context.WithTimeout(ctx, 2*storeTimeout)
	defer cancel()

	err := h.dispatch(ctx, conn, raw)
	if err == nil || errors.Is(err, ErrConnectionLost) {
		return
	}

	h.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("Client event rejected.")
	h.SendError(conn, err)
}

// SendError reports err to conn.
func (h *Hub) SendError(conn *Connection, err error) {
	_ = h.broadcaster.SendTo(conn, errorEvent(err))
}

func (h *Hub) dispatch(ctx context.Context, conn *Connection, raw []byte) error {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return errs.NewError(errs.ErrInvalidJSONFormat)
	}

	switch frame.Type {
	case EventJoinRoom:
		var p JoinRoomPayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return err
		}
		nickname := ""
		if p.User != nil {
			nickname = p.User.Username
		}
		return h.JoinRoom(ctx, conn, strings.TrimSpace(p.Room), nickname)

	case EventChatMessage:
		var p ChatMessagePayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return err
		}
		_, err := h.SendMessage(ctx, conn, p.Room, p.Content)
		return err

	case EventTyping:
		var p TypingPayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return err
		}
		return h.SetTyping(ctx, conn, p.Room, p.IsTyping)

	case EventLeaveRoom:
		var p RoomPayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return err
		}
		return h.LeaveRoom(ctx, conn, p.Room)

	case EventHeartbeat:
		h.Heartbeat(ctx, conn)
		return nil

	default:
		return errs.NewError(errs.ErrUnsupportedEvent, string(frame.Type))
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errs.NewError(errs.ErrInvalidParams)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.NewError(errs.ErrInvalidJSONFormat)
	}
	return nil
}
