package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"recoverychat/internal/app/store"
	"recoverychat/internal/app/user"
	"recoverychat/internal/pkg/errs"
	"recoverychat/internal/pkg/logx"
)

const (
	// MaxMessageLength caps a message body, counted in characters after trimming.
	MaxMessageLength = 2000

	// DefaultReplayLimit is the number of recent messages replayed to a joining connection.
	DefaultReplayLimit = 50

	// MaxHistoryLimit caps a single history page.
	MaxHistoryLimit = 200
)

// Pipeline validates, persists and broadcasts chat messages, and serves history.
// A message is broadcast only after it is durably stored.
type Pipeline struct {
	store       store.Gateway
	broadcaster *Broadcaster
	now         Clock
	replayLimit int
	backoff     time.Duration
	logger      zerolog.Logger
}

func NewPipeline(gw store.Gateway, b *Broadcaster, replayLimit int, now Clock) *Pipeline {
	if now == nil {
		now = time.Now
	}
	if replayLimit <= 0 {
		replayLimit = DefaultReplayLimit
	}
	return &Pipeline{
		store:       gw,
		broadcaster: b,
		now:         now,
		replayLimit: replayLimit,
		backoff:     100 * time.Millisecond,
		logger:      logx.Component("pipeline"),
	}
}

// ValidateBody trims body and checks its length.
func ValidateBody(body string) (string, *errs.CustomError) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > MaxMessageLength {
		return "", errs.NewError(errs.ErrInvalidMessage, MaxMessageLength)
	}
	return trimmed, nil
}

// Submit stores the message and broadcasts it to the whole room, author included.
func (p *Pipeline) Submit(ctx context.Context, roomID string, author user.User, body string) (store.Message, error) {
	content, customErr := ValidateBody(body)
	if customErr != nil {
		return store.Message{}, customErr
	}

	draft := store.NewMessage{
		RoomID:     roomID,
		AuthorID:   author.AuthorID(),
		AuthorName: author.Nickname,
		Content:    content,
		CreatedAt:  p.now().UTC().Truncate(time.Microsecond),
	}

	msg, err := p.store.InsertMessage(ctx, draft)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn().Err(err).Str("room_id", roomID).Msg("Message insert failed. Retrying once.")

		select {
		case <-ctx.Done():
		case <-time.After(p.backoff):
			msg, err = p.store.InsertMessage(ctx, draft)
		}
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return store.Message{}, errs.NewError(errs.ErrRoomNotFound)
	case err != nil:
		p.logger.Error().Err(err).Str("room_id", roomID).Msg("Message not stored. Nothing broadcast.")
		return store.Message{}, errs.NewError(errs.ErrPersistenceUnavailable)
	}

	if err := p.broadcaster.Broadcast(ctx, roomID, Event{Type: EventNewMessage, Payload: msg}, ""); err != nil {
		p.logger.Error().Err(err).Int64("message_id", msg.ID).Msg("Stored message could not be broadcast.")
	}

	return msg, nil
}

// History returns up to limit messages of roomID ordered oldest first. A positive beforeID
// pages backwards from that message. limit is clamped to [1, MaxHistoryLimit].
func (p *Pipeline) History(ctx context.Context, roomID string, limit int, beforeID int64) ([]store.Message, error) {
	limit = max(1, min(limit, MaxHistoryLimit))

	messages, err := p.store.ListMessages(ctx, roomID, limit, beforeID)
	if err != nil {
		p.logger.Error().Err(err).Str("room_id", roomID).Msg("Failed to load history.")
		return nil, errs.NewError(errs.ErrPersistenceUnavailable)
	}

	if messages == nil {
		messages = []store.Message{}
	}
	slices.Reverse(messages)
	return messages, nil
}

// Replay returns the recent messages delivered to a connection right after it joins.
func (p *Pipeline) Replay(ctx context.Context, roomID string) ([]store.Message, error) {
	return p.History(ctx, roomID, p.replayLimit, 0)
}
