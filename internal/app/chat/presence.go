package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"recoverychat/internal/app/store"
	"recoverychat/internal/app/user"
	"recoverychat/internal/pkg/logx"
)

// Presence keeps the durable presence table in line with live connections. Writes are
// upserts keyed by (user, room), so any number of processes can share the table. Failures
// are logged and retried once; presence never blocks chat.
type Presence struct {
	store   store.Gateway
	now     Clock
	backoff time.Duration
	logger  zerolog.Logger
}

func NewPresence(gw store.Gateway, now Clock) *Presence {
	if now == nil {
		now = time.Now
	}
	return &Presence{
		store:   gw,
		now:     now,
		backoff: 100 * time.Millisecond,
		logger:  logx.Component("presence"),
	}
}

// retry runs fn and, if it fails, runs it once more after a short pause.
func (p *Presence) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}

	p.logger.Warn().Err(err).Str("op", op).Msg("Presence write failed. Retrying once.")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.backoff):
	}

	if err = fn(ctx); err != nil {
		p.logger.Error().Err(err).Str("op", op).Msg("Presence write failed after retry.")
	}
	return err
}

// Join marks u online in roomID under the connection tag. A newer tag replaces an older
// one for the same user and room.
func (p *Presence) Join(ctx context.Context, u user.User, roomID, tag string) error {
	rec := store.PresenceRecord{
		UserKey:       u.ID,
		RoomID:        roomID,
		DisplayName:   u.Nickname,
		Status:        store.StatusOnline,
		LastSeen:      p.now(),
		Anonymous:     u.Anonymous,
		ConnectionTag: tag,
	}

	return p.retry(ctx, "join", func(ctx context.Context) error {
		return p.store.UpsertPresence(ctx, rec)
	})
}

// Heartbeat refreshes last_seen on the rows owned by tag and reports how many matched.
func (p *Presence) Heartbeat(ctx context.Context, tag string) (int64, error) {
	var touched int64
	err := p.retry(ctx, "heartbeat", func(ctx context.Context) error {
		n, err := p.store.TouchPresence(ctx, tag, p.now())
		touched = n
		return err
	})
	return touched, err
}

// Leave marks u offline in roomID. A non-empty tag leaves the row alone if another
// connection has taken it over since. It reports whether a row went offline.
func (p *Presence) Leave(ctx context.Context, u user.User, roomID, tag string) (bool, error) {
	var changed int64
	err := p.retry(ctx, "leave", func(ctx context.Context) error {
		n, err := p.store.MarkOffline(ctx, u.ID, roomID, tag, p.now())
		changed = n
		return err
	})
	return changed > 0, err
}

// SweepStale marks offline every online row not seen within threshold and returns them.
func (p *Presence) SweepStale(ctx context.Context, threshold time.Duration) ([]store.PresenceRecord, error) {
	cutoff := p.now().Add(-threshold)

	swept, err := p.store.MarkStale(ctx, cutoff)
	if err != nil {
		p.logger.Error().Err(err).Time("cutoff", cutoff).Msg("Presence sweep failed.")
		return nil, err
	}

	if len(swept) > 0 {
		p.logger.Info().Int("swept", len(swept)).Time("cutoff", cutoff).Msg("Stale presence marked offline.")
	}
	return swept, nil
}

// IsOnline reports whether userKey holds an online row in roomID, whichever connection owns it.
func (p *Presence) IsOnline(ctx context.Context, userKey, roomID string) (bool, error) {
	records, err := p.ListOnline(ctx, roomID)
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		if rec.UserKey == userKey {
			return true, nil
		}
	}
	return false, nil
}

// ListOnline returns the room's online rows ordered by display name, never nil.
func (p *Presence) ListOnline(ctx context.Context, roomID string) ([]store.PresenceRecord, error) {
	records, err := p.store.ListOnline(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []store.PresenceRecord{}
	}
	return records, nil
}
