package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"recoverychat/internal/pkg/logx"
)

// DefaultChannelPrefix is prepended to the room id to form the pub/sub channel name.
const DefaultChannelPrefix = "chat:room:"

// Redis forwards envelopes over Redis pub/sub on one channel per room.
// A single subscriber goroutine delivers remote envelopes, which keeps them in publish order.
type Redis struct {
	client *redis.Client
	prefix string
	origin string

	mu      sync.RWMutex
	deliver Handler

	logger zerolog.Logger
}

var _ Relay = (*Redis)(nil)

// NewRedis wraps an existing client. An empty prefix selects DefaultChannelPrefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}

	origin := uuid.NewString()

	return &Redis{
		client: client,
		prefix: prefix,
		origin: origin,
		logger: logx.Component("relay").With().Str("origin", origin).Logger(),
	}
}

// DialRedis parses a redis:// URL, connects and verifies the server answers.
func DialRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedis(client, prefix), nil
}

func (r *Redis) channel(roomID string) string {
	return r.prefix + roomID
}

func (r *Redis) handler() Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deliver
}

func (r *Redis) Subscribe(deliver Handler) {
	r.mu.Lock()
	r.deliver = deliver
	r.mu.Unlock()
}

// Publish delivers env to local connections and then publishes it for the other processes.
// A failed publish is logged and not returned: local members already have the event.
func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	env.Origin = r.origin

	if deliver := r.handler(); deliver != nil {
		deliver(env)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel(env.Room), payload).Err(); err != nil {
		r.logger.Warn().Err(err).Str("room_id", env.Room).Msg("Redis publish failed. Event delivered to local connections only.")
	}
	return nil
}

// Run subscribes to every room channel and delivers envelopes from other processes until
// ctx is done.
func (r *Redis) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer func() {
		if err := pubsub.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to close redis subscription.")
		}
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}

	r.logger.Info().Str("pattern", r.prefix+"*").Msg("Relay subscription started.")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Relay subscription stopped.")
			return nil

		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("redis subscription channel closed")
			}
			r.handleMessage(msg)
		}
	}
}

func (r *Redis) handleMessage(msg *redis.Message) {
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed relay envelope.")
		return
	}

	if env.Origin == r.origin {
		return
	}

	if env.Room == "" {
		env.Room = strings.TrimPrefix(msg.Channel, r.prefix)
	}

	if deliver := r.handler(); deliver != nil {
		deliver(env)
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
