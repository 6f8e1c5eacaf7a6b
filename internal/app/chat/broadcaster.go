package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"recoverychat/internal/app/relay"
	"recoverychat/internal/pkg/logx"
)

// Broadcaster fans room events out to the room's connections. Delivery into a room is
// serialized, so every member sees the room's events in the order they were delivered.
type Broadcaster struct {
	registry *Registry
	relay    relay.Relay

	// dead receives the ids of connections whose outbox rejected a frame.
	dead func(connID string)

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	logger zerolog.Logger
}

func NewBroadcaster(registry *Registry, rl relay.Relay, dead func(connID string)) *Broadcaster {
	b := &Broadcaster{
		registry: registry,
		relay:    rl,
		dead:     dead,
		locks:    make(map[string]*sync.Mutex),
		logger:   logx.Component("broadcaster"),
	}
	rl.Subscribe(b.deliver)
	return b
}

func (b *Broadcaster) roomLock(roomID string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()

	mu, ok := b.locks[roomID]
	if !ok {
		mu = &sync.Mutex{}
		b.locks[roomID] = mu
	}
	return mu
}

// Broadcast sends ev to every connection in roomID except the one named by except
// (may be empty), here and in every other process sharing the relay.
func (b *Broadcaster) Broadcast(ctx context.Context, roomID string, ev Event, except string) error {
	frame, err := ev.Encode()
	if err != nil {
		b.logger.Error().Err(err).Str("room_id", roomID).Msg("Failed to encode broadcast event.")
		return err
	}

	return b.relay.Publish(ctx, relay.Envelope{Room: roomID, Except: except, Frame: frame})
}

// deliver is the relay handler: fan the frame out to this process's members of the room.
func (b *Broadcaster) deliver(env relay.Envelope) {
	mu := b.roomLock(env.Room)
	mu.Lock()
	defer mu.Unlock()

	for _, conn := range b.registry.ListConnectionsInRoom(env.Room) {
		if conn.ID == env.Except {
			continue
		}

		if err := conn.send(env.Frame); err != nil {
			b.logger.Warn().
				Str("room_id", env.Room).
				Str("conn_id", conn.ID).
				Msg("Client send queue full or closed, scheduling unregister.")

			if b.dead != nil {
				b.dead(conn.ID)
			}
		}
	}
}

// SendTo queues ev for a single connection.
func (b *Broadcaster) SendTo(conn *Connection, ev Event) error {
	frame, err := ev.Encode()
	if err != nil {
		b.logger.Error().Err(err).Str("conn_id", conn.ID).Msg("Failed to encode event.")
		return err
	}

	if err := conn.send(frame); err != nil {
		if b.dead != nil {
			b.dead(conn.ID)
		}
		return err
	}
	return nil
}
