/*
Package relay carries room events between chat server processes.

Every broadcast is handed to a Relay. The relay always delivers the event to the local
process first, synchronously and in call order, and, when it spans processes, forwards it so
that connections held by other processes receive it too.
*/
package relay

import (
	"context"
	"encoding/json"
)

// Envelope is one room event in transit.
type Envelope struct {
	// Origin identifies the publishing process. Subscribers skip their own envelopes.
	Origin string `json:"origin"`
	Room   string `json:"room"`

	// Except names a connection that must not receive the frame.
	Except string `json:"except,omitempty"`

	// Frame is the encoded server event.
	Frame json.RawMessage `json:"frame"`
}

// Handler delivers an envelope to the local connections of its room.
type Handler func(env Envelope)

// Relay fans room events out across processes.
type Relay interface {
	// Subscribe installs the local delivery function. It must be called before Publish.
	Subscribe(deliver Handler)

	// Publish delivers env locally and forwards it to the other processes.
	Publish(ctx context.Context, env Envelope) error

	// Run pumps envelopes published by other processes until ctx is done.
	Run(ctx context.Context) error

	// Close releases the relay's resources.
	Close() error
}
