package relay

import (
	"context"
	"sync"
)

// Local is the single-process relay: Publish calls the delivery function directly.
type Local struct {
	mu      sync.RWMutex
	deliver Handler
}

var _ Relay = (*Local)(nil)

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Subscribe(deliver Handler) {
	l.mu.Lock()
	l.deliver = deliver
	l.mu.Unlock()
}

func (l *Local) Publish(_ context.Context, env Envelope) error {
	l.mu.RLock()
	deliver := l.deliver
	l.mu.RUnlock()

	if deliver != nil {
		deliver(env)
	}
	return nil
}

// Run blocks until ctx is done; a single process has nothing to pump.
func (l *Local) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (l *Local) Close() error {
	return nil
}
