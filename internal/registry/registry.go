// Package registry maps station identities to their live transport handles
// and enforces at most one active connection per identity.
package registry

import (
	"context"
	"sync"
)

// Sender is the transport handle the central system writes to. Implemented
// by the websocket connection wrapper and by test fakes.
type Sender interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

type Registry struct {
	mu    sync.RWMutex
	conns map[string]Sender
}

func New() *Registry {
	return &Registry{conns: make(map[string]Sender)}
}

// Bind records conn as the active transport for identity and returns the
// superseded handle, if any. A station may only have one live connection;
// the caller force-closes the previous one.
func (r *Registry) Bind(identity string, conn Sender) (previous Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous = r.conns[identity]
	r.conns[identity] = conn
	return previous
}

// Unbind removes the binding for identity, but only if it still points at
// conn. A stale connection's close path must not tear down the binding a
// reconnect just established.
func (r *Registry) Unbind(identity string, conn Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[identity] != conn {
		return false
	}
	delete(r.conns, identity)
	return true
}

// Lookup returns the active transport for identity, or nil.
func (r *Registry) Lookup(identity string) Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[identity]
}

// Count returns the number of currently bound stations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
