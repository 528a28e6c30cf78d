package ingest

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ConnectionState describes one client's stream.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// Connection is a snapshot of a client's stream.
type Connection struct {
	ClientID    string          `json:"clientId"`
	State       ConnectionState `json:"state"`
	Failures    int             `json:"failures"`
	ConnectedAt time.Time       `json:"connectedAt,omitempty"`
	LastMessage time.Time       `json:"lastMessage,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
}

type entry struct {
	conn   Connection
	cancel context.CancelFunc
	done   chan struct{}
}

// ConnectionRegistry tracks stream connections keyed by client id.
type ConnectionRegistry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{entries: make(map[string]*entry)}
}

// Add registers a client's read loop. It returns false when the client is
// already registered.
func (r *ConnectionRegistry) Add(clientID string, cancel context.CancelFunc, done chan struct{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[clientID]; ok {
		return false
	}
	r.entries[clientID] = &entry{
		conn:   Connection{ClientID: clientID, State: StateConnecting},
		cancel: cancel,
		done:   done,
	}
	return true
}

// Remove cancels the client's read loop and forgets it. It returns a channel
// closed when the loop has exited, or nil if the client was unknown.
func (r *ConnectionRegistry) Remove(clientID string) <-chan struct{} {
	r.mu.Lock()
	e, ok := r.entries[clientID]
	delete(r.entries, clientID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	e.cancel()
	return e.done
}

// release drops the entry only if it still belongs to the loop owning done.
func (r *ConnectionRegistry) release(clientID string, done chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[clientID]; ok && e.done == done {
		delete(r.entries, clientID)
	}
}

func (r *ConnectionRegistry) update(clientID string, fn func(*Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[clientID]; ok {
		fn(&e.conn)
	}
}

// Get returns a snapshot of the client's connection.
func (r *ConnectionRegistry) Get(clientID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[clientID]
	if !ok {
		return Connection{}, false
	}
	return e.conn, true
}

// List returns snapshots of all connections ordered by client id.
func (r *ConnectionRegistry) List() []Connection {
	r.mu.RLock()
	out := make([]Connection, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.conn)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Count returns the number of registered clients.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Connected returns the number of clients with an open connection.
func (r *ConnectionRegistry) Connected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.conn.State == StateConnected {
			n++
		}
	}
	return n
}

// IDs returns the registered client ids, sorted.
func (r *ConnectionRegistry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
