package transport

import (
	"sync"
)

// registryKey identifies one logical connection: the endpoint plus the
// (user, session) pair it serves.
type registryKey struct {
	url       string
	userID    string
	sessionID string
}

type registryEntry struct {
	client *Client
	refs   int
}

// Registry hands out shared transport clients keyed by (url, userID,
// sessionID) with reference-counted teardown. It replaces a process-wide
// singleton: multiple sessions can be live in one process, and releasing a
// client only closes the connection once the last consumer lets go.
type Registry struct {
	mu      sync.Mutex
	entries map[registryKey]*registryEntry
}

// NewRegistry creates an empty registry. A composition root typically owns
// one registry and injects it into each session manager.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[registryKey]*registryEntry),
	}
}

// Acquire returns the client for the given options, creating it on first
// use. Every Acquire must be paired with a Release.
func (r *Registry) Acquire(opts Options) (*Client, error) {
	key := registryKey{url: opts.URL, userID: opts.UserID, sessionID: opts.SessionID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[key]; ok {
		entry.refs++
		return entry.client, nil
	}

	client, err := NewClient(opts)
	if err != nil {
		return nil, err
	}
	r.entries[key] = &registryEntry{client: client, refs: 1}
	return client, nil
}

// Release drops one reference to the client. When the last reference is
// released the connection is closed and the entry removed.
func (r *Registry) Release(client *Client) {
	if client == nil {
		return
	}
	key := registryKey{url: client.opts.URL, userID: client.opts.UserID, sessionID: client.opts.SessionID}

	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok || entry.client != client {
		r.mu.Unlock()
		return
	}
	entry.refs--
	last := entry.refs <= 0
	if last {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if last {
		client.Close()
	}
}

// Len returns the number of live entries, mainly for tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close releases every entry unconditionally, closing all connections.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.entries))
	for _, entry := range r.entries {
		clients = append(clients, entry.client)
	}
	r.entries = make(map[registryKey]*registryEntry)
	r.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
