// Package ws provides the server side of the collaboration protocol:
// WebSocket connection handling and message relay between session peers.
package ws

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agency-collab/backend/internal/buffer"
)

const (
	// Outbound queue size per client connection.
	clientQueueSize = 256

	// Number of recent edit envelopes replayed to late joiners.
	editHistorySize = 256
)

// Identity is the participant identity bound to one connection.
type Identity struct {
	UserID   string
	UserName string
	Avatar   string
}

// Client represents one WebSocket participant connection in a session.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	identity  Identity
	send      chan []byte
	mu        sync.Mutex
	closed    bool
}

// NewClient creates a client for a session connection.
func NewClient(hub *Hub, conn *websocket.Conn, sessionID string, identity Identity) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		sessionID: sessionID,
		identity:  identity,
		send:      make(chan []byte, clientQueueSize),
	}
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// Send queues a message for delivery to this client. If the client's queue
// is full the client is closed; a peer that cannot keep up with presence
// traffic is better dropped than allowed to stall the session.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		c.closeLocked()
	}
}

// Close closes the client's send queue.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Identity returns the participant identity bound to this connection.
func (c *Client) Identity() Identity {
	return c.identity
}

// SessionID returns the session this client belongs to.
func (c *Client) SessionID() string {
	return c.sessionID
}

// SendChan returns the outbound queue for the write pump.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub is one collaboration session's room: the set of connected participant
// clients plus the recent edit history replayed to late joiners.
type Hub struct {
	sessionID string
	clients   map[*Client]bool
	edits     *buffer.EventRing
	mu        sync.RWMutex

	// Callbacks
	onEmpty      func()
	onMembership func(participants int)
}

// NewHub creates a new Hub for the given session.
func NewHub(sessionID string) *Hub {
	return &Hub{
		sessionID: sessionID,
		clients:   make(map[*Client]bool),
		edits:     buffer.NewEventRing(editHistorySize),
	}
}

// SessionID returns the session ID for this hub.
func (h *Hub) SessionID() string {
	return h.sessionID
}

// SetOnEmpty sets the callback invoked when the last participant leaves.
func (h *Hub) SetOnEmpty(callback func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEmpty = callback
}

// SetOnMembership sets the callback invoked with the participant count after
// every register or unregister.
func (h *Hub) SetOnMembership(callback func(participants int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMembership = callback
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	onMembership := h.onMembership
	h.mu.Unlock()

	if onMembership != nil {
		onMembership(count)
	}
}

// Unregister removes a client from the hub and closes it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	count := len(h.clients)
	onEmpty := h.onEmpty
	onMembership := h.onMembership
	h.mu.Unlock()

	client.Close()

	if onMembership != nil {
		onMembership(count)
	}
	if count == 0 && onEmpty != nil {
		onEmpty()
	}
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.Send(data)
	}
}

// BroadcastExcept sends a message to every client except the sender. The
// relay never echoes a participant's own events back to them.
func (h *Hub) BroadcastExcept(sender *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client != sender {
			client.Send(data)
		}
	}
}

// Participants returns the identities currently connected, one per
// connection.
func (h *Hub) Participants() []Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()

	participants := make([]Identity, 0, len(h.clients))
	for client := range h.clients {
		participants = append(participants, client.identity)
	}
	return participants
}

// PeersOf returns the identities of all participants except the given
// client, used to replay presence to a newcomer.
func (h *Hub) PeersOf(client *Client) []Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := make([]Identity, 0, len(h.clients))
	for other := range h.clients {
		if other != client {
			peers = append(peers, other.identity)
		}
	}
	return peers
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HasClients returns true if there are connected clients.
func (h *Hub) HasClients() bool {
	return h.ClientCount() > 0
}

// RecordEdit appends an encoded edit envelope to the replay history.
func (h *Hub) RecordEdit(data []byte) {
	h.edits.Append(data)
}

// EditHistory returns the buffered edit envelopes in order.
func (h *Hub) EditHistory() [][]byte {
	return h.edits.Snapshot()
}

// Close closes all client connections and the hub.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
	h.edits.Clear()
}

// HubManager manages the hubs for all live sessions.
type HubManager struct {
	hubs map[string]*Hub
	mu   sync.RWMutex
}

// NewHubManager creates a new HubManager.
func NewHubManager() *HubManager {
	return &HubManager{
		hubs: make(map[string]*Hub),
	}
}

// GetOrCreate returns an existing hub or creates a new one for the session.
func (m *HubManager) GetOrCreate(sessionID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[sessionID]; ok {
		return hub
	}

	hub := NewHub(sessionID)
	m.hubs[sessionID] = hub
	return hub
}

// Get returns the hub for the session, or nil if not found.
func (m *HubManager) Get(sessionID string) *Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hubs[sessionID]
}

// Remove removes the hub for the session.
func (m *HubManager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[sessionID]; ok {
		hub.Close()
		delete(m.hubs, sessionID)
	}
}

// SessionIDs returns the ids of all sessions with a live hub.
func (m *HubManager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.hubs))
	for id := range m.hubs {
		ids = append(ids, id)
	}
	return ids
}

// Close closes all hubs.
func (m *HubManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, hub := range m.hubs {
		hub.Close()
	}
	m.hubs = make(map[string]*Hub)
}
