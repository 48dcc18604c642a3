package ws

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agency-collab/backend/internal/metrics"
	"github.com/agency-collab/backend/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking in production
		return true
	},
}

// Handler relays collaboration traffic between the participants of a
// session. It owns the upgrade path, the per-connection pumps, and the
// presence bookkeeping the protocol requires from the server: announcing
// joins and leaves, replaying current participants to newcomers, and
// replaying recent edits.
type Handler struct {
	// onBroadcast, when set, mirrors locally relayed envelopes to other
	// server instances (see Bridge).
	onBroadcast func(sessionID string, data []byte)
}

// NewHandler creates a new WebSocket handler.
func NewHandler() *Handler {
	return &Handler{}
}

// SetOnBroadcast sets the callback invoked for every relayed envelope.
func (h *Handler) SetOnBroadcast(callback func(sessionID string, data []byte)) {
	h.onBroadcast = callback
}

// HandleConnection upgrades the request and joins the participant to the
// given hub. It returns after the pumps are started; the connection lives
// until the peer disconnects. The hub must be the one the service prepared
// for this join, so the participant never lands on a room the service has
// already torn down.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, hub *Hub, identity Identity) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(hub, conn, hub.SessionID(), identity)
	hub.Register(client)

	// Tell everyone else about the newcomer. The client also announces
	// itself after connecting; duplicate joins are benign for receivers.
	h.relay(hub, client, mustEncodeJoin(hub.SessionID(), identity))

	// Replay the current participant set so the newcomer can build its
	// roster from observed joins alone, then the recent edit history.
	h.sendPresenceSnapshot(client, hub)
	h.sendEditHistory(client, hub)

	go h.writePump(client)
	go h.readPump(client, hub)

	return nil
}

// sendPresenceSnapshot queues a synthetic join for every existing
// participant onto the newcomer's connection.
func (h *Handler) sendPresenceSnapshot(client *Client, hub *Hub) {
	for _, peer := range hub.PeersOf(client) {
		data, err := protocol.EncodeJoin(peer.UserID, hub.SessionID(), peer.UserName, peer.Avatar)
		if err != nil {
			log.Printf("ws: failed to encode presence snapshot: %v", err)
			continue
		}
		client.Send(data)
	}
}

// sendEditHistory replays buffered edit envelopes to the newcomer.
func (h *Handler) sendEditHistory(client *Client, hub *Hub) {
	for _, data := range hub.EditHistory() {
		client.Send(data)
	}
}

// readPump reads envelopes from the connection and relays them to session
// peers until the connection drops.
func (h *Handler) readPump(client *Client, hub *Hub) {
	defer func() {
		h.disconnect(client, hub)
	}()

	conn := client.Conn()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("ws: read error: %v", err)
			}
			return
		}

		h.handleMessage(client, hub, message)
	}
}

// handleMessage validates an inbound frame and relays it. Malformed frames
// and frames whose routing fields do not match the connection's binding are
// dropped.
func (h *Handler) handleMessage(client *Client, hub *Hub, message []byte) {
	env, err := protocol.ParseEnvelope(message)
	if err != nil {
		log.Printf("ws: dropping malformed message from %s: %v", client.identity.UserID, err)
		return
	}

	// A connection may only speak for its own user in its own session.
	if env.SessionID != client.sessionID || env.UserID != client.identity.UserID {
		log.Printf("ws: dropping mis-routed message from %s (claims user=%s session=%s)",
			client.identity.UserID, env.UserID, env.SessionID)
		return
	}

	switch env.Type {
	case protocol.MessageTypeCollaboration:
		ev, err := env.Collaboration()
		if err != nil {
			log.Printf("ws: dropping collaboration event from %s: %v", client.identity.UserID, err)
			return
		}
		metrics.MessagesRelayed.WithLabelValues(string(ev.Type)).Inc()
		if ev.Type == protocol.CollabEventEdit {
			hub.RecordEdit(message)
		}
	case protocol.MessageTypePresence:
		ev, err := env.Presence()
		if err != nil {
			log.Printf("ws: dropping presence event from %s: %v", client.identity.UserID, err)
			return
		}
		metrics.MessagesRelayed.WithLabelValues(string(ev.Type)).Inc()
	}

	h.relay(hub, client, message)
}

// relay broadcasts to session peers and mirrors to the bridge if configured.
func (h *Handler) relay(hub *Hub, sender *Client, data []byte) {
	if data == nil {
		return
	}
	hub.BroadcastExcept(sender, data)
	if h.onBroadcast != nil {
		h.onBroadcast(hub.SessionID(), data)
	}
}

// disconnect removes the client and announces its departure to the session.
func (h *Handler) disconnect(client *Client, hub *Hub) {
	hub.Unregister(client)
	client.Conn().Close()

	// Peers that saw the join must see a leave even when the connection
	// dropped without one. Duplicate leaves are benign for receivers.
	data, err := protocol.EncodeLeave(client.identity.UserID, hub.SessionID(), client.identity.UserName)
	if err != nil {
		return
	}
	h.relay(hub, nil, data)
}

// writePump drains the client queue onto the connection and keeps the
// connection alive with periodic pings.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the client.
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Each envelope goes in its own frame so clients can decode
			// frames independently.
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustEncodeJoin(sessionID string, identity Identity) []byte {
	data, err := protocol.EncodeJoin(identity.UserID, sessionID, identity.UserName, identity.Avatar)
	if err != nil {
		log.Printf("ws: failed to encode join for %s: %v", identity.UserID, err)
		return nil
	}
	return data
}

// SetCheckOrigin sets a custom origin checker for the WebSocket upgrader.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	upgrader.CheckOrigin = fn
}
