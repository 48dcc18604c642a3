// Package transport owns the raw bidirectional connection to a collaboration
// server for one (user, session) pair: wire encoding, event dispatch to
// registered handlers, and reconnection with exponential backoff.
package transport

import (
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agency-collab/backend/internal/model"
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

	// Outbound send queue size per connection.
	sendQueueSize = 256

	// Default cap on reconnect attempts before giving up.
	defaultMaxRetries = 5

	// Default outbound cursor throttle: events per second and burst.
	defaultCursorRate  = rate.Limit(30)
	defaultCursorBurst = 10
)

// EventName identifies a transport event stream.
type EventName string

const (
	EventConnected     EventName = "connected"
	EventDisconnected  EventName = "disconnected"
	EventReconnecting  EventName = "reconnecting"
	EventError         EventName = "error"
	EventCollaboration EventName = "collaboration"
	EventPresence      EventName = "presence"
)

// Event is delivered to handlers registered with On. Exactly the fields
// relevant to Name are populated.
type Event struct {
	Name          EventName
	Collaboration *protocol.CollabEvent
	Presence      *protocol.PresenceEvent
	Attempt       int   // reconnecting: 1-based attempt number
	Err           error // error: terminal connection error
}

// HandlerFunc handles a transport event. Handlers for the same event name are
// invoked in registration order; dispatch is serialized, so handlers never
// run concurrently with each other.
type HandlerFunc func(Event)

// ErrorReason classifies terminal connection errors.
type ErrorReason string

const (
	ErrorReasonUnreachable      ErrorReason = "unreachable"
	ErrorReasonUnauthorized     ErrorReason = "unauthorized"
	ErrorReasonProtocolMismatch ErrorReason = "protocol_mismatch"
)

// ConnectionError is surfaced via the error event when a connection cannot
// be established or re-established.
type ConnectionError struct {
	Reason ErrorReason
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed (%s): %v", e.Reason, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Options configures a transport client.
type Options struct {
	// URL is the collaboration endpoint base, e.g. "ws://host:8080/api/collab".
	// The session id is appended as a path segment and the user identity is
	// carried in the query string.
	URL       string
	UserID    string
	SessionID string
	UserName  string
	Avatar    string

	// MaxRetries caps reconnect attempts per connect cycle. Zero means the
	// default of 5.
	MaxRetries uint64

	// CursorRate and CursorBurst throttle outbound cursor events. Zero values
	// mean the defaults (30/s, burst 10).
	CursorRate  rate.Limit
	CursorBurst int

	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

type clientState int

const (
	stateDisconnected clientState = iota
	stateConnecting
	stateConnected
	stateClosed
)

// connHandle bundles one live connection with its pump channels. All writes
// go through the write pump; shutdown is idempotent.
type connHandle struct {
	conn     *websocket.Conn
	send     chan []byte
	stop     chan struct{}
	stopOnce sync.Once
}

func (h *connHandle) shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Client maintains one live connection per (user, session) pair. Construct
// via a Registry rather than directly so concurrent consumers share a
// connection and teardown is reference-counted.
type Client struct {
	opts       Options
	dialer     *websocket.Dialer
	maxRetries uint64
	cursors    *rate.Limiter

	mu     sync.Mutex
	state  clientState
	handle *connHandle

	hmu      sync.RWMutex
	handlers map[EventName][]HandlerFunc

	// Serializes handler dispatch so consumers observe per-connection FIFO
	// order even though events originate from multiple goroutines.
	dispatchMu sync.Mutex
}

// NewClient creates an unconnected client. Most callers should go through
// Registry.Acquire instead.
func NewClient(opts Options) (*Client, error) {
	if opts.UserID == "" {
		return nil, model.ErrUserIDRequired
	}
	if opts.SessionID == "" {
		return nil, model.ErrSessionIDRequired
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("invalid collaboration URL: %w", err)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	cursorRate := opts.CursorRate
	if cursorRate == 0 {
		cursorRate = defaultCursorRate
	}
	cursorBurst := opts.CursorBurst
	if cursorBurst == 0 {
		cursorBurst = defaultCursorBurst
	}

	return &Client{
		opts:       opts,
		dialer:     dialer,
		maxRetries: maxRetries,
		cursors:    rate.NewLimiter(cursorRate, cursorBurst),
		handlers:   make(map[EventName][]HandlerFunc),
	}, nil
}

// UserID returns the local user id bound to this client.
func (c *Client) UserID() string { return c.opts.UserID }

// SessionID returns the session id bound to this client.
func (c *Client) SessionID() string { return c.opts.SessionID }

// On registers a handler for the named event. Multiple handlers per name are
// permitted and all are invoked in registration order.
func (c *Client) On(name EventName, fn HandlerFunc) {
	if fn == nil {
		return
	}
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[name] = append(c.handlers[name], fn)
}

// IsConnected reports whether the connection is currently live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Connect opens the connection if it is not already open or opening.
// Idempotent: calling it while connected or connecting is a no-op.
// Completion is signaled asynchronously via the connected event; terminal
// failure via the error event after retries are exhausted.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.state == stateConnected || c.state == stateConnecting || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateConnecting
	c.mu.Unlock()

	go c.connectLoop(false)
}

// connectLoop dials with exponential backoff until it succeeds, is told to
// stop, or runs out of retries. With redial set every attempt surfaces a
// reconnecting event; an initial connect only surfaces retries.
func (c *Client) connectLoop(redial bool) {
	attempt := 0
	operation := func() error {
		if c.isClosed() {
			return backoff.Permanent(model.ErrClientClosed)
		}
		attempt++
		if redial || attempt > 1 {
			c.emit(Event{Name: EventReconnecting, Attempt: attempt})
		}

		conn, resp, err := c.dialer.Dial(c.endpoint(), nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
				return backoff.Permanent(&ConnectionError{Reason: ErrorReasonUnauthorized, Err: err})
			}
			if resp != nil && resp.StatusCode == 400 {
				return backoff.Permanent(&ConnectionError{Reason: ErrorReasonProtocolMismatch, Err: err})
			}
			return err
		}

		c.attach(conn)
		return nil
	}

	policy := backoff.WithMaxRetries(newBackOff(), c.maxRetries)
	if err := backoff.Retry(operation, policy); err != nil {
		if err == model.ErrClientClosed {
			return
		}
		connErr, ok := err.(*ConnectionError)
		if !ok {
			connErr = &ConnectionError{Reason: ErrorReasonUnreachable, Err: err}
		}

		c.mu.Lock()
		if c.state == stateConnecting {
			c.state = stateDisconnected
		}
		c.mu.Unlock()

		c.emit(Event{Name: EventError, Err: connErr})
	}
}

func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// attach installs a freshly dialed connection, announces presence, and
// starts the pumps.
func (c *Client) attach(conn *websocket.Conn) {
	handle := &connHandle{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		stop: make(chan struct{}),
	}

	c.mu.Lock()
	if c.state == stateClosed {
		// Close landed while the dial was in flight; the late connection
		// must not resurrect the client.
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.handle = handle
	c.state = stateConnected
	c.mu.Unlock()

	c.emit(Event{Name: EventConnected})

	// Announce ourselves to the session on every (re)connect so peers can
	// rebuild their rosters from observed joins alone.
	if data, err := protocol.EncodeJoin(c.opts.UserID, c.opts.SessionID, c.opts.UserName, c.opts.Avatar); err == nil {
		c.enqueue(handle.send, data)
	}

	go c.writePump(handle)
	go c.readPump(handle)
}

// endpoint combines the configured base URL with the session id and the
// local user identity.
func (c *Client) endpoint() string {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return c.opts.URL
	}
	u.Path = fmt.Sprintf("%s/%s", u.Path, url.PathEscape(c.opts.SessionID))
	q := u.Query()
	q.Set("userId", c.opts.UserID)
	if c.opts.UserName != "" {
		q.Set("userName", c.opts.UserName)
	}
	if c.opts.Avatar != "" {
		q.Set("avatar", c.opts.Avatar)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// SendCursorPosition sends a cursor collaboration event. Fire-and-forget:
// dropped silently when not connected, throttled when the caller produces
// cursor updates faster than the configured rate.
func (c *Client) SendCursorPosition(x, y float64) {
	if !c.cursors.Allow() {
		return
	}
	data, err := protocol.EncodeCursor(c.opts.UserID, c.opts.SessionID, x, y)
	if err != nil {
		return
	}
	c.trySend(data)
}

// SendSelection sends a selection collaboration event.
func (c *Client) SendSelection(start, end int, text string) {
	data, err := protocol.EncodeSelection(c.opts.UserID, c.opts.SessionID, start, end, text)
	if err != nil {
		return
	}
	c.trySend(data)
}

// SendEdit sends a raw edit collaboration event. Concurrent edits from
// multiple clients are relayed as-is and not reconciled at this layer.
func (c *Client) SendEdit(position int, text string, action protocol.EditAction) {
	data, err := protocol.EncodeEdit(c.opts.UserID, c.opts.SessionID, position, text, action)
	if err != nil {
		return
	}
	c.trySend(data)
}

// UpdatePresence sends a presence update event.
func (c *Client) UpdatePresence(status model.PresenceStatus) {
	data, err := protocol.EncodePresenceUpdate(c.opts.UserID, c.opts.SessionID, status)
	if err != nil {
		return
	}
	c.trySend(data)
}

// trySend queues data for the write pump if connected; otherwise the message
// is dropped. There is no offline queue.
func (c *Client) trySend(data []byte) {
	c.mu.Lock()
	handle := c.handle
	connected := c.state == stateConnected
	c.mu.Unlock()

	if !connected || handle == nil {
		return
	}
	c.enqueue(handle.send, data)
}

func (c *Client) enqueue(send chan []byte, data []byte) {
	select {
	case send <- data:
	default:
		// Queue full; drop rather than block the caller.
		log.Printf("transport: send queue full for session %s, dropping message", c.opts.SessionID)
	}
}

// Close releases the connection for good. A best-effort leave is announced
// first so peers remove us from their rosters promptly.
func (c *Client) Close() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == stateConnected
	handle := c.handle
	c.state = stateClosed
	c.mu.Unlock()

	if handle != nil {
		if data, err := protocol.EncodeLeave(c.opts.UserID, c.opts.SessionID, c.opts.UserName); err == nil {
			c.enqueue(handle.send, data)
		}
		// The write pump drains the queue, sends a close frame, and closes
		// the connection.
		handle.shutdown()
	}

	if wasConnected {
		c.emit(Event{Name: EventDisconnected})
	}
}

// readPump reads frames from the connection, decodes them, and dispatches
// collaboration and presence events. Malformed or unknown frames are logged
// and dropped for forward compatibility.
func (c *Client) readPump(handle *connHandle) {
	defer c.teardown(handle)

	conn := handle.conn
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
				log.Printf("transport: read error: %v", err)
			}
			return
		}

		env, err := protocol.ParseEnvelope(message)
		if err != nil {
			log.Printf("transport: dropping malformed message: %v", err)
			continue
		}

		switch env.Type {
		case protocol.MessageTypeCollaboration:
			ev, err := env.Collaboration()
			if err != nil {
				log.Printf("transport: dropping collaboration event: %v", err)
				continue
			}
			c.emit(Event{Name: EventCollaboration, Collaboration: ev})
		case protocol.MessageTypePresence:
			ev, err := env.Presence()
			if err != nil {
				log.Printf("transport: dropping presence event: %v", err)
				continue
			}
			c.emit(Event{Name: EventPresence, Presence: ev})
		}
	}
}

// writePump drains the send queue onto the connection and keeps the
// connection alive with periodic pings. On shutdown it flushes whatever is
// queued (including a farewell leave) before sending the close frame.
func (c *Client) writePump(handle *connHandle) {
	conn := handle.conn
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message := <-handle.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-handle.stop:
			for {
				select {
				case message := <-handle.send:
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// teardown handles the end of a connection's read loop: it clears the live
// connection, surfaces disconnected, and schedules a reconnect unless the
// client has been closed for good.
func (c *Client) teardown(handle *connHandle) {
	handle.conn.Close()
	handle.shutdown()

	c.mu.Lock()
	if c.handle != handle {
		// A newer connection has already replaced this one.
		c.mu.Unlock()
		return
	}
	c.handle = nil
	closed := c.state == stateClosed
	if !closed {
		c.state = stateConnecting
	}
	c.mu.Unlock()

	if closed {
		return
	}

	c.emit(Event{Name: EventDisconnected})
	go c.connectLoop(true)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateClosed
}

// emit fans an event out to all handlers registered for its name, in
// registration order.
func (c *Client) emit(ev Event) {
	c.hmu.RLock()
	handlers := make([]HandlerFunc, len(c.handlers[ev.Name]))
	copy(handlers, c.handlers[ev.Name])
	c.hmu.RUnlock()

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}
