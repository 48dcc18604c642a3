// Package session maintains the client-side view of a collaboration
// session: who else is present and what they are doing. It translates the
// raw transport event stream into a structured roster and exposes outbound
// intents as simple calls.
package session

import (
	"fmt"
	"sync"

	"github.com/agency-collab/backend/internal/model"
	"github.com/agency-collab/backend/internal/protocol"
	"github.com/agency-collab/backend/internal/transport"
)

// defaultUserName is displayed for collaborators who join without a name.
const defaultUserName = "Unknown User"

// NoticeKind classifies user-visible notices emitted by the manager.
type NoticeKind string

const (
	NoticeUserJoined   NoticeKind = "user_joined"
	NoticeUserLeft     NoticeKind = "user_left"
	NoticeConnected    NoticeKind = "connected"
	NoticeDisconnected NoticeKind = "disconnected"
	NoticeReconnecting NoticeKind = "reconnecting"
	NoticeError        NoticeKind = "error"
)

// Notice is a one-time user-visible event, e.g. "Sarah joined". The UI layer
// decides how to render it.
type Notice struct {
	Kind    NoticeKind
	Message string
	UserID  string
}

// NotifyFunc receives notices. It is called from the transport dispatch
// goroutine and must not block.
type NotifyFunc func(Notice)

// Transport is the slice of the transport client the manager consumes.
// *transport.Client satisfies it.
type Transport interface {
	On(name transport.EventName, fn transport.HandlerFunc)
	Connect()
	SendCursorPosition(x, y float64)
	SendSelection(start, end int, text string)
	SendEdit(position int, text string, action protocol.EditAction)
	UpdatePresence(status model.PresenceStatus)
	IsConnected() bool
}

// Config configures a session manager.
type Config struct {
	// URL is the collaboration endpoint base passed to the transport.
	URL string

	// UserID must be non-empty and stable across reconnects for the same
	// logical user.
	UserID string

	// UserName may be empty; unnamed collaborators are displayed as
	// "Unknown User".
	UserName string

	// Avatar is an optional avatar URL announced on join.
	Avatar string

	// SessionID identifies the shared document or room. Must be non-empty.
	SessionID string

	// ClearRosterOnDisconnect controls whether remote collaborators are
	// dropped when the connection is lost. Default false: the roster is
	// preserved so the UI can keep showing peers while reconnecting.
	ClearRosterOnDisconnect bool

	// Notify receives one-time user-visible notices. Optional.
	Notify NotifyFunc

	// OnEdit receives raw edit events from peers for forwarding to a text
	// editing surface. Edits are not reconciled into the roster. Optional.
	OnEdit func(userID string, edit *protocol.EditData)
}

// Manager owns the collaborator roster for one session. It is safe for
// concurrent use; event handling is serialized by the transport dispatcher
// while reads may come from any goroutine.
type Manager struct {
	cfg       Config
	transport Transport
	release   func()

	mu        sync.RWMutex
	roster    map[string]*model.Collaborator
	order     []string
	connected bool
	closed    bool
}

// NewManager acquires a shared transport client from the registry, wires up
// event handling, and starts connecting. Close releases the client again.
func NewManager(registry *transport.Registry, cfg Config) (*Manager, error) {
	if cfg.UserID == "" {
		return nil, model.ErrUserIDRequired
	}
	if cfg.SessionID == "" {
		return nil, model.ErrSessionIDRequired
	}

	client, err := registry.Acquire(transport.Options{
		URL:       cfg.URL,
		UserID:    cfg.UserID,
		SessionID: cfg.SessionID,
		UserName:  cfg.UserName,
		Avatar:    cfg.Avatar,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire transport: %w", err)
	}

	return NewManagerWithTransport(client, func() { registry.Release(client) }, cfg)
}

// NewManagerWithTransport wires a manager over an explicit transport. The
// release callback, if non-nil, is invoked exactly once on Close.
func NewManagerWithTransport(t Transport, release func(), cfg Config) (*Manager, error) {
	if cfg.UserID == "" {
		return nil, model.ErrUserIDRequired
	}
	if cfg.SessionID == "" {
		return nil, model.ErrSessionIDRequired
	}

	m := &Manager{
		cfg:       cfg,
		transport: t,
		release:   release,
		roster:    make(map[string]*model.Collaborator),
	}

	t.On(transport.EventConnected, m.handleConnected)
	t.On(transport.EventDisconnected, m.handleDisconnected)
	t.On(transport.EventReconnecting, m.handleReconnecting)
	t.On(transport.EventError, m.handleError)
	t.On(transport.EventPresence, m.handlePresence)
	t.On(transport.EventCollaboration, m.handleCollaboration)

	t.Connect()
	return m, nil
}

// Users returns the current remote collaborators in join order. The local
// user is never included. The returned entries are copies.
func (m *Manager) Users() []*model.Collaborator {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*model.Collaborator, 0, len(m.order))
	for _, id := range m.order {
		if c, ok := m.roster[id]; ok {
			users = append(users, c.Clone())
		}
	}
	return users
}

// IsConnected reports whether the underlying transport is connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SendCursorPosition forwards the local cursor position to peers. Safe to
// call before the connection is up; the update is dropped, not queued.
func (m *Manager) SendCursorPosition(x, y float64) {
	m.transport.SendCursorPosition(x, y)
}

// SendSelection forwards the local text selection to peers.
func (m *Manager) SendSelection(start, end int, text string) {
	m.transport.SendSelection(start, end, text)
}

// SendEdit forwards a raw local edit to peers.
func (m *Manager) SendEdit(position int, text string, action protocol.EditAction) {
	m.transport.SendEdit(position, text, action)
}

// UpdatePresence announces the local user's availability.
func (m *Manager) UpdatePresence(status model.PresenceStatus) {
	m.transport.UpdatePresence(status)
}

// Close discards the roster and releases the transport client. The manager
// must not be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.roster = make(map[string]*model.Collaborator)
	m.order = nil
	m.connected = false
	release := m.release
	m.release = nil
	m.mu.Unlock()

	if release != nil {
		release()
	}
}

func (m *Manager) handleConnected(transport.Event) {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()

	m.notify(Notice{Kind: NoticeConnected, Message: "Connected to collaboration session"})
}

func (m *Manager) handleDisconnected(transport.Event) {
	m.mu.Lock()
	m.connected = false
	if m.cfg.ClearRosterOnDisconnect {
		m.roster = make(map[string]*model.Collaborator)
		m.order = nil
	}
	m.mu.Unlock()

	m.notify(Notice{Kind: NoticeDisconnected, Message: "Connection lost"})
}

func (m *Manager) handleReconnecting(ev transport.Event) {
	m.notify(Notice{Kind: NoticeReconnecting, Message: fmt.Sprintf("Reconnecting (attempt %d)...", ev.Attempt)})
}

func (m *Manager) handleError(ev transport.Event) {
	m.notify(Notice{Kind: NoticeError, Message: fmt.Sprintf("Collaboration connection failed: %v", ev.Err)})
}

func (m *Manager) handlePresence(ev transport.Event) {
	p := ev.Presence
	if p == nil || p.UserID == "" || p.UserID == m.cfg.UserID {
		return
	}

	switch p.Type {
	case protocol.PresenceEventJoin:
		m.handleJoin(p)
	case protocol.PresenceEventLeave:
		m.handleLeave(p)
	case protocol.PresenceEventUpdate:
		m.handleUpdate(p)
	}
}

func (m *Manager) handleJoin(p *protocol.PresenceEvent) {
	name := p.UserName
	if name == "" {
		name = defaultUserName
	}

	m.mu.Lock()
	if _, exists := m.roster[p.UserID]; exists {
		// Duplicate join is benign.
		m.mu.Unlock()
		return
	}
	m.roster[p.UserID] = &model.Collaborator{
		ID:     p.UserID,
		Name:   name,
		Avatar: p.Avatar,
		Status: model.PresenceStatusOnline,
		Color:  model.ColorFor(p.UserID),
	}
	m.order = append(m.order, p.UserID)
	m.mu.Unlock()

	m.notify(Notice{Kind: NoticeUserJoined, Message: name + " joined", UserID: p.UserID})
}

func (m *Manager) handleLeave(p *protocol.PresenceEvent) {
	m.mu.Lock()
	c, exists := m.roster[p.UserID]
	if !exists {
		// Leave without join is benign.
		m.mu.Unlock()
		return
	}
	delete(m.roster, p.UserID)
	for i, id := range m.order {
		if id == p.UserID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.notify(Notice{Kind: NoticeUserLeft, Message: c.Name + " left", UserID: p.UserID})
}

func (m *Manager) handleUpdate(p *protocol.PresenceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Update before join is dropped, not buffered.
	c, exists := m.roster[p.UserID]
	if !exists {
		return
	}
	if p.Status.Valid() {
		c.Status = p.Status
	}
	if p.UserName != "" {
		c.Name = p.UserName
	}
	if p.Avatar != "" {
		c.Avatar = p.Avatar
	}
}

func (m *Manager) handleCollaboration(ev transport.Event) {
	e := ev.Collaboration
	if e == nil || e.UserID == "" || e.UserID == m.cfg.UserID {
		return
	}

	switch e.Type {
	case protocol.CollabEventCursor:
		pos, err := e.Cursor()
		if err != nil {
			return
		}
		m.setCursor(e.UserID, pos)
	case protocol.CollabEventSelection:
		sel, err := e.Selection()
		if err != nil {
			return
		}
		m.setSelection(e.UserID, sel)
	case protocol.CollabEventEdit:
		edit, err := e.Edit()
		if err != nil {
			return
		}
		if m.cfg.OnEdit != nil {
			m.cfg.OnEdit(e.UserID, edit)
		}
	}
}

// setCursor replaces the last-known cursor for a known collaborator.
// Last write wins; events for unknown ids are dropped.
func (m *Manager) setCursor(userID string, pos *model.CursorPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.roster[userID]; ok {
		c.Cursor = pos
	}
}

func (m *Manager) setSelection(userID string, sel *model.Selection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.roster[userID]; ok {
		c.Selection = sel
	}
}

func (m *Manager) notify(n Notice) {
	if m.cfg.Notify != nil {
		m.cfg.Notify(n)
	}
}
