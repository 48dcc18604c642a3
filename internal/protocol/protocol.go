// Package protocol defines the wire schema for the real-time collaboration
// protocol: a JSON envelope routed by session, carrying either a
// collaboration event (cursor, selection, edit) or a presence event
// (join, leave, update).
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agency-collab/backend/internal/model"
)

// MessageType is the outer discriminator of an envelope.
type MessageType string

const (
	MessageTypeCollaboration MessageType = "collaboration"
	MessageTypePresence      MessageType = "presence"
)

// CollabEventType discriminates collaboration payloads.
type CollabEventType string

const (
	CollabEventCursor    CollabEventType = "cursor"
	CollabEventSelection CollabEventType = "selection"
	CollabEventEdit      CollabEventType = "edit"
)

// PresenceEventType discriminates presence payloads.
type PresenceEventType string

const (
	PresenceEventJoin   PresenceEventType = "join"
	PresenceEventLeave  PresenceEventType = "leave"
	PresenceEventUpdate PresenceEventType = "update"
)

// EditAction is the kind of raw edit being relayed.
type EditAction string

const (
	EditActionInsert EditAction = "insert"
	EditActionDelete EditAction = "delete"
)

var (
	// ErrUnknownMessageType is returned for envelopes whose outer type is not recognized.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrUnknownEventType is returned for payloads whose inner type is not recognized.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrMismatchedPayload is returned when the payload accessor does not match
	// the envelope's outer type.
	ErrMismatchedPayload = errors.New("payload does not match envelope type")
)

// Envelope is the outer message frame. SessionID is the routing key; Data
// holds the payload whose shape depends on Type.
type Envelope struct {
	Type      MessageType     `json:"type"`
	UserID    string          `json:"userId"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

// CollabEvent is the payload of a collaboration envelope.
type CollabEvent struct {
	Type   CollabEventType `json:"type"`
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data"`
}

// EditData is the payload of an edit collaboration event. Edits are relayed
// raw; no merge algorithm is applied at this layer.
type EditData struct {
	Position int        `json:"position"`
	Text     string     `json:"text"`
	Action   EditAction `json:"action"`
}

// PresenceEvent is the payload of a presence envelope.
type PresenceEvent struct {
	Type     PresenceEventType    `json:"type"`
	UserID   string               `json:"userId"`
	UserName string               `json:"userName,omitempty"`
	Avatar   string               `json:"avatar,omitempty"`
	Status   model.PresenceStatus `json:"status,omitempty"`
}

// ParseEnvelope decodes and validates an outer envelope. Unknown outer types
// are rejected so callers can drop them for forward compatibility.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	switch env.Type {
	case MessageTypeCollaboration, MessageTypePresence:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	return &env, nil
}

// Collaboration decodes the envelope payload as a collaboration event.
func (e *Envelope) Collaboration() (*CollabEvent, error) {
	if e.Type != MessageTypeCollaboration {
		return nil, ErrMismatchedPayload
	}
	var ev CollabEvent
	if err := json.Unmarshal(e.Data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode collaboration event: %w", err)
	}
	switch ev.Type {
	case CollabEventCursor, CollabEventSelection, CollabEventEdit:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	return &ev, nil
}

// Presence decodes the envelope payload as a presence event.
func (e *Envelope) Presence() (*PresenceEvent, error) {
	if e.Type != MessageTypePresence {
		return nil, ErrMismatchedPayload
	}
	var ev PresenceEvent
	if err := json.Unmarshal(e.Data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode presence event: %w", err)
	}
	switch ev.Type {
	case PresenceEventJoin, PresenceEventLeave, PresenceEventUpdate:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	return &ev, nil
}

// Cursor decodes the event data as a cursor position.
func (ev *CollabEvent) Cursor() (*model.CursorPosition, error) {
	if ev.Type != CollabEventCursor {
		return nil, ErrMismatchedPayload
	}
	var pos model.CursorPosition
	if err := json.Unmarshal(ev.Data, &pos); err != nil {
		return nil, fmt.Errorf("failed to decode cursor data: %w", err)
	}
	return &pos, nil
}

// Selection decodes the event data as a text selection.
func (ev *CollabEvent) Selection() (*model.Selection, error) {
	if ev.Type != CollabEventSelection {
		return nil, ErrMismatchedPayload
	}
	var sel model.Selection
	if err := json.Unmarshal(ev.Data, &sel); err != nil {
		return nil, fmt.Errorf("failed to decode selection data: %w", err)
	}
	return &sel, nil
}

// Edit decodes the event data as a raw edit.
func (ev *CollabEvent) Edit() (*EditData, error) {
	if ev.Type != CollabEventEdit {
		return nil, ErrMismatchedPayload
	}
	var edit EditData
	if err := json.Unmarshal(ev.Data, &edit); err != nil {
		return nil, fmt.Errorf("failed to decode edit data: %w", err)
	}
	return &edit, nil
}

func newEnvelope(msgType MessageType, userID, sessionID string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	env := Envelope{
		Type:      msgType,
		UserID:    userID,
		SessionID: sessionID,
		Data:      data,
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return encoded, nil
}

func newCollabEnvelope(userID, sessionID string, evType CollabEventType, data interface{}) ([]byte, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event data: %w", err)
	}
	return newEnvelope(MessageTypeCollaboration, userID, sessionID, CollabEvent{
		Type:   evType,
		UserID: userID,
		Data:   encoded,
	})
}

// EncodeCursor builds a cursor collaboration envelope.
func EncodeCursor(userID, sessionID string, x, y float64) ([]byte, error) {
	return newCollabEnvelope(userID, sessionID, CollabEventCursor, model.CursorPosition{X: x, Y: y})
}

// EncodeSelection builds a selection collaboration envelope.
func EncodeSelection(userID, sessionID string, start, end int, text string) ([]byte, error) {
	return newCollabEnvelope(userID, sessionID, CollabEventSelection, model.Selection{Start: start, End: end, Text: text})
}

// EncodeEdit builds an edit collaboration envelope.
func EncodeEdit(userID, sessionID string, position int, text string, action EditAction) ([]byte, error) {
	return newCollabEnvelope(userID, sessionID, CollabEventEdit, EditData{Position: position, Text: text, Action: action})
}

// EncodeJoin builds a presence join envelope.
func EncodeJoin(userID, sessionID, userName, avatar string) ([]byte, error) {
	return newEnvelope(MessageTypePresence, userID, sessionID, PresenceEvent{
		Type:     PresenceEventJoin,
		UserID:   userID,
		UserName: userName,
		Avatar:   avatar,
	})
}

// EncodeLeave builds a presence leave envelope.
func EncodeLeave(userID, sessionID, userName string) ([]byte, error) {
	return newEnvelope(MessageTypePresence, userID, sessionID, PresenceEvent{
		Type:     PresenceEventLeave,
		UserID:   userID,
		UserName: userName,
	})
}

// EncodePresenceUpdate builds a presence update envelope.
func EncodePresenceUpdate(userID, sessionID string, status model.PresenceStatus) ([]byte, error) {
	return newEnvelope(MessageTypePresence, userID, sessionID, PresenceEvent{
		Type:   PresenceEventUpdate,
		UserID: userID,
		Status: status,
	})
}
