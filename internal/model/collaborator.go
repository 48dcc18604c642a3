package model

import (
	"hash/fnv"
	"time"
)

// PresenceStatus represents a collaborator's self-reported availability.
// It is a local intent, not a liveness guarantee.
type PresenceStatus string

const (
	PresenceStatusOnline PresenceStatus = "online"
	PresenceStatusAway   PresenceStatus = "away"
	PresenceStatusBusy   PresenceStatus = "busy"
)

// Valid reports whether s is one of the known presence statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceStatusOnline, PresenceStatusAway, PresenceStatusBusy:
		return true
	}
	return false
}

// CursorPosition is the last-known pointer position of a collaborator.
// Transient: overwritten on each update, no history retained.
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Selection is the last-known text range a collaborator has selected.
type Selection struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// Collaborator is a remote participant in a collaboration session as seen
// by the local client: identity plus transient activity state.
type Collaborator struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Avatar    string          `json:"avatar,omitempty"`
	Status    PresenceStatus  `json:"status"`
	Cursor    *CursorPosition `json:"cursor,omitempty"`
	Selection *Selection      `json:"selection,omitempty"`
	Color     string          `json:"color"`
}

// Clone returns a deep copy of the collaborator so callers can hand out
// snapshots without exposing internal roster state.
func (c *Collaborator) Clone() *Collaborator {
	cp := *c
	if c.Cursor != nil {
		cursor := *c.Cursor
		cp.Cursor = &cursor
	}
	if c.Selection != nil {
		sel := *c.Selection
		cp.Selection = &sel
	}
	return &cp
}

// collaboratorPalette is the fixed set of colors used to visually
// distinguish collaborators.
var collaboratorPalette = []string{
	"#ef4444", // red
	"#f97316", // orange
	"#f59e0b", // amber
	"#10b981", // emerald
	"#14b8a6", // teal
	"#0ea5e9", // sky
	"#6366f1", // indigo
	"#8b5cf6", // violet
	"#d946ef", // fuchsia
	"#ec4899", // pink
}

// ColorFor derives a collaborator color deterministically from the id, so
// the same participant gets the same color on every client without any
// coordination. Collisions between different ids are possible and accepted.
func ColorFor(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return collaboratorPalette[int(h.Sum32())%len(collaboratorPalette)]
}

// PaletteSize returns the number of distinct collaborator colors.
func PaletteSize() int {
	return len(collaboratorPalette)
}

// CollabSession is the server-side bookkeeping record for a collaboration
// room. The shared content itself is never persisted; this exists so the
// surrounding product can list rooms and their activity.
type CollabSession struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActiveAt     time.Time `json:"lastActiveAt"`
	PeakParticipants int       `json:"peakParticipants"`
}
