package models

import (
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
)

// UserInfo identifies a collaborator on the wire
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"` // Hex color for cursor/highlight
}

// Presence is the ephemeral per-user, per-document record kept in the
// presence store. It is not part of durable document content.
type Presence struct {
	UserID         string          `json:"user_id"`
	Name           string          `json:"name"`
	Color          string          `json:"color"`
	NodeID         string          `json:"node_id,omitempty"`
	CursorPosition *int            `json:"cursor_position,omitempty"`
	Selection      json.RawMessage `json:"selection,omitempty"`
	Viewport       json.RawMessage `json:"viewport,omitempty"`
	LastSeen       time.Time       `json:"last_seen"`
}

// CursorEvent is published on a document's cursor channel so other
// server processes can relay it to their own sessions.
type CursorEvent struct {
	NodeID     string          `json:"node_id"`
	DocumentID string          `json:"document_id"`
	UserID     string          `json:"user_id"`
	Position   *int            `json:"position"`
	Selection  json.RawMessage `json:"selection,omitempty"`
}

// CachedDocument is the short-lived copy of a document's latest state
type CachedDocument struct {
	State       []byte
	Version     int64
	LastUpdated time.Time
}

// Collaborator is a point-in-time view of one connected session
type Collaborator struct {
	SessionID      string          `json:"session_id"`
	UserID         string          `json:"id"`
	Name           string          `json:"name"`
	Color          string          `json:"color"`
	CursorPosition *int            `json:"cursor_position"`
	Selection      json.RawMessage `json:"selection"`
	ConnectedAt    time.Time       `json:"connected_at"`
	LastActiveAt   time.Time       `json:"last_active_at"`
}

// DocumentStats summarizes a document's live collaboration state
type DocumentStats struct {
	DocumentID       string         `json:"doc_id"`
	Active           bool           `json:"active"`
	ActiveUsers      int            `json:"active_users"`
	Users            []Collaborator `json:"users"`
	Version          int64          `json:"version"`
	UpdateCount      int64          `json:"update_count"`
	PersistedVersion int64          `json:"persisted_version"`
}

// Session identifies one websocket connection to a document
type Session struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	User        UserInfo  `json:"user"`
	ConnectedAt time.Time `json:"connected_at"`
}

func NewSession(documentID string, user UserInfo) *Session {
	return &Session{
		ID:          ksuid.New().String(),
		DocumentID:  documentID,
		User:        user,
		ConnectedAt: time.Now(),
	}
}
