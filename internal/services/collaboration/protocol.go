package collaboration

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"wikicollab/internal/models"
)

/*
LEARNING: CLOSED MESSAGE DECODING

Inbound JSON is decoded exactly once, at the edge, into one of a fixed set
of Go types. Everything behind DecodeInbound works with those types and a
type switch, so adding a message kind means adding a type here and a case
in Service.DispatchMessage. An unknown "type" is an error the client hears
about, not a silent no-op.
*/

// MessageType is the "type" discriminator of every wire message
type MessageType string

const (
	// Client → server
	TypeYjsUpdate      MessageType = "yjs_update"
	TypeContentUpdate  MessageType = "content_update"
	TypeCursorUpdate   MessageType = "cursor_update"
	TypePresenceUpdate MessageType = "presence_update"
	TypePing           MessageType = "ping"

	// Server → client
	TypeConnected    MessageType = "connected"
	TypeSyncState    MessageType = "sync_state"
	TypeUsersUpdated MessageType = "users_updated"
	TypeUserJoined   MessageType = "user_joined"
	TypeUserLeft     MessageType = "user_left"
	TypeUpdate       MessageType = "update"
	TypeError        MessageType = "error"
	TypePong         MessageType = "pong"
)

// Encoding says how an update payload travels on the wire
type Encoding string

const (
	EncodingHex  Encoding = "hex"  // binary updates (yjs)
	EncodingText Encoding = "text" // plain string content
)

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Inbound is a decoded client message: ContentUpdate, CursorUpdate,
// PresenceUpdate or Ping.
type Inbound interface {
	inbound()
}

// ContentUpdate replaces the document content (last write wins)
type ContentUpdate struct {
	Payload  []byte
	Encoding Encoding
	// ClientVersion is the version the client based its edit on. It is
	// accepted for compatibility and not used for merging.
	ClientVersion *int64
}

// CursorUpdate moves a user's cursor or selection
type CursorUpdate struct {
	Position  *int
	Selection json.RawMessage
}

// PresenceUpdate refreshes a user's presence record without a broadcast
type PresenceUpdate struct {
	CursorPosition *int
	Selection      json.RawMessage
	Viewport       json.RawMessage
}

// Ping keeps a session alive
type Ping struct{}

func (ContentUpdate) inbound()  {}
func (CursorUpdate) inbound()   {}
func (PresenceUpdate) inbound() {}
func (Ping) inbound()           {}

type inboundEnvelope struct {
	Type           MessageType     `json:"type"`
	Update         *string         `json:"update"`
	Content        *string         `json:"content"`
	Version        *int64          `json:"version"`
	Position       *int            `json:"position"`
	Selection      json.RawMessage `json:"selection"`
	CursorPosition *int            `json:"cursor_position"`
	Viewport       json.RawMessage `json:"viewport"`
	// Older clients nest cursor fields under "data"
	Data *struct {
		Position  *int            `json:"position"`
		Selection json.RawMessage `json:"selection"`
	} `json:"data"`
}

// DecodeInbound decodes one client frame
func DecodeInbound(data []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.Type {
	case TypeYjsUpdate, TypeContentUpdate:
		return decodeContentUpdate(env)

	case TypeCursorUpdate:
		cursor := CursorUpdate{Position: env.Position, Selection: env.Selection}
		if env.Data != nil && cursor.Position == nil && cursor.Selection == nil {
			cursor.Position = env.Data.Position
			cursor.Selection = env.Data.Selection
		}
		return cursor, nil

	case TypePresenceUpdate:
		return PresenceUpdate{
			CursorPosition: env.CursorPosition,
			Selection:      env.Selection,
			Viewport:       env.Viewport,
		}, nil

	case TypePing:
		return Ping{}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

// decodeContentUpdate accepts hex in "update" or plain text in "content".
// yjs_update prefers "update", content_update prefers "content".
func decodeContentUpdate(env inboundEnvelope) (Inbound, error) {
	hexFirst := env.Type == TypeYjsUpdate

	switch {
	case env.Update != nil && (hexFirst || env.Content == nil):
		payload, err := hex.DecodeString(*env.Update)
		if err != nil {
			return nil, fmt.Errorf("%w: update is not hex: %v", ErrMalformedMessage, err)
		}
		return ContentUpdate{Payload: payload, Encoding: EncodingHex, ClientVersion: env.Version}, nil

	case env.Content != nil:
		return ContentUpdate{Payload: []byte(*env.Content), Encoding: EncodingText, ClientVersion: env.Version}, nil

	default:
		return nil, fmt.Errorf("%w: %s without payload", ErrMalformedMessage, env.Type)
	}
}

// Outbound messages

type connectedMessage struct {
	Type      MessageType `json:"type"`
	DocID     string      `json:"doc_id"`
	UserID    string      `json:"user_id"`
	SessionID string      `json:"session_id"`
	Timestamp time.Time   `json:"timestamp"`
}

type syncStateMessage struct {
	Type     MessageType `json:"type"`
	State    string      `json:"state"`
	Encoding Encoding    `json:"encoding"`
	Version  int64       `json:"version"`
}

type wireUser struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Color          string          `json:"color"`
	CursorPosition *int            `json:"cursor_position"`
	Selection      json.RawMessage `json:"selection"`
}

type usersUpdatedMessage struct {
	Type  MessageType `json:"type"`
	Users []wireUser  `json:"users"`
}

type userEventMessage struct {
	Type MessageType     `json:"type"`
	User models.UserInfo `json:"user"`
}

type updateMessage struct {
	Type    MessageType `json:"type"`
	Update  *string     `json:"update,omitempty"`
	Content *string     `json:"content,omitempty"`
	Version int64       `json:"version"`
	UserID  string      `json:"user_id"`
}

type cursorMessage struct {
	Type      MessageType     `json:"type"`
	UserID    string          `json:"user_id"`
	Position  *int            `json:"position"`
	Selection json.RawMessage `json:"selection"`
}

type errorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type pongMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

func encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("⚠️  Failed to encode %T: %v", v, err)
		return nil
	}
	return data
}

func newUpdateMessage(payload []byte, enc Encoding, version int64, userID string) updateMessage {
	msg := updateMessage{Version: version, UserID: userID}
	if enc == EncodingText {
		content := string(payload)
		msg.Type = TypeUpdate
		msg.Content = &content
	} else {
		update := hex.EncodeToString(payload)
		msg.Type = TypeYjsUpdate
		msg.Update = &update
	}
	return msg
}

// sync_state always carries hex, whatever encoding produced the content
func encodeState(state []byte) string {
	return hex.EncodeToString(state)
}

func encodeError(message string) []byte {
	return encode(errorMessage{Type: TypeError, Message: message})
}
