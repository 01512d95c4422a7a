// Package commons holds the JSON message types shared between client and
// server. These travel as websocket text frames alongside the binary sync
// frames; they carry presence and connection-control traffic and never
// touch document state.
package commons

// MessageType represents the type of a JSON text frame.
type MessageType string

const (
	PresenceMessage         MessageType = "presence"
	PingMessage             MessageType = "ping"
	PongMessage             MessageType = "pong"
	UserDisconnectedMessage MessageType = "user-disconnected"
)

// Cursor is a caret location as a visible rune index.
type Cursor struct {
	Index int `json:"index"`
}

// Range is a selection over visible rune indexes, end exclusive.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Message represents a JSON frame sent over the wire. Fields beyond Type
// are populated per message type; unknown fields from newer peers are
// ignored on decode.
type Message struct {
	Type MessageType `json:"type"`

	// Presence and user-disconnected fields.
	UserID    string `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
	UserEmail string `json:"userEmail,omitempty"`

	// Timestamp is the sender's wall clock in Unix milliseconds. Set on
	// presence, ping and pong messages.
	Timestamp int64 `json:"timestamp,omitempty"`

	Cursor    *Cursor `json:"cursor,omitempty"`
	Selection *Range  `json:"selection,omitempty"`
	IsTyping  *bool   `json:"isTyping,omitempty"`
}
