package model

import "time"

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	ReplyToID      *string     `json:"reply_to_id,omitempty"`
	IsEdited       bool        `json:"is_edited"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	IsPinned       bool        `json:"is_pinned"`
	IsDeleted      bool        `json:"is_deleted"`
	CreatedAt      time.Time   `json:"created_at"`

	// Denormalized for rendering without extra round trips.
	Sender    *UserPublic `json:"sender,omitempty"`
	ReplyTo   *Message    `json:"reply_to,omitempty"`
	Reactions []Reaction  `json:"reactions,omitempty"`
	ReadBy    []string    `json:"read_by,omitempty"`

	// Pending marks a locally optimistic message that has no server-confirmed
	// counterpart yet. Never set on messages coming from the server.
	Pending bool `json:"pending,omitempty"`
}

type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}
