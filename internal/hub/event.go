package hub

import (
	"time"

	"github.com/parishhub/portal/internal/model"
)

type EventType string

const (
	EventNewMessage          EventType = "new_message"
	EventMessageUpdated      EventType = "message_updated"
	EventConversationCreated EventType = "conversation_created"
	EventConversationUpdated EventType = "conversation_updated"
	EventConversationDeleted EventType = "conversation_deleted"
	EventTypingStart         EventType = "typing_start"
	EventTypingStop          EventType = "typing_stop"
	EventNewBroadcastChannel EventType = "new_broadcast_channel"
	EventNewBroadcastMessage EventType = "new_broadcast_message"
	EventConnectedUsers      EventType = "connected_users"
	EventError               EventType = "error"
)

// Event is one frame on the push channel. Payload carries a typed struct per
// event kind; the synchronizer switches exhaustively on Type.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// Frame is what a connected client sends upstream. Only ephemeral signals
// travel this way; everything durable goes through the REST API.
type Frame struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// MessagePayload carries a full message plus enough denormalized context for
// a receiving client to render a notification without another round trip.
type MessagePayload struct {
	Message          *model.Message         `json:"message"`
	ConversationID   string                 `json:"conversation_id"`
	ConversationKind model.ConversationKind `json:"conversation_kind"`
	ConversationName string                 `json:"conversation_name,omitempty"`
}

// MessageUpdatedPayload is fanned out on edit, reaction change, read
// acknowledge, pin change and soft delete.
type MessageUpdatedPayload struct {
	ConversationID string         `json:"conversation_id"`
	Message        *model.Message `json:"message"`
}

// ConversationPayload is fanned out when a conversation is created or its
// denormalized list entry changes (new last message, rename).
type ConversationPayload struct {
	View *model.ConversationView `json:"view"`
}

// ConversationDeletedPayload tells clients to drop a conversation that was
// removed or purged server-side.
type ConversationDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
}

// TypingPayload marks a user typing (or no longer typing) in a conversation.
type TypingPayload struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	At             time.Time `json:"at"`
}

// ConnectedUsersPayload is the presence snapshot advertised on every
// register/unregister.
type ConnectedUsersPayload struct {
	UserIDs []string `json:"user_ids"`
}
