package model

import "time"

type ConversationKind string

const (
	ConversationDirect    ConversationKind = "direct"
	ConversationGroup     ConversationKind = "group"
	ConversationBroadcast ConversationKind = "broadcast"
	ConversationChannel   ConversationKind = "channel"
)

// Writable reports whether a participant with the given role may post.
// In broadcast conversations only the owner writes; everyone else subscribes.
func (k ConversationKind) Writable(role string) bool {
	if k == ConversationBroadcast {
		return role == RoleOwner
	}
	return true
}

const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

type Conversation struct {
	ID        string           `json:"id"`
	Kind      ConversationKind `json:"kind"`
	Name      string           `json:"name,omitempty"`
	ImageURL  string           `json:"image_url,omitempty"`
	CreatedBy string           `json:"created_by"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type Participant struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Role           string     `json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastReadAt     time.Time  `json:"last_read_at"`
	HiddenAt       *time.Time `json:"-"`
}

// ConversationView is a conversation enriched for one viewer: participants,
// the denormalized last message and the viewer's unread count.
type ConversationView struct {
	Conversation Conversation `json:"conversation"`
	Participants []UserPublic `json:"participants"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count"`
}
