package domain

import (
	"time"

	"github.com/google/uuid"
)

// Participant roles within a conversation
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Conversation represents conversation metadata
// Maps to CockroachDB conversations table
type Conversation struct {
	ConversationID uuid.UUID `json:"conversation_id" db:"conversation_id"`
	Type           string    `json:"type" db:"type"` // direct, group
	Name           *string   `json:"name,omitempty" db:"name"`
	CreatedBy      uuid.UUID `json:"created_by" db:"created_by"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ConversationParticipant represents a user in a conversation
// Maps to CockroachDB conversation_participants table
type ConversationParticipant struct {
	ConversationID uuid.UUID `json:"conversation_id" db:"conversation_id"`
	UserID         uuid.UUID `json:"user_id" db:"user_id"`
	Role           string    `json:"role" db:"role"` // admin, member
	JoinedAt       time.Time `json:"joined_at" db:"joined_at"`
}
