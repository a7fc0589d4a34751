package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle status of a call record
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated" // ringing, nobody accepted yet
	CallStatusOngoing   CallStatus = "ongoing"   // callee accepted
	CallStatusEnded     CallStatus = "ended"     // terminal
	CallStatusMissed    CallStatus = "missed"    // terminal
)

// IsTerminal reports whether no further transition may leave this status
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusEnded || s == CallStatusMissed
}

// ParticipantStatus is the per-participant status within a call
type ParticipantStatus string

const (
	ParticipantJoined ParticipantStatus = "joined"
	ParticipantMissed ParticipantStatus = "missed"
)

// CallType represents type of call
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// Call represents a one-to-one voice/video call entity
type Call struct {
	CallID         uuid.UUID         `json:"call_id"`
	ConversationID uuid.UUID         `json:"conversation_id"`
	InitiatorID    uuid.UUID         `json:"initiator_id"`
	CallType       CallType          `json:"call_type"`
	Status         CallStatus        `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	Participants   []CallParticipant `json:"participants"`
}

// CallParticipant represents one of the two users bound to a call
type CallParticipant struct {
	CallID   uuid.UUID         `json:"call_id"`
	UserID   uuid.UUID         `json:"user_id"`
	Status   ParticipantStatus `json:"status"`
	JoinedAt *time.Time        `json:"joined_at,omitempty"`
	LeftAt   *time.Time        `json:"left_at,omitempty"`
}

// Peer returns the single participant identity other than userID.
// ok is false when the call does not contain exactly one such participant.
func (c *Call) Peer(userID uuid.UUID) (uuid.UUID, bool) {
	peer := uuid.Nil
	count := 0
	for _, p := range c.Participants {
		if p.UserID != userID {
			peer = p.UserID
			count++
		}
	}
	if count != 1 {
		return uuid.Nil, false
	}
	return peer, true
}

// HasParticipant reports whether userID is one of the call's participants
func (c *Call) HasParticipant(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
