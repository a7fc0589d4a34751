package domain

import (
	"time"

	"github.com/google/uuid"
)

// Wire-level event tags emitted to connections
const (
	EventCallIncoming = "call.incoming"
	EventCallAccepted = "call.accepted"
	EventCallMissed   = "call.missed"
	EventCallEnded    = "call.ended"
	EventRTCOffer     = "rtc.offer"
	EventRTCAnswer    = "rtc.answer"
	EventRTCCandidate = "rtc.ice-candidate"
	EventError        = "error"
)

// IncomingCallPayload is delivered to the callee when a call is initiated
type IncomingCallPayload struct {
	Call        *Call     `json:"call"`
	InitiatorID uuid.UUID `json:"initiator_id"`
}

// CallStatusPayload notifies a peer of an accept/reject/end transition
type CallStatusPayload struct {
	CallID uuid.UUID `json:"call_id"`
	UserID uuid.UUID `json:"user_id,omitempty"` // acting participant, if any
}

// SessionDescriptionPayload carries an opaque SDP offer or answer
type SessionDescriptionPayload struct {
	CallID   uuid.UUID `json:"call_id"`
	SDP      string    `json:"sdp"`
	SenderID uuid.UUID `json:"sender_id"`
}

// ICECandidatePayload carries an opaque network candidate and its
// positional descriptors
type ICECandidatePayload struct {
	CallID             uuid.UUID `json:"call_id"`
	Candidate          string    `json:"candidate"`
	CandidateMid       *string   `json:"candidate_mid"`
	CandidateLineIndex *int      `json:"candidate_line_index"`
	SenderID           uuid.UUID `json:"sender_id"`
}

// ErrorPayload is delivered to the originating connection on failure
type ErrorPayload struct {
	Message string `json:"message"`
}

// CallEvent is one row of the append-only call event journal in Cassandra
type CallEvent struct {
	CallID    uuid.UUID `json:"call_id"`
	Bucket    int       `json:"bucket"`
	EventID   uuid.UUID `json:"event_id"`
	EventType string    `json:"event_type"` // initiated, accepted, rejected, ended, ring_timeout, offer, answer, candidate
	ActorID   uuid.UUID `json:"actor_id"`
	CreatedAt time.Time `json:"created_at"`
}

// CalculateEventBucket maps a timestamp to a daily partition bucket.
// Keeps journal partitions bounded the same way the message store buckets by day.
func CalculateEventBucket(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}
