package call

import (
	"context"
	"time"

	"github.com/google/uuid"

	"duocall-backend/internal/domain"
	apperrors "duocall-backend/pkg/errors"
)

// SignalKind identifies one of the three relayed signaling message kinds
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// ForwardInput carries one signaling message to relay. The SDP and candidate
// bodies are opaque; the relay never inspects them.
type ForwardInput struct {
	Kind               SignalKind
	CallID             uuid.UUID
	SDP                string
	Candidate          string
	CandidateMid       *string
	CandidateLineIndex *int

	// Optional routing hint naming the peer connection the sender last
	// heard from. Ignored when that connection is no longer active.
	HintConnectionID string
}

// Forward relays a signaling message to the call's other participant. The
// peer being unreachable is reported through the delivered flag, not as an
// error; state-level failures (unknown call, sender not a participant of a
// two-party call) are errors.
func (s *Service) Forward(ctx context.Context, actingUser uuid.UUID, senderConn string, in *ForwardInput) (bool, error) {
	if actingUser == uuid.Nil {
		return false, apperrors.UnauthorizedError("acting user could not be resolved")
	}

	call, err := s.getCall(ctx, in.CallID)
	if err != nil {
		return false, err
	}

	peerID, ok := call.Peer(actingUser)
	if !ok {
		return false, apperrors.RecipientNotFoundError()
	}

	var event string
	var payload any
	switch in.Kind {
	case SignalOffer:
		event = domain.EventRTCOffer
		payload = &domain.SessionDescriptionPayload{CallID: in.CallID, SDP: in.SDP, SenderID: actingUser}
	case SignalAnswer:
		event = domain.EventRTCAnswer
		payload = &domain.SessionDescriptionPayload{CallID: in.CallID, SDP: in.SDP, SenderID: actingUser}
	case SignalCandidate:
		event = domain.EventRTCCandidate
		payload = &domain.ICECandidatePayload{
			CallID:             in.CallID,
			Candidate:          in.Candidate,
			CandidateMid:       in.CandidateMid,
			CandidateLineIndex: in.CandidateLineIndex,
			SenderID:           actingUser,
		}
	default:
		return false, apperrors.InvalidInputError("unknown signal kind")
	}

	target, ok := s.router.ResolveTarget(in.CallID, peerID, in.HintConnectionID, senderConn)
	if !ok {
		if s.metrics != nil {
			s.metrics.RecordSignalRelayed(string(in.Kind), "unreachable")
		}
		return false, nil
	}

	delivered := s.emitter.EmitToConnection(target, event, payload)

	// Keep the sender's own route fresh so replies resolve back to this
	// connection without a hint
	s.router.RecordRoute(in.CallID, actingUser, senderConn)

	s.journalEvent(in.CallID, string(in.Kind), actingUser, time.Now().UTC())

	if s.metrics != nil {
		result := "delivered"
		if !delivered {
			result = "dropped"
		}
		s.metrics.RecordSignalRelayed(string(in.Kind), result)
	}

	return delivered, nil
}
