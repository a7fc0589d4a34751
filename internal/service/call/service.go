// Package call implements the call lifecycle state machine and the
// signaling relay between the two participants of a one-to-one call.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"duocall-backend/internal/domain"
	"duocall-backend/internal/repository/cockroach"
	"duocall-backend/internal/signaling"
	pkgcontext "duocall-backend/pkg/context"
	apperrors "duocall-backend/pkg/errors"
	"duocall-backend/pkg/logger"
	"duocall-backend/pkg/metrics"
)

// CallStore is the persistence contract for call records
type CallStore interface {
	Create(ctx context.Context, call *domain.Call) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	UpsertParticipant(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus, ts time.Time) error
	UpdateStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus, ts time.Time) error
	MarkMissedIfRinging(ctx context.Context, callID uuid.UUID, ts time.Time) error
}

// ConversationStore resolves conversation membership for call preconditions
type ConversationStore interface {
	GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]*domain.ConversationParticipant, error)
}

// Emitter delivers events to live connections. Both primitives report
// whether the event was handed to a live connection.
type Emitter interface {
	EmitToConnection(connID string, event string, payload any) bool
	EmitToUser(userID uuid.UUID, event string, payload any) bool
}

// EventJournal appends lifecycle events to the audit journal. Best-effort.
type EventJournal interface {
	Record(event *domain.CallEvent) error
}

// CallAlerter pushes an incoming-call alert to a user's registered devices
// when no live connection can be resolved. Best-effort.
type CallAlerter interface {
	SendCallAlert(ctx context.Context, userID uuid.UUID, call *domain.Call) error
}

// Service is the call state machine. Every state-changing operation returns
// two independent results: the state-mutation error and a delivery flag
// telling whether the live peer notification reached a connection. An
// unreachable peer never fails the operation itself.
type Service struct {
	calls   CallStore
	convs   ConversationStore
	router  *signaling.Router
	ringer  *signaling.Ringer
	emitter Emitter
	journal EventJournal     // optional
	alerter CallAlerter      // optional
	metrics *metrics.Metrics // optional

	// Serializes state transitions and the ring-timeout callback per call id,
	// so a cancelled timer can never interleave with an accept.
	locks *signaling.KeyedMutex
}

// NewService creates a new call service. journal, alerter and m may be nil.
func NewService(calls CallStore, convs ConversationStore, router *signaling.Router, ringer *signaling.Ringer, emitter Emitter, journal EventJournal, alerter CallAlerter, m *metrics.Metrics) *Service {
	return &Service{
		calls:   calls,
		convs:   convs,
		router:  router,
		ringer:  ringer,
		emitter: emitter,
		journal: journal,
		alerter: alerter,
		metrics: m,
		locks:   signaling.NewKeyedMutex(),
	}
}

// Initiate starts a new call in a conversation. The acting user must hold the
// admin role there and the conversation must contain exactly one member-role
// participant, who becomes the callee. The callee being unreachable is not an
// error; the ring timer will mark the call missed if nobody accepts.
func (s *Service) Initiate(ctx context.Context, actingUser uuid.UUID, senderConn string, conversationID uuid.UUID, kind domain.CallType) (*domain.Call, bool, error) {
	if actingUser == uuid.Nil {
		return nil, false, apperrors.UnauthorizedError("acting user could not be resolved")
	}
	if kind != domain.CallTypeVoice && kind != domain.CallTypeVideo {
		return nil, false, apperrors.InvalidInputError("unknown call type")
	}

	participants, err := s.convs.GetParticipants(ctx, conversationID)
	if err != nil {
		logger.Error("Failed to load conversation participants",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
		return nil, false, apperrors.DatabaseError(err)
	}
	if len(participants) == 0 {
		return nil, false, apperrors.ConversationNotFoundError()
	}

	isAdmin := false
	calleeID := uuid.Nil
	memberCount := 0
	for _, p := range participants {
		if p.UserID == actingUser && p.Role == domain.RoleAdmin {
			isAdmin = true
		}
		if p.Role == domain.RoleMember {
			calleeID = p.UserID
			memberCount++
		}
	}
	if !isAdmin {
		return nil, false, apperrors.ForbiddenError("only the conversation admin can start a call")
	}
	if memberCount == 0 {
		return nil, false, apperrors.ValidationError("conversation has no member participant to call")
	}
	if memberCount > 1 {
		return nil, false, apperrors.ValidationError("conversation has more than one member participant")
	}

	now := time.Now().UTC()
	call := &domain.Call{
		CallID:         uuid.New(),
		ConversationID: conversationID,
		InitiatorID:    actingUser,
		CallType:       kind,
		Status:         domain.CallStatusInitiated,
		CreatedAt:      now,
		Participants: []domain.CallParticipant{
			{UserID: actingUser, Status: domain.ParticipantJoined, JoinedAt: &now},
			{UserID: calleeID, Status: domain.ParticipantMissed},
		},
	}
	for i := range call.Participants {
		call.Participants[i].CallID = call.CallID
	}

	if err := s.calls.Create(ctx, call); err != nil {
		logger.Error("Failed to create call record",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err))
		return nil, false, apperrors.DatabaseError(err)
	}

	s.router.RecordRoute(call.CallID, actingUser, senderConn)

	delivered := s.notify(call.CallID, calleeID, "", domain.EventCallIncoming, &domain.IncomingCallPayload{
		Call:        call,
		InitiatorID: actingUser,
	})
	if !delivered && s.alerter != nil {
		if err := s.alerter.SendCallAlert(ctx, calleeID, call); err != nil {
			logger.Warn("Incoming-call push failed",
				zap.String("call_id", call.CallID.String()),
				zap.String("callee_id", calleeID.String()),
				zap.Error(err))
		}
	}

	callID := call.CallID
	s.ringer.Arm(callID, func() { s.ringTimeout(callID) })

	s.journalEvent(call.CallID, "initiated", actingUser, now)
	if s.metrics != nil {
		s.metrics.RecordCallInitiated(string(kind))
	}

	return call, delivered, nil
}

// Accept marks the acting participant joined and moves a ringing call to
// ongoing. Re-acceptance by the same user is tolerated and does not re-fire
// the ongoing transition.
func (s *Service) Accept(ctx context.Context, actingUser uuid.UUID, senderConn string, callID uuid.UUID) (*domain.Call, bool, error) {
	if actingUser == uuid.Nil {
		return nil, false, apperrors.UnauthorizedError("acting user could not be resolved")
	}

	s.locks.Lock(callID)
	defer s.locks.Unlock(callID)

	call, err := s.getCall(ctx, callID)
	if err != nil {
		return nil, false, err
	}
	if call.Status.IsTerminal() {
		return nil, false, apperrors.ValidationError("call has already ended")
	}

	// Cancel before any mutation so the ring timer cannot fire afterwards
	s.ringer.Cancel(callID)

	now := time.Now().UTC()
	if err := s.calls.UpsertParticipant(ctx, callID, actingUser, domain.ParticipantJoined, now); err != nil {
		logger.Error("Failed to mark participant joined",
			zap.String("call_id", callID.String()),
			zap.String("user_id", actingUser.String()),
			zap.Error(err))
		return nil, false, apperrors.DatabaseError(err)
	}
	for i := range call.Participants {
		if call.Participants[i].UserID == actingUser {
			call.Participants[i].Status = domain.ParticipantJoined
			call.Participants[i].JoinedAt = &now
		}
	}

	if call.Status == domain.CallStatusInitiated {
		if err := s.calls.UpdateStatus(ctx, callID, domain.CallStatusOngoing, now); err != nil {
			logger.Error("Failed to move call to ongoing",
				zap.String("call_id", callID.String()),
				zap.Error(err))
			return nil, false, apperrors.DatabaseError(err)
		}
		call.Status = domain.CallStatusOngoing
		call.StartedAt = &now
	}

	s.router.RecordRoute(callID, actingUser, senderConn)

	delivered := false
	if peerID, ok := call.Peer(actingUser); ok {
		delivered = s.notifyExcluding(callID, peerID, senderConn, domain.EventCallAccepted, &domain.CallStatusPayload{
			CallID: callID,
			UserID: actingUser,
		})
	}

	s.journalEvent(callID, "accepted", actingUser, now)

	return call, delivered, nil
}

// Reject marks the acting participant missed and terminates the whole call
// as missed, regardless of the other participant's state. A reject on an
// ongoing call therefore behaves as a hang-up; see DESIGN.md.
func (s *Service) Reject(ctx context.Context, actingUser uuid.UUID, senderConn string, callID uuid.UUID) (bool, error) {
	if actingUser == uuid.Nil {
		return false, apperrors.UnauthorizedError("acting user could not be resolved")
	}

	s.locks.Lock(callID)
	defer s.locks.Unlock(callID)

	call, err := s.getCall(ctx, callID)
	if err != nil {
		return false, err
	}

	s.ringer.Cancel(callID)

	now := time.Now().UTC()
	if err := s.calls.UpsertParticipant(ctx, callID, actingUser, domain.ParticipantMissed, now); err != nil {
		logger.Error("Failed to mark participant missed",
			zap.String("call_id", callID.String()),
			zap.String("user_id", actingUser.String()),
			zap.Error(err))
		return false, apperrors.DatabaseError(err)
	}
	if err := s.calls.UpdateStatus(ctx, callID, domain.CallStatusMissed, now); err != nil {
		logger.Error("Failed to mark call missed",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return false, apperrors.DatabaseError(err)
	}

	s.router.DropCall(callID)

	delivered := false
	if peerID, ok := call.Peer(actingUser); ok {
		delivered = s.notifyExcluding(callID, peerID, senderConn, domain.EventCallMissed, &domain.CallStatusPayload{
			CallID: callID,
			UserID: actingUser,
		})
	}

	s.journalEvent(callID, "rejected", actingUser, now)
	if s.metrics != nil && !call.Status.IsTerminal() {
		s.metrics.RecordCallOutcome(string(domain.CallStatusMissed))
	}

	return delivered, nil
}

// End terminates a call unconditionally, from any non-terminal status. Every
// participant with a resolvable connection is notified best-effort.
func (s *Service) End(ctx context.Context, actingUser uuid.UUID, senderConn string, callID uuid.UUID) (bool, error) {
	if actingUser == uuid.Nil {
		return false, apperrors.UnauthorizedError("acting user could not be resolved")
	}

	s.locks.Lock(callID)
	defer s.locks.Unlock(callID)

	call, err := s.getCall(ctx, callID)
	if err != nil {
		return false, err
	}

	s.ringer.Cancel(callID)

	now := time.Now().UTC()
	if err := s.calls.UpdateStatus(ctx, callID, domain.CallStatusEnded, now); err != nil {
		logger.Error("Failed to mark call ended",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return false, apperrors.DatabaseError(err)
	}

	payload := &domain.CallStatusPayload{CallID: callID, UserID: actingUser}
	delivered := false
	for _, p := range call.Participants {
		exclude := ""
		if p.UserID == actingUser {
			exclude = senderConn
		}
		if s.notifyExcluding(callID, p.UserID, exclude, domain.EventCallEnded, payload) {
			delivered = true
		}
	}

	s.router.DropCall(callID)

	s.journalEvent(callID, "ended", actingUser, now)
	if s.metrics != nil && !call.Status.IsTerminal() {
		s.metrics.RecordCallOutcome(string(domain.CallStatusEnded))
	}

	return delivered, nil
}

// ringTimeout runs when the ring window elapses without the timer being
// cancelled. The timer deregisters itself before this runs, so a transition
// that was already holding the per-call lock sees Cancel fail; the status
// re-read below is what keeps such a late fire from touching the call.
func (s *Service) ringTimeout(callID uuid.UUID) {
	s.locks.Lock(callID)
	defer s.locks.Unlock(callID)

	ctx, cancel := pkgcontext.WithMediumTimeout(context.Background())
	defer cancel()

	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		logger.Error("Ring timeout could not load call",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return
	}
	if call.Status != domain.CallStatusInitiated {
		// A transition won the race. Terminal calls have dropped their
		// routes already; an ongoing call keeps them.
		if call.Status.IsTerminal() {
			s.router.DropCall(callID)
		}
		return
	}

	now := time.Now().UTC()
	if err := s.calls.MarkMissedIfRinging(ctx, callID, now); err != nil {
		// The timer entry is already cleared by firing; log and carry on so
		// an immortal timer cannot exist.
		logger.Error("Ring timeout failed to mark call missed",
			zap.String("call_id", callID.String()),
			zap.Error(err))
	}

	s.router.DropCall(callID)

	// Stop the initiator's UI from ringing
	if peerID, ok := call.Peer(call.InitiatorID); ok {
		s.emitter.EmitToUser(call.InitiatorID, domain.EventCallMissed, &domain.CallStatusPayload{
			CallID: callID,
			UserID: peerID,
		})
	}

	s.journalEvent(callID, "ring_timeout", call.InitiatorID, now)
	if s.metrics != nil {
		s.metrics.RecordCallOutcome(string(domain.CallStatusMissed))
	}
}

// notify resolves the recipient's connection for this call and emits to it
func (s *Service) notify(callID, recipient uuid.UUID, hint string, event string, payload any) bool {
	return s.notifyWith(callID, recipient, hint, "", event, payload)
}

// notifyExcluding is notify with the sender's own connection excluded
func (s *Service) notifyExcluding(callID, recipient uuid.UUID, exclude string, event string, payload any) bool {
	return s.notifyWith(callID, recipient, "", exclude, event, payload)
}

func (s *Service) notifyWith(callID, recipient uuid.UUID, hint, exclude string, event string, payload any) bool {
	target, ok := s.router.ResolveTarget(callID, recipient, hint, exclude)
	if !ok {
		return false
	}
	return s.emitter.EmitToConnection(target, event, payload)
}

// getCall loads a call and maps store failures to the error taxonomy
func (s *Service) getCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, cockroach.ErrCallNotFound) {
			return nil, apperrors.CallNotFoundError()
		}
		logger.Error("Failed to load call",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return nil, apperrors.DatabaseError(err)
	}
	return call, nil
}

// journalEvent appends to the audit journal, best-effort
func (s *Service) journalEvent(callID uuid.UUID, eventType string, actorID uuid.UUID, ts time.Time) {
	if s.journal == nil {
		return
	}
	err := s.journal.Record(&domain.CallEvent{
		CallID:    callID,
		EventType: eventType,
		ActorID:   actorID,
		CreatedAt: ts,
	})
	if err != nil {
		logger.Warn("Failed to journal call event",
			zap.String("call_id", callID.String()),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
