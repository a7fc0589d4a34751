package call

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"duocall-backend/internal/domain"
	"duocall-backend/internal/repository/cockroach"
	"duocall-backend/internal/signaling"
	apperrors "duocall-backend/pkg/errors"
)

// Mocks
type MockCallStore struct {
	mock.Mock
}

func (m *MockCallStore) Create(ctx context.Context, call *domain.Call) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockCallStore) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallStore) UpsertParticipant(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus, ts time.Time) error {
	args := m.Called(ctx, callID, userID, status, ts)
	return args.Error(0)
}

func (m *MockCallStore) UpdateStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus, ts time.Time) error {
	args := m.Called(ctx, callID, status, ts)
	return args.Error(0)
}

func (m *MockCallStore) MarkMissedIfRinging(ctx context.Context, callID uuid.UUID, ts time.Time) error {
	args := m.Called(ctx, callID, ts)
	return args.Error(0)
}

type MockConversationStore struct {
	mock.Mock
}

func (m *MockConversationStore) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]*domain.ConversationParticipant, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ConversationParticipant), args.Error(1)
}

type MockEmitter struct {
	mock.Mock
}

func (m *MockEmitter) EmitToConnection(connID string, event string, payload any) bool {
	args := m.Called(connID, event, payload)
	return args.Bool(0)
}

func (m *MockEmitter) EmitToUser(userID uuid.UUID, event string, payload any) bool {
	args := m.Called(userID, event, payload)
	return args.Bool(0)
}

type MockEventJournal struct {
	mock.Mock
}

func (m *MockEventJournal) Record(event *domain.CallEvent) error {
	args := m.Called(event)
	return args.Error(0)
}

type MockAlerter struct {
	mock.Mock
}

func (m *MockAlerter) SendCallAlert(ctx context.Context, userID uuid.UUID, call *domain.Call) error {
	args := m.Called(ctx, userID, call)
	return args.Error(0)
}

type fixture struct {
	calls    *MockCallStore
	convs    *MockConversationStore
	emitter  *MockEmitter
	registry *signaling.Registry
	router   *signaling.Router
	ringer   *signaling.Ringer
	service  *Service
}

func newFixture(ringWindow time.Duration) *fixture {
	f := &fixture{
		calls:   new(MockCallStore),
		convs:   new(MockConversationStore),
		emitter: new(MockEmitter),
	}
	f.registry = signaling.NewRegistry()
	f.router = signaling.NewRouter(f.registry)
	f.ringer = signaling.NewRinger(ringWindow)
	f.service = NewService(f.calls, f.convs, f.router, f.ringer, f.emitter, nil, nil, nil)
	return f
}

func oneToOneConversation(adminID, memberID uuid.UUID) []*domain.ConversationParticipant {
	return []*domain.ConversationParticipant{
		{UserID: adminID, Role: domain.RoleAdmin},
		{UserID: memberID, Role: domain.RoleMember},
	}
}

func twoPartyCall(callID, initiatorID, calleeID uuid.UUID, status domain.CallStatus) *domain.Call {
	return &domain.Call{
		CallID:      callID,
		InitiatorID: initiatorID,
		CallType:    domain.CallTypeVideo,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
		Participants: []domain.CallParticipant{
			{CallID: callID, UserID: initiatorID, Status: domain.ParticipantJoined},
			{CallID: callID, UserID: calleeID, Status: domain.ParticipantMissed},
		},
	}
}

func TestInitiateDeliversToOnlineCallee(t *testing.T) {
	f := newFixture(time.Hour)

	callerID := uuid.New()
	calleeID := uuid.New()
	conversationID := uuid.New()
	f.registry.Subscribe(calleeID, "callee-conn")

	ctx := context.Background()

	// Expectations
	f.convs.On("GetParticipants", ctx, conversationID).Return(oneToOneConversation(callerID, calleeID), nil)
	f.calls.On("Create", ctx, mock.AnythingOfType("*domain.Call")).Return(nil)
	f.emitter.On("EmitToConnection", "callee-conn", domain.EventCallIncoming, mock.Anything).Return(true)

	// Execute
	call, delivered, err := f.service.Initiate(ctx, callerID, "caller-conn", conversationID, domain.CallTypeVideo)

	// Assert
	assert.NoError(t, err)
	assert.True(t, delivered)
	assert.NotNil(t, call)
	assert.Equal(t, domain.CallStatusInitiated, call.Status)
	assert.Equal(t, callerID, call.InitiatorID)
	assert.Len(t, call.Participants, 2)
	assert.True(t, f.ringer.Pending(call.CallID))

	f.calls.AssertExpectations(t)
	f.emitter.AssertExpectations(t)
}

func TestInitiateOfflineCalleeFallsBackToPush(t *testing.T) {
	f := newFixture(time.Hour)
	alerter := new(MockAlerter)
	f.service.alerter = alerter

	callerID := uuid.New()
	calleeID := uuid.New()
	conversationID := uuid.New()

	ctx := context.Background()

	f.convs.On("GetParticipants", ctx, conversationID).Return(oneToOneConversation(callerID, calleeID), nil)
	f.calls.On("Create", ctx, mock.AnythingOfType("*domain.Call")).Return(nil)
	alerter.On("SendCallAlert", ctx, calleeID, mock.AnythingOfType("*domain.Call")).Return(nil)

	call, delivered, err := f.service.Initiate(ctx, callerID, "caller-conn", conversationID, domain.CallTypeVoice)

	// An unreachable callee is not an error; the call rings until timeout
	assert.NoError(t, err)
	assert.False(t, delivered)
	assert.Equal(t, domain.CallStatusInitiated, call.Status)
	assert.True(t, f.ringer.Pending(call.CallID))

	f.emitter.AssertNotCalled(t, "EmitToConnection", mock.Anything, mock.Anything, mock.Anything)
	alerter.AssertExpectations(t)
}

func TestInitiateRejectsNonAdminCaller(t *testing.T) {
	f := newFixture(time.Hour)

	callerID := uuid.New()
	calleeID := uuid.New()
	conversationID := uuid.New()

	ctx := context.Background()

	participants := []*domain.ConversationParticipant{
		{UserID: callerID, Role: domain.RoleMember},
		{UserID: calleeID, Role: domain.RoleAdmin},
	}
	f.convs.On("GetParticipants", ctx, conversationID).Return(participants, nil)

	call, delivered, err := f.service.Initiate(ctx, callerID, "caller-conn", conversationID, domain.CallTypeVideo)

	assert.Error(t, err)
	assert.Nil(t, call)
	assert.False(t, delivered)
	assert.Equal(t, apperrors.ErrCodeForbidden, apperrors.GetAppError(err).Code)

	f.calls.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestInitiateRequiresExactlyOneCallee(t *testing.T) {
	f := newFixture(time.Hour)

	callerID := uuid.New()
	conversationID := uuid.New()

	ctx := context.Background()

	participants := []*domain.ConversationParticipant{
		{UserID: callerID, Role: domain.RoleAdmin},
		{UserID: uuid.New(), Role: domain.RoleMember},
		{UserID: uuid.New(), Role: domain.RoleMember},
	}
	f.convs.On("GetParticipants", ctx, conversationID).Return(participants, nil)

	call, _, err := f.service.Initiate(ctx, callerID, "caller-conn", conversationID, domain.CallTypeVideo)

	assert.Error(t, err)
	assert.Nil(t, call)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetAppError(err).Code)
}

func TestInitiateUnknownConversation(t *testing.T) {
	f := newFixture(time.Hour)

	conversationID := uuid.New()
	ctx := context.Background()

	f.convs.On("GetParticipants", ctx, conversationID).Return([]*domain.ConversationParticipant{}, nil)

	call, _, err := f.service.Initiate(ctx, uuid.New(), "caller-conn", conversationID, domain.CallTypeVideo)

	assert.Error(t, err)
	assert.Nil(t, call)
	assert.Equal(t, apperrors.ErrCodeConversationNotFound, apperrors.GetAppError(err).Code)
}

func TestAcceptMovesCallToOngoing(t *testing.T) {
	f := newFixture(time.Hour)

	callID := uuid.New()
	callerID := uuid.New()
	calleeID := uuid.New()
	f.registry.Subscribe(callerID, "caller-conn")
	f.ringer.Arm(callID, func() {})

	ctx := context.Background()

	f.calls.On("GetByID", ctx, callID).Return(twoPartyCall(callID, callerID, calleeID, domain.CallStatusInitiated), nil)
	f.calls.On("UpsertParticipant", ctx, callID, calleeID, domain.ParticipantJoined, mock.AnythingOfType("time.Time")).Return(nil)
	f.calls.On("UpdateStatus", ctx, callID, domain.CallStatusOngoing, mock.AnythingOfType("time.Time")).Return(nil)
	f.emitter.On("EmitToConnection", "caller-conn", domain.EventCallAccepted, mock.Anything).Return(true)

	call, delivered, err := f.service.Accept(ctx, calleeID, "callee-conn", callID)

	assert.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, domain.CallStatusOngoing, call.Status)
	assert.NotNil(t, call.StartedAt)
	assert.False(t, f.ringer.Pending(callID))

	f.calls.AssertExpectations(t)
	f.emitter.AssertExpectations(t)
}

func TestAcceptOngoingCallDoesNotRepeatTransition(t *testing.T) {
	f := newFixture(time.Hour)

	callID := uuid.New()
	callerID := uuid.New()
	calleeID := uuid.New()

	ctx := context.Background()

	f.calls.On("GetByID", ctx, callID).Return(twoPartyCall(callID, callerID, calleeID, domain.CallStatusOngoing), nil)
	f.calls.On("UpsertParticipant", ctx, callID, calleeID, domain.ParticipantJoined, mock.AnythingOfType("time.Time")).Return(nil)

	call, delivered, err := f.service.Accept(ctx, calleeID, "callee-conn", callID)

	assert.NoError(t, err)
	assert.False(t, delivered) // caller has no live connection here
	assert.Equal(t, domain.CallStatusOngoing, call.Status)

	f.calls.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAcceptUnknownCall(t *testing.T) {
	f := newFixture(time.Hour)

	callID := uuid.New()
	ctx := context.Background()

	f.calls.On("GetByID", ctx, callID).Return(nil, cockroach.ErrCallNotFound)

	call, delivered, err := f.service.Accept(ctx, uuid.New(), "callee-conn", callID)

	assert.Error(t, err)
	assert.Nil(t, call)
	assert.False(t, delivered)
	assert.Equal(t, apperrors.ErrCodeCallNotFound, apperrors.GetAppError(err).Code)
}

func TestAcceptCancelsRingTimer(t *testing.T) {
	f := newFixture(50 * time.Millisecond)

	callID := uuid.New()
	callerID := uuid.New()
	calleeID := uuid.New()
	f.ringer.Arm(callID, func() { f.service.ringTimeout(callID) })

	ctx := context.Background()

	f.calls.On("GetByID", ctx, callID).Return(twoPartyCall(callID, callerID, calleeID, domain.CallStatusInitiated), nil)
	f.calls.On("UpsertParticipant", ctx, callID, calleeID, domain.ParticipantJoined, mock.AnythingOfType("time.Time")).Return(nil)
	f.calls.On("UpdateStatus", ctx, callID, domain.CallStatusOngoing, mock.AnythingOfType("time.Time")).Return(nil)

	_, _, err := f.service.Accept(ctx, calleeID, "callee-conn", callID)
	assert.NoError(t, err)

	// Wait past the ring window; the cancelled timer must never mark missed
	time.Sleep(150 * time.Millisecond)
	f.calls.AssertNotCalled(t, "MarkMissedIfRinging", mock.Anything, mock.Anything, mock.Anything)
}

func TestRingTimerFiringDuringAcceptDoesNotMarkMissed(t *testing.T) {
	f := newFixture(30 * time.Millisecond)

	callID := uuid.New()
	callerID := uuid.New()
	calleeID := uuid.New()
	f.ringer.Arm(callID, func() { f.service.ringTimeout(callID) })

	ctx := context.Background()

	// Accept holds the per-call lock across a slow record load, so the ring
	// window elapses while the transition is still in flight
	f.calls.On("GetByID", ctx, callID).
		Return(twoPartyCall(callID, callerID, calleeID, domain.CallStatusInitiated), nil).
		Once().
		Run(func(mock.Arguments) { time.Sleep(60 * time.Millisecond) })
	f.calls.On("UpsertParticipant", ctx, callID, calleeID, domain.ParticipantJoined, mock.AnythingOfType("time.Time")).Return(nil)
	f.calls.On("UpdateStatus", ctx, callID, domain.CallStatusOngoing, mock.AnythingOfType("time.Time")).Return(nil)
	// The late timer callback re-reads the call and must see the committed
	// transition
	f.calls.On("GetByID", mock.Anything, callID).
		Return(twoPartyCall(callID, callerID, calleeID, domain.CallStatusOngoing), nil)

	call, _, err := f.service.Accept(ctx, calleeID, "callee-conn", callID)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusOngoing, call.Status)

	// Let the blocked timer callback run to completion
	time.Sleep(100 * time.Millisecond)
	f.calls.AssertNotCalled(t, "MarkMissedIfRinging", mock.Anything, mock.Anything, mock.Anything)
	f.emitter.AssertNotCalled(t, "EmitToUser", mock.Anything, mock.Anything, mock.Anything)

	// The accepted call keeps its routing state
	target, ok := f.router.ResolveTarget(callID, calleeID, "", "")
	assert.True(t, ok)
	assert.Equal(t, "callee-conn", target)
}

func TestAcceptEndedCallIsRefused(t *testing.T) {
	f := newFixture(time.Hour)

	callID := uuid.New()
	callerID := uuid.New()
	calleeID := uuid.New()
	f.registry.Subscribe(callerID, "caller-conn")

	ctx := context.Background()

	f.calls.On("GetByID", ctx, callID).Return(twoPartyCall(callID, callerID, calleeID, domain.CallStatusEnded), nil)

	call, delivered, err := f.service.Accept(ctx, calleeID, "callee-conn", callID)

	assert.Error(t, err)
	assert.Nil(t, call)
	assert.False(t, delivered)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetAppError(err).Code)

	// A dead call must not ring the peer or touch participant rows
	f.calls.AssertNotCalled(t, "UpsertParticipant", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.emitter.AssertNotCalled(t, "EmitToConnection", mock.Anything, mock.Anything, mock.Anything)
}

func TestRejectMarksWholeCallMissed(t *testing.T) {
	f := newFixture(time.Hour)

	callID := uuid.New()
	callerID := uuid.New()
	calleeID := uuid.New()
	f.registry.Subscribe(callerID, "caller-conn")
	f.ringer.Arm(callID, func() {})

	ctx := context.Background()

	f.calls.On("GetByID", ctx, callID).Return(twoPartyCall(callID, callerID, calleeID, domain.CallStatusInitiated), nil)
	f.calls.On("UpsertParticipant", ctx, callID, calleeID, domain.ParticipantMissed, mock.AnythingOfType("time.Time")).Return(nil)
	f.calls.On("UpdateStatus", ctx, callID, domain.CallStatusMissed, mock.AnythingOfType("time.Time")).Return(nil)
	f.emitter.On("EmitToConnection", "caller-conn", domain.EventCallMissed, mock.Anything).Return(true)

	delivered, err := f.service.Reject(ctx, calleeID, "callee-conn", callID)

	assert.NoError(t, err)
	assert.True(t, delivered)
	assert.False(t, f.ringer.Pending(callID))

	// Routing state is gone once the call is terminal
	_, ok := f.router.ResolveTarget(callID, callerID, "", "")
	assert.True(t, ok) // falls back to the active connection
	f.registry.Unsubscribe(callerID, "caller-conn")
	_, ok = f.router.ResolveTarget(callID, callerID, "", "")
	assert.False(t, ok)

	f.calls.AssertExpectations(t)
}

func TestEndNotifiesReachableParticipants(t *testing.T) {
	f := newFixture(time.Hour)

	callID := uuid.New()
	callerID := uuid.New()
	calleeID := uuid.New()
	f.registry.Subscribe(callerID, "caller-conn")
	f.registry.Subscribe(calleeID, "callee-conn")

	ctx := context.Background()

	f.calls.On("GetByID", ctx, callID).Return(twoPartyCall(callID, callerID, calleeID, domain.CallStatusOngoing), nil)
	f.calls.On("UpdateStatus", ctx, callID, domain.CallStatusEnded, mock.AnythingOfType("time.Time")).Return(nil)
	f.emitter.On("EmitToConnection", "callee-conn", domain.EventCallEnded, mock.Anything).Return(true)

	delivered, err := f.service.End(ctx, callerID, "caller-conn", callID)

	assert.NoError(t, err)
	assert.True(t, delivered)

	// The sender's own connection is excluded, so only the peer is notified
	f.emitter.AssertNotCalled(t, "EmitToConnection", "caller-conn", mock.Anything, mock.Anything)
	f.calls.AssertExpectations(t)
}

func TestEndUnknownCall(t *testing.T) {
	f := newFixture(time.Hour)

	callID := uuid.New()
	ctx := context.Background()

	f.calls.On("GetByID", ctx, callID).Return(nil, cockroach.ErrCallNotFound)

	delivered, err := f.service.End(ctx, uuid.New(), "conn", callID)

	assert.Error(t, err)
	assert.False(t, delivered)
	assert.Equal(t, apperrors.ErrCodeCallNotFound, apperrors.GetAppError(err).Code)
}

func TestRingTimeoutMarksMissedAndNotifiesInitiator(t *testing.T) {
	f := newFixture(time.Hour)

	callID := uuid.New()
	callerID := uuid.New()
	calleeID := uuid.New()
	f.registry.Subscribe(callerID, "caller-conn")
	f.router.RecordRoute(callID, callerID, "caller-conn")

	f.calls.On("GetByID", mock.Anything, callID).Return(twoPartyCall(callID, callerID, calleeID, domain.CallStatusInitiated), nil)
	f.calls.On("MarkMissedIfRinging", mock.Anything, callID, mock.AnythingOfType("time.Time")).Return(nil)
	f.emitter.On("EmitToUser", callerID, domain.EventCallMissed, mock.Anything).Return(true)

	f.service.ringTimeout(callID)

	f.calls.AssertExpectations(t)
	f.emitter.AssertExpectations(t)

	// Routing state was dropped
	_, ok := f.router.ResolveTarget(callID, calleeID, "", "")
	assert.False(t, ok)
}

func TestRingTimeoutSkipsTerminalCall(t *testing.T) {
	f := newFixture(time.Hour)

	callID := uuid.New()
	callerID := uuid.New()
	calleeID := uuid.New()

	f.calls.On("GetByID", mock.Anything, callID).Return(twoPartyCall(callID, callerID, calleeID, domain.CallStatusEnded), nil)

	f.service.ringTimeout(callID)

	f.calls.AssertNotCalled(t, "MarkMissedIfRinging", mock.Anything, mock.Anything, mock.Anything)
	f.emitter.AssertNotCalled(t, "EmitToUser", mock.Anything, mock.Anything, mock.Anything)
}
