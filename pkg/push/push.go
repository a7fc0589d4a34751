// Package push delivers best-effort push notifications for calls whose
// callee has no live connection. Delivery failure is logged, never surfaced
// to the signaling path.
package push

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"duocall-backend/internal/domain"
	"duocall-backend/pkg/logger"
)

// Provider defines the interface for sending push notifications
type Provider interface {
	// Name identifies the provider in logs and metrics (fcm, apns)
	Name() string
	// Send delivers the notification to the given device tokens
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token represents a push notification token for a user
type Token struct {
	UserID   uuid.UUID `json:"user_id"`
	Token    string    `json:"token"`
	Type     TokenType `json:"type"`
	Platform string    `json:"platform,omitempty"` // ios, android
}

// TokenRepository looks up registered device tokens for a user
type TokenRepository interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
}

// MetricsRecorder records push send attempts; satisfied by pkg/metrics
type MetricsRecorder interface {
	RecordPushNotification(provider, result string)
}

// Service fans an incoming-call alert out to every provider that has tokens
// for the target user
type Service struct {
	providers map[TokenType]Provider
	repo      TokenRepository
	metrics   MetricsRecorder
}

// NewService creates a push notification service. metrics may be nil.
func NewService(repo TokenRepository, metrics MetricsRecorder, providers ...Provider) *Service {
	byType := make(map[TokenType]Provider, len(providers))
	for _, p := range providers {
		switch p.Name() {
		case "fcm":
			byType[TokenTypeFCM] = p
		case "apns":
			byType[TokenTypeAPNs] = p
		}
	}
	return &Service{
		providers: byType,
		repo:      repo,
		metrics:   metrics,
	}
}

// SendCallAlert notifies userID about an incoming call on all registered
// devices. Errors are returned for logging only; callers must not fail the
// call flow on them.
func (s *Service) SendCallAlert(ctx context.Context, userID uuid.UUID, call *domain.Call) error {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return nil
	}

	notification := &Notification{
		Title:    "Incoming call",
		Body:     "You have an incoming " + string(call.CallType) + " call",
		Priority: "high",
		Sound:    "ringtone",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"call_id":         call.CallID.String(),
			"conversation_id": call.ConversationID.String(),
			"initiator_id":    call.InitiatorID.String(),
			"call_type":       string(call.CallType),
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		},
	}

	grouped := make(map[TokenType][]string)
	for _, t := range tokens {
		grouped[t.Type] = append(grouped[t.Type], t.Token)
	}

	for tokenType, deviceTokens := range grouped {
		provider, ok := s.providers[tokenType]
		if !ok {
			continue
		}

		result, err := provider.Send(ctx, notification, deviceTokens)
		if err != nil {
			logger.Warn("Push send failed",
				zap.String("provider", provider.Name()),
				zap.String("user_id", userID.String()),
				zap.String("call_id", call.CallID.String()),
				zap.Error(err))
			s.record(provider.Name(), "error")
			continue
		}
		if result.FailureCount > 0 {
			s.record(provider.Name(), "partial")
		} else {
			s.record(provider.Name(), "success")
		}
	}

	return nil
}

func (s *Service) record(provider, result string) {
	if s.metrics != nil {
		s.metrics.RecordPushNotification(provider, result)
	}
}
