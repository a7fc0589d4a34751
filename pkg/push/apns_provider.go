package push

import (
	"context"
	"fmt"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"

	"duocall-backend/pkg/logger"
)

// APNsProvider implements Provider for the Apple Push Notification Service.
// Call alerts are sent as VoIP pushes so iOS wakes the app to ring.
type APNsProvider struct {
	client   *apns2.Client
	bundleID string
}

// APNsConfig contains configuration for the APNs provider
type APNsConfig struct {
	KeyPath    string // Path to .p8 private key file
	KeyID      string // 10-character Key ID from the developer portal
	TeamID     string // 10-character Team ID from the developer portal
	BundleID   string // Bundle ID of the app (e.g., com.example.app)
	Production bool   // Use the production APNs endpoint
}

// NewAPNsProvider creates a new APNs provider with token authentication
func NewAPNsProvider(config *APNsConfig) (*APNsProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("APNs config is required")
	}
	if config.BundleID == "" {
		return nil, fmt.Errorf("BundleID is required")
	}
	if config.KeyPath == "" || config.KeyID == "" || config.TeamID == "" {
		return nil, fmt.Errorf("KeyPath, KeyID and TeamID are required")
	}

	authKey, err := token.AuthKeyFromFile(config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load APNs key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   config.KeyID,
		TeamID:  config.TeamID,
	})
	if config.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	logger.Info("APNs provider initialized",
		zap.String("bundle_id", config.BundleID),
		zap.Bool("production", config.Production))

	return &APNsProvider{
		client:   client,
		bundleID: config.BundleID,
	}, nil
}

// Name implements Provider
func (a *APNsProvider) Name() string { return "apns" }

// Send implements Provider
func (a *APNsProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	result := &SendResult{}

	body := payload.NewPayload().
		AlertTitle(notification.Title).
		AlertBody(notification.Body).
		Sound(notification.Sound).
		Category(notification.Category)
	for k, v := range notification.Data {
		body.Custom(k, v)
	}

	for _, deviceToken := range tokens {
		n := &apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       a.bundleID + ".voip",
			PushType:    apns2.PushTypeVOIP,
			Priority:    apns2.PriorityHigh,
			Payload:     body,
		}

		resp, err := a.client.PushWithContext(ctx, n)
		if err != nil {
			result.FailureCount++
			continue
		}
		if resp.Sent() {
			result.SuccessCount++
			continue
		}

		result.FailureCount++
		if resp.Reason == apns2.ReasonBadDeviceToken || resp.Reason == apns2.ReasonUnregistered {
			result.InvalidTokens = append(result.InvalidTokens, deviceToken)
		}
		logger.Debug("APNs push rejected",
			zap.String("reason", resp.Reason),
			zap.Int("status", resp.StatusCode))
	}

	return result, nil
}
