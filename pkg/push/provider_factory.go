package push

import (
	"go.uber.org/zap"

	"duocall-backend/pkg/env"
	"duocall-backend/pkg/logger"
)

// NewProvidersFromEnv constructs every push provider whose configuration is
// present in the environment. Providers with missing or broken configuration
// are skipped with a warning; an empty slice disables push entirely.
func NewProvidersFromEnv() []Provider {
	var providers []Provider

	if path := env.GetString("FCM_CREDENTIALS_PATH", ""); path != "" {
		fcm, err := NewFCMProvider(&FCMConfig{
			CredentialsPath: path,
			ProjectID:       env.GetString("FCM_PROJECT_ID", ""),
		})
		if err != nil {
			logger.Warn("FCM provider disabled", zap.Error(err))
		} else {
			providers = append(providers, fcm)
		}
	}

	if keyPath := env.GetString("APNS_KEY_PATH", ""); keyPath != "" {
		apns, err := NewAPNsProvider(&APNsConfig{
			KeyPath:    keyPath,
			KeyID:      env.GetString("APNS_KEY_ID", ""),
			TeamID:     env.GetString("APNS_TEAM_ID", ""),
			BundleID:   env.GetString("APNS_BUNDLE_ID", ""),
			Production: env.GetBool("APNS_PRODUCTION", false),
		})
		if err != nil {
			logger.Warn("APNs provider disabled", zap.Error(err))
		} else {
			providers = append(providers, apns)
		}
	}

	return providers
}
