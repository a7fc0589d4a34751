package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"duocall-backend/internal/database"
	"duocall-backend/pkg/push"
)

// PushTokenRepository reads device push tokens registered by the
// notification service. Key layout:
//
//	push:token:{token}        -> serialized push.Token
//	push:user:{userID}:tokens -> set of token values
type PushTokenRepository struct {
	client *database.RedisClient
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *database.RedisClient) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

// GetByUserID retrieves all registered tokens for a user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	userTokensKey := fmt.Sprintf("push:user:%s:tokens", userID)

	tokenValues, err := r.client.SafeSMembers(ctx, userTokensKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	tokens := make([]*push.Token, 0, len(tokenValues))
	for _, value := range tokenValues {
		tokenKey := fmt.Sprintf("push:token:%s", value)
		data, err := r.client.SafeGet(ctx, tokenKey).Result()
		if err != nil {
			// Token entry expired or Redis degraded; skip
			continue
		}

		token := &push.Token{}
		if err := json.Unmarshal([]byte(data), token); err != nil {
			continue
		}
		tokens = append(tokens, token)
	}

	return tokens, nil
}
