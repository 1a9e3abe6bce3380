package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"eventsync-backend/pkg/constants"
	"eventsync-backend/pkg/logger"
	"eventsync-backend/pkg/push"
)

// PushTokenRepository handles push notification token storage in Redis.
// Each user's tokens live in one hash keyed by token ID.
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{
		client: client,
	}
}

func userTokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("push_tokens:%s", userID)
}

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	if token.CreatedAt == 0 {
		token.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	key := userTokensKey(token.UserID)
	if err := r.client.HSet(ctx, key, token.ID.String(), data).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	// Refresh expiration on every write (30 days)
	if err := r.client.Expire(ctx, key, constants.PushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on user tokens",
			zap.String("user_id", token.UserID.String()),
			zap.Error(err))
	}

	logger.Debug("Push token stored",
		zap.String("token_id", token.ID.String()),
		zap.String("user_id", token.UserID.String()),
		zap.String("token_type", string(token.Type)))

	return nil
}

// GetByUserID retrieves all tokens for a user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	entries, err := r.client.HGetAll(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	tokens := make([]*push.Token, 0, len(entries))
	for tokenID, data := range entries {
		var token push.Token
		if err := json.Unmarshal([]byte(data), &token); err != nil {
			logger.Warn("Failed to unmarshal push token",
				zap.String("user_id", userID.String()),
				zap.String("token_id", tokenID),
				zap.Error(err))
			continue
		}
		tokens = append(tokens, &token)
	}
	return tokens, nil
}

// Delete removes a token by its ID
func (r *PushTokenRepository) Delete(ctx context.Context, userID uuid.UUID, tokenID uuid.UUID) error {
	if err := r.client.HDel(ctx, userTokensKey(userID), tokenID.String()).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// MarkInactive flags a token the provider reported as invalid so it is
// skipped on future sends
func (r *PushTokenRepository) MarkInactive(ctx context.Context, userID uuid.UUID, rawToken string) error {
	tokens, err := r.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}

	for _, token := range tokens {
		if token.Token != rawToken {
			continue
		}
		token.Active = false
		data, err := json.Marshal(token)
		if err != nil {
			return fmt.Errorf("failed to marshal token: %w", err)
		}
		if err := r.client.HSet(ctx, userTokensKey(userID), token.ID.String(), data).Err(); err != nil {
			return fmt.Errorf("failed to update token: %w", err)
		}
		return nil
	}
	return nil
}
