package push

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"eventsync-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
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
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	Delete(ctx context.Context, userID uuid.UUID, tokenID uuid.UUID) error
	MarkInactive(ctx context.Context, userID uuid.UUID, rawToken string) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken registers a push notification token for a user
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	token.Active = true
	if token.CreatedAt == 0 {
		token.CreatedAt = time.Now().Unix()
	}
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a push notification token
func (s *Service) UnregisterToken(ctx context.Context, userID, tokenID uuid.UUID) error {
	return s.repo.Delete(ctx, userID, tokenID)
}

// NotifyIncomingInvitation delivers a call-invitation push to every active
// device token of the invitee. Best-effort: failures are logged, invalid
// tokens are marked inactive, and no error propagates to the call flow.
func (s *Service) NotifyIncomingInvitation(ctx context.Context, inviteeID uuid.UUID, callID uuid.UUID, inviterID uuid.UUID, kind string) {
	tokens, err := s.repo.GetByUserID(ctx, inviteeID)
	if err != nil {
		logger.Warn("Failed to load push tokens for invitee",
			zap.String("invitee_id", inviteeID.String()),
			zap.Error(err))
		return
	}

	raw := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t.Active {
			raw = append(raw, t.Token)
		}
	}
	if len(raw) == 0 {
		return
	}

	notification := &Notification{
		Title:    "Incoming call",
		Body:     fmt.Sprintf("You are invited to join a %s call", kind),
		Priority: "high",
		Sound:    "default",
		Category: "call_invitation",
		Data: map[string]string{
			"type":       "call.invitation.incoming",
			"call_id":    callID.String(),
			"inviter_id": inviterID.String(),
			"kind":       kind,
		},
	}

	result, err := s.provider.Send(ctx, notification, raw)
	if err != nil {
		logger.Warn("Failed to send invitation push",
			zap.String("invitee_id", inviteeID.String()),
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return
	}

	for _, invalid := range result.InvalidTokens {
		if err := s.repo.MarkInactive(ctx, inviteeID, invalid); err != nil {
			logger.Warn("Failed to mark push token inactive",
				zap.String("invitee_id", inviteeID.String()),
				zap.Error(err))
		}
	}

	logger.Debug("Invitation push delivered",
		zap.String("invitee_id", inviteeID.String()),
		zap.Int("success", result.SuccessCount),
		zap.Int("failure", result.FailureCount))
}

// MockProvider is a no-op provider for development and tests
type MockProvider struct {
	Sent []*Notification
}

// Send records the notification and reports every token as delivered
func (m *MockProvider) Send(_ context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.Sent = append(m.Sent, notification)
	return &SendResult{SuccessCount: len(tokens)}, nil
}
