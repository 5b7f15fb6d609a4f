// Package mailboxes owns writes to mailbox token fields. Pipelines only read
// them, at processing time.
package mailboxes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"MailGateway/internal/bus"
	"MailGateway/internal/models"
)

var (
	ErrNotFound     = errors.New("mailbox not found")
	ErrInvalidGrant = errors.New("email, provider and accessToken are required")
)

type Store interface {
	UpsertTokens(
		ctx context.Context,
		email string,
		provider string,
		accessToken string,
		refreshToken *string,
		expiresAt *time.Time,
		clientID *string,
	) (*models.Mailbox, error)
	SetTokenExpiry(ctx context.Context, id int64, expiresAt time.Time) (*models.Mailbox, error)
}

type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Grant is the token set handed over by an OAuth exchange.
type Grant struct {
	Email        string  `json:"email"`
	Provider     string  `json:"provider"`
	AccessToken  string  `json:"accessToken"`
	RefreshToken *string `json:"refreshToken,omitempty"`
	ClientID     *string `json:"clientId,omitempty"`

	// ExpiresIn is the token lifetime in seconds; 0 means it does not expire.
	ExpiresIn int64 `json:"expiresIn,omitempty"`
}

type Service struct {
	store  Store
	bus    Emitter
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, emitter Emitter, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		bus:    emitter,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Service) SaveTokens(ctx context.Context, g Grant) (*models.Mailbox, error) {
	email := strings.TrimSpace(g.Email)
	provider := models.NormalizeProvider(g.Provider)
	if email == "" || provider == "" || g.AccessToken == "" {
		return nil, ErrInvalidGrant
	}

	var expiresAt *time.Time
	if g.ExpiresIn > 0 {
		t := s.now().Add(time.Duration(g.ExpiresIn) * time.Second)
		expiresAt = &t
	}

	m, err := s.store.UpsertTokens(ctx, email, provider, g.AccessToken, g.RefreshToken, expiresAt, g.ClientID)
	if err != nil {
		return nil, fmt.Errorf("save tokens: %w", err)
	}

	s.logger.Info("mailbox tokens saved",
		zap.Int64("mailbox_id", m.ID),
		zap.String("provider", provider),
	)
	s.emit(ctx, bus.EventMailboxAdded, m)
	return m, nil
}

// RefreshExpiry moves the mailbox's token expiry to now+extend.
func (s *Service) RefreshExpiry(ctx context.Context, id int64, extend time.Duration) (*models.Mailbox, error) {
	m, err := s.store.SetTokenExpiry(ctx, id, s.now().Add(extend))
	if err != nil {
		return nil, fmt.Errorf("refresh expiry: %w", err)
	}
	if m == nil {
		return nil, ErrNotFound
	}

	s.logger.Info("mailbox token expiry refreshed",
		zap.Int64("mailbox_id", id),
		zap.Timep("expires_at", m.TokenExpiresAt),
	)
	s.emit(ctx, bus.EventMailboxUpdated, m)
	return m, nil
}

func (s *Service) emit(ctx context.Context, event string, m *models.Mailbox) {
	if err := s.bus.Emit(ctx, event, m); err != nil {
		s.logger.Warn("mailbox event not emitted",
			zap.String("event", event),
			zap.Int64("mailbox_id", m.ID),
			zap.Error(err),
		)
	}
}
