package chatlink

import (
	"context"

	"github.com/go-chat-link/internal/domain"
)

// Gateway is the messaging provider's send/receive API.
type Gateway interface {
	SendMessage(ctx context.Context, identity, text string) error
	// FetchUpdates returns messages with an offset greater than sinceOffset.
	// It must return promptly once ctx is cancelled.
	FetchUpdates(ctx context.Context, sinceOffset int64) ([]domain.InboundMessage, error)
}

// SessionStore is the durable record of pending link sessions.
type SessionStore interface {
	// Upsert replaces the user's session with s in one atomic step.
	// It returns domain.ErrConflict if s.Code belongs to another live session.
	Upsert(ctx context.Context, s *domain.LinkSession) error
	FindByCode(ctx context.Context, code string) (*domain.LinkSession, error)
	// DeleteByUser and Delete are no-ops when the record is already gone.
	DeleteByUser(ctx context.Context, userID string) error
	Delete(ctx context.Context, s *domain.LinkSession) error
	ListAll(ctx context.Context) ([]domain.LinkSession, error)
}

// AccountStore reads and writes the linking fields of user accounts.
type AccountStore interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
	FindByExternalIdentity(ctx context.Context, identity string) (*domain.User, error)
	// SetExternalIdentity returns domain.ErrConflict when identity is bound
	// to a different user.
	SetExternalIdentity(ctx context.Context, userID, identity string) error
	ClearExternalIdentity(ctx context.Context, userID string) error
}

// EventPublisher fans link events out to other services.
type EventPublisher interface {
	Publish(ctx context.Context, evt domain.LinkEvent) error
}
