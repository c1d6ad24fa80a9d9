package chatlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-chat-link/internal/domain"
	"github.com/go-chat-link/internal/pkg/clock"
)

// LinkTicket is what a user needs to complete linking from their chat client.
type LinkTicket struct {
	Code      string `json:"code"`
	ExpiresIn int    `json:"expires_in"` // seconds
	DeepLink  string `json:"deep_link,omitempty"`
}

// LinkStatus describes a user's linking state.
type LinkStatus struct {
	Linked           bool    `json:"linked"`
	ExternalIdentity *string `json:"external_identity"`
	Pending          bool    `json:"pending"`
	ExpiresIn        int     `json:"expires_in,omitempty"` // seconds left on the pending code
}

type Service interface {
	InitiateLinking(ctx context.Context, userID string, hint *string) (*LinkTicket, error)
	CancelLinking(ctx context.Context, userID string) error
	Unlink(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (*LinkStatus, error)
}

// linker is the part of the Scheduler the service drives.
type linker interface {
	Start(ctx context.Context, userID string, hint *string) (*domain.LinkSession, error)
	Stop(ctx context.Context, userID string) error
	Lookup(userID string) (time.Time, bool)
}

type ServiceDeps struct {
	Linker      linker
	Accounts    AccountStore
	Events      EventPublisher // optional
	Clock       clock.Clock
	BotUsername string // enables deep links when set
}

type service struct {
	linker      linker
	accounts    AccountStore
	events      EventPublisher
	clock       clock.Clock
	botUsername string
}

func NewService(deps ServiceDeps) Service {
	c := deps.Clock
	if c == nil {
		c = clock.Real()
	}
	return &service{
		linker:      deps.Linker,
		accounts:    deps.Accounts,
		events:      deps.Events,
		clock:       c,
		botUsername: deps.BotUsername,
	}
}

func (s *service) InitiateLinking(ctx context.Context, userID string, hint *string) (*LinkTicket, error) {
	if _, err := s.accounts.Get(ctx, userID); err != nil {
		return nil, err
	}
	sess, err := s.linker.Start(ctx, userID, hint)
	if err != nil {
		return nil, err
	}
	t := &LinkTicket{
		Code:      sess.Code,
		ExpiresIn: secondsUntil(sess.ExpiresAt, s.clock.Now()),
	}
	if s.botUsername != "" {
		t.DeepLink = "https://t.me/" + url.PathEscape(s.botUsername) + "?start=" + sess.Code
	}
	return t, nil
}

func (s *service) CancelLinking(ctx context.Context, userID string) error {
	return s.linker.Stop(ctx, userID)
}

func (s *service) Unlink(ctx context.Context, userID string) error {
	u, err := s.accounts.Get(ctx, userID)
	if err != nil {
		return err
	}
	if u.ExternalIdentity == nil {
		return fmt.Errorf("account has no linked chat: %w", domain.ErrNotFound)
	}
	if err := s.accounts.ClearExternalIdentity(ctx, userID); err != nil {
		return err
	}
	if s.events != nil {
		evt := domain.LinkEvent{
			Type:             domain.LinkEventUnlinked,
			UserID:           userID,
			ExternalIdentity: *u.ExternalIdentity,
			OccurredAt:       s.clock.Now(),
		}
		if err := s.events.Publish(ctx, evt); err != nil {
			slog.Error("publish link event failed", "type", evt.Type, "user_id", userID, "error", err)
		}
	}
	return nil
}

func (s *service) Status(ctx context.Context, userID string) (*LinkStatus, error) {
	u, err := s.accounts.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	st := &LinkStatus{Linked: u.ExternalIdentity != nil, ExternalIdentity: u.ExternalIdentity}
	if expiresAt, ok := s.linker.Lookup(userID); ok {
		st.Pending = true
		st.ExpiresIn = secondsUntil(expiresAt, s.clock.Now())
	}
	return st, nil
}

func secondsUntil(t, now time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d.Round(time.Second) / time.Second)
}
