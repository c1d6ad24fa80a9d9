package chatlink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-chat-link/internal/domain"
)

const (
	replyUsage       = "Send the 8-character code shown on the linking page, for example: /start A1B2C3D4"
	replyInvalid     = "That code is not valid. Check it and try again."
	replyInactive    = "That code is no longer active. Request a new one from the linking page."
	replyExpired     = "That code has expired. Request a new one from the linking page."
	replyTaken       = "This chat is already linked to another account."
	replyLinked      = "Your account is now linked to this chat."
	replyUnavailable = "Linking is temporarily unavailable. Please send the code again in a moment."
)

// dispatchLocked decides and executes the outcome for one inbound message.
// It returns the reply text and, on a successful link, the event to publish.
func (s *Scheduler) dispatchLocked(ctx context.Context, msg domain.InboundMessage) (string, *domain.LinkEvent) {
	if msg.SenderIdentity == "" {
		// Channel posts and service messages carry no chat to link.
		return "", nil
	}
	code, ok := parseCode(msg.Text)
	if !ok {
		return replyUsage, nil
	}

	sess, err := s.sessions.FindByCode(ctx, code)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return s.retiredReplyLocked(code), nil
	case err != nil:
		slog.Error("find link session failed", "code", code, "error", err)
		return replyUnavailable, nil
	}

	now := s.clock.Now()
	e, active := s.entries[sess.UserID]
	if !active || e.code != sess.Code {
		if active {
			slog.Error("link session store and registry disagree",
				"user_id", sess.UserID, "stored_code", sess.Code, "registry_code", e.code)
		}
		if err := s.sessions.Delete(ctx, sess); err != nil {
			slog.Error("delete stale link session failed", "user_id", sess.UserID, "error", err)
		}
		return replyInactive, nil
	}

	if sess.Expired(now) {
		if err := s.stopLocked(ctx, sess.UserID, retiredExpired); err != nil {
			slog.Error("delete expired link session failed", "user_id", sess.UserID, "error", err)
		}
		return replyExpired, nil
	}

	if sess.ExternalIdentityHint != nil && *sess.ExternalIdentityHint != msg.SenderIdentity {
		slog.Warn("link code sent from unexpected identity",
			"user_id", sess.UserID, "identity", msg.SenderIdentity, "hint", *sess.ExternalIdentityHint)
		return replyInvalid, nil
	}

	owner, err := s.accounts.FindByExternalIdentity(ctx, msg.SenderIdentity)
	switch {
	case err == nil && owner.UserID != sess.UserID:
		return replyTaken, nil
	case err == nil, errors.Is(err, domain.ErrNotFound):
	default:
		slog.Error("find account by identity failed", "identity", msg.SenderIdentity, "error", err)
		return replyUnavailable, nil
	}

	if err := s.accounts.SetExternalIdentity(ctx, sess.UserID, msg.SenderIdentity); err != nil {
		switch {
		case errors.Is(err, domain.ErrConflict):
			return replyTaken, nil
		case errors.Is(err, domain.ErrNotFound):
			slog.Error("link session for missing account", "user_id", sess.UserID)
			if err := s.stopLocked(ctx, sess.UserID, retiredInactive); err != nil {
				slog.Error("delete orphaned link session failed", "user_id", sess.UserID, "error", err)
			}
			return replyInvalid, nil
		default:
			slog.Error("set external identity failed", "user_id", sess.UserID, "error", err)
			return replyUnavailable, nil
		}
	}

	if err := s.stopLocked(ctx, sess.UserID, retiredInactive); err != nil {
		slog.Error("retire consumed link session failed", "user_id", sess.UserID, "error", err)
	}
	slog.Info("account linked", "user_id", sess.UserID, "identity", msg.SenderIdentity)
	return replyLinked, &domain.LinkEvent{
		Type:             domain.LinkEventLinked,
		UserID:           sess.UserID,
		ExternalIdentity: msg.SenderIdentity,
		OccurredAt:       now,
	}
}

// retiredReplyLocked picks the reply for a code the store does not know.
func (s *Scheduler) retiredReplyLocked(code string) string {
	t, ok := s.tombstones[code]
	if !ok || !s.clock.Now().Before(t.until) {
		return replyInvalid
	}
	if t.reason == retiredExpired {
		return replyExpired
	}
	return replyInactive
}
