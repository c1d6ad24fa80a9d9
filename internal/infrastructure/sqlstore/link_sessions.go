package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-chat-link/internal/domain"
	"gorm.io/gorm"
)

type LinkSessionRepo struct {
	db *gorm.DB
}

func NewLinkSessionRepo(db *gorm.DB) *LinkSessionRepo {
	return &LinkSessionRepo{db: db}
}

// Upsert replaces the user's session in one transaction. The unique index
// on code turns a collision into domain.ErrConflict.
func (r *LinkSessionRepo) Upsert(ctx context.Context, s *domain.LinkSession) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", s.UserID).Delete(&domain.LinkSession{}).Error; err != nil {
			return err
		}
		return tx.Create(s).Error
	})
	if err != nil && isDuplicate(err) {
		return fmt.Errorf("link code in use: %w", domain.ErrConflict)
	}
	return err
}

func (r *LinkSessionRepo) FindByCode(ctx context.Context, code string) (*domain.LinkSession, error) {
	var s domain.LinkSession
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("link session not found: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *LinkSessionRepo) DeleteByUser(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&domain.LinkSession{}).Error
}

// Delete removes s by its session ID; a replaced session is left alone.
func (r *LinkSessionRepo) Delete(ctx context.Context, s *domain.LinkSession) error {
	return r.db.WithContext(ctx).Where("session_id = ?", s.SessionID).Delete(&domain.LinkSession{}).Error
}

func (r *LinkSessionRepo) ListAll(ctx context.Context) ([]domain.LinkSession, error) {
	var out []domain.LinkSession
	err := r.db.WithContext(ctx).Order("created_at").Find(&out).Error
	return out, err
}
