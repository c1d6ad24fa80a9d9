package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-chat-link/internal/domain"
	"gorm.io/gorm"
)

type UserRepo struct {
	db *gorm.DB
}

func NewUserRepo(db *gorm.DB) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) Get(ctx context.Context, userID string) (*domain.User, error) {
	var u domain.User
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) FindByExternalIdentity(ctx context.Context, identity string) (*domain.User, error) {
	var u domain.User
	err := r.db.WithContext(ctx).Where("external_identity = ?", identity).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("identity not linked: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetExternalIdentity binds identity to userID. The unique index on
// external_identity backs the ownership check against concurrent writers.
func (r *UserRepo) SetExternalIdentity(ctx context.Context, userID, identity string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owners int64
		if err := tx.Model(&domain.User{}).
			Where("external_identity = ? AND user_id <> ?", identity, userID).
			Count(&owners).Error; err != nil {
			return err
		}
		if owners > 0 {
			return fmt.Errorf("identity linked to another account: %w", domain.ErrConflict)
		}
		res := tx.Model(&domain.User{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{"external_identity": identity, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("user not found: %w", domain.ErrNotFound)
		}
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrNotFound) && isDuplicate(err) {
		return fmt.Errorf("identity linked to another account: %w", domain.ErrConflict)
	}
	return err
}

func (r *UserRepo) ClearExternalIdentity(ctx context.Context, userID string) error {
	res := r.db.WithContext(ctx).Model(&domain.User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"external_identity": nil, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	return nil
}
