package repository

import (
	"context"
	"errors"
	"time"

	autotopupdomain "github.com/smallbiznis/creditledger/internal/autotopup/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() autotopupdomain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, accountID string) (*autotopupdomain.Settings, error) {
	var settings autotopupdomain.Settings
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, settings *autotopupdomain.Settings) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"account_type",
				"enabled",
				"threshold",
				"amount",
				"payment_customer_ref",
				"payment_method_ref",
				"blocked_reason",
				"blocked_at",
				"updated_at",
			}),
		}).
		Create(settings).Error
}

func (r *repo) Block(ctx context.Context, db *gorm.DB, accountID, reason string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&autotopupdomain.Settings{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"blocked_reason": reason,
			"blocked_at":     at.UTC(),
			"updated_at":     at.UTC(),
		}).Error
}
