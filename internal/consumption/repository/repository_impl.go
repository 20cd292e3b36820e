package repository

import (
	"context"
	"errors"
	"time"

	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() consumptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *consumptiondomain.Consumption) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, accountID, key string) (*consumptiondomain.Consumption, error) {
	var record consumptiondomain.Consumption
	err := db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID, key).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) SumRequestedSince(ctx context.Context, db *gorm.DB, accountID string, since time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&consumptiondomain.Consumption{}).
		Select("COALESCE(SUM(requested), 0)").
		Where("account_id = ? AND created_at >= ?", accountID, since.UTC()).
		Row().
		Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}
