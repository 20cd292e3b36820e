package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *Consumption) error
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, accountID, key string) (*Consumption, error)
	// SumRequestedSince totals the credits requested by committed debits at or
	// after since.
	SumRequestedSince(ctx context.Context, db *gorm.DB, accountID string, since time.Time) (int64, error)
}

type Service interface {
	Consume(ctx context.Context, req Request) (Result, error)
}
