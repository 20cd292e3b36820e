package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertIfAbsent inserts grant unless its operation id already exists and
	// reports whether a row was written.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, grant *Grant) (bool, error)
	FindByOperationID(ctx context.Context, db *gorm.DB, operationID string) (*Grant, error)
	// LockSpendable returns the spendable grants for an account in drain order,
	// holding row locks for the life of the transaction where supported.
	LockSpendable(ctx context.Context, db *gorm.DB, accountID string, now time.Time) ([]Grant, error)
	// Decrement draws amount from a grant only if its balance still covers it.
	Decrement(ctx context.Context, db *gorm.DB, operationID string, amount int64) (bool, error)
	RemainingByType(ctx context.Context, db *gorm.DB, accountID string, now time.Time) (map[GrantType]int64, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID string, before *Grant, limit int) ([]Grant, error)

	InsertDebt(ctx context.Context, db *gorm.DB, debt *Debt) error
	LockOutstandingDebts(ctx context.Context, db *gorm.DB, accountID string) ([]Debt, error)
	// SettleDebt reduces a debt's outstanding amount, guarded on the value the
	// caller read.
	SettleDebt(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedOutstanding, amount int64, now time.Time) (bool, error)
	OutstandingDebt(ctx context.Context, db *gorm.DB, accountID string) (int64, error)
}
