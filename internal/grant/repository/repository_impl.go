package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const consumptionOrder = "priority ASC, CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END ASC, expires_at ASC, created_at ASC, operation_id ASC"

type repo struct{}

func Provide() grantdomain.Repository {
	return &repo{}
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, grant *grantdomain.Grant) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "operation_id"}},
			DoNothing: true,
		}).
		Create(grant)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindByOperationID(ctx context.Context, db *gorm.DB, operationID string) (*grantdomain.Grant, error) {
	var grant grantdomain.Grant
	err := db.WithContext(ctx).
		Where("operation_id = ?", operationID).
		First(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, grantdomain.ErrGrantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

func (r *repo) LockSpendable(ctx context.Context, db *gorm.DB, accountID string, now time.Time) ([]grantdomain.Grant, error) {
	var grants []grantdomain.Grant
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ? AND balance > 0", accountID).
		Where("expires_at IS NULL OR expires_at > ?", now.UTC()).
		Order(consumptionOrder).
		Find(&grants).Error
	if err != nil {
		return nil, err
	}

	// Re-apply the ordering in memory so the plan never depends on how a
	// dialect collates NULLs or timestamps.
	grants = grantdomain.FilterSpendable(grants, now)
	grantdomain.SortForConsumption(grants)
	return grants, nil
}

func (r *repo) Decrement(ctx context.Context, db *gorm.DB, operationID string, amount int64) (bool, error) {
	result := db.WithContext(ctx).
		Model(&grantdomain.Grant{}).
		Where("operation_id = ? AND balance >= ?", operationID, amount).
		UpdateColumn("balance", gorm.Expr("balance - ?", amount))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) RemainingByType(ctx context.Context, db *gorm.DB, accountID string, now time.Time) (map[grantdomain.GrantType]int64, error) {
	var rows []struct {
		GrantType grantdomain.GrantType
		Remaining int64
	}
	err := db.WithContext(ctx).
		Model(&grantdomain.Grant{}).
		Select("grant_type, COALESCE(SUM(balance), 0) AS remaining").
		Where("account_id = ? AND balance > 0", accountID).
		Where("expires_at IS NULL OR expires_at > ?", now.UTC()).
		Group("grant_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[grantdomain.GrantType]int64, len(rows))
	for _, row := range rows {
		out[row.GrantType] += row.Remaining
	}
	return out, nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID string, before *grantdomain.Grant, limit int) ([]grantdomain.Grant, error) {
	query := db.WithContext(ctx).
		Where("account_id = ?", accountID)
	if before != nil {
		query = query.Where(
			"created_at < ? OR (created_at = ? AND operation_id < ?)",
			before.CreatedAt, before.CreatedAt, before.OperationID,
		)
	}

	var grants []grantdomain.Grant
	err := query.
		Order("created_at DESC, operation_id DESC").
		Limit(limit).
		Find(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) InsertDebt(ctx context.Context, db *gorm.DB, debt *grantdomain.Debt) error {
	return db.WithContext(ctx).Create(debt).Error
}

func (r *repo) LockOutstandingDebts(ctx context.Context, db *gorm.DB, accountID string) ([]grantdomain.Debt, error) {
	var debts []grantdomain.Debt
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ? AND outstanding > 0", accountID).
		Order("created_at ASC, id ASC").
		Find(&debts).Error
	if err != nil {
		return nil, err
	}
	return debts, nil
}

func (r *repo) SettleDebt(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedOutstanding, amount int64, now time.Time) (bool, error) {
	remaining := expectedOutstanding - amount
	updates := map[string]any{"outstanding": remaining}
	if remaining == 0 {
		updates["settled_at"] = now.UTC()
	}

	result := db.WithContext(ctx).
		Model(&grantdomain.Debt{}).
		Where("id = ? AND outstanding = ?", id, expectedOutstanding).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) OutstandingDebt(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&grantdomain.Debt{}).
		Select("COALESCE(SUM(outstanding), 0)").
		Where("account_id = ? AND outstanding > 0", accountID).
		Row().
		Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}
