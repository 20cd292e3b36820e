package domain

import (
	"context"
	"errors"

	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
)

var ErrInvalidAmount = errors.New("invalid_amount")

// Summary is a point-in-time view of an account's credits.
type Summary struct {
	AccountID      string                          `json:"accountId"`
	TotalRemaining int64                           `json:"totalRemaining"`
	TotalDebt      int64                           `json:"totalDebt"`
	NetBalance     int64                           `json:"netBalance"`
	Breakdown      map[grantdomain.GrantType]int64 `json:"breakdown"`
}

type Service interface {
	GetBalance(ctx context.Context, accountID string) (Summary, error)
	CanAfford(ctx context.Context, accountID string, amount int64) (bool, error)
}
