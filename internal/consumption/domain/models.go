package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	"gorm.io/datatypes"
)

// Request debits Amount credits from an already-resolved account.
type Request struct {
	AccountID string
	Amount    int64
	// RequireFull rolls the debit back instead of recording debt when the
	// account cannot cover Amount.
	RequireFull bool
	// IdempotencyKey, when set, makes repeated calls return the first
	// committed result.
	IdempotencyKey string
}

// Draw is one step of a consumption plan.
type Draw struct {
	OperationID string                `json:"operationId"`
	Type        grantdomain.GrantType `json:"type"`
	Amount      int64                 `json:"amount"`
}

// Plan is the ordered set of draws that covers a request as far as the
// account's grants allow.
type Plan struct {
	Draws     []Draw
	Consumed  int64
	Shortfall int64
	Breakdown map[grantdomain.GrantType]int64
}

type Result struct {
	ConsumptionID snowflake.ID                    `json:"consumptionId,omitempty"`
	AccountID     string                          `json:"accountId"`
	Requested     int64                           `json:"requested"`
	Consumed      int64                           `json:"consumed"`
	Shortfall     int64                           `json:"shortfall"`
	Breakdown     map[grantdomain.GrantType]int64 `json:"breakdown"`
	Plan          []Draw                          `json:"plan"`
	Committed     bool                            `json:"committed"`
	DebtRecorded  int64                           `json:"debtRecorded"`
	Replayed      bool                            `json:"replayed"`
}

// Consumption is the durable record of one committed debit.
type Consumption struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	AccountID      string         `gorm:"type:varchar(191);not null;index:ix_credit_consumptions_account,priority:1;uniqueIndex:ux_credit_consumptions_idempotency,priority:1"`
	IdempotencyKey *string        `gorm:"type:varchar(191);uniqueIndex:ux_credit_consumptions_idempotency,priority:2"`
	Requested      int64          `gorm:"not null"`
	Consumed       int64          `gorm:"not null"`
	Shortfall      int64          `gorm:"not null"`
	DebtRecorded   int64          `gorm:"not null"`
	Breakdown      datatypes.JSON `gorm:"not null"`
	Plan           datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:ix_credit_consumptions_account,priority:2"`
}

// TableName sets the database table name.
func (Consumption) TableName() string { return "credit_consumptions" }
