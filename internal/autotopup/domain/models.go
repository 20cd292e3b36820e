package domain

import (
	"context"
	"errors"
	"time"

	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	"gorm.io/gorm"
)

var (
	ErrInvalidSettings    = errors.New("invalid_auto_topup_settings")
	ErrPaymentFailed      = errors.New("payment_failed")
	ErrPaymentUnavailable = errors.New("payment_unavailable")
)

// OperationPrefix namespaces auto-topup grant operation ids.
const OperationPrefix = "auto-topup"

// Reasons explain why MaybeTopup did or did not charge.
const (
	ReasonTriggered      = "triggered"
	ReasonDisabled       = "disabled"
	ReasonBlocked        = "blocked"
	ReasonAboveThreshold = "above_threshold"
	ReasonInFlight       = "in_flight"
	ReasonAlreadyApplied = "already_applied"
	ReasonPaymentFailed  = "payment_failed"
	ReasonPaymentPending = "payment_pending"
)

// Settings is an account's auto-topup configuration. A blocked account is
// not charged again until its settings are saved anew.
type Settings struct {
	AccountID          string                  `gorm:"primaryKey;type:varchar(191)" json:"accountId"`
	AccountType        grantdomain.AccountType `gorm:"type:varchar(32);not null" json:"accountType"`
	Enabled            bool                    `gorm:"not null" json:"enabled"`
	Threshold          int64                   `gorm:"not null" json:"threshold"`
	Amount             int64                   `gorm:"not null" json:"amount"`
	PaymentCustomerRef string                  `gorm:"type:text" json:"paymentCustomerRef,omitempty"`
	PaymentMethodRef   string                  `gorm:"type:text" json:"paymentMethodRef,omitempty"`
	BlockedReason      *string                 `gorm:"type:text" json:"blockedReason,omitempty"`
	BlockedAt          *time.Time              `json:"blockedAt,omitempty"`
	UpdatedAt          time.Time               `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name.
func (Settings) TableName() string { return "auto_topup_settings" }

func (s Settings) Blocked() bool {
	return s.BlockedReason != nil && *s.BlockedReason != ""
}

type Result struct {
	Triggered     bool               `json:"triggered"`
	Reason        string             `json:"reason"`
	Grant         *grantdomain.Grant `json:"grant,omitempty"`
	ChargeID      string             `json:"chargeId,omitempty"`
	FailureReason string             `json:"failureReason,omitempty"`
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, accountID string) (*Settings, error)
	Upsert(ctx context.Context, db *gorm.DB, settings *Settings) error
	Block(ctx context.Context, db *gorm.DB, accountID, reason string, at time.Time) error
}

type Service interface {
	MaybeTopup(ctx context.Context, accountID string) (Result, error)
	SaveSettings(ctx context.Context, settings Settings) (Settings, error)
	GetSettings(ctx context.Context, accountID string) (*Settings, error)
}
